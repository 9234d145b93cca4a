// SPDX-FileCopyrightText: Copyright 2025 Codemux Authors
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the codemux command-line
// application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/codemux/codemux/pkg/config"
	"github.com/codemux/codemux/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "codemux",
	DisableAutoGenTag: true,
	Short:             "Codemux is the request orchestration backend for AI code completion",
	Long: `Codemux is the request orchestration backend for AI code completion.

It terminates editor WebSocket connections, fans completion requests out to
multiple inference models in parallel, streams per-model replies back as they
land, and persists every request asynchronously through a Redis task broker.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
	PersistentPreRun: func(*cobra.Command, []string) {
		// Re-initialize so a --debug flag takes effect.
		logger.Initialize()
	},
}

// NewRootCmd creates the root command for the codemux CLI.
func NewRootCmd() *cobra.Command {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Path to a YAML config file")
	flags.Bool("debug", false, "Enable debug logging")
	flags.String("redis-addr", "localhost:6379", "Redis address for the cache and task broker")
	flags.String("database-url", "", "Postgres DSN for the persistence gateway")
	for _, name := range []string{"debug", "redis-addr", "database-url"} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			logger.Errorf("Failed to bind flag %s: %v", name, err)
		}
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(versionCmd)
	return rootCmd
}

// loadConfig resolves the configuration honoring the --config flag.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}
