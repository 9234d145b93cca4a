// SPDX-FileCopyrightText: Copyright 2025 Codemux Authors
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the codemux server and worker.
package main

import (
	"os"

	"github.com/codemux/codemux/cmd/codemux/app"
	"github.com/codemux/codemux/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
