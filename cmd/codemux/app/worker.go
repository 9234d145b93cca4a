// SPDX-FileCopyrightText: Copyright 2025 Codemux Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/codemux/codemux/pkg/broker"
	"github.com/codemux/codemux/pkg/cache"
	"github.com/codemux/codemux/pkg/gateway"
	"github.com/codemux/codemux/pkg/inference"
	"github.com/codemux/codemux/pkg/logger"
	"github.com/codemux/codemux/pkg/secrets"
	"github.com/codemux/codemux/pkg/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the inference and persistence worker pools",
	Long: `Run the worker process: the inference pool claiming completion and chat
tasks, and the persistence pool draining durable writes into Postgres. Scales
horizontally; every instance claims from the same Redis queues.`,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		return err
	}

	gw, err := gateway.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer gw.Close()

	c := cache.NewWithClient(client, cache.Options{
		KeyPrefix:  cfg.KeyPrefix,
		AuthTTL:    cfg.AuthTokenTTL,
		SessionTTL: cfg.SessionTokenTTL,
		HookMargin: cfg.TokenHookMargin,
	})
	b := broker.New(client, broker.Options{
		KeyPrefix:  cfg.KeyPrefix,
		Visibility: cfg.TaskVisibility,
	})

	models := inference.NewRegistry()
	for _, id := range cfg.DefaultModelIDs {
		models.Register(id, &inference.TemplateInvoker{})
	}
	if cfg.PreloadModels {
		if err := models.Warm(ctx); err != nil {
			return err
		}
	}

	inferencePool := worker.NewInferencePool(b, c, models, secrets.NewRegexDetector(), worker.InferenceOptions{
		Workers:         cfg.InferenceWorkers,
		PerModelTimeout: cfg.PerModelTimeout,
	})
	persistPool := worker.NewPersistPool(b, gw, worker.PersistOptions{
		Workers:    cfg.PersistenceWorkers,
		BatchSize:  cfg.PersistenceBatchSize,
		MaxRetries: cfg.PersistenceMaxRetry,
	})

	logger.Infof("Workers starting: %d inference, %d persistence", cfg.InferenceWorkers, cfg.PersistenceWorkers)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return inferencePool.Run(ctx) })
	g.Go(func() error { return persistPool.Run(ctx) })
	g.Go(func() error {
		b.RunJanitor(ctx, janitorInterval)
		return nil
	})

	err = g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}
