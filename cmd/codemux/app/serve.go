// SPDX-FileCopyrightText: Copyright 2025 Codemux Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/codemux/codemux/pkg/api"
	"github.com/codemux/codemux/pkg/auth"
	"github.com/codemux/codemux/pkg/broker"
	"github.com/codemux/codemux/pkg/cache"
	"github.com/codemux/codemux/pkg/gateway"
	"github.com/codemux/codemux/pkg/logger"
	"github.com/codemux/codemux/pkg/orchestrator"
	"github.com/codemux/codemux/pkg/registry"
	"github.com/codemux/codemux/pkg/telemetry"
	"github.com/codemux/codemux/pkg/transport"
	"github.com/codemux/codemux/pkg/worker"
)

// serverVersionID is stamped onto every persisted query so analytics can
// segment by backend release.
const serverVersionID = 2

// noContextFlush drops project context flushes while passing everything else
// through, for deployments with durable context storage disabled.
type noContextFlush struct {
	*worker.Enqueuer
}

func (noContextFlush) EnqueueContextFlush(context.Context, []gateway.ContextFile) error {
	return nil
}

const janitorInterval = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket serving process",
	Long: `Run the serving process: the REST surface, the WebSocket endpoint, the
request orchestrator and the token expiration reaper. Inference and
persistence run separately under the worker subcommand.`,
	RunE: runServe,
}

func init() {
	flags := serveCmd.Flags()
	flags.String("address", ":8008", "HTTP listen address")
	if err := viper.BindPFlag("address", flags.Lookup("address")); err != nil {
		logger.Errorf("Failed to bind flag address: %v", err)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
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
		KeyPrefix:       cfg.KeyPrefix,
		AuthTTL:         cfg.AuthTokenTTL,
		SessionTTL:      cfg.SessionTokenTTL,
		VerificationTTL: cfg.VerificationTokenTTL,
		ResetTTL:        cfg.ResetTokenTTL,
		HookMargin:      cfg.TokenHookMargin,
		ChangelogLimit:  cfg.ContextChangelogLimit,
	})
	b := broker.New(client, broker.Options{
		KeyPrefix:  cfg.KeyPrefix,
		Visibility: cfg.TaskVisibility,
	})
	reg := registry.New(cfg.OutboundQueueSize)
	enq := worker.NewEnqueuer(b)

	var persist auth.PersistEnqueuer = enq
	if !cfg.StoreMultiFileContextDurably {
		// Session close records still flow; only dying project context is
		// discarded when durable context storage is switched off globally.
		persist = noContextFlush{enq}
	}
	mgr := auth.NewManager(c, gw, reg, persist)

	sink := telemetry.NewAnalyticsSink(enq, func(ctx context.Context) (int64, error) {
		return b.QueueDepth(ctx, broker.QueuePersist)
	}, int64(cfg.PersistQueueHardCap))

	orch, err := orchestrator.New(b, c, reg, enq, sink, nil, orchestrator.Options{
		RequestDeadline: cfg.RequestDeadline,
		DefaultModelIDs: cfg.DefaultModelIDs,
		HighWater:       int64(cfg.InferenceQueueHighWater),
		LowWater:        int64(cfg.InferenceQueueLowWater),
		ServerVersionID: serverVersionID,
		Queries:         gw,
	})
	if err != nil {
		return err
	}

	ws := transport.NewServer(mgr, reg, orch, transport.Options{})
	srv := api.NewServer(mgr, gw, ws, api.Options{
		AuthTokenTTL:    cfg.AuthTokenTTL,
		SessionTokenTTL: cfg.SessionTokenTTL,
		RateLimits:      cfg.RateLimits,
		SecureCookies:   !cfg.Debug,
	})

	httpSrv := &http.Server{
		Addr:              cfg.Address,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	reaper := cache.NewReaper(c, cfg.RedisDB, mgr)
	go func() {
		if err := reaper.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Errorf("Reaper stopped: %v", err)
		}
	}()
	go b.RunJanitor(ctx, janitorInterval)

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Serving on %s", cfg.Address)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Errorf("HTTP shutdown failed: %v", err)
	}
	reg.CloseAll(registry.ReasonShutdown)
	return nil
}
