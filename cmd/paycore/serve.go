package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/platinummonkey/paycore/pkg/config"
	"github.com/platinummonkey/paycore/pkg/observability"
	"github.com/platinummonkey/paycore/pkg/retry"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the retry poller and the ops endpoints until interrupted",
		Long: `Run paycore as a long-lived process.

serve delivers due retry notifications to the payment processor on the
configured schedule, exposes /health, /health/ready and /metrics on the
ops port, and reloads retry policies when PAYCORE_POLICY_FILE changes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	logger := a.logger

	providers, err := observability.InitOTel(ctx, cfg.Observability.OTel(), logger)
	if err != nil {
		a.close()
		return err
	}
	defer func() {
		otelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(otelCtx); err != nil {
			logger.WithError(err).Warn("OpenTelemetry shutdown failed")
		}
	}()

	if a.db != nil {
		a.db.StartMaintenance(ctx, 30*time.Second, a.metrics)
	}

	poller := retry.NewPoller(a.queue, cfg.Retry.Poller, logger, a.metrics)
	poller.Handle(retry.TrackPaymentFailure, a.processor.RetryFailedPayment)
	poller.Handle(retry.TrackPluginFailure, a.processor.RetryPluginFailure)
	// deliveries in flight finish under Stop's deadline rather than the signal
	if err := poller.Start(context.WithoutCancel(ctx)); err != nil {
		a.close()
		return err
	}
	a.shutdown.Register("retry poller", poller.Stop)

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.OpsPort),
		Handler:      observability.NewOpsRouter(a.health, a.registry, a.metrics),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	a.shutdown.Register("ops server", server.Shutdown)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithFields(map[string]interface{}{
			"addr":   server.Addr,
			"checks": a.health.Names(),
		}).Info("Ops server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	if cfg.Retry.PolicyFile != "" {
		g.Go(func() error {
			return config.WatchPolicyFile(gctx, cfg.Retry.PolicyFile, a.business, a.plugin, logger)
		})
	}
	g.Go(func() error {
		return a.shutdown.Wait(gctx)
	})

	return g.Wait()
}
