package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/aiagentinc/edgeplane"
)

func newServeCommand(cfgFile *string) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and edge cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgFile)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (overrides config)")
	return cmd
}

func newLogger(cfg edgeplane.LogConfig) (edgeplane.Logger, func(), error) {
	if cfg.Backend == "slog" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
		}
		l, err := edgeplane.NewSlogAdapter(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		return l, func() {}, err
	}
	z, err := edgeplane.NewZapLogger(cfg.Level, cfg.Development)
	if err != nil {
		return nil, nil, err
	}
	return z, func() { _ = z.Sync() }, nil
}

// components holds everything serve opens, in shutdown order.
type components struct {
	services edgeplane.Services
	closers  []func()
}

func (c *components) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

func build(ctx context.Context, cfg edgeplane.Config, logger edgeplane.Logger) (_ *components, err error) {
	c := &components{}
	defer func() {
		if err != nil {
			c.close()
		}
	}()

	exporter, err := otelprom.New()
	if err != nil {
		return nil, fmt.Errorf("prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	c.closers = append(c.closers, func() { _ = provider.Shutdown(context.Background()) })
	metrics, err := edgeplane.NewOTelMetrics(provider.Meter("github.com/aiagentinc/edgeplane"))
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	c.services.Metrics = promhttp.Handler()

	badgerKV, err := edgeplane.OpenBadgerKV(ctx, cfg.KV.Badger, logger)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, func() { _ = badgerKV.Close() })

	var kv edgeplane.KVStore = badgerKV
	if cfg.KV.Backend == "redis" {
		redisKV, err := edgeplane.NewRedisKV(ctx, cfg.KV.Redis, logger)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, func() { _ = redisKV.Close() })
		kv = redisKV
	}

	if c.services.Guard, err = edgeplane.NewSignatureGuard(cfg.Auth, kv, logger); err != nil {
		return nil, err
	}
	if c.services.Idempotency, err = edgeplane.NewIdempotencyStore(kv, cfg.Idempotency, logger); err != nil {
		return nil, err
	}

	httpOrigin, err := edgeplane.NewHTTPOrigin(cfg.Cache.OriginTimeout, cfg.Cache.MaxBodyBytes, logger)
	if err != nil {
		return nil, err
	}
	breaker, err := edgeplane.NewCircuitBreaker(httpOrigin, cfg.Cache.Breaker, logger)
	if err != nil {
		return nil, err
	}
	tags, err := edgeplane.NewTagIndex(kv, logger)
	if err != nil {
		return nil, err
	}
	router, err := edgeplane.NewTieredCacheRouter(cfg.Cache,
		edgeplane.NewEdgeTier(cfg.Cache.EdgeEntries, cfg.Cache.MaxTTL),
		edgeplane.NewBadgerObjectStore(badgerKV.DB(), cfg.Cache.PurgeBatchSize),
		tags, breaker, logger, edgeplane.WithMetrics(metrics))
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, router.Shutdown)
	c.services.Router = router

	store, err := edgeplane.OpenStore(ctx, cfg.Sandbox.DBPath, logger)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, func() { _ = store.Close() })

	if c.services.Fleet, err = edgeplane.NewFleetTelemetry(store, cfg.Scoring, logger); err != nil {
		return nil, err
	}
	if c.services.Scoring, err = edgeplane.NewScoringEngine(store, c.services.Fleet, cfg.Scoring, logger); err != nil {
		return nil, err
	}
	if c.services.Sandbox, err = edgeplane.NewSandboxScheduler(store, cfg.Sandbox, logger); err != nil {
		return nil, err
	}
	if c.services.Conflicts, err = edgeplane.NewConflictPool(store, cfg.Sandbox, logger); err != nil {
		return nil, err
	}

	locks, err := edgeplane.NewSiteLock(cfg.Locks.Timeout, logger)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, locks.Close)
	c.services.Locks = locks

	queue, err := edgeplane.NewQueueDispatcher(router, cfg.Queue, logger, metrics)
	if err != nil {
		return nil, err
	}
	queue.Start()
	c.closers = append(c.closers, func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := queue.Stop(stopCtx); err != nil {
			logger.Warn("queue drain incomplete", edgeplane.Err(err))
		}
	})
	c.services.Queue = queue
	return c, nil
}

func serve(ctx context.Context, cfg edgeplane.Config) error {
	logger, sync, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer sync()

	c, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.close()

	srv, err := edgeplane.NewServer(cfg, c.services, logger)
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", edgeplane.String("addr", cfg.Listen), edgeplane.String("origin", cfg.Cache.OriginURL))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
