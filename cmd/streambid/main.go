// Command streambid launches the live-shopping service: HTTP command
// surface, websocket gateway, and deadline scheduler in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/streambid/streambid/internal/auth"
	"github.com/streambid/streambid/internal/engine"
	"github.com/streambid/streambid/internal/gateway"
	"github.com/streambid/streambid/internal/infra/bus/eventbus"
	"github.com/streambid/streambid/internal/infra/config"
	"github.com/streambid/streambid/internal/infra/persistence/migrations"
	"github.com/streambid/streambid/internal/infra/persistence/postgres"
	httpserver "github.com/streambid/streambid/internal/infra/server/http"
	"github.com/streambid/streambid/internal/observability"
	"github.com/streambid/streambid/internal/scheduler"
	"github.com/streambid/streambid/internal/telemetry"
)

const (
	shutdownTimeout          = 30 * time.Second
	serverShutdownTimeout    = 5 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	busShutdownTimeout       = 2 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	readHeaderTimeout        = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observability.NewZapLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("initialise logger: %w", err)
	}
	observability.SetLogger(logger)

	telemetryProvider, err := initTelemetry(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}

	if err := migrations.Apply(ctx, cfg.DatabaseURL); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	postgres.ObservePoolMetrics(pool, "primary")
	store := postgres.New(pool)

	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{QueueMax: cfg.SubscriberQueueMax})

	eng := engine.New(engine.Stores{
		Users:    store.Users,
		Channels: store.Channels,
		Products: store.Products,
		Auctions: store.Auctions,
		Orders:   store.Orders,
		Messages: store.Messages,
	}, bus, engine.Settings{
		ExtendWindow:   cfg.ExtendWindow(),
		ExtendBy:       cfg.ExtendBy(),
		PaymentWindow:  cfg.PaymentWindow(),
		PlatformFeeBPS: cfg.PlatformFeeBPS,
		MessageMaxLen:  cfg.MessageMaxLen,
	})

	deadlines := scheduler.New(store.Deadlines, eng, scheduler.Config{
		Poll:       cfg.SchedulerPoll(),
		Lease:      cfg.SchedulerLease(),
		MaxRetries: cfg.SchedulerMaxRetries,
	})

	authn := auth.New(cfg.AuthSigningKey)
	gw := gateway.New(bus, authn, store.Channels, gateway.Config{
		IdleTimeout: cfg.SubscriberIdle(),
	})

	server := httpserver.New(eng, authn, gw, httpserver.Config{
		CommandTimeout: cfg.CommandTimeout(),
		ChatLimit:      cfg.MessageRateLimit.Count,
		ChatWindow:     cfg.MessageRateLimit.Window,
	})
	apiServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := deadlines.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			observability.Log().Error("scheduler stopped", observability.Err(err))
		}
	})
	lifecycle.Go(func() {
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			observability.Log().Error("http server stopped", observability.Err(err))
			cancel()
		}
	})

	observability.Log().Info("streambid started",
		observability.String("addr", cfg.HTTPAddr),
		observability.String("environment", cfg.Environment))
	<-ctx.Done()
	observability.Log().Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	start := time.Now()
	err = performGracefulShutdown(shutdownCtx, gracefulShutdownConfig{
		server:     apiServer,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		bus:        bus,
		telemetry:  telemetryProvider,
	})
	observability.Log().Info("shutdown completed",
		observability.String("elapsed", time.Since(start).String()))
	return err
}

func initTelemetry(ctx context.Context, cfg config.Config) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	} else {
		telemetryCfg.Enabled = false
	}
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.ServiceName = cfg.ServiceName
	telemetryCfg.Environment = cfg.Environment
	return telemetry.NewProvider(ctx, telemetryCfg)
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	bus        *eventbus.MemoryBus
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, cfg gracefulShutdownConfig) error {
	var stepErrs []error
	step := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		observability.Log().Info("shutdown step", observability.String("step", name))
		if err := fn(stepCtx); err != nil {
			stepErrs = append(stepErrs, fmt.Errorf("%s: %w", name, err))
		}
	}

	if cfg.server != nil {
		step("stopping http server", serverShutdownTimeout, cfg.server.Shutdown)
	}

	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		step("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.bus != nil {
		step("closing event bus", busShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.bus.Close()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	if cfg.telemetry != nil {
		step("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry.Shutdown)
	}

	return observability.AggregateErrors("graceful shutdown", stepErrs)
}
