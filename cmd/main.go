// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/absmach/liverelay"
	"github.com/absmach/liverelay/examples/simple"
	"github.com/absmach/liverelay/pkg/breaker"
	"github.com/absmach/liverelay/pkg/handler"
	"github.com/absmach/liverelay/pkg/health"
	"github.com/absmach/liverelay/pkg/metrics"
	"github.com/absmach/liverelay/pkg/proxy"
	"github.com/absmach/liverelay/pkg/ratelimit"
	"github.com/absmach/liverelay/pkg/setup"
	"github.com/absmach/liverelay/pkg/upstream"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	// .env file is optional
	envErr := godotenv.Load()

	cfg, err := liverelay.NewConfig(env.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	if envErr != nil {
		logger.Debug("no .env file found, using environment variables")
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New("liverelay", reg)

	tmpl, err := cfg.SetupTemplate()
	if err != nil {
		logger.Error("Failed to load setup template", slog.String("error", err.Error()))
		os.Exit(1)
	}
	store, err := setup.NewStore(tmpl)
	if err != nil {
		logger.Error("Failed to render setup template", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if cfg.SetupFile != "" {
		watcher := setup.NewWatcher(cfg.SetupFile, cfg.Model, store, cfg.SetupDebounce, logger)
		g.Go(func() error {
			return watcher.Watch(ctx)
		})
	}

	cb := breaker.New(breaker.Config{
		MaxFailures:  cfg.BreakerMaxFailures,
		ResetTimeout: cfg.BreakerResetTimeout,
		IsFailure:    upstream.IsTransportFailure,
	})
	cb.OnStateChange(func(from, to breaker.State) {
		logger.Warn("Circuit breaker state changed",
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		m.ObserveBreaker(from, to)
	})

	connector := upstream.NewDialer(upstream.Config{
		URL:              cfg.ServiceURL(),
		HandshakeTimeout: cfg.HandshakeTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		CloseTimeout:     cfg.CloseTimeout,
		Retries:          cfg.DialRetries,
		Setup:            store,
		Breaker:          cb,
		Metrics:          m,
		Logger:           logger,
	})

	checker := health.NewChecker(5 * time.Second)
	checker.Register("upstream", true, func(ctx context.Context) error {
		if cb.State() == breaker.StateOpen {
			return breaker.ErrCircuitOpen
		}
		return nil
	})
	checker.Register("setup_template", false, func(ctx context.Context) error {
		if len(store.Frame()) == 0 {
			return errors.New("setup template not loaded")
		}
		return nil
	})

	var h handler.Handler = simple.New(logger)
	if cfg.KeyRateCapacity > 0 {
		keyLimiter := ratelimit.NewLimiter(cfg.KeyRateCapacity, cfg.KeyRateRefill, cfg.RateLimitMaxHosts)
		defer keyLimiter.Close()
		h = handler.RateLimited(h, keyLimiter, m, logger)
	}
	h = handler.Instrumented(h, m)

	var hostLimiter *ratelimit.Limiter
	if cfg.RateLimitCapacity > 0 {
		hostLimiter = ratelimit.NewLimiter(cfg.RateLimitCapacity, cfg.RateLimitRefill, cfg.RateLimitMaxHosts)
		defer hostLimiter.Close()
	}

	wsProxy, err := proxy.NewWebSocket(proxy.WebSocketConfig{
		Host:            cfg.Host,
		Port:            cfg.Port,
		TLSConfig:       cfg.TLSConfig,
		ShutdownTimeout: cfg.ShutdownTimeout,
		AuthTimeout:     cfg.AuthTimeout,
		PingInterval:    cfg.PingInterval,
		WriteTimeout:    cfg.WriteTimeout,
		CloseTimeout:    cfg.CloseTimeout,
		Connector:       connector,
		Limiter:         hostLimiter,
		Metrics:         m,
		Logger:          logger,
	}, h)
	if err != nil {
		logger.Error("Failed to create WebSocket proxy", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if cfg.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		g.Go(func() error {
			return serveHTTP(ctx, "metrics", cfg.MetricsPort, mux, logger)
		})
	}

	if cfg.HealthPort > 0 {
		g.Go(func() error {
			return serveHTTP(ctx, "health", cfg.HealthPort, checker.Mux(), logger)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		checker.SetDraining()
		return nil
	})

	g.Go(func() error {
		logger.Info("Starting live relay",
			slog.String("address", net.JoinHostPort(cfg.Host, cfg.Port)),
			slog.String("model", cfg.Model),
			slog.Bool("tls", cfg.TLSConfig != nil))
		return wsProxy.Listen(ctx)
	})

	// Signal handler
	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("live relay terminated with error: %s", err))
	} else {
		logger.Info("live relay stopped")
	}
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// serveHTTP runs an auxiliary HTTP server until ctx is cancelled.
func serveHTTP(ctx context.Context, name string, port int, h http.Handler, logger *slog.Logger) error {
	addr := ":" + strconv.Itoa(port)
	logger.Info("Starting "+name+" server", slog.String("address", addr))

	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s server: %w", name, err)
	}
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)
	select {
	case <-c:
		logger.Info("received shutdown signal")
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
