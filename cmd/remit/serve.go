package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/remit/pkg/api"
	"github.com/Mindburn-Labs/remit/pkg/config"
	"github.com/Mindburn-Labs/remit/pkg/dlq"
	"github.com/Mindburn-Labs/remit/pkg/observability"
	"github.com/Mindburn-Labs/remit/pkg/registry"
)

func newLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func runServer(stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	logger := newLogger(cfg.LogLevel, stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, stdout); err != nil {
		logger.Error("server stopped", "error", err)
		return 1
	}
	return 0
}

// serve runs the API until ctx is cancelled, then drains in-flight
// requests and stops the replay scheduler.
func serve(ctx context.Context, cfg *config.Config, stdout io.Writer) error {
	fmt.Fprintf(stdout, "%sremit %s starting...%s\n", ColorBold+ColorBlue, version, ColorReset)
	if cfg.LiteMode() {
		fmt.Fprintf(stdout, "DATABASE_URL not set. Falling back to %sLite Mode%s (SQLite under %s).\n", ColorBold+ColorCyan, ColorReset, cfg.DataDir)
		if err := setupLiteMode(cfg, stdout); err != nil {
			return fmt.Errorf("lite mode: %w", err)
		}
	}

	telemetry, err := observability.New(ctx, &observability.Config{
		ServiceName:    "remit",
		ServiceVersion: version,
		Environment:    os.Getenv("REMIT_ENV"),
		OTLPEndpoint:   cfg.OTelEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTelEnabled,
		Insecure:       true,
	})
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()

	regCfg, err := registry.FromConfig(cfg)
	if err != nil {
		return err
	}
	reg, err := registry.New(ctx, regCfg)
	if err != nil {
		return err
	}
	defer func() { _ = reg.Close() }()

	srv := api.NewServer(api.Deps{
		Service:   reg.Service,
		Identity:  reg.Identity,
		Rotator:   reg.Rotator,
		Keys:      reg.Keys,
		DLQ:       reg.DLQ,
		Telemetry: telemetry,
		Ping:      reg.DB.PingContext,
	}, api.Options{
		IngestSecret:   []byte(cfg.IngestHMACSecret),
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		dlq.NewScheduler(reg.DLQ, cfg.DLQPollInterval).Run(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", httpSrv.Addr, "active_kid", reg.Keys.ActiveKID())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var listenErr error
	select {
	case <-ctx.Done():
	case listenErr = <-errCh:
	}
	cancel()

	slog.Info("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
	defer stop()
	err = errors.Join(listenErr, httpSrv.Shutdown(shutdownCtx))
	wg.Wait()
	return err
}
