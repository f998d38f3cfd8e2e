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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	appauth "github.com/DCGM/docbroker/internal/application/auth"
	"github.com/DCGM/docbroker/internal/application/broker"
	"github.com/DCGM/docbroker/internal/config"
	apihttp "github.com/DCGM/docbroker/internal/http"
	"github.com/DCGM/docbroker/internal/http/handler"
	"github.com/DCGM/docbroker/internal/storage/blob"
	sqlstorage "github.com/DCGM/docbroker/internal/storage/sql"
	"github.com/DCGM/docbroker/pkg/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Root context for all normal operations; cancelled on SIGTERM/SIGINT.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	shutdownTracing, err := observability.InitTracerProvider(ctx, cfg.OTelEnabled)
	if err != nil {
		return fmt.Errorf("failed to init tracer provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown tracer provider", "error", err)
		}
	}()

	slog.InfoContext(ctx, "starting docbroker",
		"job_timeout", cfg.JobTimeout,
		"job_timeout_grace", cfg.JobTimeoutGrace,
		"job_max_attempts", cfg.JobMaxAttempts)

	store, err := sqlstorage.Open(ctx, cfg.DatabaseURL,
		sqlstorage.JobConfig{
			Timeout:      cfg.JobTimeout,
			TimeoutGrace: cfg.JobTimeoutGrace,
			MaxAttempts:  cfg.JobMaxAttempts,
		},
		sqlstorage.DBConfig{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: cfg.DBConnMaxLifetime,
			ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
		})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()
	slog.InfoContext(ctx, "storage initialized")

	blobs, err := blob.NewStore(cfg.JobsDir, cfg.ResultsDir)
	if err != nil {
		return fmt.Errorf("failed to init blob storage: %w", err)
	}

	brokerSvc := broker.NewService(store, blobs)

	authenticator := appauth.NewAuthenticator(ctx, store, cfg.HMACSecret)
	slog.InfoContext(ctx, "API key authentication enabled")

	server := handler.NewServer(brokerSvc, store, cfg.HMACSecret, cfg.KeyPrefix)
	router := apihttp.New(server, authenticator)

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           otelhttp.NewHandler(router, "docbroker"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errResult := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "HTTP server listening", "port", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errResult <- fmt.Errorf("failed to serve: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown HTTP server", "error", err)
		}
		if err := authenticator.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown authenticator", "error", err)
		}
		return nil

	case err := <-errResult:
		return err
	}
}
