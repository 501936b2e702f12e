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
	"syscall"
	"time"

	"github.com/tillerhq/tiller/pkg/config"
)

// shutdownGrace bounds how long an interrupted broker waits for in-flight
// work before giving up on a clean exit.
const shutdownGrace = 10 * time.Second

func runServe(stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "tillerd: %v\n", err)
		return 2
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := buildBroker(ctx, cfg, logger)
	if err != nil {
		logger.Error("bootstrap failed", "error", err)
		return 1
	}

	if b.queue != nil {
		if err := b.queue.Start(ctx); err != nil {
			logger.Error("queue start failed", "error", err)
			return 1
		}
	}
	if err := b.jobs.Start(ctx); err != nil {
		logger.Error("maintenance jobs start failed", "error", err)
		return 1
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           healthMux(b),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server failed", "error", err)
			stop()
		}
	}()

	logger.Info("tillerd ready",
		"port", cfg.Port,
		"executionMode", cfg.ExecutionMode,
		"cartridges", len(b.registry.Snapshot()),
	)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("health server shutdown", "error", err)
	}
	if b.queue != nil {
		if err := b.queue.Stop(shutdownCtx); err != nil {
			logger.Warn("queue drain", "error", err)
		}
	}
	if err := b.jobs.Stop(shutdownCtx); err != nil {
		logger.Warn("maintenance jobs stop", "error", err)
	}
	b.close(shutdownCtx)

	logger.Info("goodbye")
	return 0
}

// healthMux serves the liveness and readiness probes. Readiness checks the
// audit ledger head so a broker with a broken ledger drops out of rotation.
func healthMux(b *broker) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if _, err := b.audits.Ledger().Head(r.Context()); err != nil {
			http.Error(w, "audit ledger unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})
	return mux
}
