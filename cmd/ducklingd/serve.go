package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/t-rhex/duckling/pkg/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the warm pool, task queue, and pipeline driver until interrupted",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.ApplyToLogger(log); err != nil {
		return fmt.Errorf("configuring logger: %w", err)
	}
	entry := log.WithField("component", "ducklingd")

	rt, err := buildRuntime(ctx, cfg, entry)
	if err != nil {
		return err
	}

	rt.queue.Start()
	entry.Info("task queue started")

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.ListenAddress, Handler: mux}
		go func() {
			entry.WithField("addr", cfg.Metrics.ListenAddress).Info("metrics endpoint listening")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				entry.WithError(err).Error("metrics server exited")
			}
		}()
	}

	<-ctx.Done()
	entry.Info("shutdown signal received, draining queue")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	rt.shutdown(shutdownCtx)

	entry.Info("shutdown complete")
	return nil
}
