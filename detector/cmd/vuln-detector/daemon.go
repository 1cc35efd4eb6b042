package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// DefaultInterval separates two passes when interval is not configured.
const DefaultInterval = 5 * time.Minute

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Update the feeds and scan the agents periodically",
	RunE:  runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := App()
	e, err := newEngine(ctx, a)
	if err != nil {
		return err
	}
	defer e.Close()

	if a.Config.MetricsAddr != "" {
		srv := serveMetrics(a.Config.MetricsAddr, a.Log)
		defer func() {
			shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdown)
		}()
	}

	interval := a.Config.Interval.Or(DefaultInterval).Std()
	a.Log.Info("Starting vulnerability detector", "interval", interval, "run_on_start", a.Config.RunOnStart)

	return loop(ctx, interval, a.Config.RunOnStart, func(ctx context.Context) {
		pass(ctx, e, a.Log)
	})
}

// loop calls fn every interval until ctx is done. With now set the first call
// happens immediately.
func loop(ctx context.Context, interval time.Duration, now bool, fn func(ctx context.Context)) error {
	if now {
		fn(ctx)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// pass runs one update and one scan. A failed update still lets the scan
// use the data imported so far.
func pass(ctx context.Context, e *engine, log *slog.Logger) {
	if err := e.Updater.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Update pass failed", "err", err)
	}
	if ctx.Err() != nil {
		return
	}
	if err := e.Scanner.Scan(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Scan pass failed", "err", err)
	}
}

func serveMetrics(addr string, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("Serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server failed", "err", err)
		}
	}()
	return srv
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
