package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/vidbridge/internal/config"
	"github.com/tonimelisma/vidbridge/internal/metrics"
	"github.com/tonimelisma/vidbridge/internal/quota"
	"github.com/tonimelisma/vidbridge/internal/worker"
)

// errJobsFailed makes batch exit non-zero when any job failed.
var errJobsFailed = errors.New("one or more jobs failed")

const (
	// configDebounce coalesces the burst of events an editor save produces.
	configDebounce = 500 * time.Millisecond

	// housekeepingInterval spaces ledger pruning.
	housekeepingInterval = time.Hour

	// quotaLedgerRetention keeps yesterday's window for the quota command.
	quotaLedgerRetention = 48 * time.Hour

	metricsReadHeaderTimeout = 10 * time.Second
	metricsShutdownTimeout   = 5 * time.Second
)

func addWorkerFlags(cmd *cobra.Command) {
	cmd.Flags().String("worker-id", "", "worker id written on claimed jobs (overrides worker.worker_id)")
	cmd.Flags().Int("max-concurrent", 0, "jobs processed at once (overrides worker.max_concurrent_uploads)")
}

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process queued jobs until interrupted",
		Long: `Run the worker loop: claim pending jobs, check for duplicates, gate on the
API quota, and transfer each file to the publishing API.

The first SIGINT or SIGTERM returns in-flight jobs to pending and exits; a
second signal exits immediately. SIGHUP (see 'vidbridge reload') re-reads the
config file.`,
		RunE: runWorker,
	}

	addWorkerFlags(cmd)
	cmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address (overrides metrics.listen_addr)")
	cmd.Flags().Bool("watch-config", false, "reload the config file when it changes")
	cmd.Flags().String("pid-file", "", "write and lock a PID file (use "+defaultPIDPath()+" for 'vidbridge reload')")

	return cmd
}

func newBatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Process pending jobs once and exit",
		Long: `Process pending jobs until none is eligible, the shared quota is spent, or
--limit jobs were claimed. Exits with status 2 when any job failed.`,
		RunE: runBatch,
	}

	addWorkerFlags(cmd)
	cmd.Flags().Int("limit", 0, "maximum jobs to claim (default worker.max_jobs_per_batch)")

	return cmd
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	logger := cc.Logger

	if pidPath, _ := cmd.Flags().GetString("pid-file"); pidPath != "" {
		cleanup, err := writePIDFile(pidPath)
		if err != nil {
			return err
		}
		defer cleanup()
	}

	ctx := shutdownContext(cmd.Context(), logger)

	e, err := newEngine(ctx, cc)
	if err != nil {
		return err
	}
	defer e.Close()

	holder := config.NewHolder(cc.Cfg, cc.CfgPath)
	reload := func(reason string) {
		reloadConfig(cc, holder, e.worker, reason)
	}

	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	if metricsAddr == "" {
		metricsAddr = cc.Cfg.Metrics.ListenAddr
	}

	watch, _ := cmd.Flags().GetBool("watch-config")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.worker.Run(gctx) })
	g.Go(func() error { return watchReloadSignals(gctx, reload) })
	g.Go(func() error { return housekeeping(gctx, e.quota, logger) })

	if metricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, metricsAddr, e.registry, logger) })
	}

	if watch {
		g.Go(func() error { return watchConfigFile(gctx, holder.Path(), reload, logger) })
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	timeout := config.Duration(cc.Cfg.Worker.ShutdownTimeout)
	logger.Info("stopping worker",
		slog.String("cause", context.Cause(ctx).Error()),
		slog.Duration("timeout", timeout),
	)

	select {
	case err := <-done:
		logger.Info("worker stopped")
		return err
	case <-time.After(timeout):
		return fmt.Errorf("worker did not stop within %s", timeout)
	}
}

func runBatch(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := shutdownContext(cmd.Context(), cc.Logger)

	e, err := newEngine(ctx, cc)
	if err != nil {
		return err
	}
	defer e.Close()

	limit, _ := cmd.Flags().GetInt("limit")

	stats, err := e.worker.ProcessBatch(ctx, limit)
	if err != nil {
		return fmt.Errorf("processing batch: %w", err)
	}

	if cc.Flags.JSON {
		if err := printJSON(os.Stdout, stats); err != nil {
			return err
		}
	} else {
		printBatchStats(os.Stdout, stats)
	}

	if stats.Failed > 0 {
		return errJobsFailed
	}

	return nil
}

// reloadConfig re-resolves the config with the original flag overrides and
// applies the settings a running worker can change. A bad file keeps the
// previous config.
func reloadConfig(cc *CLIContext, holder *config.Holder, w *worker.Worker, reason string) {
	logger := cc.Logger.With(slog.String("reason", reason))

	cfg, _, err := config.Resolve(config.ReadEnvOverrides(), cc.overrides)
	if err != nil {
		logger.Error("config reload failed, keeping previous config", slog.String("error", err.Error()))
		return
	}

	if keys := holder.Update(cfg); len(keys) > 0 {
		logger.Warn("changed settings take effect after restart", slog.Any("keys", keys))
	}

	w.Reconfigure(worker.SettingsFromConfig(cfg))

	logger.Info("config reloaded",
		slog.String("path", holder.Path()),
		slog.Uint64("generation", holder.Generation()),
	)
}

func watchReloadSignals(ctx context.Context, reload func(string)) error {
	sig := reloadSignals(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sig:
			reload("SIGHUP")
		}
	}
}

// watchConfigFile reloads when the config file changes. The directory is
// watched so editors that replace the file by rename are seen too.
func watchConfigFile(ctx context.Context, path string, reload func(string), logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}

	logger.Info("watching config file", slog.String("path", path))

	target := filepath.Clean(path)
	debounce := time.NewTimer(configDebounce)
	debounce.Stop()

	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(ev.Name) != target {
				continue
			}

			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				debounce.Reset(configDebounce)
			}

		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			logger.Warn("config watcher error", slog.String("error", werr.Error()))

		case <-debounce.C:
			reload("file change")
		}
	}
}

// housekeeping prunes quota ledger rows from past windows.
func housekeeping(ctx context.Context, tracker *quota.Tracker, logger *slog.Logger) error {
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()

	for {
		n, err := tracker.Prune(ctx, quotaLedgerRetention)

		switch {
		case err != nil && ctx.Err() == nil:
			logger.Warn("pruning quota ledger failed", slog.String("error", err.Error()))
		case n > 0:
			logger.Debug("pruned quota ledger", slog.Int64("rows", n))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// serveMetrics exposes the registry on /metrics until ctx is done.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: metricsReadHeaderTimeout,
	}

	errCh := make(chan error, 1)

	go func() {
		logger.Info("serving metrics", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metricsShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("stopping metrics server: %w", err)
	}

	return nil
}
