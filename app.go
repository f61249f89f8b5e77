package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tonimelisma/vidbridge/internal/config"
	"github.com/tonimelisma/vidbridge/internal/credentials"
	"github.com/tonimelisma/vidbridge/internal/dedup"
	"github.com/tonimelisma/vidbridge/internal/metrics"
	"github.com/tonimelisma/vidbridge/internal/quota"
	"github.com/tonimelisma/vidbridge/internal/sink"
	"github.com/tonimelisma/vidbridge/internal/source"
	"github.com/tonimelisma/vidbridge/internal/store"
	"github.com/tonimelisma/vidbridge/internal/transfer"
	"github.com/tonimelisma/vidbridge/internal/worker"
)

// dataDirPermissions is owner-only: the directory holds tokens and the queue.
const dataDirPermissions = 0o700

// storeOptions maps [queue], [worker] and [sink] onto the store's options.
func storeOptions(cfg *config.Config) store.Options {
	return store.Options{
		MaxRetries:             cfg.Queue.MaxRetries,
		RejectQueuedDuplicates: cfg.Queue.RejectQueuedDuplicates,
		RetryBackoff:           config.Duration(cfg.Worker.RetryBackoff),
		MaxRetryBackoff:        config.Duration(cfg.Worker.MaxRetryBackoff),
		DefaultPrivacy:         cfg.Sink.DefaultPrivacy,
		DefaultCategory:        cfg.Sink.DefaultCategory,
		TitleTemplate:          cfg.Sink.TitleTemplate,
		DescriptionTemplate:    cfg.Sink.DescriptionTemplate,
		AppendFingerprint:      cfg.Sink.IncludeMD5Hash,
	}
}

// openStore opens the job database named by the config, creating its
// directory on first use.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*store.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Queue.Database), dataDirPermissions); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	return store.Open(ctx, cfg.Queue.Database, storeOptions(cfg), logger)
}

// newQuotaTracker builds the tracker over the store's database.
func newQuotaTracker(st *store.Store, cfg *config.Config, logger *slog.Logger) (*quota.Tracker, error) {
	var zone *time.Location

	if cfg.Quota.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Quota.Timezone)
		if err != nil {
			return nil, fmt.Errorf("quota.timezone: %w", err)
		}

		zone = loc
	}

	return quota.NewTracker(st.DB(), quota.Config{
		DailyBudget: cfg.Quota.DailyBudget,
		Zone:        zone,
		PerOwner:    cfg.Quota.PerOwner,
	}, logger)
}

func newCredentialProvider(cfg *config.Config, logger *slog.Logger) *credentials.FileProvider {
	return credentials.NewFileProvider(cfg.Auth.TokenDir, credentials.OAuthClient{
		ClientID:     cfg.Auth.ClientID,
		ClientSecret: cfg.Auth.ClientSecret,
	}, config.Duration(cfg.Auth.CredentialCacheTTL), logger).WithHTTPClient(newShortHTTPClient(cfg))
}

func sinkEndpoints(cfg *config.Config) sink.Endpoints {
	return sink.Endpoints{API: cfg.Sink.APIEndpoint, Upload: cfg.Sink.UploadEndpoint}
}

// engine is everything a worker process needs, opened from config.
type engine struct {
	store    *store.Store
	quota    *quota.Tracker
	sessions *transfer.SessionStore
	worker   *worker.Worker
	registry *prometheus.Registry
	closers  []func() error
}

// newEngine opens the store, the session store and the shared sources, and
// assembles the worker.
func newEngine(ctx context.Context, cc *CLIContext) (_ *engine, err error) {
	cfg := cc.Cfg
	logger := cc.Logger
	e := &engine{}

	defer func() {
		if err != nil {
			e.Close()
		}
	}()

	if e.store, err = openStore(ctx, cfg, logger); err != nil {
		return nil, err
	}

	e.closers = append(e.closers, e.store.Close)

	if e.quota, err = newQuotaTracker(e.store, cfg, logger); err != nil {
		return nil, err
	}

	if e.sessions, err = transfer.OpenSessionStore(config.SessionDir(cfg), logger); err != nil {
		return nil, err
	}

	e.closers = append(e.closers, e.sessions.Close)

	if n, perr := e.sessions.PurgeStale(config.Duration(cfg.Transfers.SessionMaxAge), time.Now()); perr != nil {
		logger.Warn("purging stale upload sessions failed", slog.String("error", perr.Error()))
	} else if n > 0 {
		logger.Info("purged stale upload sessions", slog.Int("count", n))
	}

	limiter, err := transfer.NewBandwidthLimiter(cfg.Transfers.BandwidthLimit, logger)
	if err != nil {
		return nil, err
	}

	httpClient := newHTTPClient(cfg)

	connector := worker.NewOwnerConnector(newCredentialProvider(cfg, logger), worker.ConnectorConfig{
		HTTPClient:    httpClient,
		SinkEndpoints: sinkEndpoints(cfg),
		DriveEndpoint: cfg.Source.DriveEndpoint,
		UserAgent:     cfg.Network.UserAgent,
	}, logger)

	e.registerBuckets(ctx, cfg, connector, logger)

	e.registry = prometheus.NewRegistry()
	e.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := metrics.RegisterState(e.registry, e.store, e.quota, logger); err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}

	e.worker = worker.New(worker.Deps{
		Store:     e.store,
		Quota:     e.quota,
		Dedup:     dedup.NewChecker(e.store, e.quota, config.Duration(cfg.Dedup.VerifyFreshness), logger),
		Pipeline:  transfer.New(transfer.OptionsFromConfig(&cfg.Transfers), e.sessions, limiter, logger),
		Connector: connector,
		Metrics:   metrics.New(e.registry),
	}, worker.SettingsFromConfig(cfg), logger)

	return e, nil
}

// registerBuckets adds the GCS and S3 stores shared by every owner.
func (e *engine) registerBuckets(ctx context.Context, cfg *config.Config, c *worker.OwnerConnector, logger *slog.Logger) {
	gcs, err := source.NewGCS(ctx, cfg.Source.GCSCredentialsFile, cfg.Source.GCSEndpoint, logger)
	if err != nil {
		// Without application default credentials GCS is unavailable, but
		// Drive and S3 jobs can still run.
		logger.Warn("GCS source disabled", slog.String("error", err.Error()))
	} else {
		e.closers = append(e.closers, gcs.Close)
		c.RegisterShared(source.SchemeGCS, gcs)
	}

	c.RegisterShared(source.SchemeS3, source.NewS3(source.S3Options{
		Region:          cfg.Source.S3Region,
		Endpoint:        cfg.Source.S3Endpoint,
		AccessKeyID:     cfg.Source.S3AccessKeyID,
		SecretAccessKey: cfg.Source.S3SecretAccessKey,
		PathStyle:       cfg.Source.S3PathStyle,
		HTTPClient:      newHTTPClient(cfg),
	}, logger))
}

// Close releases everything newEngine opened, newest first.
func (e *engine) Close() error {
	var errs []error

	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}

	e.closers = nil

	return errors.Join(errs...)
}
