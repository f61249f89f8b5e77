package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// Validation range constants.
const (
	minConcurrent        = 1
	maxConcurrent        = 32
	maxRetriesCeiling    = 20
	minPollInterval      = 1 * time.Second
	minCancelCheck       = 100 * time.Millisecond
	minShutdownTimeout   = 1 * time.Second
	minConnectTimeout    = 1 * time.Second
	minDataTimeout       = 5 * time.Second
	minPhaseTimeout      = 1 * time.Minute
	chunkAlignBytes      = 262144    // 256 KiB alignment for resumable upload chunks
	minChunkBytes        = 262144    // 256 KiB
	maxChunkBytes        = 268435456 // 256 MiB
	maxTransferAttempts  = 10
	minBatchJobs         = 1
	maxThresholdFraction = 1.0

	maxTitleTemplateRunes       = 200
	maxDescriptionTemplateRunes = 4000
)

var (
	validPrivacy       = map[string]bool{"private": true, "unlisted": true, "public": true}
	validLogLevels     = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats    = map[string]bool{"auto": true, "text": true, "json": true}
	categoryPattern    = regexp.MustCompile(`^[0-9]+$`)
	placeholderPattern = regexp.MustCompile(`\{[^{}]*\}`)
	knownPlaceholders  = map[string]bool{
		"{filename}": true, "{folder}": true, "{folder_path}": true, "{upload_date}": true,
	}
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateQueue(&cfg.Queue)...)
	errs = append(errs, validateWorker(&cfg.Worker)...)
	errs = append(errs, validateQuota(&cfg.Quota)...)
	errs = append(errs, validateTransfers(&cfg.Transfers)...)
	errs = append(errs, validateDuration("dedup.verify_freshness", cfg.Dedup.VerifyFreshness, 0)...)
	errs = append(errs, validateSink(&cfg.Sink)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)
	errs = append(errs, validateDuration("auth.credential_cache_ttl", cfg.Auth.CredentialCacheTTL, 0)...)

	return errors.Join(errs...)
}

func validateQueue(q *QueueConfig) []error {
	if q.MaxRetries < 0 || q.MaxRetries > maxRetriesCeiling {
		return []error{fmt.Errorf("queue.max_retries: must be between 0 and %d, got %d",
			maxRetriesCeiling, q.MaxRetries)}
	}

	return nil
}

func validateWorker(w *WorkerConfig) []error {
	var errs []error

	if w.MaxConcurrentUploads < minConcurrent || w.MaxConcurrentUploads > maxConcurrent {
		errs = append(errs, fmt.Errorf("worker.max_concurrent_uploads: must be between %d and %d, got %d",
			minConcurrent, maxConcurrent, w.MaxConcurrentUploads))
	}

	if w.MaxJobsPerBatch < minBatchJobs {
		errs = append(errs, fmt.Errorf("worker.max_jobs_per_batch: must be at least %d, got %d",
			minBatchJobs, w.MaxJobsPerBatch))
	}

	errs = append(errs, validateDuration("worker.poll_interval", w.PollInterval, minPollInterval)...)
	errs = append(errs, validateDuration("worker.claim_timeout", w.ClaimTimeout, time.Minute)...)
	errs = append(errs, validateDuration("worker.cancel_check_interval", w.CancelCheckInterval, minCancelCheck)...)
	errs = append(errs, validateDuration("worker.retry_backoff", w.RetryBackoff, 0)...)
	errs = append(errs, validateDuration("worker.max_retry_backoff", w.MaxRetryBackoff, 0)...)
	errs = append(errs, validateDuration("worker.shutdown_timeout", w.ShutdownTimeout, minShutdownTimeout)...)

	return errs
}

func validateQuota(q *QuotaConfig) []error {
	var errs []error

	if q.DailyBudget <= 0 {
		errs = append(errs, fmt.Errorf("quota.daily_budget: must be positive, got %d", q.DailyBudget))
	}

	if q.Threshold <= 0 || q.Threshold > maxThresholdFraction {
		errs = append(errs, fmt.Errorf("quota.threshold: must be in (0, 1], got %g", q.Threshold))
	}

	if _, err := time.LoadLocation(q.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("quota.timezone: %w", err))
	}

	errs = append(errs, validateDuration("quota.defer_delay", q.DeferDelay, 0)...)

	return errs
}

func validateTransfers(t *TransfersConfig) []error {
	var errs []error

	errs = append(errs, validateChunkSize(t.ChunkSize)...)

	for name, v := range map[string]string{
		"transfers.max_file_size":  t.MaxFileSize,
		"transfers.min_free_space": t.MinFreeSpace,
	} {
		if _, err := ParseSize(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	if _, err := ParseRate(t.BandwidthLimit); err != nil {
		errs = append(errs, fmt.Errorf("transfers.bandwidth_limit: %w", err))
	}

	if t.MaxAttempts < 1 || t.MaxAttempts > maxTransferAttempts {
		errs = append(errs, fmt.Errorf("transfers.max_attempts: must be between 1 and %d, got %d",
			maxTransferAttempts, t.MaxAttempts))
	}

	errs = append(errs, validateDuration("transfers.download_timeout", t.DownloadTimeout, minPhaseTimeout)...)
	errs = append(errs, validateDuration("transfers.upload_timeout", t.UploadTimeout, minPhaseTimeout)...)
	errs = append(errs, validateDuration("transfers.retry_base", t.RetryBase, 0)...)
	errs = append(errs, validateDuration("transfers.session_max_age", t.SessionMaxAge, time.Hour)...)

	return errs
}

func validateChunkSize(s string) []error {
	bytes, err := ParseSize(s)
	if err != nil {
		return []error{fmt.Errorf("transfers.chunk_size: %w", err)}
	}

	if bytes < minChunkBytes || bytes > maxChunkBytes {
		return []error{fmt.Errorf("transfers.chunk_size: must be between 256KiB and 256MiB, got %s", s)}
	}

	if bytes%chunkAlignBytes != 0 {
		return []error{fmt.Errorf(
			"transfers.chunk_size: must be a multiple of 256 KiB (%d bytes), got %s (%d bytes)",
			chunkAlignBytes, s, bytes)}
	}

	return nil
}

func validateSink(s *SinkConfig) []error {
	var errs []error

	for name, v := range map[string]string{
		"sink.api_endpoint":    s.APIEndpoint,
		"sink.upload_endpoint": s.UploadEndpoint,
	} {
		u, err := url.Parse(v)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s: must be an absolute URL, got %q", name, v))
		}
	}

	if !validPrivacy[s.DefaultPrivacy] {
		errs = append(errs, fmt.Errorf("sink.default_privacy: must be private, unlisted, or public, got %q",
			s.DefaultPrivacy))
	}

	if !categoryPattern.MatchString(s.DefaultCategory) {
		errs = append(errs, fmt.Errorf("sink.default_category: must be numeric, got %q", s.DefaultCategory))
	}

	errs = append(errs, validateTemplate("sink.title_template", s.TitleTemplate, maxTitleTemplateRunes)...)
	errs = append(errs, validateTemplate("sink.description_template", s.DescriptionTemplate, maxDescriptionTemplateRunes)...)

	return errs
}

// validateTemplate rejects metadata templates that are too long, carry
// characters the publishing API refuses, or name an unknown placeholder.
func validateTemplate(key, tmpl string, limit int) []error {
	var errs []error

	if utf8.RuneCountInString(tmpl) > limit {
		errs = append(errs, fmt.Errorf("%s: longer than %d characters", key, limit))
	}

	if strings.ContainsAny(tmpl, "<>") {
		errs = append(errs, fmt.Errorf("%s: must not contain < or >", key))
	}

	for _, ph := range placeholderPattern.FindAllString(tmpl, -1) {
		if !knownPlaceholders[ph] {
			errs = append(errs, fmt.Errorf("%s: unknown placeholder %s", key, ph))
		}
	}

	return errs
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[strings.ToLower(l.LogLevel)] {
		errs = append(errs, fmt.Errorf("logging.log_level: must be debug, info, warn, or error, got %q", l.LogLevel))
	}

	if !validLogFormats[strings.ToLower(l.LogFormat)] {
		errs = append(errs, fmt.Errorf("logging.log_format: must be auto, text, or json, got %q", l.LogFormat))
	}

	return errs
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	errs = append(errs, validateDuration("network.connect_timeout", n.ConnectTimeout, minConnectTimeout)...)
	errs = append(errs, validateDuration("network.data_timeout", n.DataTimeout, minDataTimeout)...)

	return errs
}

// validateDuration checks that s parses as a duration of at least floor.
// "0" is accepted only when floor is zero.
func validateDuration(name, s string, floor time.Duration) []error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", name, s, err)}
	}

	if d < floor {
		return []error{fmt.Errorf("%s: must be at least %s, got %s", name, floor, s)}
	}

	return nil
}
