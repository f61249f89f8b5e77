package config

// Default values for configuration options. These are "layer 0" of the
// override chain and work without any config file.
const (
	defaultMaxRetries          = 3
	defaultPollInterval        = "5s"
	defaultMaxConcurrent       = 2
	defaultClaimTimeout        = "1h"
	defaultCancelCheckInterval = "2s"
	defaultRetryBackoff        = "30s"
	defaultMaxRetryBackoff     = "30m"
	defaultMaxJobsPerBatch     = 50
	defaultShutdownTimeout     = "30s"
	defaultDailyBudget         = 10000
	defaultQuotaTimezone       = "America/Los_Angeles"
	defaultQuotaThreshold      = 1.0
	defaultQuotaDeferDelay     = "15m"
	defaultChunkSize           = "10MiB"
	defaultMaxFileSize         = "256GB"
	defaultMinFreeSpace        = "100MB"
	defaultBandwidthLimit      = "0"
	defaultDownloadTimeout     = "1h"
	defaultUploadTimeout       = "2h"
	defaultMaxAttempts         = 3
	defaultRetryBase           = "1s"
	defaultSessionMaxAge       = "168h"
	defaultVerifyFreshness     = "24h"
	defaultAPIEndpoint         = "https://www.googleapis.com"
	defaultUploadEndpoint      = "https://www.googleapis.com"
	defaultPrivacy             = "private"
	defaultCategory            = "24"
	defaultTitleTemplate       = "{filename}"
	defaultDescriptionTemplate = "Uploaded from {folder_path}"
	defaultS3Region            = "us-east-1"
	defaultCredentialCacheTTL  = "10m"
	defaultLogLevel            = "info"
	defaultLogFormat           = "auto"
	defaultConnectTimeout      = "10s"
	defaultDataTimeout         = "60s"
)

// DefaultConfig returns a Config populated with all default values.
// It is the starting point for TOML decoding, so unset fields keep defaults.
func DefaultConfig() *Config {
	return &Config{
		Queue: QueueConfig{
			MaxRetries:             defaultMaxRetries,
			RejectQueuedDuplicates: true,
		},
		Worker: WorkerConfig{
			PollInterval:         defaultPollInterval,
			MaxConcurrentUploads: defaultMaxConcurrent,
			ClaimTimeout:         defaultClaimTimeout,
			CancelCheckInterval:  defaultCancelCheckInterval,
			RetryBackoff:         defaultRetryBackoff,
			MaxRetryBackoff:      defaultMaxRetryBackoff,
			MaxJobsPerBatch:      defaultMaxJobsPerBatch,
			ShutdownTimeout:      defaultShutdownTimeout,
		},
		Quota: QuotaConfig{
			DailyBudget: defaultDailyBudget,
			Timezone:    defaultQuotaTimezone,
			Threshold:   defaultQuotaThreshold,
			DeferDelay:  defaultQuotaDeferDelay,
		},
		Transfers: TransfersConfig{
			ChunkSize:         defaultChunkSize,
			MaxFileSize:       defaultMaxFileSize,
			MinFreeSpace:      defaultMinFreeSpace,
			BandwidthLimit:    defaultBandwidthLimit,
			DownloadTimeout:   defaultDownloadTimeout,
			UploadTimeout:     defaultUploadTimeout,
			MaxAttempts:       defaultMaxAttempts,
			RetryBase:         defaultRetryBase,
			VerifyFingerprint: true,
			SessionMaxAge:     defaultSessionMaxAge,
		},
		Dedup: DedupConfig{
			VerifyFreshness: defaultVerifyFreshness,
		},
		Sink: SinkConfig{
			APIEndpoint:         defaultAPIEndpoint,
			UploadEndpoint:      defaultUploadEndpoint,
			DefaultPrivacy:      defaultPrivacy,
			DefaultCategory:     defaultCategory,
			TitleTemplate:       defaultTitleTemplate,
			DescriptionTemplate: defaultDescriptionTemplate,
			IncludeMD5Hash:      true,
		},
		Source: SourceConfig{
			S3Region: defaultS3Region,
		},
		Auth: AuthConfig{
			CredentialCacheTTL: defaultCredentialCacheTTL,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		Network: NetworkConfig{
			ConnectTimeout: defaultConnectTimeout,
			DataTimeout:    defaultDataTimeout,
		},
	}
}
