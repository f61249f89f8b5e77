// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for vidbridge. Values follow a
// four-layer override chain: defaults -> config file -> environment -> CLI
// flags.
package config

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Queue     QueueConfig     `toml:"queue"`
	Worker    WorkerConfig    `toml:"worker"`
	Quota     QuotaConfig     `toml:"quota"`
	Transfers TransfersConfig `toml:"transfers"`
	Dedup     DedupConfig     `toml:"dedup"`
	Sink      SinkConfig      `toml:"sink"`
	Source    SourceConfig    `toml:"source"`
	Auth      AuthConfig      `toml:"auth"`
	Logging   LoggingConfig   `toml:"logging"`
	Network   NetworkConfig   `toml:"network"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

// QueueConfig controls the job store.
type QueueConfig struct {
	Database               string `toml:"database"`
	MaxRetries             int    `toml:"max_retries"`
	RejectQueuedDuplicates bool   `toml:"reject_queued_duplicates"`
}

// WorkerConfig controls the polling loop and its retry policy.
type WorkerConfig struct {
	WorkerID             string `toml:"worker_id"`
	PollInterval         string `toml:"poll_interval"`
	MaxConcurrentUploads int    `toml:"max_concurrent_uploads"`
	ClaimTimeout         string `toml:"claim_timeout"`
	CancelCheckInterval  string `toml:"cancel_check_interval"`
	RetryBackoff         string `toml:"retry_backoff"`
	MaxRetryBackoff      string `toml:"max_retry_backoff"`
	MaxJobsPerBatch      int    `toml:"max_jobs_per_batch"`
	ShutdownTimeout      string `toml:"shutdown_timeout"`
}

// QuotaConfig describes the metered API budget. The window is one calendar
// day in Timezone.
type QuotaConfig struct {
	DailyBudget int64   `toml:"daily_budget"`
	Timezone    string  `toml:"timezone"`
	Threshold   float64 `toml:"threshold"`
	PerOwner    bool    `toml:"per_owner"`
	DeferDelay  string  `toml:"defer_delay"`
}

// TransfersConfig controls staging, chunking, and transfer limits.
// chunk_size must be a multiple of 256 KiB per the resumable upload protocol.
type TransfersConfig struct {
	StagingDir        string `toml:"staging_dir"`
	ChunkSize         string `toml:"chunk_size"`
	MaxFileSize       string `toml:"max_file_size"`
	MinFreeSpace      string `toml:"min_free_space"`
	BandwidthLimit    string `toml:"bandwidth_limit"`
	DownloadTimeout   string `toml:"download_timeout"`
	UploadTimeout     string `toml:"upload_timeout"`
	MaxAttempts       int    `toml:"max_attempts"`
	RetryBase         string `toml:"retry_base"`
	VerifyFingerprint bool   `toml:"verify_fingerprint"`
	SessionMaxAge     string `toml:"session_max_age"`
}

// DedupConfig controls how long a verified history record is trusted
// without another existence check. "0" always re-verifies.
type DedupConfig struct {
	VerifyFreshness string `toml:"verify_freshness"`
}

// SinkConfig points at the video publishing API and sets metadata defaults.
type SinkConfig struct {
	APIEndpoint       string `toml:"api_endpoint"`
	UploadEndpoint    string `toml:"upload_endpoint"`
	DefaultPrivacy    string `toml:"default_privacy"`
	DefaultCategory   string `toml:"default_category"`
	NotifySubscribers bool   `toml:"notify_subscribers"`

	// Applied at enqueue when a job has no title or description. Templates
	// may use {filename}, {folder}, {folder_path} and {upload_date}.
	TitleTemplate       string `toml:"title_template"`
	DescriptionTemplate string `toml:"description_template"`
	IncludeMD5Hash      bool   `toml:"include_md5_hash"`
}

// SourceConfig configures the object store adapters. Drive uses the owner's
// OAuth credentials; GCS and S3 use service credentials.
type SourceConfig struct {
	DriveEndpoint      string `toml:"drive_endpoint"`
	GCSCredentialsFile string `toml:"gcs_credentials_file"`
	GCSEndpoint        string `toml:"gcs_endpoint"`
	S3Region           string `toml:"s3_region"`
	S3Endpoint         string `toml:"s3_endpoint"`
	S3AccessKeyID      string `toml:"s3_access_key_id"`
	S3SecretAccessKey  string `toml:"s3_secret_access_key"`
	S3PathStyle        bool   `toml:"s3_path_style"`
}

// AuthConfig holds the OAuth client used to refresh owner tokens.
type AuthConfig struct {
	ClientID           string `toml:"client_id"`
	ClientSecret       string `toml:"client_secret"`
	TokenDir           string `toml:"token_dir"`
	CredentialCacheTTL string `toml:"credential_cache_ttl"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFile   string `toml:"log_file"`
	LogFormat string `toml:"log_format"`
}

// NetworkConfig controls HTTP client behavior.
type NetworkConfig struct {
	ConnectTimeout string `toml:"connect_timeout"`
	DataTimeout    string `toml:"data_timeout"`
	UserAgent      string `toml:"user_agent"`
}

// MetricsConfig enables the Prometheus endpoint when ListenAddr is set.
type MetricsConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value".
type CLIOverrides struct {
	ConfigPath           string
	Database             *string
	WorkerID             *string
	MaxConcurrentUploads *int
}
