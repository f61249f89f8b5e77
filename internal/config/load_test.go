package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	err := os.WriteFile(path, []byte(content), 0o600)
	require.NoError(t, err)

	return path
}

func TestLoad_ValidFullConfig(t *testing.T) {
	tomlContent := `
[queue]
database = "/var/lib/vidbridge/jobs.db"
max_retries = 5
reject_queued_duplicates = false

[worker]
worker_id = "host-a"
poll_interval = "10s"
max_concurrent_uploads = 4
claim_timeout = "2h"
cancel_check_interval = "1s"
retry_backoff = "1m"
max_retry_backoff = "1h"
max_jobs_per_batch = 10
shutdown_timeout = "45s"

[quota]
daily_budget = 20000
timezone = "UTC"
threshold = 0.8
per_owner = true
defer_delay = "30m"

[transfers]
staging_dir = "/tmp/staging"
chunk_size = "20MiB"
max_file_size = "10GB"
min_free_space = "2GB"
bandwidth_limit = "5MB/s"
download_timeout = "30m"
upload_timeout = "3h"
max_attempts = 5
retry_base = "2s"
verify_fingerprint = false
session_max_age = "24h"

[dedup]
verify_freshness = "0"

[sink]
api_endpoint = "http://localhost:9000"
upload_endpoint = "http://localhost:9001"
default_privacy = "unlisted"
default_category = "22"
notify_subscribers = true

[source]
gcs_endpoint = "http://localhost:4443"
s3_region = "eu-west-1"
s3_endpoint = "http://localhost:9002"
s3_path_style = true

[auth]
client_id = "client.apps.example.com"
token_dir = "/tmp/tokens"
credential_cache_ttl = "5m"

[logging]
log_level = "debug"
log_file = "/tmp/vidbridge.log"
log_format = "json"

[network]
connect_timeout = "30s"
data_timeout = "120s"
user_agent = "vidbridge-test"

[metrics]
listen_addr = ":9101"
`
	path := writeTestConfig(t, tomlContent)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/vidbridge/jobs.db", cfg.Queue.Database)
	assert.Equal(t, 5, cfg.Queue.MaxRetries)
	assert.False(t, cfg.Queue.RejectQueuedDuplicates)

	assert.Equal(t, "host-a", cfg.Worker.WorkerID)
	assert.Equal(t, 4, cfg.Worker.MaxConcurrentUploads)
	assert.Equal(t, 10, cfg.Worker.MaxJobsPerBatch)

	assert.Equal(t, int64(20000), cfg.Quota.DailyBudget)
	assert.Equal(t, "UTC", cfg.Quota.Timezone)
	assert.InDelta(t, 0.8, cfg.Quota.Threshold, 1e-9)
	assert.True(t, cfg.Quota.PerOwner)

	assert.Equal(t, "20MiB", cfg.Transfers.ChunkSize)
	assert.Equal(t, "5MB/s", cfg.Transfers.BandwidthLimit)
	assert.Equal(t, 5, cfg.Transfers.MaxAttempts)
	assert.False(t, cfg.Transfers.VerifyFingerprint)

	assert.Equal(t, "0", cfg.Dedup.VerifyFreshness)
	assert.Equal(t, "unlisted", cfg.Sink.DefaultPrivacy)
	assert.True(t, cfg.Sink.NotifySubscribers)
	assert.True(t, cfg.Source.S3PathStyle)
	assert.Equal(t, "client.apps.example.com", cfg.Auth.ClientID)
	assert.Equal(t, "json", cfg.Logging.LogFormat)
	assert.Equal(t, "vidbridge-test", cfg.Network.UserAgent)
	assert.Equal(t, ":9101", cfg.Metrics.ListenAddr)
}

func TestLoad_PartialConfigKeepsDefaults(t *testing.T) {
	path := writeTestConfig(t, "[worker]\nmax_concurrent_uploads = 8\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Worker.MaxConcurrentUploads)
	assert.Equal(t, defaultPollInterval, cfg.Worker.PollInterval)
	assert.Equal(t, defaultMaxRetries, cfg.Queue.MaxRetries)
	assert.Equal(t, int64(defaultDailyBudget), cfg.Quota.DailyBudget)
	assert.True(t, cfg.Transfers.VerifyFingerprint)
}

func TestLoad_InvalidTOML(t *testing.T) {
	path := writeTestConfig(t, "[worker\npoll_interval = ")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestLoad_ValidationFailure(t *testing.T) {
	path := writeTestConfig(t, "[transfers]\nchunk_size = \"1MB\"\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config validation failed")
	assert.Contains(t, err.Error(), "multiple of 256 KiB")
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestResolve_OverrideChain(t *testing.T) {
	path := writeTestConfig(t, `
[queue]
database = "/from/file.db"

[worker]
worker_id = "file"
max_concurrent_uploads = 3
`)

	env := EnvOverrides{
		ConfigPath:           path,
		WorkerID:             "env",
		MaxConcurrentUploads: "5",
		ClientSecret:         "secret",
	}

	db := "/from/cli.db"
	cli := CLIOverrides{Database: &db}

	cfg, gotPath, err := Resolve(env, cli)
	require.NoError(t, err)

	assert.Equal(t, path, gotPath)
	assert.Equal(t, "/from/cli.db", cfg.Queue.Database)
	assert.Equal(t, "env", cfg.Worker.WorkerID)
	assert.Equal(t, 5, cfg.Worker.MaxConcurrentUploads)
	assert.Equal(t, "secret", cfg.Auth.ClientSecret)
	assert.NotEmpty(t, cfg.Transfers.StagingDir)
	assert.NotEmpty(t, cfg.Auth.TokenDir)
}

func TestResolve_CLIConfigPathWins(t *testing.T) {
	envPath := writeTestConfig(t, "[worker]\nworker_id = \"env-file\"\n")
	cliPath := writeTestConfig(t, "[worker]\nworker_id = \"cli-file\"\n")

	cfg, gotPath, err := Resolve(EnvOverrides{ConfigPath: envPath}, CLIOverrides{ConfigPath: cliPath})
	require.NoError(t, err)

	assert.Equal(t, cliPath, gotPath)
	assert.Equal(t, "cli-file", cfg.Worker.WorkerID)
}

func TestResolve_BadEnvInteger(t *testing.T) {
	path := writeTestConfig(t, "")

	_, _, err := Resolve(EnvOverrides{ConfigPath: path, MaxConcurrentUploads: "many"}, CLIOverrides{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvMaxConcurrentUploads)
}

func TestResolve_CLIValueValidated(t *testing.T) {
	path := writeTestConfig(t, "")
	n := 0

	_, _, err := Resolve(EnvOverrides{ConfigPath: path}, CLIOverrides{MaxConcurrentUploads: &n})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrent_uploads")
}

func TestSessionDir_NextToDatabase(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Queue.Database = filepath.Join("/data", "vidbridge.db")

	assert.Equal(t, filepath.Join("/data", "upload-sessions"), SessionDir(cfg))
}
