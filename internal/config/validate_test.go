package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_DefaultsPass(t *testing.T) {
	require.NoError(t, Validate(DefaultConfig()))
}

func TestValidate_Fields(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"negative retries", func(c *Config) { c.Queue.MaxRetries = -1 }, "queue.max_retries"},
		{"zero concurrency", func(c *Config) { c.Worker.MaxConcurrentUploads = 0 }, "worker.max_concurrent_uploads"},
		{"zero batch", func(c *Config) { c.Worker.MaxJobsPerBatch = 0 }, "worker.max_jobs_per_batch"},
		{"fast poll", func(c *Config) { c.Worker.PollInterval = "10ms" }, "worker.poll_interval"},
		{"bad duration", func(c *Config) { c.Worker.ClaimTimeout = "soon" }, "invalid duration"},
		{"zero budget", func(c *Config) { c.Quota.DailyBudget = 0 }, "quota.daily_budget"},
		{"threshold above one", func(c *Config) { c.Quota.Threshold = 1.5 }, "quota.threshold"},
		{"zero threshold", func(c *Config) { c.Quota.Threshold = 0 }, "quota.threshold"},
		{"unknown zone", func(c *Config) { c.Quota.Timezone = "Mars/Olympus" }, "quota.timezone"},
		{"unaligned chunk", func(c *Config) { c.Transfers.ChunkSize = "300KiB" }, "multiple of 256 KiB"},
		{"tiny chunk", func(c *Config) { c.Transfers.ChunkSize = "1KiB" }, "transfers.chunk_size"},
		{"bad size", func(c *Config) { c.Transfers.MaxFileSize = "big" }, "transfers.max_file_size"},
		{"bad rate", func(c *Config) { c.Transfers.BandwidthLimit = "fast/s" }, "transfers.bandwidth_limit"},
		{"zero attempts", func(c *Config) { c.Transfers.MaxAttempts = 0 }, "transfers.max_attempts"},
		{"privacy", func(c *Config) { c.Sink.DefaultPrivacy = "secret" }, "sink.default_privacy"},
		{"category", func(c *Config) { c.Sink.DefaultCategory = "music" }, "sink.default_category"},
		{"unknown placeholder", func(c *Config) { c.Sink.TitleTemplate = "{filename} {year}" }, "unknown placeholder {year}"},
		{"long title template", func(c *Config) { c.Sink.TitleTemplate = strings.Repeat("x", 201) }, "sink.title_template"},
		{"markup in description", func(c *Config) { c.Sink.DescriptionTemplate = "<b>{folder}</b>" }, "sink.description_template"},
		{"relative endpoint", func(c *Config) { c.Sink.APIEndpoint = "/api" }, "sink.api_endpoint"},
		{"log level", func(c *Config) { c.Logging.LogLevel = "verbose" }, "logging.log_level"},
		{"log format", func(c *Config) { c.Logging.LogFormat = "xml" }, "logging.log_format"},
		{"connect timeout", func(c *Config) { c.Network.ConnectTimeout = "1ms" }, "network.connect_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_AccumulatesErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Queue.MaxRetries = -1
	cfg.Sink.DefaultPrivacy = "secret"
	cfg.Logging.LogFormat = "xml"

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue.max_retries")
	assert.Contains(t, err.Error(), "sink.default_privacy")
	assert.Contains(t, err.Error(), "logging.log_format")
}

func TestParseRate(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"0", 0},
		{"", 0},
		{"5MB/s", 5_000_000},
		{"100KiB/s", 102_400},
		{"1MiB", 1_048_576},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRate(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseRate("-5MB/s")
	assert.Error(t, err)
}

func TestDurationAndBytesHelpers(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "5s", cfg.Worker.PollInterval)
	assert.Equal(t, int64(10*mebibyte), Bytes(cfg.Transfers.ChunkSize))
	assert.Zero(t, Duration("nonsense"))
	assert.Zero(t, Bytes("nonsense"))
}
