package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Database and staging names placed under the platform data and cache dirs
// when the config file leaves them empty.
const (
	defaultDatabaseName = "vidbridge.db"
	stagingSubdir       = "staging"
	tokensSubdir        = "tokens"
	sessionsSubdir      = "upload-sessions"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal errors with "did you mean?"
// suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment variables -> CLI flags. It returns
// the validated config and the config file path that was consulted.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Config, string, error) {
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, cfgPath, err
	}

	if err := applyEnv(cfg, env); err != nil {
		return nil, cfgPath, err
	}

	if cli.Database != nil {
		cfg.Queue.Database = *cli.Database
	}

	if cli.WorkerID != nil {
		cfg.Worker.WorkerID = *cli.WorkerID
	}

	if cli.MaxConcurrentUploads != nil {
		cfg.Worker.MaxConcurrentUploads = *cli.MaxConcurrentUploads
	}

	applyPathDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, cfgPath, fmt.Errorf("config validation: %w", err)
	}

	return cfg, cfgPath, nil
}

// applyEnv copies non-empty environment overrides into cfg.
func applyEnv(cfg *Config, env EnvOverrides) error {
	if env.Database != "" {
		cfg.Queue.Database = env.Database
	}

	if env.WorkerID != "" {
		cfg.Worker.WorkerID = env.WorkerID
	}

	if env.MaxConcurrentUploads != "" {
		n, err := strconv.Atoi(env.MaxConcurrentUploads)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxConcurrentUploads, err)
		}

		cfg.Worker.MaxConcurrentUploads = n
	}

	if env.ClientSecret != "" {
		cfg.Auth.ClientSecret = env.ClientSecret
	}

	if env.S3AccessKeyID != "" {
		cfg.Source.S3AccessKeyID = env.S3AccessKeyID
	}

	if env.S3SecretAccessKey != "" {
		cfg.Source.S3SecretAccessKey = env.S3SecretAccessKey
	}

	return nil
}

// applyPathDefaults fills empty path settings with platform locations.
func applyPathDefaults(cfg *Config) {
	if cfg.Queue.Database == "" {
		cfg.Queue.Database = filepath.Join(DefaultDataDir(), defaultDatabaseName)
	}

	if cfg.Transfers.StagingDir == "" {
		cfg.Transfers.StagingDir = filepath.Join(DefaultCacheDir(), stagingSubdir)
	}

	if cfg.Auth.TokenDir == "" {
		cfg.Auth.TokenDir = filepath.Join(DefaultDataDir(), tokensSubdir)
	}
}

// SessionDir returns the directory holding persisted upload sessions. It
// sits next to the database so both move together.
func SessionDir(cfg *Config) string {
	return filepath.Join(filepath.Dir(cfg.Queue.Database), sessionsSubdir)
}
