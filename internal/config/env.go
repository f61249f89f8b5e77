package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig               = "VIDBRIDGE_CONFIG"
	EnvDatabase             = "VIDBRIDGE_DATABASE"
	EnvWorkerID             = "VIDBRIDGE_WORKER_ID"
	EnvMaxConcurrentUploads = "VIDBRIDGE_MAX_CONCURRENT_UPLOADS"
	EnvClientSecret         = "VIDBRIDGE_CLIENT_SECRET" //nolint:gosec // variable name, not a credential
	EnvS3AccessKeyID        = "VIDBRIDGE_S3_ACCESS_KEY_ID"
	EnvS3SecretAccessKey    = "VIDBRIDGE_S3_SECRET_ACCESS_KEY" //nolint:gosec // variable name, not a credential
)

// EnvOverrides holds values derived from environment variables. Secrets
// are usually supplied this way rather than in the config file.
type EnvOverrides struct {
	ConfigPath           string
	Database             string
	WorkerID             string
	MaxConcurrentUploads string
	ClientSecret         string
	S3AccessKeyID        string
	S3SecretAccessKey    string
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:           os.Getenv(EnvConfig),
		Database:             os.Getenv(EnvDatabase),
		WorkerID:             os.Getenv(EnvWorkerID),
		MaxConcurrentUploads: os.Getenv(EnvMaxConcurrentUploads),
		ClientSecret:         os.Getenv(EnvClientSecret),
		S3AccessKeyID:        os.Getenv(EnvS3AccessKeyID),
		S3SecretAccessKey:    os.Getenv(EnvS3SecretAccessKey),
	}
}
