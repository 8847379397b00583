// Package config loads the file-drop service configuration from the
// environment. All variables share the SFD_ prefix except DATABASE_URL.
package config

import (
	"os"
	"strings"
	"time"

	"token-file-drop/internal/workpool"
)

// MinSecretLength is the minimum length of SFD_DOWNLOAD_SECRET.
const MinSecretLength = 32

type BuildInfo struct {
	Version string
	Commit  string
}

type LogConfig struct {
	Format string // "text" or "json"
	Level  string
}

type StorageConfig struct {
	Dir                 string
	UploadBufferBytes   int
	DownloadBufferBytes int
	MaxUploadBytes      int64 // 0 disables the limit
}

type TokenConfig struct {
	Secret string
	Issuer string
	TTL    time.Duration
}

type PoolConfig struct {
	Workers    int
	QueueDepth int
	Policy     workpool.Policy
}

type AuthConfig struct {
	UploadUser     string
	UploadPassHash string
}

// Enabled reports whether uploads require credentials.
func (a AuthConfig) Enabled() bool { return a.UploadUser != "" && a.UploadPassHash != "" }

type MirrorConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
}

// Enabled reports whether every MinIO setting is present.
func (m MirrorConfig) Enabled() bool {
	return m.Endpoint != "" && m.AccessKey != "" && m.SecretKey != "" && m.Bucket != ""
}

type CleanupConfig struct {
	Enabled  bool
	Interval time.Duration
	MaxAge   time.Duration
}

type Config struct {
	Addr               string
	Env                string
	Build              BuildInfo
	Log                LogConfig
	Storage            StorageConfig
	Tokens             TokenConfig
	Pool               PoolConfig
	Auth               AuthConfig
	CORSOrigin         string
	RateLimitPerMinute int
	TrustProxy         bool
	DatabaseURL        string
	Mirror             MirrorConfig
	Cleanup            CleanupConfig
}

// Production reports whether SFD_ENV selects production behaviour.
func (c Config) Production() bool { return c.Env == "production" }

// Load reads and validates the environment. The returned error lists every
// invalid variable.
func Load() (Config, error) {
	v := NewValidator()

	cfg := Config{
		Addr: getenvDefault("SFD_ADDR", ":8080"),
		Env:  getenvDefault("SFD_ENV", "development"),
		Build: BuildInfo{
			Version: getenvDefault("SFD_VERSION", "dev"),
			Commit:  getenvDefault("SFD_COMMIT", "unknown"),
		},
		Log: LogConfig{
			Format: strings.ToLower(getenvDefault("SFD_LOG_FORMAT", "text")),
			Level:  strings.ToLower(getenvDefault("SFD_LOG_LEVEL", "info")),
		},
		Storage: StorageConfig{
			Dir:                 getenvDefault("SFD_STORAGE_DIR", "./data/files"),
			UploadBufferBytes:   v.PositiveInt("SFD_UPLOAD_BUFFER_BYTES", os.Getenv("SFD_UPLOAD_BUFFER_BYTES"), 8192),
			DownloadBufferBytes: v.PositiveInt("SFD_DOWNLOAD_BUFFER_BYTES", os.Getenv("SFD_DOWNLOAD_BUFFER_BYTES"), 8192),
			MaxUploadBytes:      v.NonNegativeInt64("SFD_MAX_UPLOAD_BYTES", os.Getenv("SFD_MAX_UPLOAD_BYTES"), 0),
		},
		Tokens: TokenConfig{
			Secret: os.Getenv("SFD_DOWNLOAD_SECRET"),
			Issuer: getenvDefault("SFD_TOKEN_ISSUER", "file-drop"),
			TTL:    v.Seconds("SFD_TOKEN_TTL_SECONDS", os.Getenv("SFD_TOKEN_TTL_SECONDS"), 120*time.Second),
		},
		Pool: PoolConfig{
			Workers:    v.PositiveInt("SFD_WORKERS", os.Getenv("SFD_WORKERS"), workpool.DefaultWorkers),
			QueueDepth: v.NonNegativeInt("SFD_QUEUE_DEPTH", os.Getenv("SFD_QUEUE_DEPTH"), workpool.DefaultQueueDepth),
		},
		Auth: AuthConfig{
			UploadUser:     os.Getenv("SFD_UPLOAD_USER"),
			UploadPassHash: os.Getenv("SFD_UPLOAD_PASS_HASH"),
		},
		CORSOrigin:         getenvDefault("SFD_CORS_ORIGIN", "*"),
		RateLimitPerMinute: v.PositiveInt("SFD_RATE_LIMIT_PER_MINUTE", os.Getenv("SFD_RATE_LIMIT_PER_MINUTE"), 60),
		TrustProxy:         v.Bool("SFD_TRUST_PROXY", os.Getenv("SFD_TRUST_PROXY"), false),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		Mirror: MirrorConfig{
			Endpoint:  os.Getenv("SFD_S3_ENDPOINT"),
			AccessKey: os.Getenv("SFD_S3_ACCESS_KEY"),
			SecretKey: os.Getenv("SFD_S3_SECRET_KEY"),
			Bucket:    os.Getenv("SFD_BUCKET"),
		},
		Cleanup: CleanupConfig{
			Enabled:  v.Bool("SFD_CLEANUP_ENABLED", os.Getenv("SFD_CLEANUP_ENABLED"), true),
			Interval: v.Duration("SFD_CLEANUP_INTERVAL", os.Getenv("SFD_CLEANUP_INTERVAL"), time.Hour),
			MaxAge:   v.Duration("SFD_CLEANUP_MAX_AGE", os.Getenv("SFD_CLEANUP_MAX_AGE"), 24*time.Hour),
		},
	}

	policy, err := workpool.ParsePolicy(os.Getenv("SFD_POOL_POLICY"))
	if err != nil {
		v.AddError("SFD_POOL_POLICY", err.Error())
	}
	cfg.Pool.Policy = policy

	v.ListenAddr("SFD_ADDR", cfg.Addr)
	v.Required("SFD_DOWNLOAD_SECRET", cfg.Tokens.Secret)
	v.MinLength("SFD_DOWNLOAD_SECRET", cfg.Tokens.Secret, MinSecretLength)
	if strings.TrimSpace(cfg.Storage.Dir) == "" {
		v.AddError("SFD_STORAGE_DIR", "must not be blank")
	}

	if (cfg.Auth.UploadUser == "") != (cfg.Auth.UploadPassHash == "") {
		v.AddError("SFD_UPLOAD_USER", "SFD_UPLOAD_USER and SFD_UPLOAD_PASS_HASH must be set together")
	}
	v.BcryptHash("SFD_UPLOAD_PASS_HASH", cfg.Auth.UploadPassHash)

	v.PostgresURL("DATABASE_URL", cfg.DatabaseURL)

	m := cfg.Mirror
	if m != (MirrorConfig{}) && !m.Enabled() {
		v.AddError("SFD_S3_ENDPOINT", "SFD_S3_ENDPOINT, SFD_S3_ACCESS_KEY, SFD_S3_SECRET_KEY and SFD_BUCKET must be set together")
	}
	v.Endpoint("SFD_S3_ENDPOINT", m.Endpoint)

	v.Enum("SFD_LOG_FORMAT", cfg.Log.Format, []string{"json", "text"})
	v.Enum("SFD_LOG_LEVEL", cfg.Log.Level, []string{"debug", "info", "warn", "error"})
	v.Enum("SFD_ENV", cfg.Env, []string{"development", "production", "staging"})

	if err := v.Err(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Warnings lists optional settings a production deployment usually wants.
func (c Config) Warnings() []string {
	var warnings []string
	if c.DatabaseURL == "" {
		warnings = append(warnings, "DATABASE_URL not set - transfer audit trail disabled")
	}
	if !c.Mirror.Enabled() {
		warnings = append(warnings, "SFD_S3_* not set - off-site mirror disabled")
	}
	if !c.Auth.Enabled() {
		warnings = append(warnings, "SFD_UPLOAD_USER not set - uploads are unauthenticated")
	}
	if c.Production() && c.CORSOrigin == "*" {
		warnings = append(warnings, "SFD_CORS_ORIGIN is * in production")
	}
	return warnings
}

// getenvDefault reads an environment variable and returns def if it is unset
// or empty.
func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}
