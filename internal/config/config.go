// Package config provides application configuration with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.fathom/config.yaml or ./config.yaml)
//  3. Default values
//
// Main configuration categories:
//   - AI: analysis model, chat model, embedder model
//   - Storage: PostgreSQL connection, S3 object storage bucket
//   - Processing: chunk size/overlap, worker concurrency, retry policy
//   - Server: listen address, CORS origins, per-identity rate limits
//
// Security: sensitive values (passwords, API keys) are masked in MarshalJSON
// and String. Validation is fail-fast with sentinel errors for errors.Is().
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/viper"
)

var (
	// ErrMissingAPIKey indicates the Gemini API key is not set.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidModelName indicates a model name is empty or malformed.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidChunking indicates chunk size/overlap configuration is unusable.
	ErrInvalidChunking = errors.New("invalid chunking configuration")

	// ErrInvalidConcurrency indicates the worker concurrency is out of range.
	ErrInvalidConcurrency = errors.New("invalid worker concurrency")

	// ErrInvalidPostgres indicates the PostgreSQL connection settings are invalid.
	ErrInvalidPostgres = errors.New("invalid PostgreSQL configuration")

	// ErrInvalidBucket indicates the object storage bucket is not configured.
	ErrInvalidBucket = errors.New("invalid storage bucket")

	// ErrInvalidRateLimit indicates a per-minute rate limit is out of range.
	ErrInvalidRateLimit = errors.New("invalid rate limit")

	// ErrMissingAuthSecret indicates the token-signing secret is not set.
	ErrMissingAuthSecret = errors.New("missing auth secret")
)

// Defaults for models and processing. gemini-embedding-001 is truncated to
// 768 dimensions via OutputDimensionality to match the pgvector schema.
const (
	DefaultAnalysisModel = "gemini-2.5-flash"
	DefaultChatModel     = "gemini-2.5-flash"
	DefaultEmbedderModel = "gemini-embedding-001"

	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200

	DefaultWorkerConcurrency = 5
	DefaultJobMaxAttempts    = 3

	// DefaultMaxUploadBytes caps uploads at 50MB.
	DefaultMaxUploadBytes = 50 << 20
)

// Config stores application configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON().
type Config struct {
	// AI model configuration
	AnalysisModel string `mapstructure:"analysis_model" json:"analysis_model"`
	ChatModel     string `mapstructure:"chat_model" json:"chat_model"`
	EmbedderModel string `mapstructure:"embedder_model" json:"embedder_model"`
	GeminiAPIKey  string `mapstructure:"gemini_api_key" json:"gemini_api_key"` // SENSITIVE: masked in MarshalJSON

	// Processing configuration
	ChunkSize         int   `mapstructure:"chunk_size" json:"chunk_size"`
	ChunkOverlap      int   `mapstructure:"chunk_overlap" json:"chunk_overlap"`
	WorkerConcurrency int   `mapstructure:"worker_concurrency" json:"worker_concurrency"`
	JobMaxAttempts    int   `mapstructure:"job_max_attempts" json:"job_max_attempts"`
	MaxUploadBytes    int64 `mapstructure:"max_upload_bytes" json:"max_upload_bytes"`

	// PostgreSQL configuration
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Object storage configuration
	StorageBucket   string `mapstructure:"storage_bucket" json:"storage_bucket"`
	StorageRegion   string `mapstructure:"storage_region" json:"storage_region"`
	StorageEndpoint string `mapstructure:"storage_endpoint" json:"storage_endpoint"` // optional, for MinIO/localstack

	// Server configuration
	AuthSecret  string   `mapstructure:"auth_secret" json:"auth_secret"` // SENSITIVE: masked in MarshalJSON
	ListenAddr  string   `mapstructure:"listen_addr" json:"listen_addr"`
	CORSOrigins []string `mapstructure:"cors_origins" json:"cors_origins"`
	TrustProxy  bool     `mapstructure:"trust_proxy" json:"trust_proxy"`

	// Per-identity rate limits (requests per minute)
	ChatRatePerMin   int `mapstructure:"chat_rate_per_min" json:"chat_rate_per_min"`
	APIRatePerMin    int `mapstructure:"api_rate_per_min" json:"api_rate_per_min"`
	UploadRatePerMin int `mapstructure:"upload_rate_per_min" json:"upload_rate_per_min"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".fathom")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	setDefaults(v)
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is not an error; defaults apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using defaults",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL, if set, overrides the individual postgres_* settings.
	if err := cfg.parseDatabaseURL(os.Getenv("DATABASE_URL")); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("analysis_model", DefaultAnalysisModel)
	v.SetDefault("chat_model", DefaultChatModel)
	v.SetDefault("embedder_model", DefaultEmbedderModel)

	v.SetDefault("chunk_size", DefaultChunkSize)
	v.SetDefault("chunk_overlap", DefaultChunkOverlap)
	v.SetDefault("worker_concurrency", DefaultWorkerConcurrency)
	v.SetDefault("job_max_attempts", DefaultJobMaxAttempts)
	v.SetDefault("max_upload_bytes", DefaultMaxUploadBytes)

	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "fathom")
	v.SetDefault("postgres_password", "fathom_dev_password")
	v.SetDefault("postgres_db_name", "fathom")
	v.SetDefault("postgres_ssl_mode", "disable")

	v.SetDefault("storage_bucket", "fathom-uploads")
	v.SetDefault("storage_region", "us-east-1")

	v.SetDefault("listen_addr", "127.0.0.1:8080")
	v.SetDefault("cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("trust_proxy", false)

	// Rate limits mirror the public API contract: chat 20/min, API 100/min,
	// upload 10/min per authenticated identity.
	v.SetDefault("chat_rate_per_min", 20)
	v.SetDefault("api_rate_per_min", 100)
	v.SetDefault("upload_rate_per_min", 10)
}

// bindEnvVariables binds environment variables explicitly.
func bindEnvVariables(v *viper.Viper) {
	// Hardcoded keys cannot fail to bind; a panic here is a bug, not a
	// runtime condition.
	mustBind := func(key, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("gemini_api_key", "GEMINI_API_KEY")
	mustBind("auth_secret", "FATHOM_AUTH_SECRET")
	mustBind("storage_bucket", "FATHOM_STORAGE_BUCKET")
	mustBind("storage_region", "FATHOM_STORAGE_REGION")
	mustBind("storage_endpoint", "FATHOM_STORAGE_ENDPOINT")
	mustBind("listen_addr", "FATHOM_LISTEN_ADDR")
	mustBind("cors_origins", "FATHOM_CORS_ORIGINS")
	mustBind("trust_proxy", "FATHOM_TRUST_PROXY")
	mustBind("worker_concurrency", "FATHOM_WORKER_CONCURRENCY")
	mustBind("analysis_model", "FATHOM_ANALYSIS_MODEL")
	mustBind("chat_model", "FATHOM_CHAT_MODEL")
	mustBind("embedder_model", "FATHOM_EMBEDDER_MODEL")
}

// parseDatabaseURL overrides postgres settings from a postgres:// URL.
func (c *Config) parseDatabaseURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("malformed URL: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidPostgres, u.Scheme)
	}

	c.PostgresHost = u.Hostname()
	if p := u.Port(); p != "" {
		port, convErr := strconv.Atoi(p)
		if convErr != nil {
			return fmt.Errorf("%w: invalid port %q", ErrInvalidPostgres, p)
		}
		c.PostgresPort = port
	}
	if u.User != nil {
		c.PostgresUser = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			c.PostgresPassword = pw
		}
	}
	if name := filepath.Base(u.Path); name != "." && name != "/" {
		c.PostgresDBName = name
	}
	if mode := u.Query().Get("sslmode"); mode != "" {
		c.PostgresSSLMode = mode
	}
	return nil
}

// DatabaseURL returns the postgres:// connection string.
func (c *Config) DatabaseURL() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.PostgresUser, c.PostgresPassword),
		Host:   fmt.Sprintf("%s:%d", c.PostgresHost, c.PostgresPort),
		Path:   "/" + c.PostgresDBName,
	}
	q := url.Values{}
	q.Set("sslmode", c.PostgresSSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// maskedValue is the placeholder for masked sensitive data.
const maskedValue = "████████"

// maskSecret masks a secret for safe logging. Secrets of 8 chars or fewer are
// fully masked to prevent substring matching; longer secrets keep the first
// and last two characters for debug utility.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with explicit sensitive-field masking.
// When adding new sensitive fields, update this method.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	a.GeminiAPIKey = maskSecret(a.GeminiAPIKey)
	a.AuthSecret = maskSecret(a.AuthSecret)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
