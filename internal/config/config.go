// Package config provides application configuration with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.helpchat/config.yaml, or ./config.yaml)
//  3. Default values
//
// Main configuration categories:
//   - AI: model and embedder selection for generation, embedding, translation
//   - Storage: PostgreSQL (documents + vector index) and SQLite (query log)
//   - Pipeline: chunking sizes, retrieval top-K, boost factor, thresholds
//   - Serve: HTTP address, rate limits, cache TTL
//   - Observability: OTLP trace exporter
//
// Sensitive fields (passwords) are masked in MarshalJSON and String.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidModelName indicates the generation model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidEmbedderModel indicates the embedder model is invalid.
	ErrInvalidEmbedderModel = errors.New("invalid embedder model")

	// ErrInvalidEmbedderDimension indicates the embedder vector dimension is invalid.
	ErrInvalidEmbedderDimension = errors.New("invalid embedder dimension")

	// ErrInvalidChunking indicates the chunking window configuration is inconsistent.
	ErrInvalidChunking = errors.New("invalid chunking configuration")

	// ErrInvalidTopK indicates the retrieval top-K is out of range.
	ErrInvalidTopK = errors.New("invalid retrieval top_k")

	// ErrInvalidBoostFactor indicates the contextual boost factor is out of range.
	ErrInvalidBoostFactor = errors.New("invalid boost factor")

	// ErrInvalidThreshold indicates a confidence threshold is outside [0,1].
	ErrInvalidThreshold = errors.New("invalid confidence threshold")

	// ErrInvalidCacheTTL indicates the response cache TTL is not positive.
	ErrInvalidCacheTTL = errors.New("invalid cache TTL")

	// ErrInvalidRateLimit indicates the per-user rate limit is not positive.
	ErrInvalidRateLimit = errors.New("invalid rate limit")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is empty.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is empty.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidBaseLanguage indicates the configured base language is unsupported.
	ErrInvalidBaseLanguage = errors.New("invalid base language")
)

// Defaults for the retrieval pipeline. The boost factor and gap threshold are
// tunable operating points, not invariants.
const (
	DefaultEmbedderModel     = "gemini-embedding-001"
	DefaultEmbedderDimension = 768
	DefaultChunkTargetTokens = 512
	DefaultChunkOverlap      = 50
	DefaultChunkMinTokens    = 200
	DefaultChunkMaxTokens    = 1000
	DefaultTopK              = 5
	DefaultBoostFactor       = 1.2
	DefaultGapThreshold      = 0.45
	DefaultLowConfidence     = 0.5
	DefaultCacheTTL          = time.Hour
	DefaultRatePerMinute     = 60
	DefaultCallTimeout       = 3 * time.Second
)

// Config stores application configuration.
// SECURITY: sensitive fields are masked in MarshalJSON.
type Config struct {
	// AI provider and model configuration
	Provider      string `mapstructure:"provider" json:"provider"`
	ModelName     string `mapstructure:"model_name" json:"model_name"`
	EmbedderModel string `mapstructure:"embedder_model" json:"embedder_model"`
	EmbedderDim   int    `mapstructure:"embedder_dimension" json:"embedder_dimension"`

	// Language handling
	BaseLanguage string `mapstructure:"base_language" json:"base_language"`

	// Chunking configuration (token counts)
	ChunkTargetTokens int `mapstructure:"chunk_target_tokens" json:"chunk_target_tokens"`
	ChunkOverlap      int `mapstructure:"chunk_overlap_tokens" json:"chunk_overlap_tokens"`
	ChunkMinTokens    int `mapstructure:"chunk_min_tokens" json:"chunk_min_tokens"`
	ChunkMaxTokens    int `mapstructure:"chunk_max_tokens" json:"chunk_max_tokens"`

	// Retrieval configuration
	TopK             int     `mapstructure:"top_k" json:"top_k"`
	BoostFactor      float64 `mapstructure:"boost_factor" json:"boost_factor"`
	GapThreshold     float64 `mapstructure:"gap_threshold" json:"gap_threshold"`
	LowConfidence    float64 `mapstructure:"low_confidence_threshold" json:"low_confidence_threshold"`
	TranslationFloor float64 `mapstructure:"translation_confidence_floor" json:"translation_confidence_floor"`

	// Generation configuration
	MaxContextTokens   int `mapstructure:"max_context_tokens" json:"max_context_tokens"`
	MaxHistoryMessages int `mapstructure:"max_history_messages" json:"max_history_messages"`

	// Orchestrator configuration
	CacheTTL      time.Duration `mapstructure:"cache_ttl" json:"cache_ttl"`
	CallTimeout   time.Duration `mapstructure:"call_timeout" json:"call_timeout"`
	RatePerMinute int           `mapstructure:"rate_per_minute" json:"rate_per_minute"`
	RateBurst     int           `mapstructure:"rate_burst" json:"rate_burst"`

	// PostgreSQL storage (documents, versions, vector index)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Query log storage (local SQLite). User identifiers are always stored
	// hashed; the log correlates queries, it does not identify users.
	QueryLogPath string `mapstructure:"query_log_path" json:"query_log_path"`

	// HTTP serve mode
	HTTPAddr   string `mapstructure:"http_addr" json:"http_addr"`
	TrustProxy bool   `mapstructure:"trust_proxy" json:"trust_proxy"`

	// Observability (OTLP traces)
	OTLPEndpoint string `mapstructure:"otlp_endpoint" json:"otlp_endpoint"`
	Environment  string `mapstructure:"environment" json:"environment"`
	ServiceName  string `mapstructure:"service_name" json:"service_name"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".helpchat")
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
		// A missing config file is fine, defaults apply.
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

	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("provider", "gemini")
	v.SetDefault("model_name", "gemini-2.5-flash")
	v.SetDefault("embedder_model", DefaultEmbedderModel)
	v.SetDefault("embedder_dimension", DefaultEmbedderDimension)

	v.SetDefault("base_language", "en")

	v.SetDefault("chunk_target_tokens", DefaultChunkTargetTokens)
	v.SetDefault("chunk_overlap_tokens", DefaultChunkOverlap)
	v.SetDefault("chunk_min_tokens", DefaultChunkMinTokens)
	v.SetDefault("chunk_max_tokens", DefaultChunkMaxTokens)

	v.SetDefault("top_k", DefaultTopK)
	v.SetDefault("boost_factor", DefaultBoostFactor)
	v.SetDefault("gap_threshold", DefaultGapThreshold)
	v.SetDefault("low_confidence_threshold", DefaultLowConfidence)
	v.SetDefault("translation_confidence_floor", 0.8)

	v.SetDefault("max_context_tokens", 6000)
	v.SetDefault("max_history_messages", 10)

	v.SetDefault("cache_ttl", DefaultCacheTTL)
	v.SetDefault("call_timeout", DefaultCallTimeout)
	v.SetDefault("rate_per_minute", DefaultRatePerMinute)
	v.SetDefault("rate_burst", 10)

	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "helpchat")
	v.SetDefault("postgres_password", "helpchat_dev_password")
	v.SetDefault("postgres_db_name", "helpchat")
	v.SetDefault("postgres_ssl_mode", "disable")

	v.SetDefault("query_log_path", filepath.Join("data", "querylog.db"))

	v.SetDefault("http_addr", ":8080")
	v.SetDefault("trust_proxy", false)

	v.SetDefault("otlp_endpoint", "")
	v.SetDefault("environment", "dev")
	v.SetDefault("service_name", "helpchat")
}

// bindEnvVariables binds environment overrides explicitly.
// GEMINI_API_KEY is read directly by Genkit, not via Viper.
func bindEnvVariables(v *viper.Viper) {
	mustBind := func(key, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("provider", "HELPCHAT_PROVIDER")
	mustBind("model_name", "HELPCHAT_MODEL_NAME")
	mustBind("embedder_model", "HELPCHAT_EMBEDDER_MODEL")
	mustBind("base_language", "HELPCHAT_BASE_LANGUAGE")
	mustBind("http_addr", "HELPCHAT_HTTP_ADDR")
	mustBind("trust_proxy", "HELPCHAT_TRUST_PROXY")
	mustBind("otlp_endpoint", "HELPCHAT_OTLP_ENDPOINT")
	mustBind("query_log_path", "HELPCHAT_QUERY_LOG_PATH")
}

// parseDatabaseURL applies DATABASE_URL (if set) over the postgres_* fields.
func (c *Config) parseDatabaseURL() error {
	raw := os.Getenv("DATABASE_URL")
	if raw == "" {
		return nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parsing DATABASE_URL: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return fmt.Errorf("unsupported DATABASE_URL scheme: %s", u.Scheme)
	}

	c.PostgresHost = u.Hostname()
	if p := u.Port(); p != "" {
		if _, err := fmt.Sscanf(p, "%d", &c.PostgresPort); err != nil {
			return fmt.Errorf("parsing DATABASE_URL port: %w", err)
		}
	}
	if u.User != nil {
		c.PostgresUser = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			c.PostgresPassword = pw
		}
	}
	c.PostgresDBName = strings.TrimPrefix(u.Path, "/")
	if mode := u.Query().Get("sslmode"); mode != "" {
		c.PostgresSSLMode = mode
	}
	return nil
}

// PostgresURL returns the postgres:// connection URL for pgx and migrations.
func (c *Config) PostgresURL() string {
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

// maskSecret masks a secret string for safe logging. Short secrets are fully
// masked to prevent substring matching; longer secrets keep two characters on
// each side for debugging.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with sensitive field masking.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
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
