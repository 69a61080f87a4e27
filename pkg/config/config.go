package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/reportlens/reportlens/pkg/llm"
	"github.com/reportlens/reportlens/pkg/observability"
	"github.com/reportlens/reportlens/pkg/security"
	"github.com/reportlens/reportlens/pkg/session"
	"github.com/reportlens/reportlens/pkg/storage"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Session       session.Config      `yaml:"session"`
	Memory        MemoryConfig        `yaml:"memory"`
	LLM           llm.Config          `yaml:"llm"`
	Storage       storage.Config      `yaml:"storage"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Observability ObservabilityConfig `yaml:"observability"`
	Log           LogConfig           `yaml:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	MetricsAddr    string   `yaml:"metrics_addr"` // separate listener for /health and /metrics; empty serves them on Addr
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxUploadMB    int      `yaml:"max_upload_mb"`
	RequestTimeout string   `yaml:"request_timeout"`
}

// AuthConfig holds identity token configuration
type AuthConfig struct {
	JWTSecret    string `yaml:"jwt_secret"`
	Issuer       string `yaml:"issuer"`
	TokenTTL     string `yaml:"token_ttl"`
	CookieName   string `yaml:"cookie_name"`
	CookieSecure bool   `yaml:"cookie_secure"`
}

// MemoryConfig holds conversation cache configuration
type MemoryConfig struct {
	MaxSessions int    `yaml:"max_sessions"`
	MaxTurns    int    `yaml:"max_turns"`
	IdleTTL     string `yaml:"idle_ttl"`
}

// RateLimitConfig holds per-user request limits
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// ObservabilityConfig holds tracing and metrics configuration
type ObservabilityConfig struct {
	Metrics bool                        `yaml:"metrics"`
	Tracing observability.TracingConfig `yaml:"tracing"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:5173"},
			MaxUploadMB:    20,
			RequestTimeout: "2m",
		},
		Auth: AuthConfig{
			Issuer:     "reportlens",
			TokenTTL:   "24h",
			CookieName: "reportlens_session",
		},
		Session: session.DefaultConfig(),
		Memory: MemoryConfig{
			MaxSessions: 1000,
			MaxTurns:    40,
			IdleTTL:     "30m",
		},
		LLM: llm.Config{
			Provider: "gemini",
		},
		Storage: storage.Config{
			Bucket:     storage.DefaultBucket,
			PresignTTL: storage.DefaultPresignTTL.String(),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 2,
			Burst:             10,
		},
		Observability: ObservabilityConfig{
			Metrics: true,
			Tracing: observability.TracingConfig{Exporter: "none"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig loads configuration from a YAML file over the defaults and then
// applies environment overrides. An empty path uses defaults and environment only.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path) // #nosec G304 - operator-supplied config path
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		defer func() { _ = f.Close() }()

		parser := security.NewSafeYAMLParser(security.DefaultYAMLLimits())
		if err := parser.UnmarshalReader(f, cfg); err != nil {
			if errors.Is(err, security.ErrYAMLTooLarge) {
				return nil, fmt.Errorf("config file too large: %w", err)
			}
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overlays REPORTLENS_* variables and fills secrets and endpoints
// from their conventional variables when the file leaves them empty.
func (c *Config) applyEnv() {
	setString := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}

	setString(&c.Server.Addr, "REPORTLENS_ADDR")
	setString(&c.Server.MetricsAddr, "REPORTLENS_METRICS_ADDR")
	setString(&c.Session.Store, "REPORTLENS_STORE")
	setString(&c.Session.BaseDir, "REPORTLENS_DATA_DIR")
	setString(&c.LLM.Provider, "REPORTLENS_LLM_PROVIDER")
	setString(&c.LLM.Model, "REPORTLENS_LLM_MODEL")
	setString(&c.Storage.Bucket, "REPORTLENS_BUCKET")
	setString(&c.Observability.Tracing.Exporter, "REPORTLENS_TRACING_EXPORTER")
	setString(&c.Log.Level, "REPORTLENS_LOG_LEVEL")
	setString(&c.Log.Format, "REPORTLENS_LOG_FORMAT")

	if v := os.Getenv("REPORTLENS_ALLOWED_ORIGINS"); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.Server.AllowedOrigins = origins
	}
	if v := os.Getenv("REPORTLENS_RATE_LIMIT_RPS"); v != "" {
		if rps, err := strconv.ParseFloat(v, 64); err == nil {
			c.RateLimit.RequestsPerSecond = rps
		}
	}

	if c.Auth.JWTSecret == "" {
		c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	}
	if c.Session.Redis.Addr == "" {
		c.Session.Redis.Addr = os.Getenv("REDIS_ADDR")
	}
	if c.Observability.Tracing.OTLPEndpoint == "" {
		c.Observability.Tracing.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		if c.Session.DynamoDB.Region == "" {
			c.Session.DynamoDB.Region = region
		}
		if c.Storage.Region == "" {
			c.Storage.Region = region
		}
		if c.LLM.Region == "" {
			c.LLM.Region = region
		}
	}

	if c.LLM.APIKey == "" {
		switch c.LLM.Provider {
		case "gemini":
			c.LLM.APIKey = os.Getenv("GEMINI_API_KEY")
		case "openai":
			c.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.MaxUploadMB <= 0 {
		errs = append(errs, errors.New("server.max_upload_mb must be positive"))
	}
	if _, err := parseDuration("server.request_timeout", c.Server.RequestTimeout); err != nil {
		errs = append(errs, err)
	}
	if len(c.Auth.JWTSecret) < 16 {
		errs = append(errs, errors.New("auth.jwt_secret must be at least 16 characters (set JWT_SECRET)"))
	}
	if _, err := parseDuration("auth.token_ttl", c.Auth.TokenTTL); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Session.ParsedTTL(); err != nil {
		errs = append(errs, err)
	}
	switch c.Session.Store {
	case "", "file", "dynamodb":
	case "redis":
		if c.Session.Redis.Addr == "" {
			errs = append(errs, errors.New("session.redis.addr is required for the redis store (set REDIS_ADDR)"))
		}
	default:
		errs = append(errs, fmt.Errorf("session.store %q is not one of file, redis, dynamodb", c.Session.Store))
	}
	if _, err := parseDuration("memory.idle_ttl", c.Memory.IdleTTL); err != nil {
		errs = append(errs, err)
	}
	if c.LLM.Provider == "" {
		errs = append(errs, errors.New("llm.provider is required"))
	}
	if c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0 {
		errs = append(errs, errors.New("rate_limit.requests_per_second and rate_limit.burst must be positive"))
	}

	return errors.Join(errs...)
}

// RequestTimeout returns the parsed per-request timeout.
func (c *Config) RequestTimeout() time.Duration {
	d, _ := parseDuration("server.request_timeout", c.Server.RequestTimeout)
	return d
}

// TokenTTL returns the parsed identity token lifetime.
func (c *Config) TokenTTL() time.Duration {
	d, _ := parseDuration("auth.token_ttl", c.Auth.TokenTTL)
	return d
}

// MemoryIdleTTL returns the parsed conversation cache idle TTL.
func (c *Config) MemoryIdleTTL() time.Duration {
	d, _ := parseDuration("memory.idle_ttl", c.Memory.IdleTTL)
	return d
}

// parseDuration treats an empty value as zero, meaning "use the component default".
func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must not be negative", field)
	}
	return d, nil
}
