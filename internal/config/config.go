package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// MaxHistoryLimit bounds how many messages a thread fetch may return.
const MaxHistoryLimit = 200

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	LogLevel       string   `mapstructure:"LOG_LEVEL"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
	UploadMaxBytes int64    `mapstructure:"UPLOAD_MAX_BYTES"`

	// Client side.
	APIBaseURL        string        `mapstructure:"API_BASE_URL"`
	PushURL           string        `mapstructure:"PUSH_URL"`
	APIToken          string        `mapstructure:"API_TOKEN"`
	ProviderID        string        `mapstructure:"PROVIDER_ID"`
	IncludeArchived   bool          `mapstructure:"INCLUDE_ARCHIVED"`
	ReconnectInterval time.Duration `mapstructure:"RECONNECT_INTERVAL"`
	HistoryLimit      int           `mapstructure:"HISTORY_LIMIT"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "CORS_ORIGINS", "RATE_LIMIT_RPS",
	"RATE_LIMIT_BURST", "UPLOAD_MAX_BYTES", "API_BASE_URL", "PUSH_URL",
	"API_TOKEN", "PROVIDER_ID", "INCLUDE_ARCHIVED", "RECONNECT_INTERVAL",
	"HISTORY_LIMIT",
}

// Load reads the environment and an optional .env file. It does not require
// any key; use LoadServer or LoadClient for that.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("AUTH_ISSUER", "clinicmsg")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("UPLOAD_MAX_BYTES", 25<<20)
	v.SetDefault("API_BASE_URL", "")
	v.SetDefault("RECONNECT_INTERVAL", "2s")
	v.SetDefault("HISTORY_LIMIT", 100)

	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i, o := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(o)
	}

	return cfg, nil
}

// LoadServer loads and validates the gateway configuration.
func LoadServer() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadClient loads and validates the configuration of the client commands.
func LoadClient() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	if cfg.APIBaseURL == "" {
		return nil, fmt.Errorf("API_BASE_URL is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedPushURL returns PUSH_URL, or the websocket endpoint derived from
// API_BASE_URL when it is unset.
func (c *Config) ResolvedPushURL() (string, error) {
	if c.PushURL != "" {
		return c.PushURL, nil
	}
	u, err := url.Parse(c.APIBaseURL)
	if err != nil {
		return "", fmt.Errorf("parse API_BASE_URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("API_BASE_URL must be http or https, got %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/v1/ws"
	return u.String(), nil
}

// Validate checks that the configuration is safe to run. Outside development a
// signing key of at least 32 bytes is required so tokens cannot be forged.
func (c *Config) Validate() error {
	switch c.Env {
	case "development", "test", "production":
	default:
		return fmt.Errorf("ENV must be \"development\", \"test\", or \"production\", got %q", c.Env)
	}

	if !c.IsDev() && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes when ENV=%q", c.Env)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if c.UploadMaxBytes <= 0 {
		return fmt.Errorf("UPLOAD_MAX_BYTES must be positive, got %d", c.UploadMaxBytes)
	}
	if c.HistoryLimit < 1 || c.HistoryLimit > MaxHistoryLimit {
		return fmt.Errorf("HISTORY_LIMIT must be between 1 and %d, got %d", MaxHistoryLimit, c.HistoryLimit)
	}
	if c.ReconnectInterval <= 0 {
		return fmt.Errorf("RECONNECT_INTERVAL must be positive, got %s", c.ReconnectInterval)
	}
	return nil
}
