package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	SessionSecret string        `mapstructure:"SESSION_SECRET"`
	SessionTTL    time.Duration `mapstructure:"SESSION_TTL"`
	TokenTTL      time.Duration `mapstructure:"TOKEN_TTL"`

	EncryptionKey string `mapstructure:"ENCRYPTION_KEY"`
	StorageDir    string `mapstructure:"STORAGE_DIR"`

	StripeSecretKey string `mapstructure:"STRIPE_SECRET_KEY"`
	StripePriceID   string `mapstructure:"STRIPE_PRICE_ID"`

	FrontendURL string `mapstructure:"FRONTEND_URL"`
	SMTPAddr    string `mapstructure:"SMTP_ADDR"`
	SMTPFrom    string `mapstructure:"SMTP_FROM"`
	FaxEndpoint string `mapstructure:"FAX_ENDPOINT"`
	FaxSecret   string `mapstructure:"FAX_SECRET"`

	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
	TLSEnabled     bool     `mapstructure:"TLS_ENABLED"`
	TLSCertFile    string   `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile     string   `mapstructure:"TLS_KEY_FILE"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"SESSION_SECRET", "SESSION_TTL", "TOKEN_TTL",
	"ENCRYPTION_KEY", "STORAGE_DIR",
	"STRIPE_SECRET_KEY", "STRIPE_PRICE_ID",
	"FRONTEND_URL", "SMTP_ADDR", "SMTP_FROM", "FAX_ENDPOINT", "FAX_SECRET",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
}

// Load reads configuration from the environment, falling back to a .env file
// in the working directory when present.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("SESSION_TTL", "336h")
	v.SetDefault("TOKEN_TTL", "24h")
	v.SetDefault("STORAGE_DIR", "./data/attachments")
	v.SetDefault("FRONTEND_URL", "https://www.fightpaperwork.com")
	v.SetDefault("SMTP_FROM", "support@fightpaperwork.com")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 5)
	v.SetDefault("RATE_LIMIT_BURST", 10)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env file is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// a session secret is required; in production the attachment encryption key
// is required too.
func (c *Config) Validate() error {
	if !c.IsDev() && len(c.SessionSecret) < 32 {
		return fmt.Errorf("SESSION_SECRET must be at least 32 characters outside development")
	}

	if c.IsProduction() && c.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required in production")
	}
	if c.EncryptionKey != "" {
		if _, err := c.EncryptionKeyBytes(); err != nil {
			return err
		}
	}

	if c.StripePriceID != "" && c.StripeSecretKey == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY is required when STRIPE_PRICE_ID is set")
	}

	if c.FaxEndpoint != "" && c.FaxSecret == "" && c.IsProduction() {
		return fmt.Errorf("FAX_SECRET is required when FAX_ENDPOINT is set in production")
	}

	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}
	return nil
}

// EncryptionKeyBytes decodes ENCRYPTION_KEY, which must be 64 hex characters.
func (c *Config) EncryptionKeyBytes() ([]byte, error) {
	key, err := hex.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("ENCRYPTION_KEY is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(key))
	}
	return key, nil
}
