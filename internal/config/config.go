package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	FHIRBaseURL    string        `mapstructure:"FHIR_BASE_URL"`
	FHIRTimeout    time.Duration `mapstructure:"FHIR_TIMEOUT"`
	FHIRRetryCount int           `mapstructure:"FHIR_RETRY_COUNT"`
	BatchWorkers   int           `mapstructure:"BATCH_WORKERS"`
	BatchTimeout   time.Duration `mapstructure:"BATCH_TIMEOUT"`
	UploadMaxSize  string        `mapstructure:"UPLOAD_MAX_SIZE"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	DBSchema       string        `mapstructure:"DB_SCHEMA"`
	MetricsEnabled bool          `mapstructure:"METRICS_ENABLED"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
}

var keys = []string{
	"PORT",
	"ENV",
	"FHIR_BASE_URL",
	"FHIR_TIMEOUT",
	"FHIR_RETRY_COUNT",
	"BATCH_WORKERS",
	"BATCH_TIMEOUT",
	"UPLOAD_MAX_SIZE",
	"DATABASE_URL",
	"DB_MAX_CONNS",
	"DB_MIN_CONNS",
	"DB_SCHEMA",
	"METRICS_ENABLED",
	"CORS_ORIGINS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("FHIR_BASE_URL", "http://127.0.0.1:8080/fhir")
	v.SetDefault("FHIR_TIMEOUT", "30s")
	v.SetDefault("FHIR_RETRY_COUNT", 0)
	v.SetDefault("BATCH_WORKERS", 8)
	v.SetDefault("BATCH_TIMEOUT", "2m")
	v.SetDefault("UPLOAD_MAX_SIZE", "10M")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range keys {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// HasDatabase reports whether batch reports go to Postgres rather than memory.
func (c *Config) HasDatabase() bool {
	return c.DatabaseURL != ""
}

// Validate checks that the configuration can drive the pipeline.
func (c *Config) Validate() error {
	if c.FHIRBaseURL == "" {
		return fmt.Errorf("FHIR_BASE_URL is required")
	}
	u, err := url.Parse(c.FHIRBaseURL)
	if err != nil {
		return fmt.Errorf("FHIR_BASE_URL is not a valid URL: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("FHIR_BASE_URL must be an absolute URL, got %q", c.FHIRBaseURL)
	}
	if c.BatchWorkers <= 0 {
		return fmt.Errorf("BATCH_WORKERS must be positive, got %d", c.BatchWorkers)
	}
	if c.FHIRRetryCount < 0 {
		return fmt.Errorf("FHIR_RETRY_COUNT must not be negative, got %d", c.FHIRRetryCount)
	}
	if c.FHIRTimeout < 0 || c.BatchTimeout < 0 {
		return fmt.Errorf("FHIR_TIMEOUT and BATCH_TIMEOUT must not be negative")
	}
	if c.HasDatabase() && c.DBSchema == "" {
		return fmt.Errorf("DB_SCHEMA is required when DATABASE_URL is set")
	}
	return nil
}
