// Package config loads service settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type Config struct {
	ServiceName string `mapstructure:"SERVICE_NAME"`
	Env         string `mapstructure:"ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	HTTPAddr    string `mapstructure:"HTTP_ADDR"`

	StoreDriver string `mapstructure:"STORE_DRIVER"`
	DBHost      string `mapstructure:"DB_HOST"`
	DBPort      string `mapstructure:"DB_PORT"`
	DBUser      string `mapstructure:"DB_USER"`
	DBPassword  string `mapstructure:"DB_PASSWORD"`
	DBName      string `mapstructure:"DB_NAME"`
	DBSSLMode   string `mapstructure:"DB_SSLMODE"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`

	// RedisAddr empty keeps the status cache and poll lock in process.
	RedisAddr      string        `mapstructure:"REDIS_ADDR"`
	RedisPassword  string        `mapstructure:"REDIS_PASSWORD"`
	RedisDB        int           `mapstructure:"REDIS_DB"`
	StatusCacheTTL time.Duration `mapstructure:"STATUS_CACHE_TTL"`

	PaycrestBaseURL       string `mapstructure:"PAYCREST_BASE_URL"`
	PaycrestAPIKey        string `mapstructure:"PAYCREST_API_KEY"`
	PaycrestWebhookSecret string `mapstructure:"PAYCREST_WEBHOOK_SECRET"`
	PaycrestInstitution   string `mapstructure:"PAYCREST_MOBILE_MONEY_INSTITUTION"`

	PretiumBaseURL string `mapstructure:"PRETIUM_BASE_URL"`
	PretiumAPIKey  string `mapstructure:"PRETIUM_API_KEY"`
	PretiumChain   string `mapstructure:"PRETIUM_CHAIN"`

	CustodyBaseURL string `mapstructure:"CUSTODY_BASE_URL"`
	CustodyAPIKey  string `mapstructure:"CUSTODY_API_KEY"`

	VendorTimeout time.Duration `mapstructure:"VENDOR_TIMEOUT"`

	FeeRate   float64 `mapstructure:"FEE_RATE"`
	FeePlaces int32   `mapstructure:"FEE_DECIMAL_PLACES"`
	Token     string  `mapstructure:"SETTLEMENT_TOKEN"`
	Network   string  `mapstructure:"SETTLEMENT_NETWORK"`

	PollBaseDelay         time.Duration `mapstructure:"POLL_BASE_DELAY"`
	PollGrowthFactor      float64       `mapstructure:"POLL_GROWTH_FACTOR"`
	PollCapDelay          time.Duration `mapstructure:"POLL_CAP_DELAY"`
	PollMaxAttempts       int           `mapstructure:"POLL_MAX_ATTEMPTS"`
	PollTimeout           time.Duration `mapstructure:"POLL_TIMEOUT"`
	PollAttemptTimeout    time.Duration `mapstructure:"POLL_ATTEMPT_TIMEOUT"`
	PollNotFoundThreshold int           `mapstructure:"POLL_NOT_FOUND_THRESHOLD"`
}

var defaults = map[string]any{
	"SERVICE_NAME": "offramp-settlement",
	"ENV":          "dev",
	"LOG_LEVEL":    "info",
	"HTTP_ADDR":    ":8080",

	"STORE_DRIVER": StorePostgres,
	"DB_HOST":      "localhost",
	"DB_PORT":      "5432",
	"DB_USER":      "postgres",
	"DB_PASSWORD":  "",
	"DB_NAME":      "offramp",
	"DB_SSLMODE":   "disable",
	"DB_MAX_CONNS": 10,

	"REDIS_ADDR":       "",
	"REDIS_PASSWORD":   "",
	"REDIS_DB":         0,
	"STATUS_CACHE_TTL": "24h",

	"PAYCREST_BASE_URL":                 "https://api.paycrest.io",
	"PAYCREST_API_KEY":                  "",
	"PAYCREST_WEBHOOK_SECRET":           "",
	"PAYCREST_MOBILE_MONEY_INSTITUTION": "SAFAKEPC",

	"PRETIUM_BASE_URL": "https://api.xwift.africa",
	"PRETIUM_API_KEY":  "",
	"PRETIUM_CHAIN":    "BASE",

	"CUSTODY_BASE_URL": "",
	"CUSTODY_API_KEY":  "",

	"VENDOR_TIMEOUT": "10s",

	"FEE_RATE":           0.01,
	"FEE_DECIMAL_PLACES": 6,
	"SETTLEMENT_TOKEN":   "USDC",
	"SETTLEMENT_NETWORK": "base",

	"POLL_BASE_DELAY":          "3s",
	"POLL_GROWTH_FACTOR":       1.4,
	"POLL_CAP_DELAY":           "30s",
	"POLL_MAX_ATTEMPTS":        20,
	"POLL_TIMEOUT":             "10m",
	"POLL_ATTEMPT_TIMEOUT":     "10s",
	"POLL_NOT_FOUND_THRESHOLD": 3,
}

// Load reads .env files (if present) into the process environment and then
// binds every known key to its environment variable.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case StoreMemory, StorePostgres:
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StorePostgres, StoreMemory, c.StoreDriver))
	}
	if c.StoreDriver == StorePostgres && (c.DBHost == "" || c.DBName == "") {
		errs = append(errs, errors.New("DB_HOST and DB_NAME are required for the postgres store"))
	}
	if c.FeeRate < 0 || c.FeeRate >= 1 {
		errs = append(errs, fmt.Errorf("FEE_RATE must be in [0, 1), got %v", c.FeeRate))
	}
	if c.PollBaseDelay <= 0 || c.PollCapDelay < c.PollBaseDelay {
		errs = append(errs, errors.New("POLL_BASE_DELAY must be positive and not above POLL_CAP_DELAY"))
	}
	if c.PollGrowthFactor < 1 {
		errs = append(errs, fmt.Errorf("POLL_GROWTH_FACTOR must be >= 1, got %v", c.PollGrowthFactor))
	}
	if c.PollMaxAttempts <= 0 {
		errs = append(errs, errors.New("POLL_MAX_ATTEMPTS must be positive"))
	}
	if c.PollTimeout <= 0 {
		errs = append(errs, errors.New("POLL_TIMEOUT must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// DatabaseURL assembles a pgx connection string from the DB_* parts.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// IsProduction gates behaviour that must never run outside prod.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "prod") || strings.EqualFold(c.Env, "production")
}
