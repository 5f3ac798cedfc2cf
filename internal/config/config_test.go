package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.StoreDriver != StorePostgres {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.PollBaseDelay != 3*time.Second || cfg.PollCapDelay != 30*time.Second || cfg.PollMaxAttempts != 20 {
		t.Fatalf("poll defaults = %v %v %d", cfg.PollBaseDelay, cfg.PollCapDelay, cfg.PollMaxAttempts)
	}
	if cfg.FeeRate != 0.01 || cfg.PollGrowthFactor != 1.4 {
		t.Fatalf("fee/growth = %v %v", cfg.FeeRate, cfg.PollGrowthFactor)
	}
}

func TestLoadFromEnvAndDotenv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("STORE_DRIVER=memory\nPOLL_MAX_ATTEMPTS=5\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("POLL_BASE_DELAY", "100ms")
	// Registered through t.Setenv so whatever godotenv writes is restored on cleanup.
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("POLL_MAX_ATTEMPTS", "")
	_ = os.Unsetenv("STORE_DRIVER")
	_ = os.Unsetenv("POLL_MAX_ATTEMPTS")

	cfg, err := Load(envFile)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":9090" || cfg.StoreDriver != StoreMemory {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.PollBaseDelay != 100*time.Millisecond || cfg.PollMaxAttempts != 5 {
		t.Fatalf("poll = %v %d", cfg.PollBaseDelay, cfg.PollMaxAttempts)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			StoreDriver: StoreMemory, FeeRate: 0.01,
			PollBaseDelay: time.Second, PollCapDelay: 10 * time.Second,
			PollGrowthFactor: 1.4, PollMaxAttempts: 3, PollTimeout: time.Minute,
		}
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "ok", mutate: func(*Config) {}},
		{name: "bad driver", mutate: func(c *Config) { c.StoreDriver = "sqlite" }, want: "STORE_DRIVER"},
		{name: "fee too high", mutate: func(c *Config) { c.FeeRate = 1 }, want: "FEE_RATE"},
		{name: "cap below base", mutate: func(c *Config) { c.PollCapDelay = time.Millisecond }, want: "POLL_BASE_DELAY"},
		{name: "shrinking growth", mutate: func(c *Config) { c.PollGrowthFactor = 0.5 }, want: "POLL_GROWTH_FACTOR"},
		{name: "postgres needs host", mutate: func(c *Config) { c.StoreDriver = StorePostgres }, want: "DB_HOST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %s", err, tt.want)
			}
		})
	}
}
