package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("EMS_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("EMS_FIREBASE_PROJECT_ID", "ems-dev")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.True(t, cfg.Firebase.AuthEnabled)
	assert.Equal(t, 3*time.Second, cfg.Tracking.SourceTimeout)
	assert.Equal(t, 256, cfg.Bus.MaxPending)
	assert.Equal(t, "ems:events", cfg.Bus.RelayChannel)
}

func TestLoadReadsEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	content := "EMS_STORE_DRIVER=memory\nEMS_AUTH_ENABLED=false\nEMS_BUS_MAX_PENDING=16\nEMS_MAPS_TIMEOUT=750ms\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("EMS_ENV_FILE", path)
	// godotenv never overrides variables that are already set.
	t.Setenv("EMS_HTTP_ADDR", ":9090")
	for _, k := range []string{"EMS_STORE_DRIVER", "EMS_AUTH_ENABLED", "EMS_BUS_MAX_PENDING", "EMS_MAPS_TIMEOUT"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.False(t, cfg.Firebase.AuthEnabled)
	assert.Equal(t, 16, cfg.Bus.MaxPending)
	assert.Equal(t, 750*time.Millisecond, cfg.Maps.Timeout)
}

func TestValidate(t *testing.T) {
	valid := Config{
		Store:    StoreConfig{Driver: "memory"},
		Tracking: TrackingConfig{SourceTimeout: time.Second, RateLimitRPS: 1, RateLimitBurst: 1},
		Bus:      BusConfig{SubscriberBuffer: 1, MaxPending: 1},
	}
	require.NoError(t, valid.Validate())

	cases := map[string]func(c *Config){
		"postgres without dsn":  func(c *Config) { c.Store.Driver = "postgres" },
		"unknown driver":        func(c *Config) { c.Store.Driver = "sqlite" },
		"auth without project":  func(c *Config) { c.Firebase.AuthEnabled = true },
		"zero buffer":           func(c *Config) { c.Bus.SubscriberBuffer = 0 },
		"relay without channel": func(c *Config) { c.Bus.RelayEnabled = true },
		"zero rate":             func(c *Config) { c.Tracking.RateLimitRPS = 0 },
		"zero source timeout":   func(c *Config) { c.Tracking.SourceTimeout = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}
