package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	// Kernel config
	assert.Equal(t, 256, cfg.Kernel.MemoryMB)
	assert.Equal(t, 16, cfg.Kernel.DMAMemoryMB)
	assert.Equal(t, 1.0, cfg.Kernel.CPUCapacity)
	assert.Equal(t, 64, cfg.Kernel.ChannelCapacity)
	assert.Zero(t, cfg.Kernel.IPCTimeout)

	// Loader config
	assert.Equal(t, "./manifests", cfg.Loader.ManifestDir)
	assert.Contains(t, cfg.Loader.GrantablePatterns, "svc://**")
	assert.Equal(t, time.Minute, cfg.Loader.CrashWindow)

	// Admin config
	assert.Equal(t, "127.0.0.1:7070", cfg.Admin.Addr())

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMatchesDefault(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, Default(), cfg)
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	envVars := map[string]string{
		"AETHER_KERNEL_MEMORY_MB":        "512",
		"AETHER_KERNEL_CHANNEL_CAPACITY": "8",
		"AETHER_KERNEL_IPC_TIMEOUT":      "250ms",
		"AETHER_GRANTABLE":               "svc://**,mem://shared",
		"AETHER_ADMIN_PORT":              "9090",
		"AETHER_ADMIN_ORIGINS":           "https://console.aether.example",
		"AETHER_LOG_LEVEL":               "debug",
		"AETHER_LOG_DEV":                 "true",
		"AETHER_STORE_PATH":              ":memory:",
		"AETHER_RATE_LIMIT_ENABLED":      "false",
	}
	for key, value := range envVars {
		t.Setenv(key, value)
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 512, cfg.Kernel.MemoryMB)
	assert.Equal(t, 8, cfg.Kernel.ChannelCapacity)
	assert.Equal(t, 250*time.Millisecond, cfg.Kernel.IPCTimeout)
	assert.Equal(t, []string{"svc://**", "mem://shared"}, cfg.Loader.GrantablePatterns)
	assert.Equal(t, "9090", cfg.Admin.Port)
	assert.Equal(t, []string{"https://console.aether.example"}, cfg.Admin.Origins)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Development)
	assert.Equal(t, ":memory:", cfg.Store.Path)
	assert.False(t, cfg.RateLimit.Enabled)

	// Untouched values keep their defaults
	assert.Equal(t, 16, cfg.Kernel.DMAMemoryMB)
	assert.Equal(t, "127.0.0.1", cfg.Admin.Host)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"zero memory", func(c *Config) { c.Kernel.MemoryMB = 0 }, true},
		{"dma larger than pool", func(c *Config) { c.Kernel.DMAMemoryMB = 1024 }, true},
		{"zero channel capacity", func(c *Config) { c.Kernel.ChannelCapacity = 0 }, true},
		{"no cpu", func(c *Config) { c.Kernel.CPUCapacity = 0 }, true},
		{"bare pattern", func(c *Config) { c.Loader.GrantablePatterns = []string{"dns"} }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadOrDefaultOnInvalidEnvironment(t *testing.T) {
	t.Setenv("AETHER_KERNEL_MEMORY_MB", "lots")

	_, err := Load()
	assert.Error(t, err)

	cfg := LoadOrDefault()
	assert.Equal(t, 256, cfg.Kernel.MemoryMB)
}
