package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix namespaces every variable, e.g. AETHER_KERNEL_MEMORY_MB.
const EnvPrefix = "AETHER"

// Config holds all kernel configuration.
type Config struct {
	Kernel    KernelConfig
	Loader    LoaderConfig
	Admin     AdminConfig
	Logging   LogConfig
	Store     StoreConfig
	RateLimit RateLimitConfig
}

// KernelConfig sizes the shared pools and sets IPC defaults.
type KernelConfig struct {
	MemoryMB        int           `envconfig:"KERNEL_MEMORY_MB" default:"256"`
	DMAMemoryMB     int           `envconfig:"KERNEL_DMA_MB" default:"16"`
	CPUCapacity     float64       `envconfig:"KERNEL_CPU_CAPACITY" default:"1.0"`
	ChannelCapacity int           `envconfig:"KERNEL_CHANNEL_CAPACITY" default:"64"`
	IPCTimeout      time.Duration `envconfig:"KERNEL_IPC_TIMEOUT" default:"0s"`
	AuditSize       int           `envconfig:"KERNEL_AUDIT_SIZE" default:"512"`
}

// LoaderConfig controls V-Node discovery and admission.
type LoaderConfig struct {
	ManifestDir       string        `envconfig:"MANIFEST_DIR" default:"./manifests"`
	ImageDir          string        `envconfig:"IMAGE_DIR" default:""`
	GrantablePatterns []string      `envconfig:"GRANTABLE" default:"svc://**,mem://**,irq://**,log://**,vfs://**"`
	MaxCrashes        int           `envconfig:"MAX_CRASHES" default:"5"`
	CrashWindow       time.Duration `envconfig:"CRASH_WINDOW" default:"1m"`
	AutoStart         bool          `envconfig:"AUTOSTART" default:"true"`
}

// AdminConfig holds the admin HTTP API configuration.
type AdminConfig struct {
	Host    string   `envconfig:"ADMIN_HOST" default:"127.0.0.1"`
	Port    string   `envconfig:"ADMIN_PORT" default:"7070"`
	Enabled bool     `envconfig:"ADMIN_ENABLED" default:"true"`
	Origins []string `envconfig:"ADMIN_ORIGINS"` // browser origins allowed besides loopback
}

// Addr returns host:port.
func (a AdminConfig) Addr() string {
	return a.Host + ":" + a.Port
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// StoreConfig locates the lifecycle journal.
type StoreConfig struct {
	Path string `envconfig:"STORE_PATH" default:"aether.db"`
}

// RateLimitConfig holds admin API rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"50"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"100"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Validate rejects configurations the kernel cannot boot with.
func (c *Config) Validate() error {
	if c.Kernel.MemoryMB <= 0 {
		return fmt.Errorf("invalid config: kernel memory must be positive, got %d", c.Kernel.MemoryMB)
	}
	if c.Kernel.DMAMemoryMB < 0 || c.Kernel.DMAMemoryMB > c.Kernel.MemoryMB {
		return fmt.Errorf("invalid config: dma pool %dMB outside [0, %d]", c.Kernel.DMAMemoryMB, c.Kernel.MemoryMB)
	}
	if c.Kernel.CPUCapacity <= 0 {
		return fmt.Errorf("invalid config: cpu capacity must be positive")
	}
	if c.Kernel.ChannelCapacity <= 0 {
		return fmt.Errorf("invalid config: channel capacity must be positive")
	}
	for _, p := range c.Loader.GrantablePatterns {
		if !strings.Contains(p, "://") {
			return fmt.Errorf("invalid config: grantable pattern %q is not a resource URI", p)
		}
	}
	return nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Kernel: KernelConfig{
			MemoryMB:        256,
			DMAMemoryMB:     16,
			CPUCapacity:     1.0,
			ChannelCapacity: 64,
			AuditSize:       512,
		},
		Loader: LoaderConfig{
			ManifestDir:       "./manifests",
			GrantablePatterns: []string{"svc://**", "mem://**", "irq://**", "log://**", "vfs://**"},
			MaxCrashes:        5,
			CrashWindow:       time.Minute,
			AutoStart:         true,
		},
		Admin: AdminConfig{
			Host:    "127.0.0.1",
			Port:    "7070",
			Enabled: true,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		Store: StoreConfig{
			Path: "aether.db",
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 50,
			Burst:             100,
			Enabled:           true,
		},
	}
}
