// Package config provides 12-factor configuration for the AetherOS kernel.
//
// Configuration is loaded from AETHER_-prefixed environment variables with
// sensible defaults. CLI flags in cmd/aetherd override individual values.
//
// Configuration Sections:
//   - Kernel: memory and DMA pool sizes, CPU capacity, IPC defaults
//   - Loader: manifest discovery, image directory, grantable resource classes
//   - Admin: admin HTTP API listen address
//   - Logging: log level and output format
//   - Store: lifecycle journal location
//   - RateLimit: per-client admin API rate limiting
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	fmt.Printf("admin API on %s\n", cfg.Admin.Addr())
//
// Environment Variables:
//   - AETHER_KERNEL_MEMORY_MB, AETHER_KERNEL_DMA_MB, AETHER_KERNEL_CPU_CAPACITY
//   - AETHER_KERNEL_CHANNEL_CAPACITY, AETHER_KERNEL_IPC_TIMEOUT
//   - AETHER_MANIFEST_DIR, AETHER_IMAGE_DIR, AETHER_GRANTABLE
//   - AETHER_LOG_LEVEL, AETHER_LOG_DEV, AETHER_STORE_PATH
package config
