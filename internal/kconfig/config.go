// Package kconfig holds the kernel's post-boot runtime tuning knobs (tick
// rate, scheduler quantum, table sizes). Bound with spf13/viper the way
// GoogleCloudPlatform-gcsfuse binds its mount config, so the same struct
// can be overridden by environment variables in tests without touching the
// boot command line (internal/bootcfg), which is a separate, stricter
// grammar (spec.md §6).
package kconfig

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the kernel's runtime tuning surface.
type Config struct {
	TickHz        int           `mapstructure:"tick_hz"`
	Quantum       time.Duration `mapstructure:"quantum"`
	MaxProcesses  int           `mapstructure:"max_processes"`
	MaxOpenFiles  int           `mapstructure:"max_open_files"`
	MaxMmapRegion int           `mapstructure:"max_mmap_regions"`
	KernelHeap    int           `mapstructure:"kernel_heap_bytes"`
	PhysMemBytes  int           `mapstructure:"phys_mem_bytes"`
	PageSize      int           `mapstructure:"page_size"`
}

// Default mirrors the teacher's constants (PAGE_SIZE=4096,
// KERNEL_HEAP_SIZE=64MB) with values sized for a hosted test kernel rather
// than a single QEMU VM.
func Default() Config {
	return Config{
		TickHz:        100,
		Quantum:       10 * time.Millisecond,
		MaxProcesses:  4096,
		MaxOpenFiles:  256,
		MaxMmapRegion: 64,
		KernelHeap:    16 * 1024 * 1024,
		PhysMemBytes:  128 * 1024 * 1024,
		PageSize:      4096,
	}
}

// Load reads Default() overridden by KERNEL_* environment variables, e.g.
// KERNEL_TICK_HZ=1000.
func Load() (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("KERNEL")
	v.AutomaticEnv()
	for _, key := range []string{"tick_hz", "quantum", "max_processes",
		"max_open_files", "max_mmap_regions", "kernel_heap_bytes",
		"phys_mem_bytes", "page_size"} {
		_ = v.BindEnv(key)
	}

	v.SetDefault("tick_hz", cfg.TickHz)
	v.SetDefault("quantum", cfg.Quantum)
	v.SetDefault("max_processes", cfg.MaxProcesses)
	v.SetDefault("max_open_files", cfg.MaxOpenFiles)
	v.SetDefault("max_mmap_regions", cfg.MaxMmapRegion)
	v.SetDefault("kernel_heap_bytes", cfg.KernelHeap)
	v.SetDefault("phys_mem_bytes", cfg.PhysMemBytes)
	v.SetDefault("page_size", cfg.PageSize)

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
