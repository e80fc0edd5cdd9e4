// Package config defines the single configuration record the core takes at
// construction, plus the YAML loader used by the shell. The core itself never
// reads files, flags, or the environment.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the value-typed configuration record. Durations are carried as
// integer milliseconds matching the option names; accessor methods convert.
type Config struct {
	DefaultHandlerTimeoutMs int64 `yaml:"defaultHandlerTimeoutMs"`
	MaxRetries              int   `yaml:"maxRetries"`
	EnableDeadLetter        bool  `yaml:"enableDeadLetter"`
	ReaperIntervalMs        int64 `yaml:"reaperIntervalMs"`
	MaxQueueSize            int   `yaml:"maxQueueSize"`
	CacheBudgetBytes        int64 `yaml:"cacheBudgetBytes"`
	DefaultEntryTtlMs       int64 `yaml:"defaultEntryTtlMs"`
	MaxConcurrentAdmissions int   `yaml:"maxConcurrentAdmissions"`
	BreakerFailureThreshold int   `yaml:"breakerFailureThreshold"`
	BreakerRecoveryMs       int64 `yaml:"breakerRecoveryMs"`

	// Shell-level sections. The core never sees these; the CLI wires them.
	Ops      OpsConfig      `yaml:"ops"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Warmup   WarmupConfig   `yaml:"warmup"`
}

// OpsConfig configures the read-only operations HTTP server.
type OpsConfig struct {
	ListenAddr     string `yaml:"listenAddr"`
	ReadTimeoutMs  int64  `yaml:"readTimeoutMs"`
	WriteTimeoutMs int64  `yaml:"writeTimeoutMs"`
	IdleTimeoutMs  int64  `yaml:"idleTimeoutMs"`
}

// ArchiveConfig configures the optional Postgres dead-letter archive.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// SnapshotConfig configures cache snapshot persistence. When RedisAddr is
// set the Redis store is used; otherwise Path names a local snapshot file.
type SnapshotConfig struct {
	Path      string `yaml:"path"`
	RedisAddr string `yaml:"redisAddr"`
	RedisKey  string `yaml:"redisKey"`
	TTLHours  int    `yaml:"ttlHours"`
}

// WarmupConfig bounds background cache warm-up so it cannot starve live
// traffic.
type WarmupConfig struct {
	RatePerSecond float64 `yaml:"ratePerSecond"`
	Burst         int     `yaml:"burst"`
	Parallelism   int     `yaml:"parallelism"`
}

// Default returns the configuration with every option at its documented
// default.
func Default() Config {
	return Config{
		DefaultHandlerTimeoutMs: 30000,
		MaxRetries:              3,
		EnableDeadLetter:        true,
		ReaperIntervalMs:        3600000,
		MaxQueueSize:            10000,
		CacheBudgetBytes:        52428800,
		DefaultEntryTtlMs:       86400000,
		MaxConcurrentAdmissions: 3,
		BreakerFailureThreshold: 5,
		BreakerRecoveryMs:       60000,
		Ops: OpsConfig{
			ListenAddr:     "127.0.0.1:8090",
			ReadTimeoutMs:  10000,
			WriteTimeoutMs: 10000,
			IdleTimeoutMs:  60000,
		},
		Snapshot: SnapshotConfig{
			RedisKey: "clearlearn:cache:snapshot",
			TTLHours: 72,
		},
		Warmup: WarmupConfig{
			RatePerSecond: 2,
			Burst:         1,
			Parallelism:   2,
		},
	}
}

// Load reads a YAML file over the defaults: absent keys keep their default
// value, present keys override it.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects values the core cannot operate with.
func (c Config) Validate() error {
	switch {
	case c.DefaultHandlerTimeoutMs <= 0:
		return fmt.Errorf("defaultHandlerTimeoutMs must be positive, got %d", c.DefaultHandlerTimeoutMs)
	case c.MaxRetries < 0:
		return fmt.Errorf("maxRetries must not be negative, got %d", c.MaxRetries)
	case c.ReaperIntervalMs <= 0:
		return fmt.Errorf("reaperIntervalMs must be positive, got %d", c.ReaperIntervalMs)
	case c.MaxQueueSize <= 0:
		return fmt.Errorf("maxQueueSize must be positive, got %d", c.MaxQueueSize)
	case c.CacheBudgetBytes <= 0:
		return fmt.Errorf("cacheBudgetBytes must be positive, got %d", c.CacheBudgetBytes)
	case c.DefaultEntryTtlMs <= 0:
		return fmt.Errorf("defaultEntryTtlMs must be positive, got %d", c.DefaultEntryTtlMs)
	case c.MaxConcurrentAdmissions <= 0:
		return fmt.Errorf("maxConcurrentAdmissions must be positive, got %d", c.MaxConcurrentAdmissions)
	case c.BreakerFailureThreshold <= 0:
		return fmt.Errorf("breakerFailureThreshold must be positive, got %d", c.BreakerFailureThreshold)
	case c.BreakerRecoveryMs <= 0:
		return fmt.Errorf("breakerRecoveryMs must be positive, got %d", c.BreakerRecoveryMs)
	case c.Warmup.RatePerSecond < 0:
		return fmt.Errorf("warmup.ratePerSecond must not be negative, got %f", c.Warmup.RatePerSecond)
	}
	return nil
}

func (c Config) HandlerTimeout() time.Duration  { return time.Duration(c.DefaultHandlerTimeoutMs) * time.Millisecond }
func (c Config) ReaperInterval() time.Duration  { return time.Duration(c.ReaperIntervalMs) * time.Millisecond }
func (c Config) DefaultEntryTTL() time.Duration { return time.Duration(c.DefaultEntryTtlMs) * time.Millisecond }
func (c Config) BreakerRecovery() time.Duration { return time.Duration(c.BreakerRecoveryMs) * time.Millisecond }
