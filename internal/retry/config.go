package retry

import (
	"time"

	"github.com/smallbiznis/waingest/internal/config"
)

// Config controls the drain cadence and batch sizes.
type Config struct {
	RunInterval time.Duration
	BatchSize   int
	// MaxBatches bounds how many full batches one run drains.
	MaxBatches int
	JobTimeout time.Duration
	LockTTL    time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval: 5 * time.Minute,
		BatchSize:   50,
		MaxBatches:  20,
		JobTimeout:  2 * time.Minute,
		LockTTL:     4 * time.Minute,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval: cfg.Retry.RunInterval,
		BatchSize:   cfg.Retry.BatchSize,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.MaxBatches <= 0 {
		c.MaxBatches = defaults.MaxBatches
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	return c
}
