package scheduler

import (
	"time"

	"github.com/smallbiznis/storefront/internal/config"
)

// Config controls scheduler intervals and timeouts.
type Config struct {
	RunInterval       time.Duration
	RecoveryThreshold time.Duration
	JobTimeout        time.Duration
	LeaderLockTTL     time.Duration
	EnabledJobs       []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:       time.Minute,
		RecoveryThreshold: 15 * time.Minute,
		JobTimeout:        10 * time.Minute,
		LeaderLockTTL:     50 * time.Second,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:       cfg.Scheduler.RunInterval,
		RecoveryThreshold: cfg.Scheduler.RecoveryThreshold,
		JobTimeout:        cfg.Scheduler.JobTimeout,
		LeaderLockTTL:     cfg.Scheduler.LeaderLockTTL,
		EnabledJobs:       cfg.Scheduler.EnabledJobs,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = defaults.RecoveryThreshold
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.LeaderLockTTL <= 0 {
		c.LeaderLockTTL = defaults.LeaderLockTTL
	}
	return c
}
