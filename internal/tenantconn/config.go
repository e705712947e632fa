package tenantconn

import (
	"time"

	"github.com/smallbiznis/storefront/internal/config"
	"github.com/smallbiznis/storefront/pkg/db"
)

// Config controls connect retries, idle eviction and tenant pool sizing.
type Config struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	ConnectTimeout time.Duration
	IdleThreshold  time.Duration
	SweepInterval  time.Duration
	HostCacheTTL   time.Duration
	Pool           db.PoolConfig
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		BaseDelay:      200 * time.Millisecond,
		MaxDelay:       2 * time.Second,
		ConnectTimeout: 5 * time.Second,
		IdleThreshold:  30 * time.Minute,
		SweepInterval:  5 * time.Minute,
		HostCacheTTL:   time.Minute,
		Pool: db.PoolConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
		},
	}
}

// ProvideConfig maps the application config onto manager settings.
func ProvideConfig(cfg config.Config) Config {
	t := cfg.Tenant
	return Config{
		MaxAttempts:    t.ConnectAttempts,
		BaseDelay:      t.ConnectBaseDelay,
		ConnectTimeout: t.ConnectTimeout,
		IdleThreshold:  t.IdleThreshold,
		SweepInterval:  t.SweepInterval,
		HostCacheTTL:   t.HostCacheTTL,
		Pool:           db.TenantPool(t),
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaults.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaults.MaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaults.ConnectTimeout
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = defaults.IdleThreshold
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaults.SweepInterval
	}
	if c.HostCacheTTL <= 0 {
		c.HostCacheTTL = defaults.HostCacheTTL
	}
	if c.Pool.MaxOpenConns <= 0 {
		c.Pool.MaxOpenConns = defaults.Pool.MaxOpenConns
	}
	return c
}
