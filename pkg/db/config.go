package db

import (
	"time"

	"github.com/smallbiznis/storefront/internal/config"
)

// PoolConfig sizes a *sql.DB pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// MasterPool returns the pool settings for the master registry database.
func MasterPool(cfg config.Config) PoolConfig {
	return PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConn,
		MaxIdleConns:    cfg.DBMaxIdleConn,
		ConnMaxLifetime: time.Duration(cfg.DBConnMaxLifetime) * time.Second,
		ConnMaxIdleTime: time.Duration(cfg.DBConnMaxIdleTime) * time.Second,
	}
}

// TenantPool returns the pool settings applied to every tenant database.
func TenantPool(cfg config.TenantConfig) PoolConfig {
	return PoolConfig{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}
}
