package tenantconn

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/storefront/internal/observability/logger"
	"github.com/smallbiznis/storefront/pkg/db"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Connector opens one pooled connection to a tenant database.
type Connector interface {
	Connect(ctx context.Context, storeID snowflake.ID, dsn string) (*gorm.DB, error)
}

type dsnConnector struct {
	pool db.PoolConfig
	log  *zap.Logger
}

// NewConnector returns the production connector: dialect picked from the DSN
// scheme, pool sized from cfg, statements traced and logged.
func NewConnector(cfg Config, log *zap.Logger) Connector {
	return &dsnConnector{pool: cfg.Pool, log: log.Named("tenantconn.connector")}
}

func (c *dsnConnector) Connect(ctx context.Context, storeID snowflake.ID, dsn string) (*gorm.DB, error) {
	conn, err := db.OpenDSN(ctx, dsn, c.pool, &gorm.Config{
		Logger: logger.NewGormLogger(logger.TenantGormLoggerConfig(storeID.String())),
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Use(otelgorm.NewPlugin(
		otelgorm.WithDBName("tenant"),
		otelgorm.WithAttributes(attribute.String("store.id", storeID.String())),
		otelgorm.WithoutQueryVariables(),
	)); err != nil {
		c.log.Warn("tenant.otelgorm.install_failed", zap.String("store_id", storeID.String()), zap.Error(err))
	}
	return conn, nil
}
