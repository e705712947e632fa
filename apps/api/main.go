package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/storefront/internal/billingjob"
	"github.com/smallbiznis/storefront/internal/clock"
	"github.com/smallbiznis/storefront/internal/config"
	"github.com/smallbiznis/storefront/internal/credit"
	"github.com/smallbiznis/storefront/internal/migration"
	"github.com/smallbiznis/storefront/internal/observability"
	"github.com/smallbiznis/storefront/internal/ratelimit"
	"github.com/smallbiznis/storefront/internal/scheduler"
	"github.com/smallbiznis/storefront/internal/server"
	"github.com/smallbiznis/storefront/internal/tenant"
	"github.com/smallbiznis/storefront/internal/tenantconn"
	"github.com/smallbiznis/storefront/internal/vault"
	"github.com/smallbiznis/storefront/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Supply(observability.ProcessAPI),
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		ratelimit.Module,

		vault.Module,
		tenant.Module,
		tenantconn.Module,
		credit.Module,
		billingjob.Module,
		migration.Module,

		// Manual triggers only; the poller runs in apps/scheduler
		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
