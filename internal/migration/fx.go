package migration

import (
	"context"

	"github.com/smallbiznis/storefront/internal/config"
	creditdomain "github.com/smallbiznis/storefront/internal/credit/domain"
	"github.com/smallbiznis/storefront/internal/seed"
	tenantdomain "github.com/smallbiznis/storefront/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Config      config.Config
	Log         *zap.Logger
	Registry    tenantdomain.Registry
	Provisioner tenantdomain.Provisioner
	Credits     creditdomain.Service
}

var Module = fx.Module("migrations",
	fx.Invoke(func(p Params) error {
		if err := Apply(p.DB, p.Config.DBType); err != nil {
			return err
		}
		p.Log.Info("migration.applied", zap.String("db_type", p.Config.DBType))

		if !p.Config.Bootstrap.DemoStore {
			return nil
		}
		_, err := seed.EnsureDemoStore(context.Background(), seed.Deps{
			Registry:    p.Registry,
			Provisioner: p.Provisioner,
			Credits:     p.Credits,
			BaseDomain:  p.Config.Tenant.BaseDomain,
			Log:         p.Log,
		})
		return err
	}),
)

// Apply migrates the master schema with the tool that fits its dialect.
func Apply(conn *gorm.DB, dbType string) error {
	if dbType == "postgres" {
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}
	return AutoMigrate(conn)
}
