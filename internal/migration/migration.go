package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	billingjobdomain "github.com/smallbiznis/storefront/internal/billingjob/domain"
	creditdomain "github.com/smallbiznis/storefront/internal/credit/domain"
	tenantdomain "github.com/smallbiznis/storefront/internal/tenant/domain"
	"gorm.io/gorm"
)

// RunMigrations applies the embedded postgres migrations for the master registry.
func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}

// Models lists the master schema tables in dependency order.
func Models() []any {
	return []any{
		&tenantdomain.Store{},
		&tenantdomain.StoreHostname{},
		&tenantdomain.StoreCredential{},
		&creditdomain.CreditBalance{},
		&creditdomain.CreditTransaction{},
		&creditdomain.CreditUsageRecord{},
		&billingjobdomain.BillingJob{},
	}
}

// AutoMigrate builds the master schema from the gorm models. golang-migrate
// only speaks the postgres dialect of the embedded files, so sqlite and mysql
// masters go through here.
func AutoMigrate(db *gorm.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}
	return db.AutoMigrate(Models()...)
}
