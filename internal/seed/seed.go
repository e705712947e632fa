package seed

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	creditdomain "github.com/smallbiznis/storefront/internal/credit/domain"
	tenantdomain "github.com/smallbiznis/storefront/internal/tenant/domain"
	"go.uber.org/zap"
)

const (
	demoStoreName    = "Demo Store"
	demoStoreSlug    = "demo"
	demoStoreDSN     = "sqlite://file:storefront_demo.db?cache=shared"
	demoStoreCredits = 30
	demoSeedKey      = "seed:demo_store"
)

type Deps struct {
	Registry    tenantdomain.Registry
	Provisioner tenantdomain.Provisioner
	Credits     creditdomain.Service
	BaseDomain  string
	Log         *zap.Logger
}

// EnsureDemoStore provisions a published sqlite-backed store with starter
// credits for local development. It is a no-op once the demo hostname resolves.
func EnsureDemoStore(ctx context.Context, deps Deps) (snowflake.ID, error) {
	if deps.Registry == nil || deps.Provisioner == nil || deps.Credits == nil {
		return 0, errors.New("seed dependencies are required")
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}

	host := demoStoreSlug
	if base := strings.TrimSpace(deps.BaseDomain); base != "" {
		host = demoStoreSlug + "." + base
	}

	storeID, err := deps.Registry.LookupByHostname(ctx, host)
	switch {
	case err == nil:
		return storeID, nil
	case !errors.Is(err, tenantdomain.ErrNotFound):
		return 0, err
	}

	store, err := deps.Provisioner.Provision(ctx, tenantdomain.ProvisionRequest{
		Name:      demoStoreName,
		Slug:      demoStoreSlug,
		Hostnames: []string{host},
		DSN:       demoStoreDSN,
		Published: true,
	})
	if err != nil {
		return 0, err
	}

	if _, err := deps.Credits.Credit(ctx, creditdomain.CreditRequest{
		StoreID:        store.ID,
		Amount:         demoStoreCredits,
		Kind:           creditdomain.TransactionKindAdjustment,
		Reference:      "demo seed",
		IdempotencyKey: demoSeedKey,
	}); err != nil {
		return 0, err
	}

	log.Info("seed.demo_store.created",
		zap.String("store_id", store.ID.String()),
		zap.String("hostname", host),
	)
	return store.ID, nil
}
