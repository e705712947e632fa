package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/storefront/internal/clock"
	"github.com/smallbiznis/storefront/internal/config"
	creditdomain "github.com/smallbiznis/storefront/internal/credit/domain"
	"github.com/smallbiznis/storefront/internal/tenant/domain"
	"github.com/smallbiznis/storefront/internal/tenant/repository"
	vaultservice "github.com/smallbiznis/storefront/internal/vault/service"
	"github.com/smallbiznis/storefront/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type recordingInvalidator struct {
	mu  sync.Mutex
	ids []snowflake.ID
}

func (r *recordingInvalidator) Invalidate(_ context.Context, storeID snowflake.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, storeID)
	return nil
}

type tenantFixture struct {
	db          *gorm.DB
	registry    domain.Registry
	provisioner domain.Provisioner
	invalidator *recordingInvalidator
}

func setupTenant(t *testing.T) tenantFixture {
	t.Helper()

	conn := dbtest.Open(t,
		&domain.Store{},
		&domain.StoreHostname{},
		&domain.StoreCredential{},
		&creditdomain.CreditBalance{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	repo := repository.Provide()
	inv := &recordingInvalidator{}
	cfg := config.Config{Tenant: config.TenantConfig{BaseDomain: "shop.test"}}

	return tenantFixture{
		db: conn,
		registry: NewRegistry(RegistryParams{
			DB:   conn,
			Log:  zap.NewNop(),
			Repo: repo,
		}),
		provisioner: NewProvisioner(ProvisionerParams{
			DB:          conn,
			Log:         zap.NewNop(),
			GenID:       node,
			Cfg:         cfg,
			Clock:       clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
			Repo:        repo,
			Vault:       vaultservice.NewWithKeys(map[int]string{1: "test-secret"}, 1),
			Invalidator: inv,
		}),
		invalidator: inv,
	}
}

func TestProvisionCreatesResolvableStore(t *testing.T) {
	f := setupTenant(t)
	ctx := context.Background()

	store, err := f.provisioner.Provision(ctx, domain.ProvisionRequest{
		Name:      "Kopi Kenangan",
		Hostnames: []string{"Kopi.Example.com:443"},
		DSN:       "sqlite://file:kopi?mode=memory",
		Published: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "kopi-kenangan", store.Slug)

	id, err := f.registry.LookupByHostname(ctx, "kopi.example.com")
	require.NoError(t, err)
	assert.Equal(t, store.ID, id)

	id, err = f.registry.LookupByHostname(ctx, "kopi-kenangan.shop.test")
	require.NoError(t, err)
	assert.Equal(t, store.ID, id)

	entry, err := f.registry.LookupByID(ctx, store.ID)
	require.NoError(t, err)
	assert.True(t, entry.IsActive)
	assert.True(t, entry.Published)
	assert.False(t, entry.Credential.Empty())
	assert.NotContains(t, string(entry.Credential.Ciphertext), "sqlite://")

	var balance creditdomain.CreditBalance
	require.NoError(t, f.db.Where("store_id = ?", store.ID).First(&balance).Error)
	assert.Zero(t, balance.Balance)
}

func TestProvisionRejectsBadInput(t *testing.T) {
	f := setupTenant(t)
	ctx := context.Background()

	_, err := f.provisioner.Provision(ctx, domain.ProvisionRequest{DSN: "sqlite://file:x"})
	assert.ErrorIs(t, err, domain.ErrInvalidName)

	_, err = f.provisioner.Provision(ctx, domain.ProvisionRequest{Name: "x", DSN: "ftp://nope"})
	assert.ErrorIs(t, err, domain.ErrInvalidDSN)

	_, err = f.provisioner.Provision(ctx, domain.ProvisionRequest{Name: "Alpha", DSN: "sqlite://file:a"})
	require.NoError(t, err)
	_, err = f.provisioner.Provision(ctx, domain.ProvisionRequest{Name: "Alpha", DSN: "sqlite://file:b"})
	assert.ErrorIs(t, err, domain.ErrSlugTaken)
}

func TestRegistryMisses(t *testing.T) {
	f := setupTenant(t)
	ctx := context.Background()

	_, err := f.registry.LookupByHostname(ctx, "nobody.shop.test")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.registry.LookupByHostname(ctx, "  ")
	assert.ErrorIs(t, err, domain.ErrInvalidHostname)

	_, err = f.registry.LookupByID(ctx, 12345)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.registry.LookupByID(ctx, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidStoreID)
}

func TestListPublishedRequiresActiveAndPublished(t *testing.T) {
	f := setupTenant(t)
	ctx := context.Background()

	live, err := f.provisioner.Provision(ctx, domain.ProvisionRequest{Name: "Live", DSN: "sqlite://file:l", Published: true})
	require.NoError(t, err)
	_, err = f.provisioner.Provision(ctx, domain.ProvisionRequest{Name: "Draft", DSN: "sqlite://file:d"})
	require.NoError(t, err)
	paused, err := f.provisioner.Provision(ctx, domain.ProvisionRequest{Name: "Paused", DSN: "sqlite://file:p", Published: true})
	require.NoError(t, err)

	inactive := false
	_, err = f.provisioner.SetStatus(ctx, paused.ID, domain.StatusUpdate{IsActive: &inactive})
	require.NoError(t, err)

	stores, err := f.registry.ListPublished(ctx)
	require.NoError(t, err)
	require.Len(t, stores, 1)
	assert.Equal(t, live.ID, stores[0].ID)

	assert.Equal(t, []snowflake.ID{paused.ID}, f.invalidator.ids)
}

func TestRotateCredentialReseals(t *testing.T) {
	f := setupTenant(t)
	ctx := context.Background()

	store, err := f.provisioner.Provision(ctx, domain.ProvisionRequest{Name: "Rotate", DSN: "sqlite://file:r1"})
	require.NoError(t, err)
	before, err := f.registry.LookupByID(ctx, store.ID)
	require.NoError(t, err)

	require.NoError(t, f.provisioner.RotateCredential(ctx, store.ID, "sqlite://file:r2"))

	after, err := f.registry.LookupByID(ctx, store.ID)
	require.NoError(t, err)
	assert.NotEqual(t, before.Credential.IV, after.Credential.IV)
	assert.Equal(t, []snowflake.ID{store.ID}, f.invalidator.ids)

	assert.ErrorIs(t, f.provisioner.RotateCredential(ctx, 777, "sqlite://file:x"), domain.ErrNotFound)
	assert.ErrorIs(t, f.provisioner.RotateCredential(ctx, store.ID, "bogus"), domain.ErrInvalidDSN)
}
