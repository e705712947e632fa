package tenantconn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/storefront/internal/clock"
	tenantdomain "github.com/smallbiznis/storefront/internal/tenant/domain"
	vaultdomain "github.com/smallbiznis/storefront/internal/vault/domain"
	vaultservice "github.com/smallbiznis/storefront/internal/vault/service"
	"github.com/smallbiznis/storefront/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeRegistry struct {
	mu          sync.Mutex
	entries     map[snowflake.ID]*tenantdomain.Entry
	hosts       map[string]snowflake.ID
	hostLookups int
	lookupsByID int
	lookupErr   error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		entries: map[snowflake.ID]*tenantdomain.Entry{},
		hosts:   map[string]snowflake.ID{},
	}
}

func (r *fakeRegistry) LookupByHostname(_ context.Context, hostname string) (snowflake.ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hostLookups++
	if r.lookupErr != nil {
		return 0, r.lookupErr
	}
	id, ok := r.hosts[hostname]
	if !ok {
		return 0, tenantdomain.ErrNotFound
	}
	return id, nil
}

func (r *fakeRegistry) LookupByID(_ context.Context, storeID snowflake.ID) (*tenantdomain.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookupsByID++
	if r.lookupErr != nil {
		return nil, r.lookupErr
	}
	entry, ok := r.entries[storeID]
	if !ok {
		return nil, tenantdomain.ErrNotFound
	}
	copied := *entry
	return &copied, nil
}

func (r *fakeRegistry) ListPublished(context.Context) ([]tenantdomain.Store, error) {
	return nil, nil
}

func (r *fakeRegistry) GetStore(context.Context, snowflake.ID) (*tenantdomain.Store, error) {
	return nil, tenantdomain.ErrNotFound
}

type countingConnector struct {
	mu       sync.Mutex
	calls    int
	failures int
	failWith error
	delay    time.Duration
}

func (c *countingConnector) Connect(ctx context.Context, _ snowflake.ID, _ string) (*gorm.DB, error) {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.mu.Lock()
	c.calls++
	fail := c.calls <= c.failures
	c.mu.Unlock()
	if fail {
		if c.failWith != nil {
			return nil, c.failWith
		}
		return nil, errors.New("connection refused")
	}
	return gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{Logger: logger.Discard})
}

func (c *countingConnector) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type managerFixture struct {
	manager   *Manager
	registry  *fakeRegistry
	connector *countingConnector
	clock     *clock.FakeClock
	vault     vaultdomain.Service
}

func setupManager(t *testing.T) managerFixture {
	t.Helper()
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	registry := newFakeRegistry()
	connector := &countingConnector{}
	vault := vaultservice.NewWithKeys(map[int]string{1: "manager-test-key"}, 1)

	m := NewManager(Params{
		Log:   zap.NewNop(),
		Clock: fake,
		Config: Config{
			MaxAttempts:   3,
			BaseDelay:     time.Millisecond,
			MaxDelay:      2 * time.Millisecond,
			IdleThreshold: 30 * time.Minute,
		},
		Registry:  registry,
		Vault:     vault,
		Connector: connector,
	})
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	return managerFixture{manager: m, registry: registry, connector: connector, clock: fake, vault: vault}
}

func (f managerFixture) addStore(t *testing.T, id snowflake.ID, active bool, host string) {
	t.Helper()
	env, err := f.vault.Encrypt([]byte("sqlite://file::memory:"))
	require.NoError(t, err)
	f.registry.mu.Lock()
	defer f.registry.mu.Unlock()
	f.registry.entries[id] = &tenantdomain.Entry{StoreID: id, IsActive: active, Published: true, Credential: env}
	if host != "" {
		f.registry.hosts[host] = id
	}
}

func TestConcurrentFirstResolvesConnectOnce(t *testing.T) {
	f := setupManager(t)
	f.connector.delay = 20 * time.Millisecond
	f.addStore(t, 1, true, "")

	const callers = 50
	handles := make([]*Handle, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = f.manager.Resolve(context.Background(), 1)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, handles[0], handles[i])
	}
	assert.Equal(t, 1, f.connector.Calls())
	assert.Equal(t, int64(callers), handles[0].RefCount())
	assert.Equal(t, 1, f.manager.Stats().OpenHandles)

	for _, h := range handles {
		h.Release()
	}
	assert.Zero(t, handles[0].RefCount())
}

func TestIdleHandleIsEvictedAndReconnected(t *testing.T) {
	f := setupManager(t)
	f.addStore(t, 2, true, "")
	ctx := context.Background()

	h, err := f.manager.Resolve(ctx, 2)
	require.NoError(t, err)
	h.Release()

	f.clock.Advance(29 * time.Minute)
	assert.Zero(t, f.manager.Sweep(ctx))

	f.clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, f.manager.Sweep(ctx))
	assert.Zero(t, f.manager.Stats().OpenHandles)

	sqlDB, err := h.conn.DB()
	require.NoError(t, err)
	assert.Error(t, sqlDB.Ping(), "evicted pool must be closed")

	h2, err := f.manager.Resolve(ctx, 2)
	require.NoError(t, err)
	defer h2.Release()
	assert.NotSame(t, h, h2)
	assert.Equal(t, 2, f.connector.Calls())
}

func TestSweepSkipsHandlesInUse(t *testing.T) {
	f := setupManager(t)
	f.addStore(t, 3, true, "")
	ctx := context.Background()

	h, err := f.manager.Resolve(ctx, 3)
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	assert.Zero(t, f.manager.Sweep(ctx))
	assert.Equal(t, 1, f.manager.Stats().OpenHandles)

	h.Release()
	f.clock.Advance(time.Hour)
	assert.Equal(t, 1, f.manager.Sweep(ctx))
}

func TestTamperedCredentialFailsClosedWithoutConnecting(t *testing.T) {
	f := setupManager(t)
	f.addStore(t, 4, true, "")

	f.registry.mu.Lock()
	f.registry.entries[4].Credential.Ciphertext[0] ^= 0xff
	f.registry.mu.Unlock()

	_, err := f.manager.Resolve(context.Background(), 4)
	require.ErrorIs(t, err, ErrCredential)
	assert.ErrorIs(t, err, vaultdomain.ErrIntegrity)
	assert.Zero(t, f.connector.Calls())
	assert.Zero(t, f.manager.Stats().OpenHandles)
}

func TestUnknownOrInactiveStore(t *testing.T) {
	f := setupManager(t)
	f.addStore(t, 5, false, "")
	ctx := context.Background()

	_, err := f.manager.Resolve(ctx, 5)
	assert.ErrorIs(t, err, tenantdomain.ErrUnknownTenant)

	_, err = f.manager.Resolve(ctx, 404)
	assert.ErrorIs(t, err, tenantdomain.ErrUnknownTenant)

	_, err = f.manager.Resolve(ctx, 0)
	assert.ErrorIs(t, err, tenantdomain.ErrUnknownTenant)

	assert.Zero(t, f.connector.Calls())
}

func TestProvisioningRetriesThenReleasesGate(t *testing.T) {
	f := setupManager(t)
	f.connector.failures = 100
	f.addStore(t, 6, true, "")
	ctx := context.Background()

	_, err := f.manager.Resolve(ctx, 6)
	require.ErrorIs(t, err, ErrProvisioning)
	assert.Equal(t, 3, f.connector.Calls())

	_, err = f.manager.Resolve(ctx, 6)
	require.ErrorIs(t, err, ErrProvisioning)
	assert.Equal(t, 6, f.connector.Calls(), "a failed connect must not lock the store out")
}

func TestConcurrentResolvesShareConnectError(t *testing.T) {
	f := setupManager(t)
	f.connector.failures = 100
	f.connector.delay = 30 * time.Millisecond
	f.addStore(t, 8, true, "")

	const callers = 10
	start := make(chan struct{})
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = f.manager.Resolve(context.Background(), 8)
		}(i)
	}
	close(start)
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, ErrProvisioning)
	}
	assert.Equal(t, 3, f.connector.Calls())
}

func TestUnsupportedDSNIsNotRetried(t *testing.T) {
	f := setupManager(t)
	f.connector.failures = 100
	f.connector.failWith = fmt.Errorf("%w: scheme %q", db.ErrUnsupportedDSN, "ftp")
	f.addStore(t, 9, true, "")

	_, err := f.manager.Resolve(context.Background(), 9)
	require.ErrorIs(t, err, ErrProvisioning)
	assert.ErrorIs(t, err, db.ErrUnsupportedDSN)
	assert.Equal(t, 1, f.connector.Calls())
}

func TestTransientConnectFailureRecovers(t *testing.T) {
	f := setupManager(t)
	f.connector.failures = 2
	f.addStore(t, 7, true, "")

	h, err := f.manager.Resolve(context.Background(), 7)
	require.NoError(t, err)
	defer h.Release()
	assert.Equal(t, 3, f.connector.Calls())
}

func TestResolveHostCachesHostname(t *testing.T) {
	f := setupManager(t)
	f.addStore(t, 8, true, "kopi.shop.test")
	ctx := context.Background()

	h, err := f.manager.ResolveHost(ctx, "Kopi.Shop.Test:8080")
	require.NoError(t, err)
	h.Release()
	h, err = f.manager.ResolveHost(ctx, "kopi.shop.test")
	require.NoError(t, err)
	h.Release()

	assert.Equal(t, snowflake.ID(8), h.StoreID())
	assert.Equal(t, 1, f.registry.hostLookups)

	_, err = f.manager.ResolveHost(ctx, "nobody.shop.test")
	assert.ErrorIs(t, err, tenantdomain.ErrUnknownTenant)
	_, err = f.manager.ResolveHost(ctx, "")
	assert.ErrorIs(t, err, tenantdomain.ErrUnknownTenant)
}

func TestInvalidateRetiresHandleAfterRelease(t *testing.T) {
	f := setupManager(t)
	f.addStore(t, 9, true, "inv.shop.test")
	ctx := context.Background()

	h, err := f.manager.ResolveHost(ctx, "inv.shop.test")
	require.NoError(t, err)

	require.NoError(t, f.manager.Invalidate(ctx, 9))
	assert.Zero(t, f.manager.Stats().OpenHandles)

	sqlDB, err := h.conn.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Ping(), "holder keeps a working pool")

	h.Release()
	assert.Error(t, sqlDB.Ping())

	h2, err := f.manager.ResolveHost(ctx, "inv.shop.test")
	require.NoError(t, err)
	defer h2.Release()
	assert.NotSame(t, h, h2)
	assert.Equal(t, 2, f.connector.Calls())
	assert.Equal(t, 2, f.registry.hostLookups, "hostname cache dropped on invalidate")
}

func TestClosedManagerRejectsResolve(t *testing.T) {
	f := setupManager(t)
	f.addStore(t, 10, true, "")
	require.NoError(t, f.manager.Close(context.Background()))

	_, err := f.manager.Resolve(context.Background(), 10)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHandleDBRunsQueries(t *testing.T) {
	f := setupManager(t)
	f.addStore(t, 11, true, "")

	h, err := f.manager.Resolve(context.Background(), 11)
	require.NoError(t, err)
	defer h.Release()

	var one int
	require.NoError(t, h.DB(context.Background()).Raw("SELECT 1").Scan(&one).Error)
	assert.Equal(t, 1, one)

	stats := h.Stats()
	assert.Equal(t, snowflake.ID(11), stats.StoreID)
	assert.Equal(t, int64(1), stats.RefCount)
}

func TestAbandonedResolveDoesNotCancelSharedConnect(t *testing.T) {
	f := setupManager(t)
	f.connector.delay = 60 * time.Millisecond
	f.addStore(t, 12, true, "")

	leaverCtx, cancel := context.WithCancel(context.Background())
	leaverErr := make(chan error, 1)
	go func() {
		h, err := f.manager.Resolve(leaverCtx, 12)
		if h != nil {
			h.Release()
		}
		leaverErr <- err
	}()

	type result struct {
		h   *Handle
		err error
	}
	waiter := make(chan result, 1)
	go func() {
		time.Sleep(10 * time.Millisecond)
		h, err := f.manager.Resolve(context.Background(), 12)
		waiter <- result{h, err}
	}()

	time.Sleep(25 * time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-leaverErr, context.Canceled)
	got := <-waiter
	require.NoError(t, got.err)
	defer got.h.Release()

	assert.Equal(t, 1, f.connector.Calls())
	assert.Equal(t, int64(1), got.h.RefCount())
	assert.Equal(t, 1, f.manager.Stats().OpenHandles)
}

func TestGatesArePrunedOnceIdle(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()
	for id := snowflake.ID(20); id < 25; id++ {
		f.addStore(t, id, true, "")
		h, err := f.manager.Resolve(ctx, id)
		require.NoError(t, err)
		h.Release()
	}
	assert.Zero(t, gateCount(f.manager))

	require.NoError(t, f.manager.Invalidate(ctx, 20))
	f.clock.Advance(time.Hour)
	assert.Equal(t, 4, f.manager.Sweep(ctx))
	assert.Zero(t, gateCount(f.manager))

	_, err := f.manager.Resolve(ctx, 999)
	assert.ErrorIs(t, err, tenantdomain.ErrUnknownTenant)
	assert.Zero(t, gateCount(f.manager))
}

func TestRegistryOutageIsNotUnknownTenant(t *testing.T) {
	f := setupManager(t)
	f.registry.lookupErr = errors.New("connection refused")

	_, err := f.manager.Resolve(context.Background(), 30)
	assert.ErrorIs(t, err, ErrRegistryUnavailable)
	assert.NotErrorIs(t, err, tenantdomain.ErrUnknownTenant)

	_, err = f.manager.ResolveHost(context.Background(), "down.shop.test")
	assert.ErrorIs(t, err, ErrRegistryUnavailable)
	assert.Zero(t, f.connector.Calls())
}

func gateCount(m *Manager) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.gates)
}
