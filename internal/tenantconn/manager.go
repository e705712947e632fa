package tenantconn

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	backoff "github.com/cenkalti/backoff/v5"
	"github.com/smallbiznis/storefront/internal/cache"
	"github.com/smallbiznis/storefront/internal/clock"
	obsmetrics "github.com/smallbiznis/storefront/internal/observability/metrics"
	tenantdomain "github.com/smallbiznis/storefront/internal/tenant/domain"
	vaultdomain "github.com/smallbiznis/storefront/internal/vault/domain"
	"github.com/smallbiznis/storefront/pkg/db"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

const (
	evictReasonIdle       = "idle"
	evictReasonInvalidate = "invalidate"
	evictReasonShutdown   = "shutdown"

	// a handle retired between connect and acquire is retried this many times
	maxAcquireRounds = 3
)

var tracer = otel.Tracer("storefront/tenantconn")

type Params struct {
	fx.In

	Log           *zap.Logger
	Clock         clock.Clock
	Config        Config
	Registry      tenantdomain.Registry
	Vault         vaultdomain.Service
	Connector     Connector
	HostCache     cache.HostCache           `optional:"true"`
	Metrics       *obsmetrics.Metrics       `optional:"true"`
	TenantMetrics *obsmetrics.TenantMetrics `optional:"true"`
}

// Manager owns every tenant pool in the process. The map is guarded by mu;
// connect and destroy for one store are serialized by that store's gate, so
// unrelated stores never wait on each other's network I/O.
type Manager struct {
	log       *zap.Logger
	clock     clock.Clock
	cfg       Config
	registry  tenantdomain.Registry
	vault     vaultdomain.Service
	connector Connector
	hosts     cache.HostCache
	metrics   *obsmetrics.Metrics
	tmetrics  *obsmetrics.TenantMetrics

	mu      sync.Mutex
	handles map[snowflake.ID]*Handle
	gates   map[snowflake.ID]*gate
	closed  bool

	flights  singleflight.Group
	inFlight atomic.Int64
}

func NewManager(p Params) *Manager {
	cfg := p.Config.withDefaults()
	hosts := p.HostCache
	if hosts == nil {
		hosts = cache.NewHostCache(cfg.HostCacheTTL, p.Clock.Now)
	}
	return &Manager{
		log:       p.Log.Named("tenantconn"),
		clock:     p.Clock,
		cfg:       cfg,
		registry:  p.Registry,
		vault:     p.Vault,
		connector: p.Connector,
		hosts:     hosts,
		metrics:   p.Metrics,
		tmetrics:  p.TenantMetrics,
		handles:   make(map[snowflake.ID]*Handle),
		gates:     make(map[snowflake.ID]*gate),
	}
}

// Resolve returns the live handle for storeID, connecting on first use.
// Concurrent callers for the same store share one connect sequence and get
// the same handle or the same error. Abandoning ctx does not cancel a shared
// connect other callers may still be waiting on.
func (m *Manager) Resolve(ctx context.Context, storeID snowflake.ID) (*Handle, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "tenantconn.Resolve")
	defer span.End()
	span.SetAttributes(attribute.String("store.id", storeID.String()))

	h, outcome, err := m.resolve(ctx, storeID)
	m.tmetrics.ObserveResolve(outcome, time.Since(start))
	span.SetAttributes(attribute.String("tenant.resolve.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		return nil, err
	}
	return h, nil
}

func (m *Manager) resolve(ctx context.Context, storeID snowflake.ID) (*Handle, string, error) {
	if storeID == 0 {
		return nil, obsmetrics.ResolveOutcomeUnknown, tenantdomain.ErrUnknownTenant
	}

	for round := 0; round < maxAcquireRounds; round++ {
		h, err := m.acquireCached(storeID, nil)
		if err != nil {
			return nil, obsmetrics.ResolveOutcomeError, err
		}
		if h != nil {
			return h, obsmetrics.ResolveOutcomeHit, nil
		}

		ch := m.flights.DoChan(strconv.FormatInt(int64(storeID), 10), func() (any, error) {
			return m.connect(context.WithoutCancel(ctx), storeID)
		})

		var res singleflight.Result
		select {
		case <-ctx.Done():
			return nil, obsmetrics.ResolveOutcomeError, ctx.Err()
		case res = <-ch:
		}
		if res.Err != nil {
			return nil, classifyResolveError(res.Err), res.Err
		}

		created := res.Val.(*Handle)
		h, err = m.acquireCached(storeID, created)
		if err != nil {
			return nil, obsmetrics.ResolveOutcomeError, err
		}
		if h != nil {
			return h, obsmetrics.ResolveOutcomeConnect, nil
		}
		// retired between connect and acquire; go around
	}
	return nil, obsmetrics.ResolveOutcomeProvFail, fmt.Errorf("%w: handle retired during resolve", ErrProvisioning)
}

// acquireCached takes a reference on the cached handle for storeID. When want
// is set, only that exact handle qualifies.
func (m *Manager) acquireCached(storeID snowflake.ID, want *Handle) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	h, ok := m.handles[storeID]
	if !ok || (want != nil && h != want) {
		return nil, nil
	}
	h.acquire()
	return h, nil
}

// gate serializes connect and destroy for one store. It exists only while
// someone holds or waits on it, so the map never outgrows the stores with
// work in progress.
type gate struct {
	mu    sync.Mutex
	users int
}

// lockGate blocks until storeID's gate is held and returns its unlock func.
func (m *Manager) lockGate(storeID snowflake.ID) func() {
	m.mu.Lock()
	g, ok := m.gates[storeID]
	if !ok {
		g = &gate{}
		m.gates[storeID] = g
	}
	g.users++
	m.mu.Unlock()

	g.mu.Lock()
	return func() {
		g.mu.Unlock()
		m.mu.Lock()
		g.users--
		if g.users == 0 {
			delete(m.gates, storeID)
		}
		m.mu.Unlock()
	}
}

// connect runs under the store's gate: lookup, decrypt, then dial with backoff.
func (m *Manager) connect(ctx context.Context, storeID snowflake.ID) (*Handle, error) {
	unlock := m.lockGate(storeID)
	defer unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if h, ok := m.handles[storeID]; ok {
		m.mu.Unlock()
		return h, nil
	}
	m.mu.Unlock()

	m.inFlight.Add(1)
	m.tmetrics.AddInFlight(1)
	defer func() {
		m.inFlight.Add(-1)
		m.tmetrics.AddInFlight(-1)
	}()

	log := m.log.With(zap.String("store_id", storeID.String()))

	entry, err := m.registry.LookupByID(ctx, storeID)
	if err != nil {
		if errors.Is(err, tenantdomain.ErrNotFound) || errors.Is(err, tenantdomain.ErrInvalidStoreID) {
			return nil, tenantdomain.ErrUnknownTenant
		}
		return nil, fmt.Errorf("%w: lookup store: %w", ErrRegistryUnavailable, err)
	}
	if !entry.IsActive {
		return nil, tenantdomain.ErrUnknownTenant
	}
	if entry.Credential.Empty() {
		log.Error("tenant.credential.missing")
		return nil, fmt.Errorf("%w: %w", ErrCredential, tenantdomain.ErrCredentialNotFound)
	}

	plaintext, err := m.vault.Decrypt(entry.Credential)
	if err != nil {
		log.Error("tenant.credential.rejected",
			zap.Int("key_version", entry.Credential.Version),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %w", ErrCredential, err)
	}
	dsn := string(plaintext)

	attempt := 0
	conn, err := backoff.Retry(ctx, func() (*gorm.DB, error) {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		defer cancel()
		conn, err := m.connector.Connect(attemptCtx, storeID, dsn)
		if err != nil {
			m.tmetrics.IncConnectAttempt("failed")
			if isPermanentConnectError(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		m.tmetrics.IncConnectAttempt("succeeded")
		return conn, nil
	},
		backoff.WithBackOff(m.newBackOff()),
		backoff.WithMaxTries(uint(m.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("tenant.connection.retry",
				zap.Int("attempt", attempt),
				zap.Duration("next_in", next),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		m.metrics.RecordTenantConnect(ctx, "failed")
		log.Error("tenant.connection.failed", zap.Int("attempts", attempt), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrProvisioning, err)
	}

	h := newHandle(storeID, conn, m.clock.Now)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = h.close()
		return nil, ErrClosed
	}
	m.handles[storeID] = h
	open := len(m.handles)
	m.mu.Unlock()

	m.metrics.RecordTenantConnect(ctx, "succeeded")
	m.tmetrics.SetOpenHandles(open)
	log.Info("tenant.connection.opened", zap.Int("attempts", attempt), zap.Int("open_handles", open))
	return h, nil
}

func (m *Manager) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.BaseDelay
	b.MaxInterval = m.cfg.MaxDelay
	b.Multiplier = 2
	return b
}

// ResolveHost maps a Host header to its store and resolves it.
func (m *Manager) ResolveHost(ctx context.Context, host string) (*Handle, error) {
	normalized := tenantdomain.NormalizeHostname(host)
	if normalized == "" {
		return nil, tenantdomain.ErrUnknownTenant
	}
	if storeID, ok := m.hosts.GetStore(normalized); ok {
		return m.Resolve(ctx, storeID)
	}

	storeID, err := m.registry.LookupByHostname(ctx, normalized)
	if err != nil {
		if errors.Is(err, tenantdomain.ErrNotFound) || errors.Is(err, tenantdomain.ErrInvalidHostname) {
			return nil, tenantdomain.ErrUnknownTenant
		}
		return nil, fmt.Errorf("%w: lookup hostname: %w", ErrRegistryUnavailable, err)
	}
	m.hosts.SetStore(normalized, storeID)
	return m.Resolve(ctx, storeID)
}

// Invalidate drops the cached handle and hostnames for storeID. Holders keep
// a working pool until their Release.
func (m *Manager) Invalidate(ctx context.Context, storeID snowflake.ID) error {
	m.hosts.ForgetStore(storeID)

	unlock := m.lockGate(storeID)
	defer unlock()

	m.mu.Lock()
	h, ok := m.handles[storeID]
	if ok {
		delete(m.handles, storeID)
	}
	open := len(m.handles)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	h.retire()
	m.recordEviction(ctx, evictReasonInvalidate, open)
	m.log.Info("tenant.connection.invalidated", zap.String("store_id", storeID.String()))
	return nil
}

// Sweep closes handles idle for longer than the threshold and returns how
// many were evicted. Handles with outstanding references are skipped.
func (m *Manager) Sweep(ctx context.Context) int {
	now := m.clock.Now()

	m.mu.Lock()
	candidates := make([]snowflake.ID, 0)
	for id, h := range m.handles {
		if h.RefCount() <= 0 && h.idleFor(now) >= m.cfg.IdleThreshold {
			candidates = append(candidates, id)
		}
	}
	m.mu.Unlock()

	evicted := 0
	for _, id := range candidates {
		if m.evictIfIdle(ctx, id, now) {
			evicted++
		}
	}
	if evicted > 0 {
		m.log.Info("tenant.sweep.evicted", zap.Int("evicted", evicted))
	}
	return evicted
}

func (m *Manager) evictIfIdle(ctx context.Context, storeID snowflake.ID, now time.Time) bool {
	unlock := m.lockGate(storeID)
	defer unlock()

	m.mu.Lock()
	h, ok := m.handles[storeID]
	if !ok || h.RefCount() > 0 || h.idleFor(now) < m.cfg.IdleThreshold {
		m.mu.Unlock()
		return false
	}
	delete(m.handles, storeID)
	open := len(m.handles)
	m.mu.Unlock()

	if err := h.close(); err != nil {
		m.log.Warn("tenant.connection.close_failed", zap.String("store_id", storeID.String()), zap.Error(err))
	}
	m.recordEviction(ctx, evictReasonIdle, open)
	m.log.Debug("tenant.connection.evicted",
		zap.String("store_id", storeID.String()),
		zap.Duration("idle", now.Sub(h.LastUsedAt())),
	)
	return true
}

func (m *Manager) recordEviction(ctx context.Context, reason string, open int) {
	m.metrics.RecordTenantEviction(ctx, reason)
	m.tmetrics.IncEviction(reason)
	m.tmetrics.SetOpenHandles(open)
}

// RunSweeper sweeps on every interval tick until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Close retires every handle and rejects further resolves.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	handles := m.handles
	m.handles = make(map[snowflake.ID]*Handle)
	m.mu.Unlock()

	for _, h := range handles {
		h.retire()
		m.recordEviction(ctx, evictReasonShutdown, 0)
	}
	m.log.Info("tenant.manager.closed", zap.Int("handles", len(handles)))
	return nil
}

type HandleStats struct {
	StoreID    snowflake.ID `json:"store_id"`
	RefCount   int64        `json:"ref_count"`
	CreatedAt  time.Time    `json:"created_at"`
	LastUsedAt time.Time    `json:"last_used_at"`
	OpenConns  int          `json:"open_conns"`
	InUseConns int          `json:"in_use_conns"`
}

type Stats struct {
	OpenHandles int           `json:"open_handles"`
	InFlight    int64         `json:"in_flight"`
	Handles     []HandleStats `json:"handles"`
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	out := Stats{
		OpenHandles: len(handles),
		InFlight:    m.inFlight.Load(),
		Handles:     make([]HandleStats, 0, len(handles)),
	}
	for _, h := range handles {
		out.Handles = append(out.Handles, h.Stats())
	}
	return out
}

// Stats reports the handle's bookkeeping and its pool counters.
func (h *Handle) Stats() HandleStats {
	s := HandleStats{
		StoreID:    h.storeID,
		RefCount:   h.RefCount(),
		CreatedAt:  h.createdAt,
		LastUsedAt: h.LastUsedAt(),
	}
	if sqlDB, err := h.conn.DB(); err == nil {
		dbStats := sqlDB.Stats()
		s.OpenConns = dbStats.OpenConnections
		s.InUseConns = dbStats.InUse
	}
	return s
}

func isPermanentConnectError(err error) bool {
	return errors.Is(err, db.ErrUnsupportedDSN)
}

func classifyResolveError(err error) string {
	switch {
	case errors.Is(err, tenantdomain.ErrUnknownTenant):
		return obsmetrics.ResolveOutcomeUnknown
	case errors.Is(err, ErrCredential):
		return obsmetrics.ResolveOutcomeCredFail
	case errors.Is(err, ErrProvisioning), errors.Is(err, ErrRegistryUnavailable):
		return obsmetrics.ResolveOutcomeProvFail
	default:
		return obsmetrics.ResolveOutcomeError
	}
}
