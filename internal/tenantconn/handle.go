package tenantconn

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Handle is the manager-owned view of one tenant pool. Callers borrow it
// through Resolve and hand it back with Release; they never close it.
type Handle struct {
	storeID   snowflake.ID
	conn      *gorm.DB
	createdAt time.Time
	now       func() time.Time

	refs     atomic.Int64
	lastUsed atomic.Int64
	retired  atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

func newHandle(storeID snowflake.ID, conn *gorm.DB, now func() time.Time) *Handle {
	created := now()
	h := &Handle{
		storeID:   storeID,
		conn:      conn,
		createdAt: created,
		now:       now,
	}
	h.lastUsed.Store(created.UnixNano())
	return h
}

func (h *Handle) StoreID() snowflake.ID { return h.storeID }

func (h *Handle) CreatedAt() time.Time { return h.createdAt }

func (h *Handle) LastUsedAt() time.Time { return time.Unix(0, h.lastUsed.Load()).UTC() }

// RefCount is the number of callers currently holding the handle.
func (h *Handle) RefCount() int64 { return h.refs.Load() }

// DB returns a fresh session on the tenant pool bound to ctx.
func (h *Handle) DB(ctx context.Context) *gorm.DB {
	return h.conn.Session(&gorm.Session{NewDB: true, Context: ctx})
}

// Release returns the handle. Call it exactly once per successful Resolve.
func (h *Handle) Release() {
	h.touch()
	if h.refs.Add(-1) <= 0 && h.retired.Load() {
		_ = h.close()
	}
}

func (h *Handle) acquire() {
	h.refs.Add(1)
	h.touch()
}

func (h *Handle) touch() {
	h.lastUsed.Store(h.now().UnixNano())
}

func (h *Handle) idleFor(now time.Time) time.Duration {
	return now.Sub(h.LastUsedAt())
}

// retire detaches the handle from the cache. The pool closes now if nobody
// holds it, otherwise on the last Release.
func (h *Handle) retire() {
	h.retired.Store(true)
	if h.refs.Load() <= 0 {
		_ = h.close()
	}
}

func (h *Handle) close() error {
	h.closeOnce.Do(func() {
		sqlDB, err := h.conn.DB()
		if err != nil {
			h.closeErr = err
			return
		}
		h.closeErr = sqlDB.Close()
	})
	return h.closeErr
}
