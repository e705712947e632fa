package ratelimit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Both scripts only touch the key while it still holds the caller's token,
// so a lease that expired and was taken by another replica is left alone.
const (
	releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`
	renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`
)

var (
	ErrLockNotConfigured = errors.New("lock_not_configured")
	ErrLockKeyEmpty      = errors.New("lock_key_empty")
	ErrLockTTLInvalid    = errors.New("lock_ttl_invalid")
)

// Lease is a redis key held under a random token until TTL runs out.
type Lease struct {
	Key   string
	Token string
	TTL   time.Duration
}

// Locker hands out leases used for scheduler leader election.
type Locker struct {
	client  *redis.Client
	release *redis.Script
	renew   *redis.Script
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client:  client,
		release: redis.NewScript(releaseScript),
		renew:   redis.NewScript(renewScript),
	}
}

func (l *Locker) Enabled() bool {
	return l != nil && l.client != nil
}

// Acquire takes key for ttl. It returns a nil lease and no error when
// another holder has the key.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if !l.Enabled() {
		return nil, ErrLockNotConfigured
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrLockKeyEmpty
	}
	if ttl <= 0 {
		return nil, ErrLockTTLInvalid
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return nil, err
	}
	return &Lease{Key: key, Token: token, TTL: ttl}, nil
}

// Renew extends the lease by its TTL. False means the lease was lost.
func (l *Locker) Renew(ctx context.Context, lease *Lease) (bool, error) {
	if !l.Enabled() {
		return false, ErrLockNotConfigured
	}
	if lease == nil || lease.Token == "" {
		return false, nil
	}
	n, err := l.renew.Run(ctx, l.client, []string{lease.Key}, lease.Token, lease.TTL.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *Locker) Release(ctx context.Context, lease *Lease) error {
	if !l.Enabled() || lease == nil || lease.Token == "" {
		return nil
	}
	return l.release.Run(ctx, l.client, []string{lease.Key}, lease.Token).Err()
}
