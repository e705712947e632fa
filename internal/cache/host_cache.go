package cache

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

const defaultHostTTL = time.Minute

// HostCache remembers which store a hostname belongs to.
type HostCache interface {
	GetStore(host string) (snowflake.ID, bool)
	SetStore(host string, storeID snowflake.ID)
	ForgetStore(storeID snowflake.ID)
}

type hostCache struct {
	hosts Cache[string, snowflake.ID]
	ttl   time.Duration
}

// NewHostCache returns a hostname cache with the given ttl, or one minute when ttl is not positive.
func NewHostCache(ttl time.Duration, now func() time.Time) HostCache {
	if ttl <= 0 {
		ttl = defaultHostTTL
	}
	return &hostCache{
		hosts: NewTTLCacheWithClock[string, snowflake.ID](now),
		ttl:   ttl,
	}
}

func (c *hostCache) GetStore(host string) (snowflake.ID, bool) {
	return c.hosts.Get(cacheKey(host))
}

func (c *hostCache) SetStore(host string, storeID snowflake.ID) {
	if storeID == 0 {
		return
	}
	c.hosts.Set(cacheKey(host), storeID, c.ttl)
}

func (c *hostCache) ForgetStore(storeID snowflake.ID) {
	c.hosts.DeleteFunc(func(_ string, id snowflake.ID) bool {
		return id == storeID
	})
}

func cacheKey(parts ...string) string {
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		values = append(values, strings.ToLower(trimmed))
	}
	return strings.Join(values, "|")
}
