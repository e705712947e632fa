package ratelimit

import (
	"context"
	"strings"

	"github.com/smallbiznis/storefront/internal/config"
	obsmetrics "github.com/smallbiznis/storefront/internal/observability/metrics"
	"go.uber.org/fx"
)

const adminTriggerEndpoint = "admin_trigger"

// AdminTriggerLimiter throttles manual job triggers per action and caller.
// A nil limiter allows everything.
type AdminTriggerLimiter struct {
	bucket  *TokenBucket
	limit   Limit
	metrics *obsmetrics.Metrics
}

type AdminTriggerParams struct {
	fx.In

	Config  config.Config
	Bucket  *TokenBucket
	Metrics *obsmetrics.Metrics `optional:"true"`
}

func NewAdminTriggerLimiter(p AdminTriggerParams) *AdminTriggerLimiter {
	if p.Bucket == nil {
		return nil
	}
	limit := Limit{
		Rate:  p.Config.RateLimit.AdminTriggerRate,
		Burst: p.Config.RateLimit.AdminTriggerBurst,
	}
	if limit.validate() != nil {
		return nil
	}
	return &AdminTriggerLimiter{
		bucket:  p.Bucket,
		limit:   limit,
		metrics: p.Metrics,
	}
}

func (l *AdminTriggerLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// Allow consumes one token for (action, caller). Redis failures fail open
// and return the error for logging.
func (l *AdminTriggerLimiter) Allow(ctx context.Context, action, caller string) (*Decision, error) {
	if !l.Enabled() {
		return &Decision{Allowed: true}, nil
	}
	decision, err := l.bucket.Take(ctx, adminTriggerKey(action, caller), l.limit)
	if err != nil {
		l.metrics.RecordRateLimitDenied(ctx, adminTriggerEndpoint, "backend_error")
		return &Decision{Allowed: true, Limit: l.limit.Burst}, err
	}
	if !decision.Allowed {
		l.metrics.RecordRateLimitDenied(ctx, adminTriggerEndpoint, "exhausted")
		return decision, nil
	}
	l.metrics.RecordRateLimitAllowed(ctx, adminTriggerEndpoint)
	return decision, nil
}

func adminTriggerKey(action, caller string) string {
	return "storefront:ratelimit:admin_trigger:" + strings.TrimSpace(action) + ":" + strings.TrimSpace(caller)
}
