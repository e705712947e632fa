package server

import (
	"crypto/subtle"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/storefront/internal/observability/context"
	"github.com/smallbiznis/storefront/internal/observability/logger"
	"github.com/smallbiznis/storefront/internal/tenantconn"
	"github.com/smallbiznis/storefront/pkg/tenantctx"
	"go.uber.org/zap"
)

const (
	contextTenantHandleKey = "tenant_handle"

	actionDailyChargeRun = "daily_charge_run"
)

// AdminAuthRequired checks the static admin bearer token. With no token
// configured every admin request is rejected.
func (s *Server) AdminAuthRequired() gin.HandlerFunc {
	expected := []byte(strings.TrimSpace(s.cfg.Admin.Token))
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		parts := strings.Fields(header)
		if len(expected) == 0 || len(parts) != 2 || parts[0] != "Bearer" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(parts[1]), expected) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := obscontext.WithActor(c.Request.Context(), "admin", "token")
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// StoreFromHost resolves the tenant serving the request Host and holds its
// handle until the handler chain returns.
func (s *Server) StoreFromHost() gin.HandlerFunc {
	return func(c *gin.Context) {
		handle, err := s.tenants.ResolveHost(c.Request.Context(), c.Request.Host)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		defer handle.Release()

		ctx := tenantctx.WithStoreID(c.Request.Context(), handle.StoreID())
		ctx = obscontext.WithStoreID(ctx, handle.StoreID().String())
		c.Request = c.Request.WithContext(ctx)
		c.Set(contextTenantHandleKey, handle)
		c.Next()
	}
}

func tenantHandle(c *gin.Context) (*tenantconn.Handle, bool) {
	value, ok := c.Get(contextTenantHandleKey)
	if !ok {
		return nil, false
	}
	handle, ok := value.(*tenantconn.Handle)
	return handle, ok && handle != nil
}

// AdminTriggerRateLimit throttles manual job triggers per caller.
func (s *Server) AdminTriggerRateLimit(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.triggerLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		res, err := s.triggerLimiter.Allow(ctx, action, c.ClientIP())
		if err != nil {
			logger.FromContext(ctx).Warn("ratelimit.admin_trigger.check_failed", zap.Error(err))
		}
		if res != nil && !res.Allowed {
			if secs := res.RetryAfterSeconds(); secs > 0 {
				c.Header("Retry-After", strconv.Itoa(secs))
			}
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}
