package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	billingjobdomain "github.com/smallbiznis/storefront/internal/billingjob/domain"
	"github.com/smallbiznis/storefront/internal/config"
	creditdomain "github.com/smallbiznis/storefront/internal/credit/domain"
	"github.com/smallbiznis/storefront/internal/observability"
	obsmiddleware "github.com/smallbiznis/storefront/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/storefront/internal/observability/metrics"
	obstracing "github.com/smallbiznis/storefront/internal/observability/tracing"
	"github.com/smallbiznis/storefront/internal/ratelimit"
	"github.com/smallbiznis/storefront/internal/scheduler"
	tenantdomain "github.com/smallbiznis/storefront/internal/tenant/domain"
	"github.com/smallbiznis/storefront/internal/tenantconn"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type tenantResolver interface {
	ResolveHost(ctx context.Context, host string) (*tenantconn.Handle, error)
	Invalidate(ctx context.Context, storeID snowflake.ID) error
	Stats() tenantconn.Stats
}

type billingRunner interface {
	TriggerDailyCharge(ctx context.Context) (*billingjobdomain.Summary, error)
	ListJobs(ctx context.Context) ([]billingjobdomain.BillingJob, error)
}

type Server struct {
	engine         *gin.Engine
	cfg            config.Config
	registry       tenantdomain.Registry
	tenants        tenantResolver
	credits        creditdomain.Service
	billing        billingRunner
	triggerLimiter *ratelimit.AdminTriggerLimiter
}

type ServerParams struct {
	fx.In

	Gin            *gin.Engine
	Cfg            config.Config
	Registry       tenantdomain.Registry
	Tenants        *tenantconn.Manager
	Credits        creditdomain.Service
	Scheduler      *scheduler.Scheduler
	TriggerLimiter *ratelimit.AdminTriggerLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:         p.Gin,
		cfg:            p.Cfg,
		registry:       p.Registry,
		tenants:        p.Tenants,
		credits:        p.Credits,
		billing:        p.Scheduler,
		triggerLimiter: p.TriggerLimiter,
	}

	svc.registerAPIRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")
	api.Use(s.StoreFromHost())

	api.GET("/store", s.GetCurrentStore)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin")
	admin.Use(s.AdminAuthRequired())

	// -------- Billing --------
	admin.POST("/billing/daily-charge/run", s.AdminTriggerRateLimit(actionDailyChargeRun), s.RunDailyCharge)
	admin.GET("/billing/jobs", s.ListBillingJobs)

	// -------- Credits --------
	admin.GET("/stores/:store_id/credits", s.GetStoreCredits)
	admin.POST("/stores/:store_id/credits", s.CreditStore)
	admin.GET("/stores/:store_id/credits/usage", s.ListCreditUsage)
	admin.GET("/stores/:store_id/credits/transactions", s.ListCreditTransactions)
	admin.GET("/stores/:store_id/credits/reconcile", s.ReconcileCredits)

	// -------- Tenant connections --------
	admin.GET("/tenants/connections", s.ListTenantConnections)
	admin.DELETE("/tenants/:store_id/connection", s.InvalidateTenantConnection)
}
