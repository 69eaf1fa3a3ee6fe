// Package server wires the HTTP surface: the provider webhook endpoint, the
// account-facing entitlement API, and the admin reconciliation controls.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/billsync/internal/config"
	obstracing "github.com/smallbiznis/billsync/internal/observability/tracing"
	paymenttokendomain "github.com/smallbiznis/billsync/internal/paymenttoken/domain"
	"github.com/smallbiznis/billsync/internal/ratelimit"
	"github.com/smallbiznis/billsync/internal/scheduler"
	subscriptiondomain "github.com/smallbiznis/billsync/internal/subscription/domain"
	webhookdomain "github.com/smallbiznis/billsync/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

type EngineParams struct {
	fx.In

	Cfg config.Config
	Log *zap.Logger
}

func NewEngine(p EngineParams) *gin.Engine {
	if p.Cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(p.Log.Named("http")))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Warn("request failed", fields...)
			return
		}
		log.Info("request", fields...)
	}
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	log             *zap.Logger
	subscriptionSvc subscriptiondomain.Service
	webhookSvc      webhookdomain.Service
	tokenSvc        paymenttokendomain.Service
	scheduler       *scheduler.Scheduler
	limiter         *ratelimit.TokenBucket
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	Log             *zap.Logger
	SubscriptionSvc subscriptiondomain.Service
	WebhookSvc      webhookdomain.Service
	TokenSvc        paymenttokendomain.Service
	Scheduler       *scheduler.Scheduler
	Limiter         *ratelimit.TokenBucket `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		log:             p.Log.Named("server"),
		subscriptionSvc: p.SubscriptionSvc,
		webhookSvc:      p.WebhookSvc,
		tokenSvc:        p.TokenSvc,
		scheduler:       p.Scheduler,
		limiter:         p.Limiter,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	webhooks := s.engine.Group("/webhooks")
	webhooks.POST("/billing", s.WebhookRateLimit(), s.HandleBillingWebhook)

	api := s.engine.Group("/api/v1")

	accounts := api.Group("/accounts")
	accounts.GET("/:id/entitlement", s.GetEntitlement)
	accounts.POST("/:id/trial", s.ActivateTrial)
	accounts.POST("/:id/referral-bonus", s.GrantReferralBonus)
	accounts.POST("/:id/subscription/sync", s.SyncAccountSubscription)

	api.POST("/subscriptions/:id/cancel", s.CancelSubscription)
	api.POST("/invoices/:id/payment-token", s.IssuePaymentToken)

	admin := api.Group("/admin")
	admin.GET("/subscriptions", s.ListSubscriptions)
	admin.POST("/subscriptions/sync", s.RunSweep)
	admin.GET("/subscriptions/sync/stats", s.SyncStats)
}
