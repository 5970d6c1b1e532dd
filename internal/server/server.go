package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	billingdomain "github.com/grantlinehq/grantline/internal/billing/domain"
	"github.com/grantlinehq/grantline/internal/config"
	ledgerdomain "github.com/grantlinehq/grantline/internal/ledger/domain"
	"github.com/grantlinehq/grantline/internal/observability"
	webhookdomain "github.com/grantlinehq/grantline/internal/webhook/domain"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Cfg        config.Config
	DB         *gorm.DB
	WebhookSvc webhookdomain.Service
	LedgerSvc  ledgerdomain.Service
	BillingSvc billingdomain.Service
	Metrics    *observability.Metrics
}

type Server struct {
	log        *zap.Logger
	cfg        config.Config
	db         *gorm.DB
	webhookSvc webhookdomain.Service
	ledgerSvc  ledgerdomain.Service
	billingSvc billingdomain.Service
	metrics    *observability.Metrics
}

func NewServer(p Params) *Server {
	return &Server{
		log:        p.Log.Named("server"),
		cfg:        p.Cfg,
		db:         p.DB,
		webhookSvc: p.WebhookSvc,
		ledgerSvc:  p.LedgerSvc,
		billingSvc: p.BillingSvc,
		metrics:    p.Metrics,
	}
}

func (s *Server) Router() *gin.Engine {
	if s.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.Healthz)
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
			s.metrics.Registry, promhttp.HandlerOpts{})))
	}

	webhooks := router.Group("/webhooks")
	webhooks.POST("/stripe", s.StripeWebhook)
	webhooks.POST("/fal/:taskId/:subTaskId/:resultType", s.FalWebhook)
	webhooks.POST("/kie/:taskId/:subTaskId", s.KieWebhook)

	api := router.Group("/api")
	api.POST("/grants", s.CreateGrant)
	api.GET("/grants/:billingUserId", s.ListGrants)
	api.GET("/balance/:billingUserId", s.GetBalance)

	return router
}

func (s *Server) Healthz(c *gin.Context) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

var Module = fx.Module("server",
	fx.Provide(NewServer),
	fx.Invoke(registerHTTPServer),
)

func registerHTTPServer(lc fx.Lifecycle, s *Server, cfg config.Config, log *zap.Logger) {
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			listener, err := net.Listen("tcp", httpServer.Addr)
			if err != nil {
				return err
			}
			log.Info("http server listening", zap.String("addr", httpServer.Addr))
			go func() {
				if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return httpServer.Shutdown(ctx)
		},
	})
}
