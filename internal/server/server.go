// Package server exposes the governance subsystem over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/User159951/intellipm/internal/config"
	decisiondomain "github.com/User159951/intellipm/internal/decision/domain"
	"github.com/User159951/intellipm/internal/events"
	"github.com/User159951/intellipm/internal/killswitch"
	"github.com/User159951/intellipm/internal/notification"
	"github.com/User159951/intellipm/internal/pipeline"
	quotadomain "github.com/User159951/intellipm/internal/quota/domain"
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(cfg config.Config) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

type Server struct {
	engine      *gin.Engine
	cfg         config.Config
	log         *zap.Logger
	genID       *snowflake.Node
	executor    *pipeline.Executor
	quotaSvc    quotadomain.Service
	decisionSvc decisiondomain.Service
	killSwitch  killswitch.Registry
	dlqSvc      *events.DeadLetterService
	notifySvc   *notification.Service
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	Log         *zap.Logger
	GenID       *snowflake.Node
	Executor    *pipeline.Executor
	QuotaSvc    quotadomain.Service
	DecisionSvc decisiondomain.Service
	KillSwitch  killswitch.Registry
	DLQSvc      *events.DeadLetterService
	NotifySvc   *notification.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		log:         p.Log.Named("server"),
		genID:       p.GenID,
		executor:    p.Executor,
		quotaSvc:    p.QuotaSvc,
		decisionSvc: p.DecisionSvc,
		killSwitch:  p.KillSwitch,
		dlqSvc:      p.DLQSvc,
		notifySvc:   p.NotifySvc,
	}

	svc.registerAPIRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1", OrgContext())

	v1.POST("/ai/execute", s.ExecuteAI)
	v1.POST("/ai/validate", s.ValidateAI)
	v1.GET("/quota/status", s.GetQuotaStatus)

	v1.GET("/decisions", s.ListDecisions)
	v1.GET("/decisions/:id", s.GetDecision)
	v1.POST("/decisions/:id/approve", s.ApproveDecision)
	v1.POST("/decisions/:id/reject", s.RejectDecision)

	v1.PUT("/quota", s.UpsertOrganizationQuota)
	v1.PUT("/quota/overrides", s.UpsertUserOverride)
	v1.DELETE("/quota/overrides/:user_id", s.DeleteUserOverride)
	v1.PUT("/ai/enabled", s.SetOrgAIEnabled)

	v1.GET("/notifications", s.ListNotifications)
	v1.POST("/notifications/:id/read", s.MarkNotificationRead)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin")

	admin.GET("/tiers", s.ListTiers)
	admin.POST("/tiers", s.CreateTier)
	admin.PATCH("/tiers/:id", s.UpdateTier)
	admin.DELETE("/tiers/:id", s.DeleteTier)

	admin.PUT("/ai/enabled", s.SetGlobalAIEnabled)

	admin.GET("/dlq", s.ListDeadLetters)
	admin.POST("/dlq/:id/retry", s.RetryDeadLetter)
	admin.DELETE("/dlq/:id", s.DiscardDeadLetter)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
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
