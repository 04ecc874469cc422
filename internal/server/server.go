package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/cartera/internal/analytics"
	"github.com/smallbiznis/cartera/internal/config"
	"github.com/smallbiznis/cartera/internal/consistency"
	"github.com/smallbiznis/cartera/internal/observability"
	obslogger "github.com/smallbiznis/cartera/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/cartera/internal/observability/metrics"
	obstracing "github.com/smallbiznis/cartera/internal/observability/tracing"
	"github.com/smallbiznis/cartera/internal/ratelimit"
	"github.com/smallbiznis/cartera/internal/reconciliation/domain"
	refdomain "github.com/smallbiznis/cartera/internal/reference/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	ratelimit.Module,
	fx.Provide(NewAuthenticator),
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(RunHTTP),
)

// consistencyService is the part of *consistency.Service the handlers use.
type consistencyService interface {
	Migrate(ctx context.Context, dataset domain.Dataset) (consistency.MigrationResult, error)
	Validate(ctx context.Context, dataset domain.Dataset) (consistency.ValidationReport, error)
}

type analyticsService interface {
	Summary(ctx context.Context, req analytics.SummaryRequest) (analytics.Summary, error)
}

type EngineParams struct {
	fx.In

	ObsCfg     observability.Config
	Log        *zap.Logger
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

func NewEngine(p EngineParams) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(p.Log.Named("http"), obslogger.MiddlewareConfig{
		Debug:           p.ObsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(p.ObsMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

// RunHTTP serves r on the configured address for the lifetime of the app.
func RunHTTP(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
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
			log.Info("http server started", zap.String("addr", cfg.HTTPAddr))
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
	engine         *gin.Engine
	cfg            config.Config
	log            *zap.Logger
	auth           Authenticator
	reconciliation domain.Service
	consistency    consistencyService
	analytics      analyticsService
	reference      refdomain.Service
	uploadLimiter  *ratelimit.UploadLimiter
}

type ServerParams struct {
	fx.In

	Gin            *gin.Engine
	Cfg            config.Config
	Log            *zap.Logger
	Auth           Authenticator
	Reconciliation domain.Service
	Consistency    *consistency.Service
	Analytics      *analytics.Service
	Reference      refdomain.Service
	UploadLimiter  *ratelimit.UploadLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:         p.Gin,
		cfg:            p.Cfg,
		log:            p.Log.Named("http.server"),
		auth:           p.Auth,
		reconciliation: p.Reconciliation,
		consistency:    p.Consistency,
		analytics:      p.Analytics,
		reference:      p.Reference,
		uploadLimiter:  p.UploadLimiter,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api", s.AuthRequired())

	// -------- Reference data --------
	api.GET("/reference/insurers", s.ListInsurers)
	api.GET("/reference/providers", s.ListProviders)
	api.GET("/reference/periods", s.ListPeriods)

	// -------- Datasets --------
	datasets := api.Group("/datasets/:dataset")
	datasets.POST("/uploads", s.UploadRateLimit(), s.UploadDataset)
	datasets.GET("/status", s.GetDatasetStatus)
	datasets.GET("/records", s.ListRecords)
	datasets.PUT("/records", s.UpsertRecord)
	datasets.DELETE("/records", s.DeleteRecords)

	// -------- Consistency --------
	datasets.POST("/consistency/migrate", s.MigrateDuplicates)
	datasets.GET("/consistency/validate", s.ValidateConsistency)

	// -------- Analytics --------
	datasets.GET("/analytics", s.GetAnalytics)
}
