package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pvestal/tower-anime-orchestrator/internal/adapters"
	"github.com/pvestal/tower-anime-orchestrator/internal/config"
	"github.com/pvestal/tower-anime-orchestrator/internal/correction"
	"github.com/pvestal/tower-anime-orchestrator/internal/eventbus"
	"github.com/pvestal/tower-anime-orchestrator/internal/gpu"
	"github.com/pvestal/tower-anime-orchestrator/internal/learning"
	"github.com/pvestal/tower-anime-orchestrator/internal/orchestrator"
	"github.com/pvestal/tower-anime-orchestrator/internal/replenishment"
	"github.com/pvestal/tower-anime-orchestrator/internal/store"
)

// Deps bundles the core components the operator surface fronts. Every
// field is a pointer to a component constructed and started by cmd/*/main.go;
// the API layer owns none of their lifecycles.
type Deps struct {
	Config        *config.Config
	Store         *store.Store
	Orchestrator  *orchestrator.Orchestrator
	Replenishment *replenishment.Loop
	Learning      *learning.Engine
	QualityGates  *store.QualityGateRepo
	Correction    *correction.Engine
	Bus           *eventbus.Bus
	GPU           *gpu.Router
	Audit         *store.AuditRepo
	ImageGen      *adapters.ImageGenAdapter
	LLM           *adapters.LLMAdapter
	Vision        *adapters.VisionAdapter
}

// Server wraps the Gin engine and the wired dependencies.
type Server struct {
	deps   Deps
	engine *gin.Engine
}

// NewServer builds the Gin router with auth, rate limiting, and every
// route from spec §6, grounded on the teacher's cmd/tarsy/main.go wiring
// and pkg/api/server.go's route-group layout.
func NewServer(deps Deps) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery())

	auth := newAuthenticator(deps.Config.Auth)
	limiters := newLimiterSet(deps.Config.RateLimit)

	engine.GET("/health", healthHandler(deps))
	if deps.Config.Metrics.Enabled {
		path := deps.Config.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		engine.GET(path, gin.WrapH(promhttp.Handler()))
	}

	api := engine.Group("/")
	api.Use(authMiddleware(auth), rateLimitMiddleware(limiters))
	registerRoutes(api, deps)

	return &Server{deps: deps, engine: engine}
}

// registerRoutes wires every operator-surface endpoint from spec §6 to its
// handler. Each handler is a thin JSON wrapper around exactly one core
// method call.
func registerRoutes(r gin.IRoutes, deps Deps) {
	r.POST("/orchestrator/toggle", orchestratorToggleHandler(deps))
	r.POST("/orchestrator/initialize", orchestratorInitializeHandler(deps))
	r.GET("/orchestrator/pipeline/:project_id", orchestratorPipelineHandler(deps))
	r.GET("/orchestrator/summary/:project_id", orchestratorSummaryHandler(deps))
	r.POST("/orchestrator/tick", orchestratorTickHandler(deps))
	r.POST("/orchestrator/override", orchestratorOverrideHandler(deps))
	r.POST("/orchestrator/training-target", orchestratorTrainingTargetHandler(deps))

	r.GET("/replenishment/status", replenishmentStatusHandler(deps))
	r.POST("/replenishment/toggle", replenishmentToggleHandler(deps))
	r.POST("/replenishment/target", replenishmentTargetHandler(deps))
	r.GET("/replenishment/readiness", replenishmentReadinessHandler(deps))

	r.GET("/learning/stats", learningStatsHandler(deps))
	r.GET("/learning/suggest/:slug", learningSuggestHandler(deps))
	r.GET("/learning/rejections/:slug", learningRejectionsHandler(deps))
	r.GET("/learning/checkpoints/:project", learningCheckpointsHandler(deps))
	r.GET("/learning/trend", learningTrendHandler(deps))
	r.GET("/learning/drift", learningDriftHandler(deps))

	r.GET("/quality/gates", qualityGatesListHandler(deps))
	r.PATCH("/quality/gates/:name", qualityGateUpdateHandler(deps))

	r.GET("/correction/stats", correctionStatsHandler(deps))
	r.POST("/correction/toggle", correctionToggleHandler(deps))

	r.GET("/events/stats", eventsStatsHandler(deps))

	r.GET("/gpu/status", gpuStatusHandler(deps))
}

func healthHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		h := deps.Store.Health(ctx)
		status := http.StatusOK
		if !h.Reachable {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": statusString(h.Reachable), "database": h})
	}
}

func statusString(reachable bool) string {
	if reachable {
		return "healthy"
	}
	return "unhealthy"
}

// Handler returns the underlying http.Handler for use with an http.Server,
// letting cmd/*/main.go control listener lifecycle and graceful shutdown.
func (s *Server) Handler() http.Handler { return s.engine }
