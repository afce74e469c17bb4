// Command orchestratord runs the autonomous anime production pipeline
// orchestrator: the tick-driven scheduler, the replenishment loop, the
// auto-correction engine, and the operator HTTP surface, all wired to a
// single Postgres-backed store and process-local event bus.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/pvestal/tower-anime-orchestrator/internal/adapters"
	"github.com/pvestal/tower-anime-orchestrator/internal/api"
	"github.com/pvestal/tower-anime-orchestrator/internal/audit"
	"github.com/pvestal/tower-anime-orchestrator/internal/config"
	"github.com/pvestal/tower-anime-orchestrator/internal/correction"
	"github.com/pvestal/tower-anime-orchestrator/internal/eventbus"
	"github.com/pvestal/tower-anime-orchestrator/internal/generation"
	"github.com/pvestal/tower-anime-orchestrator/internal/gpu"
	"github.com/pvestal/tower-anime-orchestrator/internal/learning"
	"github.com/pvestal/tower-anime-orchestrator/internal/notify"
	"github.com/pvestal/tower-anime-orchestrator/internal/orchestrator"
	"github.com/pvestal/tower-anime-orchestrator/internal/replenishment"
	"github.com/pvestal/tower-anime-orchestrator/internal/store"
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("no %s loaded, continuing with existing environment: %v", envPath, err)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	gin.SetMode(getEnv("GIN_MODE", "release"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}

	st, err := store.Open(ctx, cfg.Database, cfg.LoadDatabasePassword())
	if err != nil {
		log.Fatalf("opening database: %v", err)
	}
	defer st.Close()
	slog.Info("connected to postgres", "host", cfg.Database.Host, "database", cfg.Database.Name)

	projects := store.NewProjectRepo(st)
	generations := store.NewGenerationRepo(st)
	scenes := store.NewSceneRepo(st)
	styles := store.NewStyleRepo(st)
	auditRepo := store.NewAuditRepo(st)
	qualityGates := store.NewQualityGateRepo(st)
	pipelines := store.NewPipelineRepo(st)

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		defer rdb.Close()
	}

	imagegenAdapter := adapters.NewImageGenAdapter(cfg.Adapters)
	llmAdapter := adapters.NewLLMAdapter(cfg.Adapters, rdb)
	visionAdapter := adapters.NewVisionAdapter(cfg.Adapters)

	gpuRouter := gpu.New(imagegenAdapter, cfg.GPU)
	bus := eventbus.New()
	auditLog := audit.New(auditRepo)
	defer auditLog.Close()
	learningEngine := learning.New(st, cfg.Learning, cfg.QualityGates)
	learningEngine.SubscribeLearningUpdates(bus)

	cycle := generation.New(imagegenAdapter, visionAdapter, gpuRouter, learningEngine, bus, generations, auditLog, cfg.Adapters)

	notifier := notify.NewService(cfg.Slack)
	notifier.Subscribe(bus)

	replenishmentLoop := replenishment.New(cfg.Replenishment, projects, generations, styles, learningEngine, cycle, auditLog)

	correctionEngine := correction.New(cfg.Correction, generations, projects, cycle, auditLog, notifier)
	correctionEngine.Subscribe(bus)

	orch := orchestrator.New(
		cfg.Orchestrator, cfg.Adapters, st, pipelines, projects, scenes, generations, styles,
		cycle, llmAdapter, imagegenAdapter, gpuRouter, bus, auditLog, notifier,
	)

	orch.Start(ctx)
	defer orch.Stop()
	replenishmentLoop.Start(ctx)
	defer replenishmentLoop.Stop()

	server := api.NewServer(api.Deps{
		Config:        cfg,
		Store:         st,
		Orchestrator:  orch,
		Replenishment: replenishmentLoop,
		Learning:      learningEngine,
		QualityGates:  qualityGates,
		Correction:    correctionEngine,
		Bus:           bus,
		GPU:           gpuRouter,
		Audit:         auditRepo,
		ImageGen:      imagegenAdapter,
		LLM:           llmAdapter,
		Vision:        visionAdapter,
	})

	httpServer := &http.Server{
		Addr:    ":" + httpPort,
		Handler: server.Handler(),
	}

	go func() {
		slog.Info("http server listening", "port", httpPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
}
