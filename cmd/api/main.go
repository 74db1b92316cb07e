package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/midos-dev/knowledge-gateway/internal/api/handlers"
	"github.com/midos-dev/knowledge-gateway/internal/cache"
	"github.com/midos-dev/knowledge-gateway/internal/corpus"
	"github.com/midos-dev/knowledge-gateway/internal/decay"
	"github.com/midos-dev/knowledge-gateway/internal/embedding"
	"github.com/midos-dev/knowledge-gateway/internal/engine"
	"github.com/midos-dev/knowledge-gateway/internal/events"
	"github.com/midos-dev/knowledge-gateway/internal/gateway"
	"github.com/midos-dev/knowledge-gateway/internal/index/keyword"
	"github.com/midos-dev/knowledge-gateway/internal/index/vector"
	"github.com/midos-dev/knowledge-gateway/internal/metrics"
	"github.com/midos-dev/knowledge-gateway/internal/middleware/security"
	"github.com/midos-dev/knowledge-gateway/internal/middleware/validation"
	"github.com/midos-dev/knowledge-gateway/internal/ratelimit"
	"github.com/midos-dev/knowledge-gateway/internal/tier"
	"github.com/midos-dev/knowledge-gateway/pkg/circuitbreaker"
	"github.com/midos-dev/knowledge-gateway/pkg/config"
	appLogger "github.com/midos-dev/knowledge-gateway/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting knowledge gateway")
	metrics.Init()

	hub := events.NewHub(appLogger.GetLogger())

	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         time.Duration(cfg.Breaker.CooldownSec) * time.Second,
		MaxCooldown:      time.Duration(cfg.Breaker.MaxCooldownSec) * time.Second,
		BackoffFactor:    cfg.Breaker.BackoffFactor,
		Logger:           appLogger.GetLogger(),
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			hub.Publish(events.TypeBreakerChange,
				fmt.Sprintf("Dependency %s moved from %s to %s", name, from, to),
				map[string]string{"dependency": name, "to": to.String()},
			)
		},
	})

	corpusStore, err := corpus.Open(cfg.Corpus.Path, appLogger.GetLogger())
	if err != nil {
		appLogger.Fatal("Failed to open corpus store", zap.Error(err))
	}
	defer corpusStore.Close()

	keywordIdx := keyword.NewIndex(appLogger.GetLogger())
	docs, err := corpusStore.All(context.Background())
	if err != nil {
		appLogger.Fatal("Failed to load corpus for indexing", zap.Error(err))
	}
	for _, doc := range docs {
		keywordIdx.Add(keyword.Doc{
			ID:      doc.ID,
			Title:   doc.Title,
			Text:    doc.Content,
			Topic:   doc.Topic,
			Snippet: corpus.MakeSnippet(doc.Content),
		})
	}
	appLogger.Info("Keyword index built", zap.Int("documents", keywordIdx.Len()))

	embedder := embedding.NewClient(cfg.Embedding, appLogger.GetLogger())

	vectorIdx, err := vector.NewClient(cfg.Index, appLogger.GetLogger())
	if err != nil {
		appLogger.Fatal("Failed to create vector index client", zap.Error(err))
	}
	defer vectorIdx.Close()

	searchEngine := engine.New(keywordIdx, embedder, vectorIdx, corpusStore, breakers, cfg.Search, appLogger.GetLogger())

	var redisStore *cache.RedisStore
	if cfg.Cache.UseRedis {
		redisStore, err = cache.NewRedisStore(cfg.Redis, appLogger.GetLogger())
		if err != nil {
			appLogger.Warn("Redis unavailable, cache is memory-only", zap.Error(err))
			redisStore = nil
		} else {
			defer redisStore.Close()
		}
	}
	resultCache := cache.New(cfg.Cache, redisStore, appLogger.GetLogger())

	decayTracker, err := decay.New(cfg.Decay, appLogger.GetLogger())
	if err != nil {
		appLogger.Fatal("Failed to create decay tracker", zap.Error(err))
	}
	defer decayTracker.Close()

	registry := tier.NewRegistry(cfg.Keys, cfg.Tiers, appLogger.GetLogger())

	limiter := ratelimit.New(ratelimit.Config{
		CleanupInterval: time.Duration(cfg.RateLimit.CleanupIntervalSec) * time.Second,
		Logger:          appLogger.GetLogger(),
	})
	defer limiter.Stop()

	orchestrator := gateway.NewOrchestrator(
		registry, limiter, resultCache, searchEngine, decayTracker, hub,
		appLogger.GetLogger(),
	)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, DELETE, OPTIONS",
	}))
	app.Use(security.Middleware())
	app.Use(validation.Middleware(validation.Config{Logger: appLogger.GetLogger()}))

	queryHandler := handlers.NewQueryHandler(orchestrator)
	adminHandler := handlers.NewAdminHandler(registry, decayTracker, limiter, breakers, hub)
	eventsHandler := handlers.NewEventsHandler(hub)

	api := app.Group("/api/v1")

	api.Post("/query", queryHandler.HandleQuery)

	api.Use("/events", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	api.Get("/events", websocket.New(eventsHandler.HandleConnection))

	admin := api.Group("/admin")
	admin.Get("/decay", adminHandler.GetDecayReport)
	admin.Post("/items/:id/verify", adminHandler.MarkVerified)
	admin.Post("/items/:id/archive", adminHandler.ArchiveItem)
	admin.Get("/usage", adminHandler.GetUsage)
	admin.Get("/breakers", adminHandler.GetBreakerStates)
	admin.Post("/keys/reload", adminHandler.ReloadKeys)
	admin.Post("/keys", adminHandler.GenerateKey)
	admin.Delete("/keys", adminHandler.RevokeKey)
	admin.Get("/keys", adminHandler.ListKeys)

	app.Get("/metrics", metrics.MetricsHandler())

	api.Get("/health", func(c *fiber.Ctx) error {
		states := breakers.States()
		deps := make(map[string]string, len(states))
		for name, state := range states {
			deps[name] = state.String()
		}
		return c.JSON(fiber.Map{
			"status":       "healthy",
			"dependencies": deps,
			"time":         time.Now().Unix(),
		})
	})

	api.Get("/ready", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ready",
		})
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	app.Shutdown()
	appLogger.Info("Server stopped")
}
