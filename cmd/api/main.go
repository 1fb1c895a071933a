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

	"github.com/dh-agent/backend/internal/api/handlers"
	"github.com/dh-agent/backend/internal/cache/redis"
	"github.com/dh-agent/backend/internal/extraction"
	"github.com/dh-agent/backend/internal/ingestion"
	kgneo4j "github.com/dh-agent/backend/internal/kg/neo4j"
	"github.com/dh-agent/backend/internal/knowledge"
	"github.com/dh-agent/backend/internal/llm"
	"github.com/dh-agent/backend/internal/metrics"
	"github.com/dh-agent/backend/internal/middleware/ratelimit"
	"github.com/dh-agent/backend/internal/middleware/security"
	"github.com/dh-agent/backend/internal/middleware/validation"
	"github.com/dh-agent/backend/internal/retrieval"
	"github.com/dh-agent/backend/internal/storage/sqlite"
	"github.com/dh-agent/backend/internal/training"
	"github.com/dh-agent/backend/internal/vector/milvus"
	"github.com/dh-agent/backend/pkg/config"
	appLogger "github.com/dh-agent/backend/pkg/logger"
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

	appLogger.Info("Starting knowledge agent API server")

	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	if err := sqliteClient.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize SQLite schema", zap.Error(err))
	}

	neo4jClient, err := kgneo4j.NewClient(
		cfg.Neo4j.URI,
		cfg.Neo4j.Username,
		cfg.Neo4j.Password,
		cfg.Neo4j.Database,
	)
	if err != nil {
		appLogger.Fatal("Failed to create Neo4j client", zap.Error(err))
	}
	defer neo4jClient.Close(context.Background())

	if err := neo4jClient.EnsureSchema(context.Background()); err != nil {
		appLogger.Fatal("Failed to ensure graph schema", zap.Error(err))
	}

	milvusClient, err := milvus.NewClient(
		cfg.Milvus.Endpoint,
		cfg.Milvus.APIKey,
		cfg.Milvus.CollectionName,
		cfg.Milvus.VectorDim,
	)
	if err != nil {
		appLogger.Fatal("Failed to create Milvus client", zap.Error(err))
	}
	defer milvusClient.Close()

	if err := milvusClient.CreateCollection(context.Background()); err != nil {
		appLogger.Fatal("Failed to create vector collection", zap.Error(err))
	}

	llmClient := llm.NewClient(
		cfg.LLM.APIKey,
		cfg.LLM.Model,
		cfg.LLM.EmbeddingModel,
		cfg.LLM.Temperature,
		cfg.LLM.MaxTokens,
	)

	var embedder retrieval.Embedder = llmClient
	if cfg.Redis.Enabled {
		redisClient, err := redis.NewClient(
			cfg.Redis.Host,
			cfg.Redis.Port,
			cfg.Redis.Password,
			cfg.Redis.DB,
			time.Duration(cfg.Redis.TTLSec)*time.Second,
		)
		if err != nil {
			appLogger.Warn("Redis unavailable, embedding cache disabled", zap.Error(err))
		} else {
			defer redisClient.Close()
			embedder = redis.NewCachedEmbedder(redisClient, llmClient)
		}
	}

	repo := knowledge.NewRepository(neo4jClient)
	entityRepo := knowledge.NewEntityRepository(neo4jClient, cfg.Knowledge.FuzzyMatchRatio)

	// Stored knowledge gets the LLM extractor with local NER behind it;
	// query-side matching stays local to keep retrieval off the model path.
	localNER := extraction.NewProseExtractor()
	entityExtractor := extraction.WithFallback(llmClient, localNER)

	indexer := retrieval.NewIndexer(embedder, milvusClient)
	service := knowledge.NewService(repo, entityRepo, llmClient, entityExtractor, indexer, cfg.Knowledge)
	retriever := retrieval.NewRetriever(embedder, milvusClient, repo, entityRepo, localNER, cfg.Retrieval)
	orchestrator := training.NewOrchestrator(llmClient, service, retriever, sqliteClient)
	processor := ingestion.NewProcessor(service)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	rateLimiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: 60,
		Logger:               appLogger.GetLogger(),
	})
	defer rateLimiter.Stop()

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Owner-ID",
		AllowMethods: "GET, POST, PUT, PATCH, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{}))
	app.Use(rateLimiter.Middleware())
	app.Use(validation.Middleware(validation.Config{
		MaxDocumentSize: cfg.Server.BodyLimit,
		Logger:          appLogger.GetLogger(),
	}))

	trainingHandler := handlers.NewTrainingHandler(orchestrator, sqliteClient)
	retrievalHandler := handlers.NewRetrievalHandler(retriever)
	knowledgeHandler := handlers.NewKnowledgeHandler(service, repo, entityRepo, indexer)
	documentHandler := handlers.NewDocumentHandler(processor)
	wsHandler := handlers.NewWebSocketHandler(orchestrator)

	api := app.Group("/api/v1")

	api.Post("/training/message", trainingHandler.HandleMessage)
	api.Get("/training/history", trainingHandler.GetHistory)

	api.Post("/memory/retrieve", retrievalHandler.HandleRetrieve)

	api.Get("/knowledge/stats", knowledgeHandler.GetStatistics)
	api.Post("/knowledge/reindex", knowledgeHandler.ReindexKnowledge)
	api.Get("/knowledge/:id", knowledgeHandler.GetKnowledge)
	api.Patch("/knowledge/:id", knowledgeHandler.UpdateKnowledge)
	api.Delete("/knowledge/:id", knowledgeHandler.DeprecateKnowledge)
	api.Post("/knowledge/:id/validate", knowledgeHandler.ValidateKnowledge)
	api.Get("/knowledge/:id/related", knowledgeHandler.GetRelated)
	api.Get("/knowledge/:id/contradictions", knowledgeHandler.GetContradictions)

	api.Get("/entities/top", knowledgeHandler.GetTopEntities)
	api.Post("/entities/merge", knowledgeHandler.MergeEntities)
	api.Post("/entities/recalculate", knowledgeHandler.RecalculateImportance)

	api.Post("/documents", documentHandler.UploadDocument)

	api.Get("/metrics", metrics.MetricsHandler())

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	api.Get("/ready", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ready",
		})
	})

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(wsHandler.HandleConnection))

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
