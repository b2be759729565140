package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"

	"github.com/scriptboard/canvas/internal/canvas"
	"github.com/scriptboard/canvas/internal/client"
	"github.com/scriptboard/canvas/internal/config"
	"github.com/scriptboard/canvas/internal/handler"
	"github.com/scriptboard/canvas/internal/jobsocket"
	"github.com/scriptboard/canvas/internal/jobstore"
	"github.com/scriptboard/canvas/internal/middleware"
	"github.com/scriptboard/canvas/internal/orchestrator"
	"github.com/scriptboard/canvas/internal/positions"
	"github.com/scriptboard/canvas/internal/storage"
	ws "github.com/scriptboard/canvas/internal/websocket"
	"github.com/scriptboard/canvas/pkg/response"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log, closeLog := config.SetupLogger(cfg.Server.LogFile, config.ParseLogLevel(cfg.Server.LogLevel))
	defer closeLog()
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis is only needed when it backs the local store
	var redisClient *redis.Client
	if cfg.Storage.Driver == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Warn("redis not available", "error", err)
		}
		defer redisClient.Close()
	}

	store, err := storage.Open(cfg.Storage, redisClient, log)
	if err != nil {
		log.Error("failed to open storage", "driver", cfg.Storage.Driver, "error", err)
		os.Exit(1)
	}

	// REST backend and AI service clients
	rest, err := client.NewAPI(cfg.API, log.With("component", "api"))
	if err != nil {
		log.Error("failed to create api client", "error", err)
		os.Exit(1)
	}
	if cfg.API.Email != "" {
		if err := rest.Login(ctx, cfg.API.Email, cfg.API.Password); err != nil {
			log.Warn("api login failed; requests will be retried with refresh", "error", err)
		}
	}
	ai := client.NewAI(cfg.AI)

	validate := validator.New()

	// UI push hub, one topic per project
	hub := ws.NewHub(log.With("component", "hub"))
	go hub.Run()

	// Job orchestration
	sockets := jobsocket.NewManager(jobsocket.WithLogger(log.With("component", "sockets")))
	orch := orchestrator.New(jobstore.New(store), sockets, ai,
		orchestrator.FromConfig(cfg),
		orchestrator.WithPublisher(hub),
		orchestrator.WithLogger(log.With("component", "orchestrator")),
		orchestrator.WithContext(ctx),
	)
	segments := orchestrator.NewSegments(orch, rest)
	visuals := orchestrator.NewVisuals(orch, rest)
	sketches := orchestrator.NewSketches(orch, rest)

	for _, f := range []interface {
		Resume(context.Context) (int, error)
	}{segments, visuals, sketches} {
		if _, err := f.Resume(ctx); err != nil {
			log.Error("failed to resume jobs", "error", err)
		}
	}

	// Card positions and canvas state
	posOpts := positions.OptionsFromConfig(cfg.Positions)
	posOpts.Logger = log.With("component", "positions")
	registry := positions.NewRegistry(ctx, store, rest, posOpts)

	board := canvas.New(canvas.Backends{
		Scripts:            rest.Scripts(),
		SegmentCollections: rest.SegmentCollections(),
		VisualDirections:   rest.VisualDirections(),
		Storyboards:        rest.Storyboards(),
	}, canvas.Deps{
		Positions: registry,
		Jobs:      orch,
		Publisher: hub,
		Local:     store,
		Logger:    log.With("component", "canvas"),
	})

	// Handlers and middleware
	jobsHandler := handler.NewJobsHandler(segments, visuals, sketches, orch, validate)
	positionsHandler := handler.NewPositionsHandler(registry, validate)
	authMiddleware := middleware.NewAuthMiddleware(cfg.JWT.Secret)

	if cfg.Server.Env == "development" {
		if token, err := authMiddleware.GenerateToken("local", "local@canvas"); err == nil {
			log.Info("development UI token", "token", token)
		}
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: response.ErrorHandler,
		BodyLimit:    4 * 1024 * 1024,
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,PATCH,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "sockets": sockets.Len()})
	})

	api := app.Group("/api", authMiddleware.Authenticate())

	// Job routes
	jobs := api.Group("/jobs")
	jobs.Post("/segments", jobsHandler.Segments)
	jobs.Post("/visuals", jobsHandler.Visuals)
	jobs.Post("/storyboard-sketch", jobsHandler.StoryboardSketch)
	jobs.Get("/", jobsHandler.List)
	jobs.Delete("/:type/:jobId", jobsHandler.Cancel)
	api.Get("/indicators", jobsHandler.Indicators)

	// Position routes
	project := api.Group("/projects/:projectId")
	project.Get("/positions/:cardType", positionsHandler.List)
	project.Put("/positions/:cardType/:cardId", positionsHandler.Put)
	project.Delete("/positions/:cardType/:cardId", positionsHandler.Delete)
	project.Post("/positions/:cardType/flush", positionsHandler.Flush)
	project.Post("/lifecycle", positionsHandler.Lifecycle)

	// Canvas tiers
	handler.RegisterCanvas(api, board, validate)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/projects/:projectId", authMiddleware.Authenticate(), websocket.New(func(c *websocket.Conn) {
		hub.HandleConnection(c, c.Params("projectId"))
	}))

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		log.Info("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Error("server shutdown error", "error", err)
		}
	}()

	addr := ":" + cfg.Server.Port
	log.Info("canvas agent starting", "addr", addr, "api", cfg.API.BaseURL, "ai", cfg.AI.BaseURL)
	if err := app.Listen(addr); err != nil {
		log.Error("server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	orch.Shutdown()
	if err := registry.Close(shutdownCtx); err != nil {
		log.Warn("positions not fully flushed; they stay queued locally", "error", err)
	}
	hub.Close()
	if err := store.Close(); err != nil {
		log.Error("failed to close storage", "error", err)
	}
}
