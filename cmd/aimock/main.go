// Command aimock runs a local stand-in for the AI generation service: the
// job-start endpoints and the per-job result sockets the canvas agent uses.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/scriptboard/canvas/internal/aisim"
	"github.com/scriptboard/canvas/internal/config"
	"github.com/scriptboard/canvas/internal/handler"
	"github.com/scriptboard/canvas/internal/middleware"
	ws "github.com/scriptboard/canvas/internal/websocket"
	"github.com/scriptboard/canvas/pkg/response"
)

func main() {
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

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Warn("redis not available", "error", err)
	}

	// Initialize Asynq client
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	validate := validator.New()
	repo := aisim.NewRedisRepository(redisClient)
	svc := aisim.NewService(repo, asynqClient, log.With("component", "aisim"))

	// Result sockets, one topic per job
	hub := ws.NewHub(log.With("component", "hub"))
	hub.SetReplay(func(jobID string) []byte { return svc.Replay(context.Background(), jobID) })
	go hub.Run()
	defer hub.Close()

	worker := aisim.NewWorker(repo, hub, cfg.Worker.StepDelay, log.With("component", "worker"))
	srv := startWorkerServer(cfg, redisOpt, worker, log)
	defer srv.Shutdown()

	rateLimiter := middleware.NewRateLimiter(redisClient, log)
	aiHandler := handler.NewAIHandler(svc, hub, validate)

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          response.ErrorHandler,
	})
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	aiHandler.Register(app, rateLimiter.GenerateLimit(cfg.RateLimit.GeneratePerMin))

	go func() {
		<-ctx.Done()
		log.Info("shutting down ai mock")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Error("server shutdown error", "error", err)
		}
	}()

	// listen where the agent expects the AI service
	addr := ":" + portOf(cfg.AI.BaseURL, "8001")
	log.Info("ai mock starting", "addr", addr)
	if err := app.Listen(addr); err != nil {
		log.Error("server error", "error", err)
	}
}

func startWorkerServer(cfg *config.Config, redisOpt asynq.RedisClientOpt, worker *aisim.Worker, log *slog.Logger) *asynq.Server {
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Worker.Concurrency,
		Queues: map[string]int{
			aisim.Queue: 1,
		},
		Logger: &asynqLogger{log.With("component", "asynq")},
	})

	mux := asynq.NewServeMux()
	worker.Register(mux)

	if err := srv.Start(mux); err != nil {
		log.Error("asynq worker error", "error", err)
	}
	return srv
}

func portOf(rawURL, fallback string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Port() == "" {
		return fallback
	}
	return u.Port()
}

// asynqLogger adapts slog to asynq.Logger
type asynqLogger struct{ l *slog.Logger }

func (a *asynqLogger) Debug(args ...interface{}) { a.l.Debug(fmtArgs(args)) }
func (a *asynqLogger) Info(args ...interface{})  { a.l.Info(fmtArgs(args)) }
func (a *asynqLogger) Warn(args ...interface{})  { a.l.Warn(fmtArgs(args)) }
func (a *asynqLogger) Error(args ...interface{}) { a.l.Error(fmtArgs(args)) }
func (a *asynqLogger) Fatal(args ...interface{}) {
	a.l.Error(fmtArgs(args))
	os.Exit(1)
}

func fmtArgs(args []interface{}) string {
	return strings.TrimSpace(fmt.Sprintln(args...))
}
