package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/workletforge/studio/internal/auth"
	"github.com/workletforge/studio/internal/client"
	"github.com/workletforge/studio/internal/config"
	"github.com/workletforge/studio/internal/handler"
	zlog "github.com/workletforge/studio/internal/logger"
	"github.com/workletforge/studio/internal/middleware"
	"github.com/workletforge/studio/internal/service"
	ws "github.com/workletforge/studio/internal/websocket"
	"github.com/workletforge/studio/internal/worker"
	"github.com/workletforge/studio/pkg/response"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := zlog.Must(zlog.Config{
		Level:       cfg.Server.LogLevel,
		Format:      cfg.Server.LogFormat,
		Development: cfg.IsDevelopment(),
	})
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Warn("redis not available", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	validate := response.NewValidator()

	hub := ws.NewHub(log)
	go hub.Run(ctx)
	broker := ws.NewApprovalBroker(redisClient, log)

	// Attachments fall back to mock URLs when R2 is not configured
	var storage client.StorageClient
	if r2, err := client.NewR2Client(&cfg.R2); err == nil {
		storage = r2
	} else {
		log.Info("attachment storage disabled", zap.Error(err))
	}

	groq := client.NewGroqClient(&cfg.Groq)
	if !groq.IsConfigured() {
		log.Info("groq not configured, generating mock content")
	}

	uploadService := service.NewUploadService(storage, log)
	threadService := service.NewThreadService(redisClient, asynqClient, uploadService, &cfg.Agent, log)
	generator := service.NewGenerator(groq, log)
	workletService := service.NewWorkletService(threadService, generator, log)

	if err := threadService.RegisterCluster(ctx, service.DefaultClusterID, "Default"); err != nil {
		log.Warn("failed to register default cluster", zap.Error(err))
	}

	threadHandler := handler.NewThreadHandler(threadService, validate, log)
	workletHandler := handler.NewWorkletHandler(workletService, validate)
	eventsHandler := handler.NewEventsHandler(hub, broker, log)
	healthHandler := handler.NewHealthHandler(redisClient, version)

	var verifier auth.Verifier
	if cfg.OIDC.Issuer != "" {
		oidc, err := auth.NewOIDCVerifier(ctx, &cfg.OIDC)
		if err != nil {
			log.Warn("OIDC verifier unavailable, accepting service tokens only", zap.String("issuer", cfg.OIDC.Issuer), zap.Error(err))
		} else {
			verifier = oidc
		}
	}
	authMiddleware := middleware.NewAuthMiddleware(verifier, cfg.JWT.Secret)
	authHandler := handler.NewAuthHandler(authMiddleware)
	rateLimiter := middleware.NewRateLimiter(redisClient, log)

	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    50 * 1024 * 1024, // 50MB
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/health", healthHandler.Check)
	app.Get("/auth/verify", authHandler.Verify)

	authenticate := authMiddleware.Authenticate()
	if cfg.Server.TrustGateway {
		authenticate = middleware.GatewayIdentity()
	}
	iterateLimit := rateLimiter.IterateLimit(cfg.RateLimit.IteratePerMin)

	app.Post("/generate", authenticate, rateLimiter.GenerateLimit(cfg.RateLimit.GeneratePerHour), threadHandler.Generate)

	thread := app.Group("/thread", authenticate)
	thread.Get("/all", threadHandler.List)
	thread.Get("/:threadId", threadHandler.Get)
	thread.Delete("/delete/:threadId", threadHandler.Delete)

	app.Post("/iterate", authenticate, iterateLimit, workletHandler.Iterate)
	app.Post("/select", authenticate, workletHandler.Select)

	iterations := app.Group("/worklet-iterations", authenticate)
	iterations.Post("/enhance", iterateLimit, workletHandler.Enhance)
	iterations.Post("/select-default", workletHandler.SelectDefault)

	app.Use("/ws", handler.RequireUpgrade)
	app.Get("/ws/events", authenticate, eventsHandler.Connect())

	go startWorkerServer(cfg, redisOpt, threadService, generator, hub, broker, log)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info("shutting down server")
		cancel()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Error("server shutdown error", zap.Error(err))
		}
	}()

	addr := ":" + cfg.Server.Port
	log.Info("server starting", zap.String("addr", addr), zap.String("version", version))
	if err := app.Listen(addr); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}

func startWorkerServer(cfg *config.Config, redisOpt asynq.RedisClientOpt, threads *service.ThreadService, generator *service.Generator, hub *ws.Hub, broker *ws.ApprovalBroker, log *zap.Logger) {
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Agent.Concurrency,
		Queues: map[string]int{
			service.QueueGenerate: 1,
		},
		Logger:   log.Named("asynq").Sugar(),
		LogLevel: asynqLevel(cfg.Server.LogLevel),
	})

	generateWorker := worker.NewGenerateWorker(threads, generator, hub, broker, &cfg.Agent, log)

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TypeGenerate, generateWorker.ProcessTask)

	if err := srv.Run(mux); err != nil {
		log.Error("asynq worker error", zap.Error(err))
	}
}

func asynqLevel(name string) asynq.LogLevel {
	switch strings.ToLower(name) {
	case "debug":
		return asynq.DebugLevel
	case "warn":
		return asynq.WarnLevel
	case "error":
		return asynq.ErrorLevel
	default:
		return asynq.InfoLevel
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}

	switch code {
	case fiber.StatusNotFound:
		return response.NotFound(c, message)
	case fiber.StatusRequestEntityTooLarge, fiber.StatusUpgradeRequired:
		return response.Error(c, code, response.CodeBadRequest, message, nil)
	}
	return response.Error(c, code, response.CodeServiceError, message, nil)
}
