package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/workletforge/studio/internal/auth"
	"github.com/workletforge/studio/internal/client"
	"github.com/workletforge/studio/internal/config"
	"github.com/workletforge/studio/internal/coordinator"
	"github.com/workletforge/studio/internal/handler"
	zlog "github.com/workletforge/studio/internal/logger"
	"github.com/workletforge/studio/internal/realtime"
	"github.com/workletforge/studio/internal/store"
	"github.com/workletforge/studio/pkg/response"
)

const studioUser = "studio"

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

	if cfg.Studio.Token == "" {
		ttl := time.Duration(cfg.JWT.Expiration) * time.Hour
		token, err := auth.MintServiceToken(cfg.JWT.Secret, studioUser, "", ttl)
		if err != nil {
			log.Fatal("no studio token configured and none could be minted", zap.Error(err))
		}
		cfg.Studio.Token = token
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	socket := realtime.NewSocket(realtime.SocketConfig{
		URL:    cfg.Studio.SocketURL,
		Token:  cfg.Studio.Token,
		Logger: log,
	})
	go func() {
		if err := socket.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("event channel stopped", zap.Error(err))
		}
	}()

	validate := response.NewValidator()
	coord := coordinator.New(
		client.NewThreadClient(&cfg.Studio),
		realtime.NewMultiplexer(socket, log),
		store.New(),
		coordinator.Options{
			InitWait: cfg.Studio.InitWait,
			Logger:   log,
			Validate: validate,
		},
	)
	go coord.Run(ctx)
	defer coord.Close()

	go func() {
		if err := coord.RefreshThreads(ctx); err != nil {
			log.Warn("initial thread refresh failed", zap.Error(err))
		}
	}()

	sessionHandler := handler.NewSessionHandler(coord, validate, log)

	app := fiber.New(fiber.Config{
		BodyLimit: 50 * 1024 * 1024, // 50MB
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept",
	}))

	session := app.Group("/api/session")
	session.Get("/view", sessionHandler.View)
	session.Post("/threads", sessionHandler.Submit)
	session.Post("/threads/:threadId/open", sessionHandler.Open)
	session.Delete("/threads/:threadId", sessionHandler.Delete)
	session.Post("/new", sessionHandler.New)
	session.Post("/home", sessionHandler.Home)
	session.Post("/refresh", sessionHandler.Refresh)
	session.Post("/approvals/:threadId/topic", sessionHandler.ApproveTopics)
	session.Post("/approvals/:threadId/web", sessionHandler.ApproveQueries)
	session.Post("/iterate", sessionHandler.Iterate)
	session.Post("/select", sessionHandler.Select)
	session.Post("/enhance", sessionHandler.Enhance)
	session.Post("/select-iteration", sessionHandler.SelectIteration)

	app.Use("/ws", handler.RequireUpgrade)
	app.Get("/ws/session", sessionHandler.Stream())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info("shutting down studio")
		cancel()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Error("studio shutdown error", zap.Error(err))
		}
	}()

	addr := ":" + cfg.Studio.Port
	log.Info("studio starting", zap.String("addr", addr), zap.String("api_url", cfg.Studio.APIURL))
	if err := app.Listen(addr); err != nil {
		log.Fatal("studio error", zap.Error(err))
	}
}
