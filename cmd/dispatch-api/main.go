package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sms-dispatch-engine/internal/adapters/db/postgres"
	"sms-dispatch-engine/internal/adapters/queue/rabbitmq"
	"sms-dispatch-engine/internal/app"
	"sms-dispatch-engine/internal/compliance"
	cfg "sms-dispatch-engine/internal/config"
	"sms-dispatch-engine/internal/middleware"
	"sms-dispatch-engine/internal/throttle"
	"sms-dispatch-engine/internal/transport"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{AddSource: true}))
	if err := run(log); err != nil {
		log.Error("application failed", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	conf := cfg.FromEnv()

	repo, err := postgres.New(conf.DatabaseURL)
	if err != nil {
		return errors.New("failed to connect to postgres: " + err.Error())
	}
	defer repo.Close()

	publisher, err := rabbitmq.NewPublisher(conf.AMQPURL)
	if err != nil {
		return errors.New("failed to connect to rabbitmq: " + err.Error())
	}
	defer publisher.Close()

	gate := compliance.NewGate(repo, repo, compliance.NewKeywordClassifier(), compliance.DefaultWindow, log)
	scheduler := throttle.NewScheduler(repo, log)
	svc := app.NewDispatchService(repo, repo, repo, publisher, gate, scheduler, conf.AdmitTimeout, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	campaigns, err := repo.ListActiveCampaigns(ctx)
	if err != nil {
		return errors.New("failed to load campaigns: " + err.Error())
	}
	for _, campaign := range campaigns {
		if err := scheduler.Register(ctx, campaign); err != nil {
			return errors.New("failed to register campaign limiter: " + err.Error())
		}
	}

	fiberApp := fiber.New(fiber.Config{
		AppName:               "dispatch-api",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		IdleTimeout:           120 * time.Second,
		ServerHeader:          "",
		BodyLimit:             1 * 1024 * 1024,
	})

	fiberApp.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	fiberApp.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} - ${method} ${path} ${latency}\n",
		TimeFormat: "2006-01-02 15:04:05",
	}))
	fiberApp.Use(middleware.RequestID())
	fiberApp.Use(middleware.SecurityHeaders())
	fiberApp.Use(middleware.CORS(conf.AllowedOrigins))

	rateLimiter := middleware.NewRateLimiter(conf.APIRateLimit, 1*time.Minute)
	fiberApp.Use(rateLimiter.Middleware())

	fiberApp.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "healthy"})
	})

	handler := transport.NewHandler(svc, nil, log)
	handler.Register(fiberApp)

	errChan := make(chan error, 1)
	go func() {
		log.Info("dispatch-api started", "addr", conf.HTTPAddr)
		if err := fiberApp.Listen(conf.HTTPAddr); err != nil {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errChan:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := fiberApp.ShutdownWithContext(shutdownCtx); err != nil {
		return errors.New("failed to shutdown gracefully: " + err.Error())
	}

	log.Info("dispatch-api stopped gracefully")
	return nil
}
