package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"sms-dispatch-engine/internal/adapters/db/postgres"
	"sms-dispatch-engine/internal/adapters/provider/carrier"
	"sms-dispatch-engine/internal/adapters/queue/rabbitmq"
	cfg "sms-dispatch-engine/internal/config"
	"sms-dispatch-engine/internal/dispatch"
	"sms-dispatch-engine/internal/domain"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	conf := cfg.FromEnv()

	// ── Adapters ─────────────────────────────────────────────────────────────
	repo, err := postgres.New(conf.DatabaseURL)
	if err != nil {
		log.Error("connect postgres", "err", err)
		os.Exit(1)
	}
	defer repo.Close()

	consumer, err := rabbitmq.NewConsumer(conf.AMQPURL, log)
	if err != nil {
		log.Error("connect rabbitmq consumer", "err", err)
		os.Exit(1)
	}
	defer consumer.Close()

	provider := carrier.New(conf.ProviderURL, conf.ProviderAPIKey)

	// ── Dispatcher ───────────────────────────────────────────────────────────
	dispatcher := dispatch.NewDispatcher(provider, repo, repo, dispatch.DefaultConfig, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("sender-worker started")

	if err := consumer.Consume(ctx, func(ctx context.Context, msg domain.Message) error {
		return dispatcher.Dispatch(ctx, msg)
	}); err != nil && ctx.Err() == nil {
		log.Error("consumer error", "err", err)
		os.Exit(1)
	}

	log.Info("shutting down sender-worker")
}
