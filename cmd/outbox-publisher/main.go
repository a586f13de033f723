package main

import (
	"context"
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
	"sms-dispatch-engine/internal/throttle"
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

	publisher, err := rabbitmq.NewPublisher(conf.AMQPURL)
	if err != nil {
		log.Error("connect rabbitmq publisher", "err", err)
		os.Exit(1)
	}
	defer publisher.Close()

	// ── Application service ──────────────────────────────────────────────────
	gate := compliance.NewGate(repo, repo, compliance.NewKeywordClassifier(), compliance.DefaultWindow, log)
	scheduler := throttle.NewScheduler(repo, log)
	svc := app.NewDispatchService(repo, repo, repo, publisher, gate, scheduler, 0, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	campaigns, err := repo.ListActiveCampaigns(ctx)
	if err != nil {
		log.Error("load campaigns", "err", err)
		os.Exit(1)
	}
	for _, campaign := range campaigns {
		if err := scheduler.Register(ctx, campaign); err != nil {
			log.Error("register campaign limiter", "err", err, "campaign_id", campaign.ID)
			os.Exit(1)
		}
	}

	ticker := time.NewTicker(conf.OutboxInterval)
	defer ticker.Stop()

	log.Info("outbox-publisher started", "interval", conf.OutboxInterval.String())

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down outbox-publisher")
			return

		case <-ticker.C:
			n, err := svc.PublishAdmittable(ctx, conf.OutboxBatch)
			if err != nil {
				log.Error("publish admittable messages", "err", err)
				continue
			}
			if n > 0 {
				log.Info("published deferred messages", "count", n)
			}
		}
	}
}
