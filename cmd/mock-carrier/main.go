package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"sms-dispatch-engine/internal/domain"
	"sms-dispatch-engine/internal/ingest"
	"sms-dispatch-engine/internal/transport"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// mockSendRequest mirrors what the carrier adapter posts to /messages.
type mockSendRequest struct {
	MessageID string `json:"message_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Body      string `json:"body"`
}

type mockSendResponse struct {
	ProviderRef string `json:"provider_ref"`
}

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	addr := getenv("HTTP_ADDR", ":9090")
	webhookURL := getenv("WEBHOOK_URL", "http://localhost:8081/webhooks/carrier")
	secret := []byte(getenv("WEBHOOK_SECRET", "dev-webhook-secret"))

	fiberApp := fiber.New(fiber.Config{AppName: "mock-carrier"})

	// POST /messages accepts a submission and echoes back a provider ref.
	// Bodies containing "FAILME" simulate a handset failure receipt.
	fiberApp.Post("/messages", func(c *fiber.Ctx) error {
		var req mockSendRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
		}

		providerRef := uuid.New().String()
		log.Info("mock carrier accepted message",
			"message_id", req.MessageID,
			"to", req.To,
			"provider_ref", providerRef,
		)

		go simulateReceipt(webhookURL, secret, providerRef, req.Body, log)

		return c.Status(fiber.StatusAccepted).JSON(mockSendResponse{ProviderRef: providerRef})
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("mock-carrier listening", "addr", addr)
		if err := fiberApp.Listen(addr); err != nil {
			log.Error("fiber listen", "err", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down mock-carrier")
	_ = fiberApp.Shutdown()
}

// simulateReceipt posts a signed delivery receipt after a short delay.
func simulateReceipt(hookURL string, secret []byte, providerRef, body string, log *slog.Logger) {
	time.Sleep(500 * time.Millisecond) // simulate handset delivery latency

	receipt := domain.DeliveryReceipt{
		ProviderRef: providerRef,
		Status:      domain.StatusDelivered,
	}
	if strings.Contains(body, "FAILME") {
		receipt.Status = domain.StatusFailed
		receipt.ErrorCode = "HANDSET_UNREACHABLE"
	}

	event := domain.ProviderEvent{
		EventID:    uuid.New().String(),
		Type:       domain.EventDeliveryReceipt,
		OccurredAt: time.Now().UTC(),
		Delivery:   &receipt,
	}
	payload, _ := json.Marshal(event)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hookURL, bytes.NewReader(payload))
	if err != nil {
		log.Error("create receipt request", "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(transport.SignatureHeader, ingest.Sign(secret, payload))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Error("receipt webhook call failed", "provider_ref", providerRef, "err", err)
		return
	}
	defer resp.Body.Close()
	log.Info("receipt webhook called", "provider_ref", providerRef, "status", resp.StatusCode)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
