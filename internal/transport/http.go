package transport

import (
	"errors"
	"log/slog"
	"time"

	"sms-dispatch-engine/internal/app"
	"sms-dispatch-engine/internal/domain"
	"sms-dispatch-engine/internal/ingest"
	"sms-dispatch-engine/internal/throttle"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// SignatureHeader carries the hex HMAC of the raw webhook body.
const SignatureHeader = "X-Carrier-Signature"

// Handler holds all HTTP handlers for the dispatch service.
type Handler struct {
	svc       *app.DispatchService
	processor *ingest.Processor
	log       *slog.Logger
}

// NewHandler wires up a Handler with its dependencies. Processor may be nil
// when the binary does not serve the webhook route.
func NewHandler(svc *app.DispatchService, processor *ingest.Processor, log *slog.Logger) *Handler {
	return &Handler{svc: svc, processor: processor, log: log}
}

// Register mounts all routes onto the given Fiber app.
func (h *Handler) Register(router fiber.Router) {
	api := router.Group("/api")
	api.Post("/messages", h.SubmitMessage)
	api.Get("/messages/:id", h.GetMessage)
	api.Get("/optouts/:phone", h.GetOptOut)
	api.Get("/campaigns/:id/usage", h.GetCampaignUsage)

	if h.processor != nil {
		router.Post("/webhooks/carrier", h.HandleCarrierWebhook)
	}
}

// ── Message API ───────────────────────────────────────────────────────────────

type submitMessageRequest struct {
	CampaignID string `json:"campaign_id"`
	To         string `json:"to"`
	Body       string `json:"body"`
	SendAt     string `json:"send_at,omitempty"` // RFC 3339, optional
}

type submitMessageResponse struct {
	MessageID string  `json:"message_id"`
	Status    string  `json:"status"`
	Encoding  string  `json:"encoding"`
	Segments  int     `json:"segments"`
	Cost      float64 `json:"cost"`
}

// SubmitMessage accepts one outbound message and runs it through admission.
//
// POST /api/messages
// Body: { "campaign_id": "...", "to": "...", "body": "...", "send_at": "..." }
func (h *Handler) SubmitMessage(c *fiber.Ctx) error {
	var req submitMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	if req.CampaignID == "" || req.To == "" || req.Body == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "campaign_id, to and body are required"})
	}

	campaignID, err := uuid.Parse(req.CampaignID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "campaign_id must be a valid UUID"})
	}

	var sendAt time.Time
	if req.SendAt != "" {
		sendAt, err = time.Parse(time.RFC3339, req.SendAt)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "send_at must be RFC 3339"})
		}
	}

	msg, err := h.svc.Submit(c.Context(), app.SubmitRequest{
		CampaignID: campaignID,
		To:         req.To,
		Body:       req.Body,
		SendAt:     sendAt,
	})
	if err != nil {
		var rejected app.ErrRejected
		switch {
		case errors.As(err, &rejected):
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error":  "message rejected",
				"reason": string(rejected.Reason),
			})
		case errors.Is(err, throttle.ErrBackpressure):
			// Persisted as CREATED; the outbox publisher drains it later.
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":      "throughput exhausted, message accepted for deferred dispatch",
				"message_id": msg.ID.String(),
			})
		case errors.Is(err, throttle.ErrCapExhausted):
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":      "volume cap exhausted, message accepted for deferred dispatch",
				"message_id": msg.ID.String(),
			})
		case errors.Is(err, domain.ErrCampaignNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "campaign not found"})
		}
		h.log.Error("submit message", "err", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error"})
	}

	return c.Status(fiber.StatusAccepted).JSON(submitMessageResponse{
		MessageID: msg.ID.String(),
		Status:    string(msg.Status),
		Encoding:  msg.Encoding,
		Segments:  msg.Segments,
		Cost:      msg.Cost,
	})
}

type messageResponse struct {
	MessageID   string  `json:"message_id"`
	CampaignID  string  `json:"campaign_id"`
	Direction   string  `json:"direction"`
	From        string  `json:"from"`
	To          string  `json:"to"`
	Status      string  `json:"status"`
	Encoding    string  `json:"encoding"`
	Segments    int     `json:"segments"`
	Cost        float64 `json:"cost"`
	FailureCode string  `json:"failure_code,omitempty"`
	ProviderRef string  `json:"provider_ref,omitempty"`
}

// GetMessage returns the current state of one message.
//
// GET /api/messages/:id
func (h *Handler) GetMessage(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "id must be a valid UUID"})
	}

	msg, err := h.svc.GetMessage(c.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrMessageNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "message not found"})
		}
		h.log.Error("get message", "err", err, "msg_id", id)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error"})
	}

	return c.JSON(messageResponse{
		MessageID:   msg.ID.String(),
		CampaignID:  msg.CampaignID.String(),
		Direction:   string(msg.Direction),
		From:        msg.From,
		To:          msg.To,
		Status:      string(msg.Status),
		Encoding:    msg.Encoding,
		Segments:    msg.Segments,
		Cost:        msg.Cost,
		FailureCode: msg.FailureCode,
		ProviderRef: msg.ProviderRef,
	})
}

// ── Opt-out API ───────────────────────────────────────────────────────────────

// GetOptOut reports whether a phone number is suppressed for a campaign.
//
// GET /api/optouts/:phone?campaign_id=...
func (h *Handler) GetOptOut(c *fiber.Ctx) error {
	phone := c.Params("phone")

	campaignID := uuid.Nil
	if raw := c.Query("campaign_id"); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "campaign_id must be a valid UUID"})
		}
		campaignID = parsed
	}

	optedOut, err := h.svc.IsOptedOut(c.Context(), phone, campaignID)
	if err != nil {
		h.log.Error("opt-out lookup", "err", err, "phone", phone)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error"})
	}

	return c.JSON(fiber.Map{"phone": phone, "opted_out": optedOut})
}

// ── Usage API ─────────────────────────────────────────────────────────────────

// GetCampaignUsage returns a campaign's consumed daily and monthly volume.
//
// GET /api/campaigns/:id/usage
func (h *Handler) GetCampaignUsage(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "id must be a valid UUID"})
	}

	day, month, err := h.svc.Usage(c.Context(), id)
	if err != nil {
		if errors.Is(err, throttle.ErrNotRegistered) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "campaign not registered"})
		}
		h.log.Error("campaign usage", "err", err, "campaign_id", id)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error"})
	}

	return c.JSON(fiber.Map{"campaign_id": id.String(), "day": day, "month": month})
}

// ── Carrier Webhook ───────────────────────────────────────────────────────────

// HandleCarrierWebhook receives signed delivery receipts and inbound messages.
//
// POST /webhooks/carrier
// Header: X-Carrier-Signature: <hex hmac-sha256 of the raw body>
func (h *Handler) HandleCarrierWebhook(c *fiber.Ctx) error {
	signature := c.Get(SignatureHeader)
	if signature == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing signature"})
	}

	result, err := h.processor.Process(c.Context(), c.Body(), signature)
	if err != nil {
		h.log.Error("process webhook", "err", err, "event_id", result.EventID)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error"})
	}

	switch result.Outcome {
	case ingest.OutcomeInvalidSignature:
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid signature"})
	case ingest.OutcomeMalformed:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "malformed event",
			"outcome": string(result.Outcome),
		})
	}

	// Duplicates, unknown refs and dead-lettered events still ack with 200
	// so the carrier stops redelivering.
	return c.JSON(fiber.Map{"outcome": string(result.Outcome), "event_id": result.EventID})
}
