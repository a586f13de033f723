package domain

import (
	"errors"
	"fmt"
	"time"
)

// EventType enumerates the closed set of provider event variants.
type EventType string

const (
	EventDeliveryReceipt EventType = "delivery_receipt"
	EventInboundMessage  EventType = "inbound_message"
)

// DeliveryReceipt is the payload of a carrier delivery notification.
type DeliveryReceipt struct {
	ProviderRef    string  `json:"provider_ref"`
	Status         Status  `json:"status"` // delivered or failed
	ErrorCode      string  `json:"error_code,omitempty"`
	SegmentsBilled int     `json:"segments_billed,omitempty"`
	CostBilled     float64 `json:"cost_billed,omitempty"`
}

// InboundReceipt is the payload of a handset-originated message event.
type InboundReceipt struct {
	From string `json:"from"`
	To   string `json:"to"` // The campaign's sender number
	Body string `json:"body"`
}

// ProviderEvent is the tagged union delivered by the carrier's webhook.
// Exactly one payload field is set, matching Type.
type ProviderEvent struct {
	EventID    string           `json:"event_id"` // Provider-assigned idempotency key
	Type       EventType        `json:"event_type"`
	OccurredAt time.Time        `json:"occurred_at"`
	Delivery   *DeliveryReceipt `json:"delivery,omitempty"`
	Inbound    *InboundReceipt  `json:"inbound,omitempty"`
}

var ErrMalformedEvent = errors.New("malformed provider event")

// Validate enforces the closed-variant shape at the ingestion boundary.
func (e ProviderEvent) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("%w: missing event_id", ErrMalformedEvent)
	}
	switch e.Type {
	case EventDeliveryReceipt:
		if e.Delivery == nil {
			return fmt.Errorf("%w: delivery_receipt without delivery payload", ErrMalformedEvent)
		}
		if e.Delivery.ProviderRef == "" {
			return fmt.Errorf("%w: delivery_receipt without provider_ref", ErrMalformedEvent)
		}
		if e.Delivery.Status != StatusDelivered && e.Delivery.Status != StatusFailed {
			return fmt.Errorf("%w: delivery_receipt status %q is not terminal", ErrMalformedEvent, e.Delivery.Status)
		}
	case EventInboundMessage:
		if e.Inbound == nil {
			return fmt.Errorf("%w: inbound_message without inbound payload", ErrMalformedEvent)
		}
		if e.Inbound.From == "" || e.Inbound.To == "" {
			return fmt.Errorf("%w: inbound_message without from/to", ErrMalformedEvent)
		}
	default:
		return fmt.Errorf("%w: unknown event_type %q", ErrMalformedEvent, e.Type)
	}
	return nil
}

// WebhookEvent is the write-once ledger record for a processed provider
// event. Its EventID maps to at most one applied state transition.
type WebhookEvent struct {
	EventID     string
	Payload     []byte
	Signature   string
	Processed   bool
	Dead        bool // Moved to the dead-letter area after retry exhaustion
	RetryCount  int
	LastError   string
	ReceivedAt  time.Time
	ProcessedAt *time.Time
}
