package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a message.
type Status string

const (
	StatusCreated   Status = "created"   // Passed the compliance gate, awaiting throughput admission
	StatusQueued    Status = "queued"    // Token consumed, published to the dispatch queue
	StatusSent      Status = "sent"      // Accepted by the carrier, correlation id assigned
	StatusDelivered Status = "delivered" // Carrier confirmed handset delivery
	StatusFailed    Status = "failed"    // Terminal failure (dispatch or delivery receipt)
	StatusReceived  Status = "received"  // Inbound message, terminal on creation
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusDelivered, StatusFailed, StatusReceived:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal forward
// transition. The machine never regresses; illegal transitions are no-ops
// for callers, never errors.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusCreated:
		return next == StatusQueued
	case StatusQueued:
		return next == StatusSent || next == StatusFailed
	case StatusSent:
		return next == StatusDelivered || next == StatusFailed
	}
	return false
}

// Direction distinguishes application-originated from handset-originated messages.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// Failure codes recorded on terminally failed outbound messages.
const (
	FailureProviderPermanent          = "PROVIDER_PERMANENT"
	FailureProviderTransientExhausted = "PROVIDER_TRANSIENT_EXHAUSTED"
	FailureQueuePublish               = "QUEUE_PUBLISH_FAILED"
)

// Message is the core entity tracked by the dispatch engine. Outbound
// messages are created by an admission attempt and mutated only by the
// dispatcher and the webhook ingestion processor. Messages are never
// deleted, only archived.
type Message struct {
	ID          uuid.UUID
	CampaignID  uuid.UUID
	Direction   Direction
	From        string
	To          string
	Body        string
	Encoding    string
	Segments    int
	Cost        float64
	ProviderRef string // Correlation id assigned by the carrier on acceptance
	Status      Status
	FailureCode string
	RetryCount  int
	CreatedAt   time.Time
	SentAt      *time.Time
	DeliveredAt *time.Time
	UpdatedAt   time.Time
}

// NewOutbound creates a message in StatusCreated for a campaign.
func NewOutbound(campaignID uuid.UUID, from, to, body string) Message {
	now := time.Now().UTC()
	return Message{
		ID:         uuid.New(),
		CampaignID: campaignID,
		Direction:  DirectionOutbound,
		From:       from,
		To:         to,
		Body:       body,
		Status:     StatusCreated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// NewInbound creates a handset-originated message, terminal at RECEIVED.
func NewInbound(campaignID uuid.UUID, from, to, body string) Message {
	now := time.Now().UTC()
	return Message{
		ID:         uuid.New(),
		CampaignID: campaignID,
		Direction:  DirectionInbound,
		From:       from,
		To:         to,
		Body:       body,
		Status:     StatusReceived,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Domain errors
var (
	ErrMessageNotFound  = errors.New("message not found")
	ErrCampaignNotFound = errors.New("campaign not found")
	ErrInvalidStatus    = errors.New("invalid status transition")
)
