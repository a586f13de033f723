package ports

import (
	"context"
	"time"

	"sms-dispatch-engine/internal/domain"

	"github.com/google/uuid"
)

// MessageRepository defines persistence operations for messages.
type MessageRepository interface {
	// SaveMessage persists a new message row.
	SaveMessage(ctx context.Context, m domain.Message) error

	// GetMessage retrieves a message by internal id.
	GetMessage(ctx context.Context, id uuid.UUID) (*domain.Message, error)

	// GetMessageByProviderRef retrieves a message by carrier correlation id.
	GetMessageByProviderRef(ctx context.Context, ref string) (*domain.Message, error)

	// GetAdmittable returns up to limit outbound messages still in
	// StatusCreated, oldest first, locked against concurrent pollers.
	GetAdmittable(ctx context.Context, limit int) ([]domain.Message, error)

	// TransitionStatus moves a message to the given status. The row is only
	// updated when the stored status equals from, so concurrent or duplicate
	// transitions cannot regress the machine; it returns false without error
	// when the guard does not match.
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to domain.Status, at time.Time) (bool, error)

	// SetProviderRef stores the carrier correlation id after acceptance.
	// Once set, the ref never changes; later calls for the same message
	// are no-ops.
	SetProviderRef(ctx context.Context, id uuid.UUID, ref string) error

	// RecordFailure marks a message failed with a terminal failure code.
	RecordFailure(ctx context.Context, id uuid.UUID, code string, retries int) error

	// ReconcileBilling stores the provider-reported segment count and cost
	// alongside the local estimate.
	ReconcileBilling(ctx context.Context, id uuid.UUID, segments int, cost float64) error
}

// OptOutRepository is the durable suppression registry.
type OptOutRepository interface {
	// UpsertOptOut creates or refreshes the entry for (phone, scope).
	UpsertOptOut(ctx context.Context, e domain.OptOutEntry) error

	// ReleaseOptOut removes the matching entry (START-class keyword).
	ReleaseOptOut(ctx context.Context, phone string, scope domain.OptOutScope, campaignID uuid.UUID) error

	// IsOptedOut reports whether an active, unexpired entry suppresses the
	// (phone, campaign) pair, considering both campaign and global scope.
	IsOptedOut(ctx context.Context, phone string, campaignID uuid.UUID) (bool, error)
}

// CampaignDirectory is the read-only boundary to the registration subsystem.
type CampaignDirectory interface {
	GetCampaign(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)

	// FindBySender resolves the campaign that owns a 10DLC sending number,
	// used to attribute inbound messages.
	FindBySender(ctx context.Context, number string) (*domain.Campaign, error)
}

// ClaimState reports where an event sits in the webhook ledger.
type ClaimState int

const (
	ClaimNew       ClaimState = iota // First sighting, caller owns processing
	ClaimRetry                       // Seen before but never processed, caller may retry
	ClaimProcessed                   // Already applied, duplicate delivery
)

// WebhookEventStore is the idempotency ledger for provider events. An event
// id maps to at most one applied transition.
type WebhookEventStore interface {
	// Claim records the event on first sight and reports its claim state.
	Claim(ctx context.Context, eventID string, payload []byte, signature string) (ClaimState, error)

	// MarkProcessed flips the write-once processed flag.
	MarkProcessed(ctx context.Context, eventID string, at time.Time) error

	// MarkFailed bumps the retry counter with the failure cause.
	MarkFailed(ctx context.Context, eventID string, cause string) error

	// DeadLetter moves the event to the manual-review holding area.
	DeadLetter(ctx context.Context, eventID string, cause string) error
}

// RateLimiterState is the persisted state of one campaign's bucket.
type RateLimiterState struct {
	CampaignID uuid.UUID
	Tokens     float64
	LastRefill time.Time
	DayKey     string // Campaign-local day boundary, e.g. 2026-08-26
	DayCount   int
	MonthKey   string // Campaign-local month boundary, e.g. 2026-08
	MonthCount int
	UpdatedAt  time.Time
}

// RateLimiterStore holds the authoritative bucket state shared by every
// process admitting for a campaign. A token consume is a load followed by a
// compare-and-save keyed on the loaded UpdatedAt; a false return means
// another process advanced the row first and the caller must reload.
type RateLimiterStore interface {
	LoadRateLimiterState(ctx context.Context, campaignID uuid.UUID) (*RateLimiterState, error)

	// CompareAndSaveRateLimiterState writes s only when the stored row's
	// updated_at still equals expected. A zero expected asserts that no
	// row exists yet.
	CompareAndSaveRateLimiterState(ctx context.Context, s RateLimiterState, expected time.Time) (bool, error)
}

// AdmissionRecord is the audit trail row for one gate decision.
type AdmissionRecord struct {
	MessageID  uuid.UUID
	CampaignID uuid.UUID
	To         string
	Allowed    bool
	Reason     string
	DecidedAt  time.Time
}

// AdmissionAuditStore records every compliance decision, accept or reject.
type AdmissionAuditStore interface {
	RecordAdmission(ctx context.Context, r AdmissionRecord) error
}

// DispatchAttempt records one provider call for audit, success or failure.
type DispatchAttempt struct {
	MessageID   uuid.UUID
	Attempt     int
	ProviderRef string
	Err         string
	Transient   bool
	StartedAt   time.Time
	Duration    time.Duration
}

// DispatchAuditStore records every dispatch attempt.
type DispatchAuditStore interface {
	RecordAttempt(ctx context.Context, a DispatchAttempt) error
}
