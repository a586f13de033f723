// Package ingest consumes asynchronous provider events: it verifies
// signatures, deduplicates by idempotency key, serializes events per
// message, and drives the delivery state machine and the opt-out registry.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"sms-dispatch-engine/internal/domain"
	"sms-dispatch-engine/internal/ports"

	"github.com/google/uuid"
)

// Outcome labels how an event was disposed of. Every outcome except
// OutcomeInvalidSignature is acknowledged to the provider.
type Outcome string

const (
	OutcomeApplied          Outcome = "APPLIED"
	OutcomeDuplicate        Outcome = "DUPLICATE_EVENT"
	OutcomeInvalidSignature Outcome = "INVALID_SIGNATURE"
	OutcomeMalformed        Outcome = "MALFORMED_EVENT"
	OutcomeUnknownRef       Outcome = "UNKNOWN_MESSAGE_REF"
	OutcomeDeadLettered     Outcome = "DEAD_LETTERED"
)

// Result is the processor's disposition for one event delivery.
type Result struct {
	Outcome Outcome
	EventID string
}

// errUnknownRef marks an event whose correlation id (or sender number)
// resolves to nothing we know. Held for manual review, never retried.
var errUnknownRef = errors.New("unknown message reference")

// Config bounds the processor's retry behaviour for infrastructure
// failures not attributable to the event itself.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig retries twice before dead-lettering.
var DefaultConfig = Config{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// Processor is the webhook ingestion pipeline.
type Processor struct {
	secret    []byte
	events    ports.WebhookEventStore
	messages  ports.MessageRepository
	optouts   ports.OptOutRepository
	campaigns ports.CampaignDirectory
	cfg       Config
	log       *slog.Logger
	locks     keyLocks

	// sleep is injectable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewProcessor wires the ingestion pipeline.
func NewProcessor(secret []byte, events ports.WebhookEventStore, messages ports.MessageRepository, optouts ports.OptOutRepository, campaigns ports.CampaignDirectory, cfg Config, log *slog.Logger) *Processor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig.MaxBackoff
	}
	return &Processor{
		secret:    secret,
		events:    events,
		messages:  messages,
		optouts:   optouts,
		campaigns: campaigns,
		cfg:       cfg,
		log:       log,
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}
}

// Process handles one raw event delivery. Events for the same message are
// serialized by a keyed lock; events for different messages proceed
// independently. Re-delivery of an already-processed idempotency key is
// acknowledged without reapplying anything.
func (p *Processor) Process(ctx context.Context, body []byte, signature string) (Result, error) {
	if !VerifySignature(p.secret, body, signature) {
		p.log.Warn("webhook signature rejected")
		return Result{Outcome: OutcomeInvalidSignature}, nil
	}

	var event domain.ProviderEvent
	if err := json.Unmarshal(body, &event); err != nil {
		p.log.Warn("webhook payload unreadable", "err", err)
		return Result{Outcome: OutcomeMalformed}, nil
	}
	if err := event.Validate(); err != nil {
		p.log.Warn("webhook payload invalid", "event_id", event.EventID, "err", err)
		return Result{Outcome: OutcomeMalformed, EventID: event.EventID}, nil
	}

	// The claim must happen under the keyed lock: an in-flight duplicate
	// otherwise claims before the first delivery marks the event processed
	// and reapplies it once the lock frees up.
	unlock := p.locks.lock(serializationKey(event))
	defer unlock()

	claim, err := p.events.Claim(ctx, event.EventID, body, signature)
	if err != nil {
		return Result{}, fmt.Errorf("claim event: %w", err)
	}
	if claim == ports.ClaimProcessed {
		p.log.Info("duplicate event acknowledged", "event_id", event.EventID)
		return Result{Outcome: OutcomeDuplicate, EventID: event.EventID}, nil
	}

	return p.applyWithRetry(ctx, event)
}

// serializationKey picks the per-message single-writer key: the carrier
// correlation id for receipts, the sender number for inbound traffic.
func serializationKey(e domain.ProviderEvent) string {
	if e.Type == domain.EventDeliveryReceipt {
		return "ref:" + e.Delivery.ProviderRef
	}
	return "in:" + e.Inbound.From
}

// applyWithRetry retries infrastructure failures with backoff, then moves
// the event to the dead-letter holding area rather than dropping it.
func (p *Processor) applyWithRetry(ctx context.Context, event domain.ProviderEvent) (Result, error) {
	backoff := p.cfg.InitialBackoff

	for attempt := 1; ; attempt++ {
		err := p.apply(ctx, event)
		if err == nil {
			if markErr := p.events.MarkProcessed(ctx, event.EventID, time.Now().UTC()); markErr != nil {
				return Result{}, fmt.Errorf("mark processed: %w", markErr)
			}
			return Result{Outcome: OutcomeApplied, EventID: event.EventID}, nil
		}

		if errors.Is(err, errUnknownRef) {
			// Not an infrastructure fault: hold for manual inspection.
			p.log.Warn("event references unknown message", "event_id", event.EventID)
			if dlErr := p.events.DeadLetter(ctx, event.EventID, string(OutcomeUnknownRef)); dlErr != nil {
				return Result{}, fmt.Errorf("dead-letter event: %w", dlErr)
			}
			return Result{Outcome: OutcomeUnknownRef, EventID: event.EventID}, nil
		}

		p.log.Error("event processing failed",
			"event_id", event.EventID, "attempt", attempt, "err", err)
		if markErr := p.events.MarkFailed(ctx, event.EventID, err.Error()); markErr != nil {
			p.log.Error("mark failed errored", "event_id", event.EventID, "err", markErr)
		}

		if attempt >= p.cfg.MaxAttempts {
			if dlErr := p.events.DeadLetter(ctx, event.EventID, err.Error()); dlErr != nil {
				return Result{}, fmt.Errorf("dead-letter event: %w", dlErr)
			}
			return Result{Outcome: OutcomeDeadLettered, EventID: event.EventID}, nil
		}

		if sleepErr := p.sleep(ctx, backoff); sleepErr != nil {
			return Result{}, sleepErr
		}
		backoff *= 2
		if backoff > p.cfg.MaxBackoff {
			backoff = p.cfg.MaxBackoff
		}
	}
}

func (p *Processor) apply(ctx context.Context, event domain.ProviderEvent) error {
	switch event.Type {
	case domain.EventDeliveryReceipt:
		return p.applyReceipt(ctx, *event.Delivery)
	case domain.EventInboundMessage:
		return p.applyInbound(ctx, *event.Inbound)
	}
	return fmt.Errorf("unhandled event type %q", event.Type)
}

// applyReceipt advances the delivery state machine from a terminal
// carrier status. Out-of-order or repeated receipts for an already
// terminal message are no-ops.
func (p *Processor) applyReceipt(ctx context.Context, receipt domain.DeliveryReceipt) error {
	msg, err := p.messages.GetMessageByProviderRef(ctx, receipt.ProviderRef)
	if err != nil {
		if errors.Is(err, domain.ErrMessageNotFound) {
			return errUnknownRef
		}
		return fmt.Errorf("resolve message: %w", err)
	}

	if !msg.Status.CanTransition(receipt.Status) {
		p.log.Info("receipt ignored, no legal transition",
			"msg_id", msg.ID, "from", msg.Status, "to", receipt.Status)
		return nil
	}

	switch receipt.Status {
	case domain.StatusDelivered:
		moved, err := p.messages.TransitionStatus(ctx, msg.ID, msg.Status, domain.StatusDelivered, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("mark delivered: %w", err)
		}
		if !moved {
			p.log.Info("delivered transition lost race", "msg_id", msg.ID)
			return nil
		}
	case domain.StatusFailed:
		code := receipt.ErrorCode
		if code == "" {
			code = "CARRIER_FAILED"
		}
		if err := p.messages.RecordFailure(ctx, msg.ID, code, msg.RetryCount); err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
	}

	// Reconcile the provider-billed segments against the local estimate.
	if receipt.SegmentsBilled > 0 {
		if receipt.SegmentsBilled != msg.Segments {
			p.log.Warn("billed segment count differs from estimate",
				"msg_id", msg.ID, "estimated", msg.Segments, "billed", receipt.SegmentsBilled)
		}
		if err := p.messages.ReconcileBilling(ctx, msg.ID, receipt.SegmentsBilled, receipt.CostBilled); err != nil {
			return fmt.Errorf("reconcile billing: %w", err)
		}
	}

	p.log.Info("delivery receipt applied",
		"msg_id", msg.ID, "provider_ref", receipt.ProviderRef, "status", receipt.Status)
	return nil
}

// applyInbound records the handset-originated message and runs the opt-out
// extractor. The registry update completes inside this call, so it is
// visible to the compliance gate before any later admission decision.
func (p *Processor) applyInbound(ctx context.Context, inbound domain.InboundReceipt) error {
	campaign, err := p.campaigns.FindBySender(ctx, inbound.To)
	if err != nil {
		if errors.Is(err, domain.ErrCampaignNotFound) {
			return errUnknownRef
		}
		return fmt.Errorf("resolve campaign: %w", err)
	}

	msg := domain.NewInbound(campaign.ID, inbound.From, inbound.To, inbound.Body)
	if err := p.messages.SaveMessage(ctx, msg); err != nil {
		return fmt.Errorf("save inbound message: %w", err)
	}

	switch DetectKeyword(inbound.Body) {
	case ActionStop:
		entry := domain.OptOutEntry{
			Phone:      inbound.From,
			Scope:      domain.ScopeCampaign,
			CampaignID: campaign.ID,
			Method:     domain.MethodKeyword,
			CreatedAt:  time.Now().UTC(),
		}
		if campaign.GlobalOptOut {
			entry.Scope = domain.ScopeGlobal
			entry.CampaignID = uuid.Nil
		}
		if err := p.optouts.UpsertOptOut(ctx, entry); err != nil {
			return fmt.Errorf("record opt-out: %w", err)
		}
		p.log.Info("opt-out recorded", "phone", inbound.From, "scope", entry.Scope, "campaign_id", campaign.ID)

	case ActionStart:
		if err := p.optouts.ReleaseOptOut(ctx, inbound.From, domain.ScopeCampaign, campaign.ID); err != nil {
			return fmt.Errorf("release opt-out: %w", err)
		}
		if campaign.GlobalOptOut {
			if err := p.optouts.ReleaseOptOut(ctx, inbound.From, domain.ScopeGlobal, uuid.Nil); err != nil {
				return fmt.Errorf("release global opt-out: %w", err)
			}
		}
		p.log.Info("opt-out released", "phone", inbound.From, "campaign_id", campaign.ID)
	}

	return nil
}

// keyLocks serializes processing per message with striped mutexes.
const lockStripes = 64

type keyLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (k *keyLocks) lock(key string) func() {
	h := fnv.New32a()
	h.Write([]byte(key))
	m := &k.stripes[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}
