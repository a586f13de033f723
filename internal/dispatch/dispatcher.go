// Package dispatch submits admitted messages to the carrier, classifying
// failures and retrying transient ones with exponential backoff.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sms-dispatch-engine/internal/domain"
	"sms-dispatch-engine/internal/ports"
)

// Config bounds the retry behaviour of a Dispatcher.
type Config struct {
	MaxAttempts    int           // Total provider calls per message
	InitialBackoff time.Duration // Doubled after each transient failure
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration // Per-call bound; expiry counts as transient
}

// DefaultConfig matches carrier guidance for 10DLC submission retries.
var DefaultConfig = Config{
	MaxAttempts:    4,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     10 * time.Second,
	AttemptTimeout: 10 * time.Second,
}

// Dispatcher drives one message through the provider send contract and
// records the provisional outcome on the message row.
type Dispatcher struct {
	provider ports.SMSProvider
	repo     ports.MessageRepository
	audit    ports.DispatchAuditStore
	cfg      Config
	log      *slog.Logger

	// sleep is injectable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDispatcher wires a Dispatcher with its dependencies.
func NewDispatcher(provider ports.SMSProvider, repo ports.MessageRepository, audit ports.DispatchAuditStore, cfg Config, log *slog.Logger) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig.MaxBackoff
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultConfig.AttemptTimeout
	}
	return &Dispatcher{
		provider: provider,
		repo:     repo,
		audit:    audit,
		cfg:      cfg,
		log:      log,
		sleep:    sleepCtx,
	}
}

// Dispatch sends a queued message. On acceptance the message advances
// QUEUED→SENT with the carrier's correlation id. Transient failures retry
// up to the attempt budget before failing terminally; permanent failures
// fail immediately. Every attempt is recorded for audit.
func (d *Dispatcher) Dispatch(ctx context.Context, msg domain.Message) error {
	backoff := d.cfg.InitialBackoff

	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		result, err := d.attempt(ctx, msg, attempt)
		if err == nil {
			return d.markSent(ctx, msg, result.ProviderRef)
		}

		var perr *ports.ProviderError
		if !errors.As(err, &perr) || !perr.Transient {
			d.log.Warn("permanent dispatch failure",
				"msg_id", msg.ID, "attempt", attempt, "err", err)
			return d.markFailed(ctx, msg, domain.FailureProviderPermanent, attempt)
		}

		d.log.Warn("transient dispatch failure",
			"msg_id", msg.ID, "attempt", attempt, "backoff", backoff, "err", err)

		if attempt == d.cfg.MaxAttempts {
			break
		}
		if err := d.sleep(ctx, backoff); err != nil {
			// Shutdown mid-retry: leave the message queued for redelivery.
			return fmt.Errorf("dispatch interrupted: %w", err)
		}
		backoff *= 2
		if backoff > d.cfg.MaxBackoff {
			backoff = d.cfg.MaxBackoff
		}
	}

	return d.markFailed(ctx, msg, domain.FailureProviderTransientExhausted, d.cfg.MaxAttempts)
}

// attempt makes one bounded provider call and records it for audit.
func (d *Dispatcher) attempt(ctx context.Context, msg domain.Message, attempt int) (ports.SendResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()

	started := time.Now().UTC()
	result, err := d.provider.Send(callCtx, msg)
	elapsed := time.Since(started)

	record := ports.DispatchAttempt{
		MessageID:   msg.ID,
		Attempt:     attempt,
		ProviderRef: result.ProviderRef,
		StartedAt:   started,
		Duration:    elapsed,
	}
	if err != nil {
		record.Err = err.Error()
		var perr *ports.ProviderError
		record.Transient = errors.As(err, &perr) && perr.Transient
		// A deadline expiry never reached classification; treat as transient.
		if errors.Is(err, context.DeadlineExceeded) {
			record.Transient = true
			err = &ports.ProviderError{Code: "TIMEOUT", Transient: true, Err: err}
		}
	}
	if auditErr := d.audit.RecordAttempt(ctx, record); auditErr != nil {
		d.log.Error("record dispatch attempt failed", "msg_id", msg.ID, "err", auditErr)
	}

	return result, err
}

func (d *Dispatcher) markSent(ctx context.Context, msg domain.Message, providerRef string) error {
	// The store keeps the first ref it sees; a redelivered message that
	// reached the provider twice must stay correlated to the original
	// receipt, not the duplicate's.
	if err := d.repo.SetProviderRef(ctx, msg.ID, providerRef); err != nil {
		return fmt.Errorf("set provider ref: %w", err)
	}
	moved, err := d.repo.TransitionStatus(ctx, msg.ID, domain.StatusQueued, domain.StatusSent, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if !moved {
		// Redelivered queue message for an already-advanced row; harmless.
		d.log.Info("sent transition skipped", "msg_id", msg.ID)
		return nil
	}
	d.log.Info("message sent", "msg_id", msg.ID, "provider_ref", providerRef)
	return nil
}

func (d *Dispatcher) markFailed(ctx context.Context, msg domain.Message, code string, attempts int) error {
	if err := d.repo.RecordFailure(ctx, msg.ID, code, attempts-1); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	d.log.Info("message failed", "msg_id", msg.ID, "code", code, "attempts", attempts)
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
