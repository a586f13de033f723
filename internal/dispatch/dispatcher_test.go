package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"sms-dispatch-engine/internal/domain"
	"sms-dispatch-engine/internal/ports"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedProvider returns the queued responses in order.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []error
	ref       string
	calls     int
}

func (p *scriptedProvider) Send(_ context.Context, _ domain.Message) (ports.SendResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.responses) == 0 {
		return ports.SendResult{ProviderRef: p.ref}, nil
	}
	err := p.responses[0]
	p.responses = p.responses[1:]
	if err != nil {
		return ports.SendResult{}, err
	}
	return ports.SendResult{ProviderRef: p.ref}, nil
}

// recordingRepo captures the repository mutations the dispatcher makes,
// with the same set-once ref and guarded-transition semantics as the store.
type recordingRepo struct {
	mu          sync.Mutex
	providerRef string
	status      domain.Status
	transitions [][2]domain.Status
	failCode    string
	failRetries int
}

func (r *recordingRepo) SaveMessage(context.Context, domain.Message) error { return nil }
func (r *recordingRepo) GetMessage(context.Context, uuid.UUID) (*domain.Message, error) {
	return nil, domain.ErrMessageNotFound
}
func (r *recordingRepo) GetMessageByProviderRef(context.Context, string) (*domain.Message, error) {
	return nil, domain.ErrMessageNotFound
}
func (r *recordingRepo) GetAdmittable(context.Context, int) ([]domain.Message, error) {
	return nil, nil
}
func (r *recordingRepo) TransitionStatus(_ context.Context, _ uuid.UUID, from, to domain.Status, _ time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != "" && r.status != from {
		return false, nil
	}
	r.status = to
	r.transitions = append(r.transitions, [2]domain.Status{from, to})
	return true, nil
}
func (r *recordingRepo) SetProviderRef(_ context.Context, _ uuid.UUID, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.providerRef == "" {
		r.providerRef = ref
	}
	return nil
}
func (r *recordingRepo) RecordFailure(_ context.Context, _ uuid.UUID, code string, retries int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failCode = code
	r.failRetries = retries
	return nil
}
func (r *recordingRepo) ReconcileBilling(context.Context, uuid.UUID, int, float64) error { return nil }

type attemptLog struct {
	mu       sync.Mutex
	attempts []ports.DispatchAttempt
}

func (a *attemptLog) RecordAttempt(_ context.Context, att ports.DispatchAttempt) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attempts = append(a.attempts, att)
	return nil
}

func newTestDispatcher(provider ports.SMSProvider, repo *recordingRepo, audit *attemptLog) *Dispatcher {
	d := NewDispatcher(provider, repo, audit, Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
		AttemptTimeout: time.Second,
	}, slog.Default())
	d.sleep = func(context.Context, time.Duration) error { return nil }
	return d
}

func queuedMessage() domain.Message {
	msg := domain.NewOutbound(uuid.New(), "+15550100", "+15551230002", "hello")
	msg.Status = domain.StatusQueued
	return msg
}

func TestDispatchSuccessAdvancesToSent(t *testing.T) {
	provider := &scriptedProvider{ref: "crr-123"}
	repo := &recordingRepo{}
	audit := &attemptLog{}

	err := newTestDispatcher(provider, repo, audit).Dispatch(context.Background(), queuedMessage())
	require.NoError(t, err)

	assert.Equal(t, "crr-123", repo.providerRef)
	require.Len(t, repo.transitions, 1)
	assert.Equal(t, [2]domain.Status{domain.StatusQueued, domain.StatusSent}, repo.transitions[0])
	require.Len(t, audit.attempts, 1)
	assert.Empty(t, audit.attempts[0].Err)
}

func TestDispatchRetriesTransientThenSucceeds(t *testing.T) {
	provider := &scriptedProvider{
		ref: "crr-456",
		responses: []error{
			&ports.ProviderError{Code: "CONNRESET", Transient: true},
			&ports.ProviderError{Code: "THROTTLED", Transient: true},
			nil,
		},
	}
	repo := &recordingRepo{}
	audit := &attemptLog{}

	err := newTestDispatcher(provider, repo, audit).Dispatch(context.Background(), queuedMessage())
	require.NoError(t, err)

	assert.Equal(t, 3, provider.calls)
	assert.Equal(t, "crr-456", repo.providerRef)
	require.Len(t, audit.attempts, 3)
	assert.True(t, audit.attempts[0].Transient)
	assert.True(t, audit.attempts[1].Transient)
}

func TestDispatchTransientExhaustion(t *testing.T) {
	provider := &scriptedProvider{
		responses: []error{
			&ports.ProviderError{Code: "TIMEOUT", Transient: true},
			&ports.ProviderError{Code: "TIMEOUT", Transient: true},
			&ports.ProviderError{Code: "TIMEOUT", Transient: true},
		},
	}
	repo := &recordingRepo{}
	audit := &attemptLog{}

	err := newTestDispatcher(provider, repo, audit).Dispatch(context.Background(), queuedMessage())
	require.NoError(t, err)

	assert.Equal(t, 3, provider.calls)
	assert.Equal(t, domain.FailureProviderTransientExhausted, repo.failCode)
	assert.Equal(t, 2, repo.failRetries)
	assert.Len(t, audit.attempts, 3)
}

func TestDispatchPermanentFailsImmediately(t *testing.T) {
	provider := &scriptedProvider{
		responses: []error{
			&ports.ProviderError{Code: "INVALID_DESTINATION", Transient: false},
		},
	}
	repo := &recordingRepo{}
	audit := &attemptLog{}

	err := newTestDispatcher(provider, repo, audit).Dispatch(context.Background(), queuedMessage())
	require.NoError(t, err)

	assert.Equal(t, 1, provider.calls)
	assert.Equal(t, domain.FailureProviderPermanent, repo.failCode)
	assert.Empty(t, repo.transitions)
}

func TestDispatchCancelledMidBackoffLeavesMessageQueued(t *testing.T) {
	provider := &scriptedProvider{
		responses: []error{&ports.ProviderError{Code: "TIMEOUT", Transient: true}},
	}
	repo := &recordingRepo{}
	d := newTestDispatcher(provider, repo, &attemptLog{})
	d.sleep = func(ctx context.Context, _ time.Duration) error { return context.Canceled }

	err := d.Dispatch(context.Background(), queuedMessage())
	require.Error(t, err)

	// No terminal state was recorded; the queue will redeliver.
	assert.Empty(t, repo.failCode)
	assert.Empty(t, repo.transitions)
}

func TestRedeliveryKeepsOriginalProviderRef(t *testing.T) {
	// A queue redelivery that reaches the provider a second time gets a
	// fresh ref from the carrier, but the stored correlation id must stay
	// the one the original receipt will arrive under.
	repo := &recordingRepo{}
	audit := &attemptLog{}
	msg := queuedMessage()

	first := &scriptedProvider{ref: "crr-original"}
	require.NoError(t, newTestDispatcher(first, repo, audit).Dispatch(context.Background(), msg))
	require.Equal(t, "crr-original", repo.providerRef)

	second := &scriptedProvider{ref: "crr-duplicate"}
	require.NoError(t, newTestDispatcher(second, repo, audit).Dispatch(context.Background(), msg))

	assert.Equal(t, "crr-original", repo.providerRef)
	// Only the first delivery moved the row to SENT.
	require.Len(t, repo.transitions, 1)
	assert.Equal(t, [2]domain.Status{domain.StatusQueued, domain.StatusSent}, repo.transitions[0])
}
