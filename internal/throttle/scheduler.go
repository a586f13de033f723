// Package throttle implements the per-campaign throughput scheduler: a
// continuously refilling token bucket sized by the campaign's trust-score
// derived rate, plus daily and monthly counters that reset at campaign-local
// boundaries.
//
// When a RateLimiterStore is configured it is the single source of truth:
// every consume loads the stored state, refills it, and writes it back with
// a compare-and-save, so any number of processes admitting for the same
// campaign share one bucket. Without a store the bucket lives in memory and
// consumption is linearized under the bucket mutex instead.
package throttle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"sms-dispatch-engine/internal/domain"
	"sms-dispatch-engine/internal/ports"

	"github.com/google/uuid"
)

var (
	// ErrBackpressure means no token became available within the caller's
	// timeout. No token was consumed; the caller may retry later.
	ErrBackpressure = errors.New("backpressure: no token available")

	// ErrCapExhausted means the campaign's daily or monthly cap is spent.
	// Token availability is irrelevant until the boundary resets.
	ErrCapExhausted = errors.New("campaign cap exhausted")

	// ErrNotRegistered means the campaign has no live bucket.
	ErrNotRegistered = errors.New("campaign not registered with scheduler")
)

const (
	dayKeyLayout   = "2006-01-02"
	monthKeyLayout = "2006-01"
)

// Limits parameterizes one campaign's bucket.
type Limits struct {
	Rate       float64 // Tokens per second
	Burst      int     // Bucket capacity
	DailyCap   int     // 0 means uncapped
	MonthlyCap int     // 0 means uncapped
	Location   *time.Location
}

// LimitsFor derives bucket limits from a campaign projection.
func LimitsFor(c domain.Campaign) Limits {
	burst := c.Burst
	if burst <= 0 {
		burst = 1
	}
	return Limits{
		Rate:       c.RatePerSecond,
		Burst:      burst,
		DailyCap:   c.DailyCap,
		MonthlyCap: c.MonthlyCap,
		Location:   c.Location(),
	}
}

// bucket holds one campaign's limits and, when no store is configured, the
// authoritative token state. With a store the embedded state is only a
// cache for wait estimation; the stored row decides who gets a token.
type bucket struct {
	mu      sync.Mutex
	limits  Limits
	pending *Limits // Staged rate change, applied at the next refill cycle

	state ports.RateLimiterState
}

// Scheduler owns the bucket registry. Buckets are created on campaign
// activation and torn down on deletion, never mutated from arbitrary
// call sites.
type Scheduler struct {
	mu      sync.RWMutex
	buckets map[uuid.UUID]*bucket
	store   ports.RateLimiterStore
	log     *slog.Logger

	// Now is injectable for tests and defaults to time.Now UTC.
	Now func() time.Time
}

// NewScheduler creates an empty scheduler. A nil store keeps all bucket
// state in memory.
func NewScheduler(store ports.RateLimiterStore, log *slog.Logger) *Scheduler {
	return &Scheduler{
		buckets: make(map[uuid.UUID]*bucket),
		store:   store,
		log:     log,
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

// Register creates (or refreshes) the bucket for a campaign. A fresh bucket
// starts full; with a store configured, persisted counters take effect on
// the first consume because every consume reads through the store.
func (s *Scheduler) Register(ctx context.Context, campaign domain.Campaign) error {
	limits := LimitsFor(campaign)
	now := s.Now()

	b := &bucket{
		limits: limits,
		state:  freshState(campaign.ID, limits, now),
	}

	s.mu.Lock()
	s.buckets[campaign.ID] = b
	s.mu.Unlock()

	s.log.Info("rate limiter registered",
		"campaign_id", campaign.ID, "rate", limits.Rate, "burst", limits.Burst)
	return nil
}

// Deregister tears the bucket down. With a store configured nothing needs
// flushing; every consume already persisted its state.
func (s *Scheduler) Deregister(campaignID uuid.UUID) {
	s.mu.Lock()
	_, ok := s.buckets[campaignID]
	delete(s.buckets, campaignID)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.log.Info("rate limiter deregistered", "campaign_id", campaignID)
}

// UpdateLimits stages a trust-score rate change. It takes effect at the
// next refill cycle; tokens already accrued are not clawed back.
func (s *Scheduler) UpdateLimits(campaignID uuid.UUID, limits Limits) error {
	s.mu.RLock()
	b, ok := s.buckets[campaignID]
	s.mu.RUnlock()
	if !ok {
		return ErrNotRegistered
	}

	b.mu.Lock()
	if limits.Location == nil {
		limits.Location = b.limits.Location
	}
	b.pending = &limits
	b.mu.Unlock()
	return nil
}

type attemptOutcome int

const (
	outcomeAdmitted attemptOutcome = iota
	outcomeThrottled
	outcomeConflict
)

// Admit attempts to consume one token for the campaign, suspending the
// caller up to timeout while the bucket refills. On ErrBackpressure or
// context cancellation no token is consumed and nothing changes.
func (s *Scheduler) Admit(ctx context.Context, campaignID uuid.UUID, timeout time.Duration) error {
	s.mu.RLock()
	b, ok := s.buckets[campaignID]
	s.mu.RUnlock()
	if !ok {
		return ErrNotRegistered
	}

	deadline := s.Now().Add(timeout)

	for {
		now := s.Now()
		outcome, wait, err := s.attempt(ctx, campaignID, b, now)
		if err != nil {
			return err
		}
		switch outcome {
		case outcomeAdmitted:
			return nil
		case outcomeConflict:
			// Another process advanced the stored state; reload and retry.
			continue
		}

		remaining := deadline.Sub(now)
		if remaining <= 0 || wait <= 0 {
			return ErrBackpressure
		}
		if wait > remaining {
			// The token cannot arrive inside the budget; waiting out the
			// remainder keeps cancellation semantics uniform.
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ErrBackpressure
		case <-timer.C:
		}
	}
}

// attempt makes one consume pass. In-memory buckets consume under the
// bucket mutex; store-backed buckets consume with a load plus
// compare-and-save against the shared row.
func (s *Scheduler) attempt(ctx context.Context, campaignID uuid.UUID, b *bucket, now time.Time) (attemptOutcome, time.Duration, error) {
	b.mu.Lock()
	if b.pending != nil {
		b.limits = *b.pending
		b.pending = nil
	}
	limits := b.limits

	if s.store == nil {
		defer b.mu.Unlock()
		refillState(&b.state, limits, now)
		if capExhausted(b.state, limits) {
			return 0, 0, ErrCapExhausted
		}
		if b.state.Tokens >= 1 {
			consume(&b.state, now)
			return outcomeAdmitted, 0, nil
		}
		return outcomeThrottled, timeToNextToken(b.state, limits), nil
	}
	b.mu.Unlock()

	loaded, err := s.store.LoadRateLimiterState(ctx, campaignID)
	if err != nil {
		return 0, 0, err
	}
	st := freshState(campaignID, limits, now)
	var expected time.Time
	if loaded != nil {
		st = *loaded
		expected = loaded.UpdatedAt
	}

	refillState(&st, limits, now)
	if capExhausted(st, limits) {
		return 0, 0, ErrCapExhausted
	}
	if st.Tokens < 1 {
		return outcomeThrottled, timeToNextToken(st, limits), nil
	}

	consume(&st, now)
	ok, err := s.store.CompareAndSaveRateLimiterState(ctx, st, expected)
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		return outcomeConflict, 0, nil
	}

	b.mu.Lock()
	b.state = st
	b.mu.Unlock()
	return outcomeAdmitted, 0, nil
}

// Usage reports the current day/month consumption for a campaign. With a
// store configured it reads the shared row so counters consumed by other
// processes are visible.
func (s *Scheduler) Usage(ctx context.Context, campaignID uuid.UUID) (day, month int, err error) {
	s.mu.RLock()
	b, ok := s.buckets[campaignID]
	s.mu.RUnlock()
	if !ok {
		return 0, 0, ErrNotRegistered
	}

	b.mu.Lock()
	limits := b.limits
	st := b.state
	b.mu.Unlock()

	if s.store != nil {
		loaded, err := s.store.LoadRateLimiterState(ctx, campaignID)
		if err != nil {
			return 0, 0, err
		}
		if loaded == nil {
			return 0, 0, nil
		}
		st = *loaded
	}

	// Counters for an expired boundary read as zero without being written
	// back; the next consume rolls them over.
	local := s.Now().In(limits.Location)
	if st.DayKey == local.Format(dayKeyLayout) {
		day = st.DayCount
	}
	if st.MonthKey == local.Format(monthKeyLayout) {
		month = st.MonthCount
	}
	return day, month, nil
}

func freshState(campaignID uuid.UUID, limits Limits, now time.Time) ports.RateLimiterState {
	local := now.In(limits.Location)
	return ports.RateLimiterState{
		CampaignID: campaignID,
		Tokens:     float64(limits.Burst),
		LastRefill: now,
		DayKey:     local.Format(dayKeyLayout),
		MonthKey:   local.Format(monthKeyLayout),
	}
}

// refillState credits elapsed refill and rolls the cap counters across
// campaign-local boundaries.
func refillState(st *ports.RateLimiterState, limits Limits, now time.Time) {
	elapsed := now.Sub(st.LastRefill).Seconds()
	if elapsed > 0 {
		capacity := float64(limits.Burst)
		tokens := st.Tokens + elapsed*limits.Rate
		// A rate downgrade can leave more tokens than the new capacity;
		// those are spent down, never invalidated.
		ceiling := capacity
		if st.Tokens > ceiling {
			ceiling = st.Tokens
		}
		if tokens > ceiling {
			tokens = ceiling
		}
		st.Tokens = tokens
		st.LastRefill = now
	}

	local := now.In(limits.Location)
	if key := local.Format(dayKeyLayout); key != st.DayKey {
		st.DayKey = key
		st.DayCount = 0
	}
	if key := local.Format(monthKeyLayout); key != st.MonthKey {
		st.MonthKey = key
		st.MonthCount = 0
	}
}

func consume(st *ports.RateLimiterState, now time.Time) {
	st.Tokens--
	st.DayCount++
	st.MonthCount++
	// UpdatedAt doubles as the compare-and-save version stamp, so it must
	// strictly advance even when the clock has not. Microsecond steps stay
	// within timestamp column resolution.
	if !now.After(st.UpdatedAt) {
		now = st.UpdatedAt.Add(time.Microsecond)
	}
	st.UpdatedAt = now
}

func capExhausted(st ports.RateLimiterState, limits Limits) bool {
	if limits.DailyCap > 0 && st.DayCount >= limits.DailyCap {
		return true
	}
	if limits.MonthlyCap > 0 && st.MonthCount >= limits.MonthlyCap {
		return true
	}
	return false
}

// timeToNextToken estimates how long until one whole token is available.
func timeToNextToken(st ports.RateLimiterState, limits Limits) time.Duration {
	if limits.Rate <= 0 {
		return 0
	}
	deficit := 1 - st.Tokens
	if deficit <= 0 {
		return time.Nanosecond
	}
	return time.Duration(deficit / limits.Rate * float64(time.Second))
}
