package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"sms-dispatch-engine/internal/ports"

	"github.com/google/uuid"
)

// LoadRateLimiterState returns the persisted bucket state for a campaign,
// or nil when none exists yet.
func (r *Repository) LoadRateLimiterState(ctx context.Context, campaignID uuid.UUID) (*ports.RateLimiterState, error) {
	const q = `
		SELECT campaign_id, tokens, last_refill, day_key, day_count, month_key, month_count, updated_at
		FROM rate_limiter_states
		WHERE campaign_id = $1
	`
	var s ports.RateLimiterState
	err := r.db.QueryRowContext(ctx, q, campaignID).Scan(
		&s.CampaignID, &s.Tokens, &s.LastRefill, &s.DayKey, &s.DayCount, &s.MonthKey, &s.MonthCount, &s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load rate limiter state: %w", err)
	}
	return &s, nil
}

// CompareAndSaveRateLimiterState writes the bucket state only when the
// stored row still carries the updated_at the caller loaded it with. Every
// process consuming tokens for a campaign races through this row, so a
// false return means the state moved underneath the caller.
func (r *Repository) CompareAndSaveRateLimiterState(ctx context.Context, s ports.RateLimiterState, expected time.Time) (bool, error) {
	if expected.IsZero() {
		const q = `
			INSERT INTO rate_limiter_states (campaign_id, tokens, last_refill, day_key, day_count, month_key, month_count, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (campaign_id) DO NOTHING
		`
		res, err := r.db.ExecContext(ctx, q,
			s.CampaignID, s.Tokens, s.LastRefill, s.DayKey, s.DayCount, s.MonthKey, s.MonthCount, s.UpdatedAt,
		)
		if err != nil {
			return false, fmt.Errorf("insert rate limiter state: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("insert rate limiter state: %w", err)
		}
		return n == 1, nil
	}

	const q = `
		UPDATE rate_limiter_states
		SET tokens = $2, last_refill = $3, day_key = $4, day_count = $5, month_key = $6, month_count = $7, updated_at = $8
		WHERE campaign_id = $1 AND updated_at = $9
	`
	res, err := r.db.ExecContext(ctx, q,
		s.CampaignID, s.Tokens, s.LastRefill, s.DayKey, s.DayCount, s.MonthKey, s.MonthCount, s.UpdatedAt, expected,
	)
	if err != nil {
		return false, fmt.Errorf("update rate limiter state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update rate limiter state: %w", err)
	}
	return n == 1, nil
}
