package postgres

import (
	"context"
	"fmt"

	"sms-dispatch-engine/internal/domain"

	"github.com/google/uuid"
)

// UpsertOptOut creates or refreshes the suppression entry for (phone, scope).
func (r *Repository) UpsertOptOut(ctx context.Context, e domain.OptOutEntry) error {
	const q = `
		INSERT INTO opt_outs (phone, scope, campaign_id, method, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (phone, scope, campaign_id)
		DO UPDATE SET method = EXCLUDED.method,
		              created_at = EXCLUDED.created_at,
		              expires_at = EXCLUDED.expires_at
	`
	_, err := r.db.ExecContext(ctx, q, e.Phone, e.Scope, e.CampaignID, e.Method, e.CreatedAt, e.ExpiresAt)
	if err != nil {
		return fmt.Errorf("upsert opt-out: %w", err)
	}
	return nil
}

// ReleaseOptOut removes the matching suppression entry.
func (r *Repository) ReleaseOptOut(ctx context.Context, phone string, scope domain.OptOutScope, campaignID uuid.UUID) error {
	const q = `DELETE FROM opt_outs WHERE phone = $1 AND scope = $2 AND campaign_id = $3`
	if _, err := r.db.ExecContext(ctx, q, phone, scope, campaignID); err != nil {
		return fmt.Errorf("release opt-out: %w", err)
	}
	return nil
}

// IsOptedOut reports whether an active, unexpired entry suppresses the
// (phone, campaign) pair, considering both campaign and global scope.
func (r *Repository) IsOptedOut(ctx context.Context, phone string, campaignID uuid.UUID) (bool, error) {
	const q = `
		SELECT EXISTS (
			SELECT 1 FROM opt_outs
			WHERE phone = $1
			  AND (expires_at IS NULL OR expires_at > NOW())
			  AND (
				(scope = 'campaign' AND campaign_id = $2)
				OR scope = 'global'
			  )
		)
	`
	var optedOut bool
	if err := r.db.QueryRowContext(ctx, q, phone, campaignID).Scan(&optedOut); err != nil {
		return false, fmt.Errorf("opt-out lookup: %w", err)
	}
	return optedOut, nil
}
