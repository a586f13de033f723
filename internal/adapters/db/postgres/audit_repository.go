package postgres

import (
	"context"
	"fmt"

	"sms-dispatch-engine/internal/ports"
)

// RecordAdmission appends one compliance-gate decision to the audit trail.
func (r *Repository) RecordAdmission(ctx context.Context, rec ports.AdmissionRecord) error {
	const q = `
		INSERT INTO admission_audit (message_id, campaign_id, to_number, allowed, reason, decided_at)
		VALUES ($1, $2, $3, $4, NULLIF($5,''), $6)
	`
	_, err := r.db.ExecContext(ctx, q,
		rec.MessageID, rec.CampaignID, rec.To, rec.Allowed, rec.Reason, rec.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("record admission: %w", err)
	}
	return nil
}

// RecordAttempt appends one provider call to the dispatch audit trail.
func (r *Repository) RecordAttempt(ctx context.Context, a ports.DispatchAttempt) error {
	const q = `
		INSERT INTO dispatch_attempts (message_id, attempt, provider_ref, error, transient, started_at, duration_ms)
		VALUES ($1, $2, NULLIF($3,''), NULLIF($4,''), $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, q,
		a.MessageID, a.Attempt, a.ProviderRef, a.Err, a.Transient, a.StartedAt, a.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("record dispatch attempt: %w", err)
	}
	return nil
}
