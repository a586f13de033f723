package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"sms-dispatch-engine/internal/ports"
)

// Claim records an event on first sight. The event_id primary key makes
// the ledger write-once: an insert conflict means the event was seen
// before, and the processed flag tells duplicates from retryable retries.
func (r *Repository) Claim(ctx context.Context, eventID string, payload []byte, signature string) (ports.ClaimState, error) {
	const insert = `
		INSERT INTO webhook_events (event_id, payload, signature, processed, dead, retry_count, received_at)
		VALUES ($1, $2, $3, FALSE, FALSE, 0, $4)
		ON CONFLICT (event_id) DO NOTHING
	`
	res, err := r.db.ExecContext(ctx, insert, eventID, payload, signature, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("claim event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return ports.ClaimNew, nil
	}

	var processed bool
	const check = `SELECT processed FROM webhook_events WHERE event_id = $1`
	if err := r.db.QueryRowContext(ctx, check, eventID).Scan(&processed); err != nil {
		if err == sql.ErrNoRows {
			// Row vanished between insert and read; treat as fresh.
			return ports.ClaimNew, nil
		}
		return 0, fmt.Errorf("check event: %w", err)
	}
	if processed {
		return ports.ClaimProcessed, nil
	}
	return ports.ClaimRetry, nil
}

// MarkProcessed flips the write-once processed flag.
func (r *Repository) MarkProcessed(ctx context.Context, eventID string, at time.Time) error {
	const q = `
		UPDATE webhook_events
		SET processed = TRUE, processed_at = $1
		WHERE event_id = $2 AND NOT processed
	`
	if _, err := r.db.ExecContext(ctx, q, at, eventID); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// MarkFailed bumps the retry counter with the failure cause.
func (r *Repository) MarkFailed(ctx context.Context, eventID string, cause string) error {
	const q = `
		UPDATE webhook_events
		SET retry_count = retry_count + 1, last_error = $1
		WHERE event_id = $2
	`
	if _, err := r.db.ExecContext(ctx, q, cause, eventID); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// DeadLetter parks the event for manual review; it stays queryable but is
// never reprocessed automatically.
func (r *Repository) DeadLetter(ctx context.Context, eventID string, cause string) error {
	const q = `
		UPDATE webhook_events
		SET dead = TRUE, last_error = $1
		WHERE event_id = $2
	`
	if _, err := r.db.ExecContext(ctx, q, cause, eventID); err != nil {
		return fmt.Errorf("dead-letter event: %w", err)
	}
	return nil
}
