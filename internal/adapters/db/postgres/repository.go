// Package postgres implements the engine's persistence ports over
// database/sql with the lib/pq driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"sms-dispatch-engine/internal/domain"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// Repository implements the message, opt-out, webhook-ledger, rate-limiter,
// campaign-directory and audit ports using PostgreSQL.
type Repository struct {
	db *sql.DB
}

// New opens a PostgreSQL connection pool and returns a Repository.
func New(dsn string) (*Repository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Repository{db: db}, nil
}

// Close closes the underlying database connection pool.
func (r *Repository) Close() error {
	return r.db.Close()
}

const messageColumns = `
	id, campaign_id, direction, from_number, to_number, body,
	encoding, segments, cost, COALESCE(provider_ref,''), status,
	COALESCE(failure_code,''), retry_count, created_at, sent_at, delivered_at, updated_at
`

// SaveMessage inserts a new message row.
func (r *Repository) SaveMessage(ctx context.Context, m domain.Message) error {
	const q = `
		INSERT INTO messages (
			id, campaign_id, direction, from_number, to_number, body,
			encoding, segments, cost, provider_ref, status,
			failure_code, retry_count, created_at, sent_at, delivered_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10,''), $11, NULLIF($12,''), $13, $14, $15, $16, $17)
	`
	_, err := r.db.ExecContext(ctx, q,
		m.ID, m.CampaignID, m.Direction, m.From, m.To, m.Body,
		m.Encoding, m.Segments, m.Cost, m.ProviderRef, m.Status,
		m.FailureCode, m.RetryCount, m.CreatedAt, m.SentAt, m.DeliveredAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// GetMessage retrieves a message by internal id.
func (r *Repository) GetMessage(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	q := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`
	return r.scanMessage(r.db.QueryRowContext(ctx, q, id))
}

// GetMessageByProviderRef retrieves a message by carrier correlation id.
func (r *Repository) GetMessageByProviderRef(ctx context.Context, ref string) (*domain.Message, error) {
	q := `SELECT ` + messageColumns + ` FROM messages WHERE provider_ref = $1`
	return r.scanMessage(r.db.QueryRowContext(ctx, q, ref))
}

func (r *Repository) scanMessage(row *sql.Row) (*domain.Message, error) {
	var m domain.Message
	var direction, status string
	err := row.Scan(
		&m.ID, &m.CampaignID, &direction, &m.From, &m.To, &m.Body,
		&m.Encoding, &m.Segments, &m.Cost, &m.ProviderRef, &status,
		&m.FailureCode, &m.RetryCount, &m.CreatedAt, &m.SentAt, &m.DeliveredAt, &m.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	m.Direction = domain.Direction(direction)
	m.Status = domain.Status(status)
	return &m, nil
}

// GetAdmittable returns up to limit outbound messages still awaiting
// throughput admission, oldest first, skipping rows another poller holds.
// The row locks need an explicit transaction; outside one they would be
// released at statement end.
func (r *Repository) GetAdmittable(ctx context.Context, limit int) ([]domain.Message, error) {
	q := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE status = $1 AND direction = $2
		ORDER BY created_at ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	`
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin admittable tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, q, domain.StatusCreated, domain.DirectionOutbound, limit)
	if err != nil {
		return nil, fmt.Errorf("query admittable: %w", err)
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		var direction, status string
		if err := rows.Scan(
			&m.ID, &m.CampaignID, &direction, &m.From, &m.To, &m.Body,
			&m.Encoding, &m.Segments, &m.Cost, &m.ProviderRef, &status,
			&m.FailureCode, &m.RetryCount, &m.CreatedAt, &m.SentAt, &m.DeliveredAt, &m.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Direction = domain.Direction(direction)
		m.Status = domain.Status(status)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit admittable tx: %w", err)
	}
	return msgs, nil
}

// TransitionStatus moves a message forward, guarded on the expected current
// status so duplicate or racing transitions fall through harmlessly.
func (r *Repository) TransitionStatus(ctx context.Context, id uuid.UUID, from, to domain.Status, at time.Time) (bool, error) {
	const q = `
		UPDATE messages
		SET status = $1,
		    sent_at = CASE WHEN $1 = 'sent' THEN $2 ELSE sent_at END,
		    delivered_at = CASE WHEN $1 = 'delivered' THEN $2 ELSE delivered_at END,
		    updated_at = $2
		WHERE id = $3 AND status = $4
	`
	res, err := r.db.ExecContext(ctx, q, to, at, id, from)
	if err != nil {
		return false, fmt.Errorf("transition status: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// SetProviderRef stores the carrier correlation id on a message. The ref is
// set once: a queue redelivery that reaches the provider again must not
// overwrite the id the original receipt will arrive under.
func (r *Repository) SetProviderRef(ctx context.Context, id uuid.UUID, ref string) error {
	const q = `UPDATE messages SET provider_ref = $1, updated_at = $2 WHERE id = $3 AND provider_ref IS NULL`
	if _, err := r.db.ExecContext(ctx, q, ref, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("set provider ref: %w", err)
	}
	return nil
}

// RecordFailure marks a message terminally failed with its failure code.
// Already-terminal rows are left untouched.
func (r *Repository) RecordFailure(ctx context.Context, id uuid.UUID, code string, retries int) error {
	const q = `
		UPDATE messages
		SET status = $1, failure_code = $2, retry_count = $3, updated_at = $4
		WHERE id = $5 AND status NOT IN ('delivered', 'failed', 'received')
	`
	if _, err := r.db.ExecContext(ctx, q, domain.StatusFailed, code, retries, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	return nil
}

// ReconcileBilling stores the provider-reported segment count and cost.
func (r *Repository) ReconcileBilling(ctx context.Context, id uuid.UUID, segments int, cost float64) error {
	const q = `
		UPDATE messages
		SET billed_segments = $1, billed_cost = $2, updated_at = $3
		WHERE id = $4
	`
	if _, err := r.db.ExecContext(ctx, q, segments, cost, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("reconcile billing: %w", err)
	}
	return nil
}
