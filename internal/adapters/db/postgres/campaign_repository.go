package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"sms-dispatch-engine/internal/domain"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// The campaigns table is owned by the registration subsystem; this adapter
// only ever reads from it.

const campaignColumns = `
	id, name, status, use_case, rate_per_second, burst, daily_cap, monthly_cap,
	quiet_exempt, global_opt_out, authorized_categories, timezone, per_segment_rate,
	sender_number, created_at
`

// GetCampaign retrieves a campaign projection by id.
func (r *Repository) GetCampaign(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	q := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`
	return r.scanCampaign(r.db.QueryRowContext(ctx, q, id))
}

// FindBySender resolves the campaign that owns a 10DLC sending number.
func (r *Repository) FindBySender(ctx context.Context, number string) (*domain.Campaign, error) {
	q := `SELECT ` + campaignColumns + ` FROM campaigns WHERE sender_number = $1`
	return r.scanCampaign(r.db.QueryRowContext(ctx, q, number))
}

// ListActiveCampaigns returns every active campaign. The API process walks
// this at startup to register rate limiters.
func (r *Repository) ListActiveCampaigns(ctx context.Context) ([]domain.Campaign, error) {
	q := `SELECT ` + campaignColumns + ` FROM campaigns WHERE status = $1`
	rows, err := r.db.QueryContext(ctx, q, string(domain.CampaignActive))
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		var c domain.Campaign
		var status, useCase string
		var categories pq.StringArray
		err := rows.Scan(
			&c.ID, &c.Name, &status, &useCase, &c.RatePerSecond, &c.Burst, &c.DailyCap, &c.MonthlyCap,
			&c.QuietExempt, &c.GlobalOptOut, &categories, &c.Timezone, &c.PerSegmentRate,
			&c.SenderNumber, &c.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		c.Status = domain.CampaignStatus(status)
		c.UseCase = domain.UseCase(useCase)
		for _, cat := range categories {
			c.AuthorizedFor = append(c.AuthorizedFor, domain.ContentCategory(cat))
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *Repository) scanCampaign(row *sql.Row) (*domain.Campaign, error) {
	var c domain.Campaign
	var status, useCase string
	var categories pq.StringArray
	err := row.Scan(
		&c.ID, &c.Name, &status, &useCase, &c.RatePerSecond, &c.Burst, &c.DailyCap, &c.MonthlyCap,
		&c.QuietExempt, &c.GlobalOptOut, &categories, &c.Timezone, &c.PerSegmentRate,
		&c.SenderNumber, &c.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrCampaignNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan campaign: %w", err)
	}
	c.Status = domain.CampaignStatus(status)
	c.UseCase = domain.UseCase(useCase)
	for _, cat := range categories {
		c.AuthorizedFor = append(c.AuthorizedFor, domain.ContentCategory(cat))
	}
	return &c, nil
}
