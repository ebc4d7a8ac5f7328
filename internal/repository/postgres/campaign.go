// Package postgres implements the service repositories on PostgreSQL via
// database/sql and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/service/campaign"
)

// CampaignRepo implements campaign.Repository against PostgreSQL.
type CampaignRepo struct{ db *sql.DB }

// NewCampaignRepo creates a Postgres-backed campaign repository.
func NewCampaignRepo(db *sql.DB) *CampaignRepo { return &CampaignRepo{db: db} }

const campaignColumns = `id, organization_id, COALESCE(list_id::text, ''), name, subject, from_name, from_email,
	reply_to, html_content, text_content, status,
	include_segment_ids::text[], exclude_segment_ids::text[], is_ab_test, ab_test, winner_variant_id::text,
	scheduled_at, batch_generation, percent_complete,
	total_recipients, sent_count, delivered_count, open_count, click_count,
	bounce_count, complaint_count, unsubscribe_count, failed_count,
	started_at, completed_at, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCampaign(row scanner) (*domain.Campaign, error) {
	var (
		c       domain.Campaign
		abTest  []byte
		winner  sql.NullString
		include []string
		exclude []string
	)
	err := row.Scan(
		&c.ID, &c.OrganizationID, &c.ListID, &c.Name, &c.Subject, &c.FromName, &c.FromEmail,
		&c.ReplyTo, &c.HTMLContent, &c.TextContent, &c.Status,
		pq.Array(&include), pq.Array(&exclude), &c.IsABTest, &abTest, &winner,
		&c.ScheduledAt, &c.BatchGeneration, &c.PercentComplete,
		&c.TotalRecipients, &c.SentCount, &c.DeliveredCount, &c.OpenCount, &c.ClickCount,
		&c.BounceCount, &c.ComplaintCount, &c.UnsubscribeCount, &c.FailedCount,
		&c.StartedAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.IncludeSegmentIDs = include
	c.ExcludeSegmentIDs = exclude
	if winner.Valid {
		c.WinnerVariantID = &winner.String
	}
	if len(abTest) > 0 && string(abTest) != "null" {
		c.ABTest = &domain.ABTestConfig{}
		if err := json.Unmarshal(abTest, c.ABTest); err != nil {
			return nil, fmt.Errorf("decode ab_test: %w", err)
		}
	}
	return &c, nil
}

func (r *CampaignRepo) Get(ctx context.Context, orgID, id string) (*domain.Campaign, error) {
	c, err := scanCampaign(r.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM mailing_campaigns WHERE id = $1 AND organization_id = $2`,
		id, orgID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

func (r *CampaignRepo) List(ctx context.Context, orgID string, f campaign.ListFilter) ([]domain.Campaign, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	where := ` WHERE organization_id = $1`
	args := []interface{}{orgID}
	if f.Status != "" {
		args = append(args, f.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		where += fmt.Sprintf(" AND name ILIKE $%d", len(args))
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mailing_campaigns`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count campaigns: %w", err)
	}

	q := `SELECT ` + campaignColumns + ` FROM mailing_campaigns` + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	rows, err := r.db.QueryContext(ctx, q, append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, *c)
	}
	return out, total, rows.Err()
}

func nullUUID(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func abTestJSON(cfg *domain.ABTestConfig) (interface{}, error) {
	if cfg == nil {
		return nil, nil
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (r *CampaignRepo) Create(ctx context.Context, c *domain.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	ab, err := abTestJSON(c.ABTest)
	if err != nil {
		return fmt.Errorf("encode ab_test: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO mailing_campaigns
			(id, organization_id, list_id, name, subject, from_name, from_email, reply_to,
			 html_content, text_content, status, include_segment_ids, exclude_segment_ids,
			 is_ab_test, ab_test, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::uuid[], $13::uuid[], $14, $15, $16, $16)
	`, c.ID, c.OrganizationID, nullUUID(c.ListID), c.Name, c.Subject, c.FromName, c.FromEmail, c.ReplyTo,
		c.HTMLContent, c.TextContent, c.Status, pq.Array(c.IncludeSegmentIDs), pq.Array(c.ExcludeSegmentIDs),
		c.IsABTest, ab, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("create campaign: %w", err)
	}
	return nil
}

func (r *CampaignRepo) UpdateContent(ctx context.Context, c *domain.Campaign) error {
	ab, err := abTestJSON(c.ABTest)
	if err != nil {
		return fmt.Errorf("encode ab_test: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE mailing_campaigns
		SET name = $3, subject = $4, from_name = $5, from_email = $6, reply_to = $7,
		    html_content = $8, text_content = $9,
		    include_segment_ids = $10::uuid[], exclude_segment_ids = $11::uuid[],
		    is_ab_test = $12, ab_test = $13, updated_at = $14
		WHERE id = $1 AND organization_id = $2 AND status = 'draft'
	`, c.ID, c.OrganizationID, c.Name, c.Subject, c.FromName, c.FromEmail, c.ReplyTo,
		c.HTMLContent, c.TextContent, pq.Array(c.IncludeSegmentIDs), pq.Array(c.ExcludeSegmentIDs),
		c.IsABTest, ab, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update campaign: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return campaign.ErrNotEditable
	}
	return nil
}

func statusStrings(in []domain.CampaignStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func (r *CampaignRepo) TransitionStatus(ctx context.Context, orgID, id string, from []domain.CampaignStatus, to domain.CampaignStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE mailing_campaigns SET status = $3, updated_at = NOW()
		WHERE id = $1 AND organization_id = $2 AND status = ANY($4)
	`, id, orgID, to, pq.Array(statusStrings(from)))
	if err != nil {
		return false, fmt.Errorf("transition campaign %s to %s: %w", id, to, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *CampaignRepo) SetScheduledAt(ctx context.Context, id string, at *time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE mailing_campaigns SET scheduled_at = $2, updated_at = NOW() WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("set scheduled_at: %w", err)
	}
	return nil
}

func (r *CampaignRepo) MarkStarted(ctx context.Context, id string, total int, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE mailing_campaigns
		SET started_at = COALESCE(started_at, $3), total_recipients = $2, updated_at = NOW()
		WHERE id = $1
	`, id, total, at)
	if err != nil {
		return fmt.Errorf("mark started: %w", err)
	}
	return nil
}

func (r *CampaignRepo) MarkCompleted(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE mailing_campaigns
		SET status = 'sent', completed_at = $2, percent_complete = 100, updated_at = NOW()
		WHERE id = $1 AND status = 'sending'
	`, id, at)
	if err != nil {
		return false, fmt.Errorf("mark completed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *CampaignRepo) NextBatchGeneration(ctx context.Context, id string) (int64, error) {
	var gen int64
	err := r.db.QueryRowContext(ctx,
		`UPDATE mailing_campaigns SET batch_generation = batch_generation + 1 WHERE id = $1 RETURNING batch_generation`,
		id,
	).Scan(&gen)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, campaign.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("next batch generation: %w", err)
	}
	return gen, nil
}

func (r *CampaignRepo) SaveStats(ctx context.Context, id string, s domain.CampaignStats, percent int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE mailing_campaigns
		SET total_recipients = $2, sent_count = $3, delivered_count = $4, open_count = $5,
		    click_count = $6, bounce_count = $7, complaint_count = $8, unsubscribe_count = $9,
		    failed_count = $10, percent_complete = $11, updated_at = NOW()
		WHERE id = $1
	`, id, s.Total, s.Sent, s.Delivered, s.Opened, s.Clicked, s.Bounced, s.Complained, s.Unsubscribed,
		s.Failed, percent)
	if err != nil {
		return fmt.Errorf("save stats: %w", err)
	}
	return nil
}
