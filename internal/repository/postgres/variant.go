package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/campaign-engine/internal/domain"
)

// VariantRepo implements abtest.Repository.
type VariantRepo struct{ db *sql.DB }

func NewVariantRepo(db *sql.DB) *VariantRepo { return &VariantRepo{db: db} }

func (r *VariantRepo) CreateVariants(ctx context.Context, variants []domain.ABTestVariant) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i := range variants {
		v := &variants[i]
		if v.ID == "" {
			v.ID = uuid.New().String()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO mailing_ab_variants
				(id, campaign_id, name, weight, subject, html_content, text_content, position, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		`, v.ID, v.CampaignID, v.Name, v.Weight, v.Subject, v.HTMLContent, v.TextContent, v.Position); err != nil {
			return fmt.Errorf("insert variant %s: %w", v.Name, err)
		}
	}
	return tx.Commit()
}

func (r *VariantRepo) ListVariants(ctx context.Context, campaignID string) ([]domain.ABTestVariant, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, campaign_id, name, weight, subject, html_content, text_content,
		       position, is_winner, metrics, created_at
		FROM mailing_ab_variants
		WHERE campaign_id = $1
		ORDER BY position, created_at
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list variants: %w", err)
	}
	defer rows.Close()

	var out []domain.ABTestVariant
	for rows.Next() {
		var (
			v       domain.ABTestVariant
			metrics []byte
		)
		if err := rows.Scan(&v.ID, &v.CampaignID, &v.Name, &v.Weight, &v.Subject, &v.HTMLContent,
			&v.TextContent, &v.Position, &v.IsWinner, &metrics, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan variant: %w", err)
		}
		if len(metrics) > 0 {
			v.Metrics = &domain.VariantMetrics{}
			if err := json.Unmarshal(metrics, v.Metrics); err != nil {
				return nil, fmt.Errorf("decode variant metrics: %w", err)
			}
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// AssignVariant only touches rows that are still pending.
func (r *VariantRepo) AssignVariant(ctx context.Context, campaignID, variantID string, subscriberIDs []string) (int, error) {
	if len(subscriberIDs) == 0 {
		return 0, nil
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE mailing_campaign_recipients SET variant_id = $2
		WHERE campaign_id = $1 AND subscriber_id = ANY($3::uuid[]) AND status = 'pending'
	`, campaignID, variantID, pq.Array(subscriberIDs))
	if err != nil {
		return 0, fmt.Errorf("assign variant: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *VariantRepo) VariantCounts(ctx context.Context, campaignID string) (map[string]domain.VariantMetrics, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT variant_id::text,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE opened_at IS NOT NULL),
		       COUNT(*) FILTER (WHERE clicked_at IS NOT NULL),
		       COUNT(*) FILTER (WHERE converted_at IS NOT NULL)
		FROM mailing_campaign_recipients
		WHERE campaign_id = $1 AND variant_id IS NOT NULL AND sent_at IS NOT NULL
		GROUP BY variant_id
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("variant counts: %w", err)
	}
	defer rows.Close()

	out := map[string]domain.VariantMetrics{}
	for rows.Next() {
		var m domain.VariantMetrics
		if err := rows.Scan(&m.VariantID, &m.Sent, &m.Opens, &m.Clicks, &m.Conversions); err != nil {
			return nil, err
		}
		out[m.VariantID] = m
	}
	return out, rows.Err()
}

func (r *VariantRepo) SaveMetrics(ctx context.Context, variantID string, m domain.VariantMetrics) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx,
		`UPDATE mailing_ab_variants SET metrics = $2 WHERE id = $1`, variantID, b); err != nil {
		return fmt.Errorf("save variant metrics: %w", err)
	}
	return nil
}

func (r *VariantRepo) MarkWinner(ctx context.Context, campaignID, variantID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE mailing_ab_variants SET is_winner = (id = $2) WHERE campaign_id = $1`,
		campaignID, variantID); err != nil {
		return fmt.Errorf("flag winner: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE mailing_campaigns SET winner_variant_id = $2, updated_at = NOW() WHERE id = $1`,
		campaignID, variantID); err != nil {
		return fmt.Errorf("record winner: %w", err)
	}
	return tx.Commit()
}
