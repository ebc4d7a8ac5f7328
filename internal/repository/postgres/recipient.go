package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/campaign-engine/internal/domain"
)

// RecipientRepo stores mailing_campaign_recipients. It serves both the
// campaign orchestrator and the delivery batcher.
type RecipientRepo struct{ db *sql.DB }

func NewRecipientRepo(db *sql.DB) *RecipientRepo { return &RecipientRepo{db: db} }

// InsertBatch writes rows with a single multi-VALUES statement.
func (r *RecipientRepo) InsertBatch(ctx context.Context, campaignID string, recipients []domain.Recipient) (int, error) {
	if len(recipients) == 0 {
		return 0, nil
	}
	var (
		sb   strings.Builder
		args = make([]interface{}, 0, len(recipients)*4)
	)
	sb.WriteString(`INSERT INTO mailing_campaign_recipients (id, campaign_id, subscriber_id, email, status) VALUES `)
	for i, rc := range recipients {
		if i > 0 {
			sb.WriteString(", ")
		}
		n := i * 4
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, 'pending')", n+1, n+2, n+3, n+4)
		args = append(args, uuid.New().String(), campaignID, rc.ID, rc.Email)
	}
	sb.WriteString(` ON CONFLICT (campaign_id, subscriber_id) DO NOTHING`)

	res, err := r.db.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("insert recipients: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *RecipientRepo) DeleteForCampaign(ctx context.Context, campaignID string) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM mailing_campaign_recipients WHERE campaign_id = $1`, campaignID); err != nil {
		return fmt.Errorf("delete recipients: %w", err)
	}
	return nil
}

func (r *RecipientRepo) PendingBatch(ctx context.Context, campaignID string, limit int, assignedOnly bool) ([]string, error) {
	q := `SELECT id FROM mailing_campaign_recipients WHERE campaign_id = $1 AND status = 'pending'`
	if assignedOnly {
		q += ` AND variant_id IS NOT NULL`
	}
	q += ` ORDER BY id LIMIT $2`

	rows, err := r.db.QueryContext(ctx, q, campaignID, limit)
	if err != nil {
		return nil, fmt.Errorf("pending batch: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *RecipientRepo) CountPending(ctx context.Context, campaignID string, assignedOnly bool) (int, error) {
	q := `SELECT COUNT(*) FROM mailing_campaign_recipients WHERE campaign_id = $1 AND status = 'pending'`
	if assignedOnly {
		q += ` AND variant_id IS NOT NULL`
	}
	var n int
	if err := r.db.QueryRowContext(ctx, q, campaignID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

func (r *RecipientRepo) Stats(ctx context.Context, campaignID string) (domain.CampaignStats, error) {
	var s domain.CampaignStats
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'pending'),
		       COUNT(*) FILTER (WHERE status NOT IN ('pending', 'failed')),
		       COUNT(*) FILTER (WHERE delivered_at IS NOT NULL),
		       COUNT(*) FILTER (WHERE opened_at IS NOT NULL),
		       COUNT(*) FILTER (WHERE clicked_at IS NOT NULL),
		       COUNT(*) FILTER (WHERE bounced_at IS NOT NULL),
		       COUNT(*) FILTER (WHERE unsubscribed_at IS NOT NULL),
		       COUNT(*) FILTER (WHERE complained_at IS NOT NULL),
		       COUNT(*) FILTER (WHERE status = 'failed')
		FROM mailing_campaign_recipients
		WHERE campaign_id = $1
	`, campaignID).Scan(&s.Total, &s.Pending, &s.Sent, &s.Delivered, &s.Opened, &s.Clicked,
		&s.Bounced, &s.Unsubscribed, &s.Complained, &s.Failed)
	if err != nil {
		return s, fmt.Errorf("recipient stats: %w", err)
	}
	return s, nil
}

// event -> timestamp column stamped the first time the event is seen
var eventColumns = map[domain.TrackingEventType]string{
	domain.EventDelivered:   "delivered_at",
	domain.EventOpen:        "opened_at",
	domain.EventClick:       "clicked_at",
	domain.EventBounce:      "bounced_at",
	domain.EventUnsubscribe: "unsubscribed_at",
	domain.EventComplaint:   "complained_at",
	domain.EventConversion:  "converted_at",
}

// ranksBelow lists every status a row may advance from to reach next.
func ranksBelow(next domain.RecipientStatus) []string {
	var out []string
	for _, s := range []domain.RecipientStatus{
		domain.RecipientPending, domain.RecipientSent, domain.RecipientDelivered,
		domain.RecipientOpened, domain.RecipientClicked,
	} {
		if s.CanAdvanceTo(next) {
			out = append(out, string(s))
		}
	}
	return out
}

func (r *RecipientRepo) RecordEvent(ctx context.Context, campaignID, subscriberID string, event domain.TrackingEventType, at time.Time) (bool, error) {
	col, ok := eventColumns[event]
	if !ok {
		return false, fmt.Errorf("unknown event type %q", event)
	}

	var (
		res sql.Result
		err error
	)
	if next, moves := event.RecipientStatus(); moves {
		res, err = r.db.ExecContext(ctx, fmt.Sprintf(`
			UPDATE mailing_campaign_recipients
			SET status = CASE WHEN status = ANY($3) THEN $4 ELSE status END,
			    %[1]s = COALESCE(%[1]s, $5)
			WHERE campaign_id = $1 AND subscriber_id = $2
			  AND (status = ANY($3) OR %[1]s IS NULL)
		`, col), campaignID, subscriberID, pq.Array(ranksBelow(next)), string(next), at)
	} else {
		res, err = r.db.ExecContext(ctx, fmt.Sprintf(`
			UPDATE mailing_campaign_recipients SET %[1]s = $3
			WHERE campaign_id = $1 AND subscriber_id = $2 AND %[1]s IS NULL
		`, col), campaignID, subscriberID, at)
	}
	if err != nil {
		return false, fmt.Errorf("record %s: %w", event, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *RecipientRepo) GetMany(ctx context.Context, campaignID string, ids []string) ([]domain.CampaignRecipient, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, campaign_id, subscriber_id, email, status, variant_id::text, message_id, error, sent_at, created_at
		FROM mailing_campaign_recipients
		WHERE campaign_id = $1 AND id = ANY($2::uuid[])
		ORDER BY id
	`, campaignID, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("get recipients: %w", err)
	}
	defer rows.Close()

	var out []domain.CampaignRecipient
	for rows.Next() {
		var (
			rc      domain.CampaignRecipient
			variant sql.NullString
		)
		if err := rows.Scan(&rc.ID, &rc.CampaignID, &rc.SubscriberID, &rc.Email, &rc.Status,
			&variant, &rc.MessageID, &rc.Error, &rc.SentAt, &rc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		if variant.Valid {
			rc.VariantID = &variant.String
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

// MarkSent never touches a row that was already sent. The subscriber's
// received counter moves with the row.
func (r *RecipientRepo) MarkSent(ctx context.Context, id, messageID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		WITH sent AS (
			UPDATE mailing_campaign_recipients
			SET status = 'sent', message_id = $2, sent_at = $3, error = ''
			WHERE id = $1 AND sent_at IS NULL
			RETURNING subscriber_id
		)
		UPDATE mailing_subscribers s SET total_emails_received = s.total_emails_received + 1
		FROM sent WHERE s.id = sent.subscriber_id
	`, id, messageID, at)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	return nil
}

func (r *RecipientRepo) MarkFailed(ctx context.Context, id, reason string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE mailing_campaign_recipients
		SET status = 'failed', error = $2, failed_at = $3
		WHERE id = $1 AND status = 'pending'
	`, id, reason, at)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}
