package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/campaign-engine/internal/domain"
)

// SubscriberRepo reads mailing_subscribers for audience resolution, delivery
// and automations, and maintains the engagement counters.
type SubscriberRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewSubscriberRepo(db *sql.DB) *SubscriberRepo {
	return &SubscriberRepo{db: db, now: time.Now}
}

const subscriberColumns = `id, organization_id, list_id, email, first_name, last_name, status, custom_fields,
	engagement_score, total_emails_received, total_opens, total_clicks, last_open_at, last_click_at,
	subscribed_at, unsubscribed_at, created_at`

func scanSubscriber(row scanner) (*domain.Subscriber, error) {
	var (
		s      domain.Subscriber
		custom []byte
	)
	if err := row.Scan(&s.ID, &s.OrganizationID, &s.ListID, &s.Email, &s.FirstName, &s.LastName, &s.Status,
		&custom, &s.EngagementScore, &s.TotalEmailsReceived, &s.TotalOpens, &s.TotalClicks,
		&s.LastOpenAt, &s.LastClickAt, &s.SubscribedAt, &s.UnsubscribedAt, &s.CreatedAt); err != nil {
		return nil, err
	}
	if len(custom) > 0 {
		if err := json.Unmarshal(custom, &s.CustomFields); err != nil {
			return nil, fmt.Errorf("decode custom_fields: %w", err)
		}
	}
	return &s, nil
}

// Deliverable returns every confirmed subscriber of a list.
func (r *SubscriberRepo) Deliverable(ctx context.Context, orgID, listID string) ([]domain.Recipient, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, email FROM mailing_subscribers
		WHERE organization_id = $1 AND list_id = $2 AND status = 'confirmed'
		ORDER BY id
	`, orgID, listID)
	if err != nil {
		return nil, fmt.Errorf("deliverable subscribers: %w", err)
	}
	defer rows.Close()

	var out []domain.Recipient
	for rows.Next() {
		var rc domain.Recipient
		if err := rows.Scan(&rc.ID, &rc.Email); err != nil {
			return nil, err
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

// Get returns nil without an error when the subscriber does not exist.
func (r *SubscriberRepo) Get(ctx context.Context, orgID, id string) (*domain.Subscriber, error) {
	s, err := scanSubscriber(r.db.QueryRowContext(ctx,
		`SELECT `+subscriberColumns+` FROM mailing_subscribers WHERE organization_id = $1 AND id = $2`,
		orgID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscriber: %w", err)
	}
	return s, nil
}

func (r *SubscriberRepo) GetMany(ctx context.Context, orgID string, ids []string) (map[string]*domain.Subscriber, error) {
	out := make(map[string]*domain.Subscriber, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+subscriberColumns+` FROM mailing_subscribers WHERE organization_id = $1 AND id = ANY($2::uuid[])`,
		orgID, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("get subscribers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		s, err := scanSubscriber(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		out[s.ID] = s
	}
	return out, rows.Err()
}

// DateMatches compares the month and day of a custom date field stored as
// an ISO-8601 string. Rows whose value does not parse are ignored.
func (r *SubscriberRepo) DateMatches(ctx context.Context, orgID, listID, field string, month time.Month, day int) ([]string, error) {
	q := `
		SELECT id FROM mailing_subscribers
		WHERE organization_id = $1 AND status = 'confirmed'
		  AND custom_fields->>$2 ~ '^\d{4}-\d{2}-\d{2}'
		  AND EXTRACT(MONTH FROM (substring(custom_fields->>$2 from 1 for 10))::date) = $3
		  AND EXTRACT(DAY FROM (substring(custom_fields->>$2 from 1 for 10))::date) = $4`
	args := []interface{}{orgID, field, int(month), day}
	if listID != "" {
		q += ` AND list_id = $5`
		args = append(args, listID)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("date matches: %w", err)
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

// RecordEngagement bumps the open or click counters and recomputes the
// engagement score from the updated totals.
func (r *SubscriberRepo) RecordEngagement(ctx context.Context, subscriberID string, event domain.TrackingEventType, at time.Time) error {
	var set string
	switch event {
	case domain.EventOpen:
		set = `total_opens = total_opens + 1, last_open_at = GREATEST(COALESCE(last_open_at, $2), $2)`
	case domain.EventClick:
		set = `total_clicks = total_clicks + 1, last_click_at = GREATEST(COALESCE(last_click_at, $2), $2)`
	default:
		return nil
	}

	var (
		received, opens, clicks int
		lastOpen, lastClick     *time.Time
	)
	err := r.db.QueryRowContext(ctx, `
		UPDATE mailing_subscribers SET `+set+`, updated_at = NOW()
		WHERE id = $1
		RETURNING total_emails_received, total_opens, total_clicks, last_open_at, last_click_at
	`, subscriberID, at).Scan(&received, &opens, &clicks, &lastOpen, &lastClick)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("record engagement: %w", err)
	}

	last := lastOpen
	if lastClick != nil && (last == nil || lastClick.After(*last)) {
		last = lastClick
	}
	score := domain.EngagementScore(received, opens, clicks, last, r.now())
	if _, err := r.db.ExecContext(ctx,
		`UPDATE mailing_subscribers SET engagement_score = $2 WHERE id = $1`, subscriberID, score); err != nil {
		return fmt.Errorf("update engagement score: %w", err)
	}
	return nil
}

// Deactivate moves a subscribed row to status and returns the email. A
// subscriber that already left keeps its original status and timestamp.
func (r *SubscriberRepo) Deactivate(ctx context.Context, orgID, subscriberID string, status domain.SubscriberStatus, at time.Time) (string, error) {
	var email string
	err := r.db.QueryRowContext(ctx, `
		UPDATE mailing_subscribers
		SET status = CASE WHEN status IN ('confirmed', 'unconfirmed') THEN $3 ELSE status END,
		    unsubscribed_at = COALESCE(unsubscribed_at, $4),
		    updated_at = NOW()
		WHERE organization_id = $1 AND id = $2
		RETURNING email
	`, orgID, subscriberID, status, at).Scan(&email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("subscriber %s not found", subscriberID)
	}
	if err != nil {
		return "", fmt.Errorf("deactivate subscriber: %w", err)
	}
	return email, nil
}
