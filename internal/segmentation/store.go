package segmentation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrSegmentNotFound is returned when a segment does not exist for the org.
var ErrSegmentNotFound = errors.New("segment not found")

// Store provides database operations for segments
type Store struct {
	db *sql.DB
}

// NewStore creates a new segmentation store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const segmentColumns = `id, organization_id, COALESCE(list_id::text, ''), name, conditions,
	subscriber_count, last_calculated_at, created_at, updated_at`

// Create inserts a segment with its conditions.
func (s *Store) Create(ctx context.Context, seg *Segment) error {
	if seg.ID == "" {
		seg.ID = uuid.New().String()
	}
	now := time.Now()
	seg.CreatedAt, seg.UpdatedAt = now, now

	conditions, err := json.Marshal(seg.Conditions)
	if err != nil {
		return fmt.Errorf("marshal conditions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mailing_segments (id, organization_id, list_id, name, conditions, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, '')::uuid, $4, $5, $6, $7)
	`, seg.ID, seg.OrganizationID, seg.ListID, seg.Name, conditions, seg.CreatedAt, seg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert segment: %w", err)
	}
	return nil
}

// Get loads a segment scoped to an organization.
func (s *Store) Get(ctx context.Context, orgID, segmentID string) (*Segment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+segmentColumns+` FROM mailing_segments WHERE organization_id = $1 AND id = $2`,
		orgID, segmentID)
	seg, err := scanSegment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSegmentNotFound
	}
	return seg, err
}

// GetMany loads several segments. Missing IDs are reported as ErrSegmentNotFound.
func (s *Store) GetMany(ctx context.Context, orgID string, segmentIDs []string) ([]*Segment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+segmentColumns+` FROM mailing_segments WHERE organization_id = $1 AND id = ANY($2::uuid[]) ORDER BY created_at`,
		orgID, pq.Array(segmentIDs))
	if err != nil {
		return nil, fmt.Errorf("query segments: %w", err)
	}
	defer rows.Close()

	var out []*Segment
	found := make(map[string]bool, len(segmentIDs))
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		found[seg.ID] = true
		out = append(out, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range segmentIDs {
		if !found[id] {
			return nil, fmt.Errorf("%w: %s", ErrSegmentNotFound, id)
		}
	}
	return out, nil
}

// List returns the org's segments, optionally filtered by list.
func (s *Store) List(ctx context.Context, orgID, listID string) ([]*Segment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+segmentColumns+` FROM mailing_segments
		WHERE organization_id = $1 AND ($2 = '' OR list_id::text = $2)
		ORDER BY name
	`, orgID, listID)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()

	var out []*Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

// UpdateConditions replaces the condition tree.
func (s *Store) UpdateConditions(ctx context.Context, orgID, segmentID string, tree Tree) error {
	conditions, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("marshal conditions: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE mailing_segments SET conditions = $3, updated_at = NOW()
		WHERE organization_id = $1 AND id = $2
	`, orgID, segmentID, conditions)
	if err != nil {
		return fmt.Errorf("update segment conditions: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSegmentNotFound
	}
	return nil
}

// UpdateCount stores a freshly computed size.
func (s *Store) UpdateCount(ctx context.Context, segmentID string, count int, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE mailing_segments SET subscriber_count = $2, last_calculated_at = $3 WHERE id = $1`,
		segmentID, count, at)
	if err != nil {
		return fmt.Errorf("update segment count: %w", err)
	}
	return nil
}

// Delete removes a segment.
func (s *Store) Delete(ctx context.Context, orgID, segmentID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM mailing_segments WHERE organization_id = $1 AND id = $2`, orgID, segmentID)
	if err != nil {
		return fmt.Errorf("delete segment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSegmentNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSegment(row scanner) (*Segment, error) {
	var (
		seg        Segment
		conditions []byte
		calcAt     sql.NullTime
	)
	if err := row.Scan(&seg.ID, &seg.OrganizationID, &seg.ListID, &seg.Name, &conditions,
		&seg.SubscriberCount, &calcAt, &seg.CreatedAt, &seg.UpdatedAt); err != nil {
		return nil, err
	}
	tree, err := ParseTree(conditions)
	if err != nil {
		return nil, fmt.Errorf("segment %s: %w", seg.ID, err)
	}
	seg.Conditions = tree
	if calcAt.Valid {
		seg.LastCalculatedAt = &calcAt.Time
	}
	return &seg, nil
}
