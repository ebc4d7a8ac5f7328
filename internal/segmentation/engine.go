package segmentation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/campaign-engine/internal/cache"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// Engine runs compiled segment predicates against the subscriber store.
type Engine struct {
	db    *sql.DB
	store *Store
	opts  Options
	cache *cache.Cache
	now   func() time.Time
}

// NewEngine creates a segmentation engine. sizes may be nil.
func NewEngine(db *sql.DB, opts Options, sizes *cache.Cache) *Engine {
	return &Engine{
		db:    db,
		store: NewStore(db),
		opts:  opts,
		cache: sizes,
		now:   time.Now,
	}
}

// Store returns the underlying store for direct access
func (e *Engine) Store() *Store {
	return e.store
}

// Options returns the compile options in effect.
func (e *Engine) Options() Options { return e.opts }

// Evaluate compiles tree into a predicate scoped to the org and list.
func (e *Engine) Evaluate(orgID, listID string, tree Tree) (Predicate, error) {
	qb := NewQueryBuilder(e.opts)
	scope := qb.Scope(orgID, listID)
	cond, err := qb.Build(tree)
	if err != nil {
		return Predicate{}, err
	}
	return Predicate{SQL: scope + " AND (" + cond + ")", Args: qb.Args()}, nil
}

// Size counts matching subscribers in the database.
func (e *Engine) Size(ctx context.Context, orgID, listID string, tree Tree) (int, error) {
	pred, err := e.Evaluate(orgID, listID, tree)
	if err != nil {
		return 0, err
	}
	var n int
	query := "SELECT COUNT(*) FROM mailing_subscribers s WHERE " + pred.SQL
	if err := e.db.QueryRowContext(ctx, query, pred.Args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count segment: %w", err)
	}
	return n, nil
}

// SubscriberIDs returns the set union of the members of every segment.
// The union is computed by the database with UNION.
func (e *Engine) SubscriberIDs(ctx context.Context, orgID string, segmentIDs []string) ([]string, error) {
	if len(segmentIDs) == 0 {
		return nil, nil
	}
	segments, err := e.store.GetMany(ctx, orgID, segmentIDs)
	if err != nil {
		return nil, err
	}

	qb := NewQueryBuilder(e.opts)
	selects := make([]string, 0, len(segments))
	for _, seg := range segments {
		scope := qb.Scope(orgID, seg.ListID)
		cond, err := qb.Build(seg.Conditions)
		if err != nil {
			return nil, fmt.Errorf("segment %s: %w", seg.ID, err)
		}
		selects = append(selects, fmt.Sprintf("SELECT s.id FROM mailing_subscribers s WHERE %s AND (%s)", scope, cond))
	}
	query := strings.Join(selects, "\nUNION\n") + "\nORDER BY 1"

	rows, err := e.db.QueryContext(ctx, query, qb.Args()...)
	if err != nil {
		return nil, fmt.Errorf("segment members: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan subscriber id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Matches reports whether a single subscriber satisfies tree.
func (e *Engine) Matches(ctx context.Context, orgID, subscriberID string, tree Tree) (bool, error) {
	if tree.Empty() {
		return true, nil
	}
	qb := NewQueryBuilder(e.opts)
	scope := qb.Scope(orgID, "")
	idArg := qb.nextArg(subscriberID)
	cond, err := qb.Build(tree)
	if err != nil {
		return false, err
	}
	query := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM mailing_subscribers s WHERE %s AND s.id = %s AND (%s))", scope, idArg, cond)

	var ok bool
	if err := e.db.QueryRowContext(ctx, query, qb.Args()...).Scan(&ok); err != nil {
		return false, fmt.Errorf("match subscriber: %w", err)
	}
	return ok, nil
}

// MatchSnapshot evaluates tree in memory with the engine's options.
func (e *Engine) MatchSnapshot(tree Tree, snap Snapshot) (bool, error) {
	return Match(tree, snap, e.opts)
}

// ==========================================
// CACHED SIZES
// ==========================================

func sizeKey(segmentID string) string { return "segment-size:" + segmentID }

// Recalculate recounts a segment, stores the count and refreshes the cache.
func (e *Engine) Recalculate(ctx context.Context, orgID, segmentID string) (int, error) {
	seg, err := e.store.Get(ctx, orgID, segmentID)
	if err != nil {
		return 0, err
	}
	n, err := e.Size(ctx, orgID, seg.ListID, seg.Conditions)
	if err != nil {
		return 0, err
	}
	if err := e.store.UpdateCount(ctx, segmentID, n, e.now()); err != nil {
		return 0, err
	}
	if err := e.cache.Set(ctx, sizeKey(segmentID), n); err != nil {
		logger.Warn("cache segment size", "segment_id", segmentID, "error", err)
	}
	return n, nil
}

// CachedSize returns the cached count, recalculating on a miss.
func (e *Engine) CachedSize(ctx context.Context, orgID, segmentID string) (int, error) {
	var n int
	err := e.cache.Get(ctx, sizeKey(segmentID), &n)
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		logger.Warn("read segment size cache", "segment_id", segmentID, "error", err)
	}
	return e.Recalculate(ctx, orgID, segmentID)
}

// UpdateConditions stores a new tree, drops the cached size and recounts.
func (e *Engine) UpdateConditions(ctx context.Context, orgID, segmentID string, tree Tree) (int, error) {
	if !e.opts.FailOpenUnknown {
		if _, err := NewQueryBuilder(e.opts).Build(tree); err != nil {
			return 0, err
		}
	}
	if err := e.store.UpdateConditions(ctx, orgID, segmentID, tree); err != nil {
		return 0, err
	}
	if err := e.cache.Invalidate(ctx, sizeKey(segmentID)); err != nil {
		logger.Warn("invalidate segment size", "segment_id", segmentID, "error", err)
	}
	return e.Recalculate(ctx, orgID, segmentID)
}
