// Package recipient turns a campaign's list and segment targeting into the
// concrete set of subscribers it will be sent to.
package recipient

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// ErrNoList is returned when a non-test send has no list to draw from.
var ErrNoList = errors.New("campaign has no list")

// SubscriberSource lists the deliverable (subscribed and confirmed) members of
// a list in a stable order.
type SubscriberSource interface {
	Deliverable(ctx context.Context, orgID, listID string) ([]domain.Recipient, error)
}

// SegmentUnion returns the union of subscriber IDs matched by segments.
type SegmentUnion interface {
	SubscriberIDs(ctx context.Context, orgID string, segmentIDs []string) ([]string, error)
}

// SendOptions alters how recipients are resolved.
type SendOptions struct {
	// TestMode replaces the audience with TestEmails and skips segments.
	TestMode   bool
	TestEmails []string
	// Limit caps the result when positive. Truncation, not sampling.
	Limit int
}

// Resolver resolves campaign audiences.
type Resolver struct {
	subscribers SubscriberSource
	segments    SegmentUnion
	log         *logger.Logger
}

// NewResolver creates a resolver.
func NewResolver(subscribers SubscriberSource, segments SegmentUnion) *Resolver {
	return &Resolver{
		subscribers: subscribers,
		segments:    segments,
		log:         logger.With("component", "recipient_resolver"),
	}
}

// Resolve returns the deduplicated recipients of c.
func (r *Resolver) Resolve(ctx context.Context, c *domain.Campaign, opts SendOptions) ([]domain.Recipient, error) {
	if opts.TestMode {
		out := make([]domain.Recipient, 0, len(opts.TestEmails))
		for _, email := range opts.TestEmails {
			email = strings.TrimSpace(email)
			if email == "" {
				continue
			}
			out = append(out, domain.Recipient{Email: email})
		}
		return limit(dedupe(out), opts.Limit), nil
	}

	if c.ListID == "" {
		return nil, ErrNoList
	}

	base, err := r.subscribers.Deliverable(ctx, c.OrganizationID, c.ListID)
	if err != nil {
		return nil, fmt.Errorf("load list members: %w", err)
	}

	if len(c.IncludeSegmentIDs) > 0 {
		ids, err := r.segments.SubscriberIDs(ctx, c.OrganizationID, c.IncludeSegmentIDs)
		if err != nil {
			return nil, fmt.Errorf("resolve include segments: %w", err)
		}
		base = filter(base, toSet(ids), true)
	}
	if len(c.ExcludeSegmentIDs) > 0 {
		ids, err := r.segments.SubscriberIDs(ctx, c.OrganizationID, c.ExcludeSegmentIDs)
		if err != nil {
			return nil, fmt.Errorf("resolve exclude segments: %w", err)
		}
		base = filter(base, toSet(ids), false)
	}

	out := limit(dedupe(base), opts.Limit)
	r.log.Debug("recipients resolved", "campaign_id", c.ID, "count", len(out),
		"include_segments", len(c.IncludeSegmentIDs), "exclude_segments", len(c.ExcludeSegmentIDs))
	return out, nil
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// filter keeps recipients whose ID is (keep=true) or is not (keep=false) in set.
func filter(in []domain.Recipient, set map[string]struct{}, keep bool) []domain.Recipient {
	out := in[:0:0]
	for _, r := range in {
		if _, ok := set[r.ID]; ok == keep {
			out = append(out, r)
		}
	}
	return out
}

// dedupe drops repeats by subscriber ID and by case-insensitive email,
// keeping the first occurrence.
func dedupe(in []domain.Recipient) []domain.Recipient {
	seenID := make(map[string]struct{}, len(in))
	seenEmail := make(map[string]struct{}, len(in))
	out := make([]domain.Recipient, 0, len(in))
	for _, r := range in {
		email := strings.ToLower(strings.TrimSpace(r.Email))
		if _, dup := seenEmail[email]; dup {
			continue
		}
		if r.ID != "" {
			if _, dup := seenID[r.ID]; dup {
				continue
			}
			seenID[r.ID] = struct{}{}
		}
		seenEmail[email] = struct{}{}
		out = append(out, r)
	}
	return out
}

func limit(in []domain.Recipient, n int) []domain.Recipient {
	if n > 0 && len(in) > n {
		return in[:n]
	}
	return in
}
