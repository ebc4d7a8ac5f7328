package segmentation

import (
	"fmt"
	"strings"

	"github.com/ignite/campaign-engine/internal/domain"
)

// Snapshot is the in-memory view of a subscriber used for matching without a
// database round trip, e.g. trigger conditions on an event payload.
type Snapshot struct {
	// Fields holds subscriber columns and engagement metrics by name.
	Fields map[string]any
	// Custom holds custom data, merged with the event payload.
	Custom map[string]any
	// Interactions maps an interaction name to the campaign IDs it happened on.
	Interactions map[string][]string
}

// SnapshotOf builds a snapshot from a subscriber and extra custom data.
// Keys in data override the subscriber's own custom fields.
func SnapshotOf(sub *domain.Subscriber, data map[string]any) Snapshot {
	snap := Snapshot{Fields: map[string]any{}, Custom: map[string]any{}}
	if sub != nil {
		snap.Fields["email"] = sub.Email
		snap.Fields["first_name"] = sub.FirstName
		snap.Fields["last_name"] = sub.LastName
		snap.Fields["status"] = string(sub.Status)
		snap.Fields["subscribed_at"] = sub.SubscribedAt
		snap.Fields["created_at"] = sub.CreatedAt
		snap.Fields["total_opens"] = float64(sub.TotalOpens)
		snap.Fields["total_clicks"] = float64(sub.TotalClicks)
		snap.Fields["total_emails_received"] = float64(sub.TotalEmailsReceived)
		snap.Fields["engagement_score"] = sub.EngagementScore
		if sub.LastOpenAt != nil {
			snap.Fields["last_open_at"] = *sub.LastOpenAt
		}
		if sub.LastClickAt != nil {
			snap.Fields["last_click_at"] = *sub.LastClickAt
		}
		for k, v := range sub.CustomFields {
			snap.Custom[k] = v
		}
	}
	for k, v := range data {
		snap.Custom[k] = v
	}
	return snap
}

// Match evaluates tree against snap with the same semantics as the SQL
// compilation, including the fail-open policy.
func Match(tree Tree, snap Snapshot, opts Options) (bool, error) {
	if len(tree.Groups) == 0 {
		return true, nil
	}
	or := tree.Logic == LogicOr
	for _, g := range tree.Groups {
		ok, err := matchGroup(g, snap, opts)
		if err != nil {
			return false, err
		}
		if or && ok {
			return true, nil
		}
		if !or && !ok {
			return false, nil
		}
	}
	return !or, nil
}

func matchGroup(g Group, snap Snapshot, opts Options) (bool, error) {
	if len(g.Conditions) == 0 {
		return true, nil
	}
	or := g.Logic == LogicOr
	for _, c := range g.Conditions {
		ok, err := matchCondition(c, snap, opts)
		if err != nil {
			return false, err
		}
		if or && ok {
			return true, nil
		}
		if !or && !ok {
			return false, nil
		}
	}
	return !or, nil
}

func matchCondition(cond Condition, snap Snapshot, opts Options) (bool, error) {
	unknown := func(what string) (bool, error) {
		if opts.FailOpenUnknown {
			return true, nil
		}
		return false, fmt.Errorf("%w: %s", ErrUnsupportedCondition, what)
	}
	if !supports(cond) {
		return unknown(fmt.Sprintf("operator %q on %s", cond.op(), cond.conditionType()))
	}

	switch c := cond.(type) {
	case FieldCondition:
		col, ok := fieldColumns[c.Field]
		if !ok {
			return unknown("field " + c.Field)
		}
		return compareValue(col.kind, snap.Fields[c.Field], c.Operator, c.Value)
	case EngagementCondition:
		col, ok := engagementColumns[c.Metric]
		if !ok {
			return unknown("metric " + c.Metric)
		}
		return compareValue(col.kind, snap.Fields[c.Metric], c.Operator, c.Value)
	case CampaignInteractionCondition:
		if _, ok := interactionColumns[c.Interaction]; !ok {
			return unknown("interaction " + c.Interaction)
		}
		hit := false
		for _, want := range stringList(c.Value) {
			for _, got := range snap.Interactions[c.Interaction] {
				if got == want {
					hit = true
				}
			}
		}
		if c.Operator == OpNotEquals || c.Operator == OpNotIn {
			return !hit, nil
		}
		return hit, nil
	case CustomDataCondition:
		kind := kindText
		if c.Operator == OpGreaterThan || c.Operator == OpLessThan {
			if _, ok := numberValue(c.Value); ok {
				kind = kindNumber
			}
		}
		return compareValue(kind, snap.Custom[c.Key], c.Operator, c.Value)
	case UnknownCondition:
		return unknown(c.Reason)
	}
	return unknown(fmt.Sprintf("%T", cond))
}

// compareValue mirrors SQL semantics: a missing actual value fails every
// comparison except not_contains and not_in.
func compareValue(kind columnKind, actual any, op Operator, want any) (bool, error) {
	switch op {
	case OpContains, OpNotContains:
		has := actual != nil && strings.Contains(strings.ToLower(stringValue(actual)), strings.ToLower(stringValue(want)))
		return has == (op == OpContains), nil
	case OpIn, OpNotIn:
		in := false
		if actual != nil {
			for _, item := range stringList(want) {
				if equalValues(kind, actual, item) {
					in = true
					break
				}
			}
		}
		return in == (op == OpIn), nil
	}

	if actual == nil {
		return false, nil
	}
	switch op {
	case OpEquals:
		return equalValues(kind, actual, want), nil
	case OpNotEquals:
		return !equalValues(kind, actual, want), nil
	case OpGreaterThan, OpLessThan:
		c, ok := order(kind, actual, want)
		if !ok {
			return false, nil
		}
		if op == OpGreaterThan {
			return c > 0, nil
		}
		return c < 0, nil
	}
	return false, fmt.Errorf("%w: operator %q", ErrUnsupportedCondition, op)
}

func equalValues(kind columnKind, a, b any) bool {
	if c, ok := order(kind, a, b); ok && kind != kindText {
		return c == 0
	}
	return stringValue(a) == stringValue(b)
}

// order returns -1, 0, 1 comparing a to b under kind.
func order(kind columnKind, a, b any) (int, bool) {
	switch kind {
	case kindNumber:
		x, ok1 := numberValue(a)
		y, ok2 := numberValue(b)
		if !ok1 || !ok2 {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case kindTime:
		x, ok1 := timeValue(a)
		y, ok2 := timeValue(b)
		if !ok1 || !ok2 {
			return 0, false
		}
		return x.Compare(y), true
	}
	return strings.Compare(stringValue(a), stringValue(b)), true
}

