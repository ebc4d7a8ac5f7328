package segmentation

import (
	"errors"
	"strings"
	"testing"
)

func and(conds ...Condition) Group { return Group{Logic: LogicAnd, Conditions: conds} }
func or(conds ...Condition) Group  { return Group{Logic: LogicOr, Conditions: conds} }

func TestQueryBuilder_Build(t *testing.T) {
	tests := []struct {
		name     string
		tree     Tree
		wantSQL  string
		wantArgs []interface{}
	}{
		{
			name:    "empty tree matches everyone",
			tree:    Tree{},
			wantSQL: "TRUE",
		},
		{
			name: "field and engagement in one group",
			tree: Tree{Groups: []Group{and(
				FieldCondition{Field: "email", Operator: OpEquals, Value: "a@x.com"},
				EngagementCondition{Metric: "total_opens", Operator: OpGreaterThan, Value: 5},
			)}},
			wantSQL:  "(s.email = $1 AND s.total_opens > $2)",
			wantArgs: []interface{}{"a@x.com", float64(5)},
		},
		{
			name: "groups joined by OR",
			tree: Tree{Logic: LogicOr, Groups: []Group{
				or(
					FieldCondition{Field: "first_name", Operator: OpNotEquals, Value: "Bob"},
					FieldCondition{Field: "last_name", Operator: OpNotContains, Value: "x"},
				),
				and(EngagementCondition{Metric: "engagement_score", Operator: OpLessThan, Value: "0.5"}),
			}},
			wantSQL:  "(s.first_name <> $1 OR COALESCE(s.last_name, '') NOT ILIKE $2) OR (s.engagement_score < $3)",
			wantArgs: []interface{}{"Bob", "%x%", 0.5},
		},
		{
			name: "contains escapes LIKE wildcards",
			tree: Tree{Groups: []Group{and(
				FieldCondition{Field: "email", Operator: OpContains, Value: "50%_off"},
			)}},
			wantSQL:  "(s.email ILIKE $1)",
			wantArgs: []interface{}{`%50\%\_off%`},
		},
		{
			name: "custom data key is a bound parameter",
			tree: Tree{Groups: []Group{and(
				CustomDataCondition{Key: "plan'; DROP TABLE x; --", Operator: OpEquals, Value: "pro"},
			)}},
			wantSQL:  "(s.custom_fields->>$1 = $2)",
			wantArgs: []interface{}{"plan'; DROP TABLE x; --", "pro"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			qb := NewQueryBuilder(DefaultOptions())
			sql, err := qb.Build(tc.tree)
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			if sql != tc.wantSQL {
				t.Errorf("sql = %q\nwant  %q", sql, tc.wantSQL)
			}
			if len(qb.Args()) != len(tc.wantArgs) {
				t.Fatalf("args = %v, want %v", qb.Args(), tc.wantArgs)
			}
			for i, want := range tc.wantArgs {
				if qb.Args()[i] != want {
					t.Errorf("arg %d = %#v, want %#v", i, qb.Args()[i], want)
				}
			}
		})
	}
}

func TestQueryBuilder_CampaignInteraction(t *testing.T) {
	qb := NewQueryBuilder(DefaultOptions())
	sql, err := qb.Build(Tree{Groups: []Group{and(
		CampaignInteractionCondition{Interaction: "opened", Operator: OpEquals, Value: "camp-1"},
		CampaignInteractionCondition{Interaction: "clicked", Operator: OpNotIn, Value: []any{"camp-1", "camp-2"}},
	)}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	parts := strings.Split(strings.Trim(sql, "()"), " AND NOT ")
	if !strings.HasPrefix(sql, "(EXISTS (SELECT 1 FROM mailing_campaign_recipients cr") {
		t.Errorf("expected EXISTS subquery, got %q", sql)
	}
	if !strings.Contains(sql, "cr.opened_at IS NOT NULL") || !strings.Contains(sql, "cr.clicked_at IS NOT NULL") {
		t.Errorf("interaction columns missing: %q", sql)
	}
	if len(parts) != 2 {
		t.Errorf("expected negated second interaction, got %q", sql)
	}
}

func TestQueryBuilder_UnknownConditions(t *testing.T) {
	tree := Tree{Groups: []Group{and(
		FieldCondition{Field: "email", Operator: OpEquals, Value: "a@x.com"},
		UnknownCondition{Type: "geo", Field: "country", Operator: OpEquals, Value: "DE", Reason: "unknown type"},
		FieldCondition{Field: "subscribed_at", Operator: OpContains, Value: "2024"},
		EngagementCondition{Metric: "total_opens", Operator: OpGreaterThan, Value: "many"},
	)}}

	t.Run("fail open", func(t *testing.T) {
		qb := NewQueryBuilder(Options{FailOpenUnknown: true})
		sql, err := qb.Build(tree)
		if err != nil {
			t.Fatalf("Build: %v", err)
		}
		want := "(s.email = $1 AND TRUE AND TRUE AND TRUE)"
		if sql != want {
			t.Errorf("sql = %q, want %q", sql, want)
		}
	})

	t.Run("strict", func(t *testing.T) {
		qb := NewQueryBuilder(Options{FailOpenUnknown: false})
		_, err := qb.Build(tree)
		if !errors.Is(err, ErrUnsupportedCondition) {
			t.Errorf("expected ErrUnsupportedCondition, got %v", err)
		}
	})
}

func TestQueryBuilder_ScopeNumbersArgsContinuously(t *testing.T) {
	qb := NewQueryBuilder(DefaultOptions())
	scope := qb.Scope("org-1", "list-1")
	sql, err := qb.Build(Tree{Groups: []Group{and(FieldCondition{Field: "status", Operator: OpIn, Value: "confirmed,unconfirmed"})}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if scope != "s.organization_id = $1 AND s.list_id = $2" {
		t.Errorf("scope = %q", scope)
	}
	if sql != "(s.status = ANY($3))" {
		t.Errorf("sql = %q", sql)
	}
	if len(qb.Args()) != 3 {
		t.Errorf("expected 3 args, got %d", len(qb.Args()))
	}
}
