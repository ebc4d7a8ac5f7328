// Package segmentation compiles subscriber conditions into SQL predicates and
// evaluates them in memory.
//
// A condition tree has two levels: groups joined by the tree's logic, each
// group holding leaf conditions joined by the group's logic. Leaves are a
// closed set of types (FieldCondition, EngagementCondition,
// CampaignInteractionCondition, CustomDataCondition). Anything the decoder
// cannot place becomes an UnknownCondition, which compiles to TRUE when
// Options.FailOpenUnknown is set and to ErrUnsupportedCondition otherwise.
package segmentation

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnsupportedCondition is returned for an unknown field, operator or
// condition type when fail-open is disabled.
var ErrUnsupportedCondition = errors.New("unsupported segment condition")

// Operator represents a comparison operator
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
)

// LogicOperator for combining conditions
type LogicOperator string

const (
	LogicAnd LogicOperator = "AND"
	LogicOr  LogicOperator = "OR"
)

// ConditionType is the wire tag of a leaf condition.
type ConditionType string

const (
	TypeField               ConditionType = "field"
	TypeEngagement          ConditionType = "engagement"
	TypeCampaignInteraction ConditionType = "campaign_interaction"
	TypeCustomData          ConditionType = "custom_data"
)

// Condition is a leaf of a condition tree. The set of implementations is
// closed; switch over the concrete types.
type Condition interface {
	conditionType() ConditionType
	// Operators lists the operators this condition accepts.
	Operators() []Operator
	op() Operator
}

// FieldCondition compares a column of the subscriber row.
type FieldCondition struct {
	Field    string
	Operator Operator
	Value    any
}

// EngagementCondition compares an engagement counter or score.
type EngagementCondition struct {
	Metric   string
	Operator Operator
	Value    any
}

// CampaignInteractionCondition checks whether the subscriber had an
// interaction (received, opened, clicked, bounced, unsubscribed) with the
// campaign(s) in Value. equals/in mean "did", not_equals/not_in "did not".
type CampaignInteractionCondition struct {
	Interaction string
	Operator    Operator
	Value       any
}

// CustomDataCondition compares a key of the subscriber's custom JSON fields.
type CustomDataCondition struct {
	Key      string
	Operator Operator
	Value    any
}

// UnknownCondition preserves a condition the decoder could not place.
type UnknownCondition struct {
	Type     string
	Field    string
	Operator Operator
	Value    any
	Reason   string
}

var (
	allOperators     = []Operator{OpEquals, OpNotEquals, OpContains, OpNotContains, OpIn, OpNotIn, OpGreaterThan, OpLessThan}
	compareOperators = []Operator{OpEquals, OpNotEquals, OpIn, OpNotIn, OpGreaterThan, OpLessThan}
	setOperators     = []Operator{OpEquals, OpNotEquals, OpIn, OpNotIn}
)

func (FieldCondition) conditionType() ConditionType { return TypeField }
func (c FieldCondition) op() Operator                { return c.Operator }

// Operators depends on the column kind; time columns do not support text matching.
func (c FieldCondition) Operators() []Operator {
	if col, ok := fieldColumns[c.Field]; ok && col.kind == kindTime {
		return compareOperators
	}
	return allOperators
}

func (EngagementCondition) conditionType() ConditionType { return TypeEngagement }
func (c EngagementCondition) op() Operator                { return c.Operator }
func (EngagementCondition) Operators() []Operator         { return compareOperators }

func (CampaignInteractionCondition) conditionType() ConditionType { return TypeCampaignInteraction }
func (c CampaignInteractionCondition) op() Operator                { return c.Operator }
func (CampaignInteractionCondition) Operators() []Operator         { return setOperators }

func (CustomDataCondition) conditionType() ConditionType { return TypeCustomData }
func (c CustomDataCondition) op() Operator                { return c.Operator }
func (CustomDataCondition) Operators() []Operator         { return allOperators }

func (c UnknownCondition) conditionType() ConditionType { return ConditionType(c.Type) }
func (c UnknownCondition) op() Operator                 { return c.Operator }
func (UnknownCondition) Operators() []Operator          { return nil }

func supports(c Condition) bool {
	for _, op := range c.Operators() {
		if op == c.op() {
			return true
		}
	}
	return false
}

// Group combines leaf conditions with one logic operator.
type Group struct {
	Logic      LogicOperator
	Conditions []Condition
}

// Tree is the root of a segment or step condition.
type Tree struct {
	Logic  LogicOperator
	Groups []Group
}

// Empty reports a tree without any condition. An empty tree matches everyone.
func (t Tree) Empty() bool {
	for _, g := range t.Groups {
		if len(g.Conditions) > 0 {
			return false
		}
	}
	return true
}

// ==========================================
// WIRE FORMAT
// ==========================================

type wireCondition struct {
	Type     string   `json:"type"`
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

type wireGroup struct {
	Logic      LogicOperator   `json:"logic"`
	Conditions []wireCondition `json:"conditions"`
}

type wireTree struct {
	Logic  LogicOperator `json:"logic"`
	Groups []wireGroup   `json:"groups"`
}

// ParseTree decodes a JSON condition tree. Empty input yields an empty tree.
func ParseTree(raw []byte) (Tree, error) {
	var t Tree
	if len(raw) == 0 || string(raw) == "null" {
		return t, nil
	}
	err := json.Unmarshal(raw, &t)
	return t, err
}

// UnmarshalJSON decodes the wire format into typed conditions.
func (t *Tree) UnmarshalJSON(data []byte) error {
	var w wireTree
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode condition tree: %w", err)
	}
	t.Logic = normalizeLogic(w.Logic)
	t.Groups = make([]Group, 0, len(w.Groups))
	for _, wg := range w.Groups {
		g := Group{Logic: normalizeLogic(wg.Logic)}
		for _, wc := range wg.Conditions {
			g.Conditions = append(g.Conditions, decodeCondition(wc))
		}
		t.Groups = append(t.Groups, g)
	}
	return nil
}

// MarshalJSON encodes the tree back into the wire format.
func (t Tree) MarshalJSON() ([]byte, error) {
	w := wireTree{Logic: normalizeLogic(t.Logic), Groups: make([]wireGroup, 0, len(t.Groups))}
	for _, g := range t.Groups {
		wg := wireGroup{Logic: normalizeLogic(g.Logic), Conditions: make([]wireCondition, 0, len(g.Conditions))}
		for _, c := range g.Conditions {
			wg.Conditions = append(wg.Conditions, encodeCondition(c))
		}
		w.Groups = append(w.Groups, wg)
	}
	return json.Marshal(w)
}

func normalizeLogic(l LogicOperator) LogicOperator {
	if l == LogicOr || l == "or" {
		return LogicOr
	}
	return LogicAnd
}

func decodeCondition(wc wireCondition) Condition {
	var c Condition
	switch ConditionType(wc.Type) {
	case TypeField:
		if _, ok := fieldColumns[wc.Field]; !ok {
			return UnknownCondition{Type: wc.Type, Field: wc.Field, Operator: wc.Operator, Value: wc.Value, Reason: "unknown field"}
		}
		c = FieldCondition{Field: wc.Field, Operator: wc.Operator, Value: wc.Value}
	case TypeEngagement:
		if _, ok := engagementColumns[wc.Field]; !ok {
			return UnknownCondition{Type: wc.Type, Field: wc.Field, Operator: wc.Operator, Value: wc.Value, Reason: "unknown metric"}
		}
		c = EngagementCondition{Metric: wc.Field, Operator: wc.Operator, Value: wc.Value}
	case TypeCampaignInteraction:
		if _, ok := interactionColumns[wc.Field]; !ok {
			return UnknownCondition{Type: wc.Type, Field: wc.Field, Operator: wc.Operator, Value: wc.Value, Reason: "unknown interaction"}
		}
		c = CampaignInteractionCondition{Interaction: wc.Field, Operator: wc.Operator, Value: wc.Value}
	case TypeCustomData:
		if wc.Field == "" {
			return UnknownCondition{Type: wc.Type, Operator: wc.Operator, Value: wc.Value, Reason: "missing key"}
		}
		c = CustomDataCondition{Key: wc.Field, Operator: wc.Operator, Value: wc.Value}
	default:
		return UnknownCondition{Type: wc.Type, Field: wc.Field, Operator: wc.Operator, Value: wc.Value, Reason: "unknown type"}
	}
	if !supports(c) {
		return UnknownCondition{Type: wc.Type, Field: wc.Field, Operator: wc.Operator, Value: wc.Value, Reason: "unsupported operator"}
	}
	return c
}

func encodeCondition(c Condition) wireCondition {
	switch v := c.(type) {
	case FieldCondition:
		return wireCondition{Type: string(TypeField), Field: v.Field, Operator: v.Operator, Value: v.Value}
	case EngagementCondition:
		return wireCondition{Type: string(TypeEngagement), Field: v.Metric, Operator: v.Operator, Value: v.Value}
	case CampaignInteractionCondition:
		return wireCondition{Type: string(TypeCampaignInteraction), Field: v.Interaction, Operator: v.Operator, Value: v.Value}
	case CustomDataCondition:
		return wireCondition{Type: string(TypeCustomData), Field: v.Key, Operator: v.Operator, Value: v.Value}
	case UnknownCondition:
		return wireCondition{Type: v.Type, Field: v.Field, Operator: v.Operator, Value: v.Value}
	}
	return wireCondition{}
}

// ==========================================
// SEGMENTS
// ==========================================

// Segment is a named, reusable subscriber predicate.
type Segment struct {
	ID               string     `json:"id" db:"id"`
	OrganizationID   string     `json:"organization_id" db:"organization_id"`
	ListID           string     `json:"list_id,omitempty" db:"list_id"`
	Name             string     `json:"name" db:"name"`
	Conditions       Tree       `json:"conditions" db:"conditions"`
	SubscriberCount  int        `json:"subscriber_count" db:"subscriber_count"`
	LastCalculatedAt *time.Time `json:"last_calculated_at,omitempty" db:"last_calculated_at"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}
