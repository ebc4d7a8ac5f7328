package segmentation

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

type columnKind int

const (
	kindText columnKind = iota
	kindNumber
	kindTime
)

type column struct {
	expr string
	kind columnKind
}

// Only these columns may appear in generated SQL.
var fieldColumns = map[string]column{
	"email":         {"s.email", kindText},
	"first_name":    {"s.first_name", kindText},
	"last_name":     {"s.last_name", kindText},
	"status":        {"s.status", kindText},
	"subscribed_at": {"s.subscribed_at", kindTime},
	"created_at":    {"s.created_at", kindTime},
}

var engagementColumns = map[string]column{
	"total_opens":           {"s.total_opens", kindNumber},
	"total_clicks":          {"s.total_clicks", kindNumber},
	"total_emails_received": {"s.total_emails_received", kindNumber},
	"engagement_score":      {"s.engagement_score", kindNumber},
	"last_open_at":          {"s.last_open_at", kindTime},
	"last_click_at":         {"s.last_click_at", kindTime},
}

// interaction -> mailing_campaign_recipients timestamp column
var interactionColumns = map[string]string{
	"received":     "cr.sent_at",
	"opened":       "cr.opened_at",
	"clicked":      "cr.clicked_at",
	"bounced":      "cr.bounced_at",
	"unsubscribed": "cr.unsubscribed_at",
}

// Options tune compilation and matching.
type Options struct {
	// FailOpenUnknown compiles unknown conditions to TRUE. When false they
	// fail with ErrUnsupportedCondition.
	FailOpenUnknown bool
}

// DefaultOptions keeps the fail-open policy.
func DefaultOptions() Options {
	return Options{FailOpenUnknown: true}
}

// Predicate is a SQL boolean expression over the subscribers table aliased
// "s", with positional arguments.
type Predicate struct {
	SQL  string
	Args []interface{}
}

// QueryBuilder builds SQL predicates from condition trees. Arguments are
// numbered continuously across every Build call on the same builder so
// several predicates can share one statement.
type QueryBuilder struct {
	opts       Options
	args       []interface{}
	argCounter int
}

// NewQueryBuilder creates a new QueryBuilder
func NewQueryBuilder(opts Options) *QueryBuilder {
	return &QueryBuilder{
		opts:       opts,
		args:       make([]interface{}, 0),
		argCounter: 1,
	}
}

// Args returns every argument bound so far.
func (qb *QueryBuilder) Args() []interface{} { return qb.args }

// nextArg returns the next argument placeholder
func (qb *QueryBuilder) nextArg(value interface{}) string {
	qb.args = append(qb.args, value)
	placeholder := fmt.Sprintf("$%d", qb.argCounter)
	qb.argCounter++
	return placeholder
}

// Scope restricts to a tenant and, when listID is set, a list.
func (qb *QueryBuilder) Scope(orgID, listID string) string {
	parts := []string{fmt.Sprintf("s.organization_id = %s", qb.nextArg(orgID))}
	if listID != "" {
		parts = append(parts, fmt.Sprintf("s.list_id = %s", qb.nextArg(listID)))
	}
	return strings.Join(parts, " AND ")
}

// Build compiles a tree. An empty tree compiles to TRUE.
func (qb *QueryBuilder) Build(tree Tree) (string, error) {
	var parts []string
	for _, g := range tree.Groups {
		sql, err := qb.buildGroupCondition(g)
		if err != nil {
			return "", err
		}
		if sql != "" {
			parts = append(parts, "("+sql+")")
		}
	}
	if len(parts) == 0 {
		return "TRUE", nil
	}
	return strings.Join(parts, joiner(tree.Logic)), nil
}

func joiner(l LogicOperator) string {
	if l == LogicOr {
		return " OR "
	}
	return " AND "
}

// buildGroupCondition builds SQL for a condition group
func (qb *QueryBuilder) buildGroupCondition(group Group) (string, error) {
	parts := make([]string, 0, len(group.Conditions))
	for _, cond := range group.Conditions {
		sql, err := qb.buildCondition(cond)
		if err != nil {
			return "", err
		}
		parts = append(parts, sql)
	}
	return strings.Join(parts, joiner(group.Logic)), nil
}

// buildCondition builds SQL for a single condition
func (qb *QueryBuilder) buildCondition(cond Condition) (string, error) {
	if !supports(cond) {
		return qb.unknown(fmt.Sprintf("operator %q on %s", cond.op(), cond.conditionType()))
	}

	var (
		sql string
		err error
	)
	switch c := cond.(type) {
	case FieldCondition:
		col, ok := fieldColumns[c.Field]
		if !ok {
			return qb.unknown("field " + c.Field)
		}
		sql, err = qb.compare(col, c.Operator, c.Value)
	case EngagementCondition:
		col, ok := engagementColumns[c.Metric]
		if !ok {
			return qb.unknown("metric " + c.Metric)
		}
		sql, err = qb.compare(col, c.Operator, c.Value)
	case CampaignInteractionCondition:
		sql, err = qb.buildInteraction(c)
	case CustomDataCondition:
		sql, err = qb.buildCustomData(c)
	case UnknownCondition:
		return qb.unknown(c.Reason)
	default:
		return qb.unknown(fmt.Sprintf("%T", cond))
	}
	if err != nil {
		return qb.unknown(err.Error())
	}
	return sql, nil
}

func (qb *QueryBuilder) unknown(what string) (string, error) {
	if qb.opts.FailOpenUnknown {
		return "TRUE", nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedCondition, what)
}

func (qb *QueryBuilder) compare(col column, op Operator, value any) (string, error) {
	field := col.expr
	switch op {
	case OpEquals, OpNotEquals, OpGreaterThan, OpLessThan:
		v, err := scalarArg(col.kind, value)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s %s", field, sqlOp(op), qb.nextArg(v)), nil
	case OpContains:
		return fmt.Sprintf("%s ILIKE %s", field, qb.nextArg("%"+escapeLike(stringValue(value))+"%")), nil
	case OpNotContains:
		return fmt.Sprintf("COALESCE(%s, '') NOT ILIKE %s", field, qb.nextArg("%"+escapeLike(stringValue(value))+"%")), nil
	case OpIn, OpNotIn:
		list, err := listArg(col.kind, value)
		if err != nil {
			return "", err
		}
		sql := fmt.Sprintf("%s = ANY(%s)", field, qb.nextArg(list))
		if op == OpNotIn {
			sql = "NOT (" + sql + ")"
		}
		return sql, nil
	}
	return "", fmt.Errorf("operator %q", op)
}

func (qb *QueryBuilder) buildInteraction(c CampaignInteractionCondition) (string, error) {
	tsCol, ok := interactionColumns[c.Interaction]
	if !ok {
		return "", fmt.Errorf("interaction %q", c.Interaction)
	}
	ids := stringList(c.Value)
	if len(ids) == 0 {
		return "", fmt.Errorf("interaction %q without campaign", c.Interaction)
	}
	sql := fmt.Sprintf(
		"EXISTS (SELECT 1 FROM mailing_campaign_recipients cr WHERE cr.subscriber_id = s.id AND cr.campaign_id = ANY(%s::uuid[]) AND %s IS NOT NULL)",
		qb.nextArg(pq.Array(ids)), tsCol)
	if c.Operator == OpNotEquals || c.Operator == OpNotIn {
		sql = "NOT " + sql
	}
	return sql, nil
}

func (qb *QueryBuilder) buildCustomData(c CustomDataCondition) (string, error) {
	key := qb.nextArg(c.Key)
	text := fmt.Sprintf("s.custom_fields->>%s", key)
	switch c.Operator {
	case OpGreaterThan, OpLessThan:
		if n, ok := numberValue(c.Value); ok {
			// Non-numeric stored values never match a numeric comparison.
			return fmt.Sprintf("(CASE WHEN %s ~ '^-?[0-9]+(\\.[0-9]+)?$' THEN (%s)::numeric END) %s %s",
				text, text, sqlOp(c.Operator), qb.nextArg(n)), nil
		}
		return fmt.Sprintf("%s %s %s", text, sqlOp(c.Operator), qb.nextArg(stringValue(c.Value))), nil
	case OpEquals, OpNotEquals:
		return fmt.Sprintf("%s %s %s", text, sqlOp(c.Operator), qb.nextArg(stringValue(c.Value))), nil
	case OpContains:
		return fmt.Sprintf("%s ILIKE %s", text, qb.nextArg("%"+escapeLike(stringValue(c.Value))+"%")), nil
	case OpNotContains:
		return fmt.Sprintf("COALESCE(%s, '') NOT ILIKE %s", text, qb.nextArg("%"+escapeLike(stringValue(c.Value))+"%")), nil
	case OpIn, OpNotIn:
		sql := fmt.Sprintf("%s = ANY(%s)", text, qb.nextArg(pq.Array(stringList(c.Value))))
		if c.Operator == OpNotIn {
			sql = "NOT (" + sql + ")"
		}
		return sql, nil
	}
	return "", fmt.Errorf("operator %q", c.Operator)
}

func sqlOp(op Operator) string {
	switch op {
	case OpNotEquals:
		return "<>"
	case OpGreaterThan:
		return ">"
	case OpLessThan:
		return "<"
	}
	return "="
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func scalarArg(kind columnKind, value any) (interface{}, error) {
	switch kind {
	case kindNumber:
		n, ok := numberValue(value)
		if !ok {
			return nil, fmt.Errorf("value %v is not a number", value)
		}
		return n, nil
	case kindTime:
		t, ok := timeValue(value)
		if !ok {
			return nil, fmt.Errorf("value %v is not a timestamp", value)
		}
		return t, nil
	}
	return stringValue(value), nil
}

func listArg(kind columnKind, value any) (interface{}, error) {
	items := stringList(value)
	if kind != kindNumber {
		return pq.Array(items), nil
	}
	nums := make([]float64, 0, len(items))
	for _, it := range items {
		n, err := strconv.ParseFloat(it, 64)
		if err != nil {
			return nil, fmt.Errorf("value %q is not a number", it)
		}
		nums = append(nums, n)
	}
	return pq.Array(nums), nil
}

// ==========================================
// VALUE COERCION
// ==========================================

func stringValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.Format(time.RFC3339)
	}
	return fmt.Sprint(v)
}

// stringList accepts a JSON array, a Go slice or a comma separated string.
func stringList(v any) []string {
	switch x := v.(type) {
	case nil:
		return nil
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, it := range x {
			out = append(out, stringValue(it))
		}
		return out
	case string:
		var out []string
		for _, part := range strings.Split(x, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return []string{stringValue(v)}
}

func numberValue(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return n, err == nil
	}
	return 0, false
}

func timeValue(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02"} {
			if t, err := time.Parse(layout, x); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}
