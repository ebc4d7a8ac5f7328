package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/campaign-engine/internal/automation"
	"github.com/ignite/campaign-engine/internal/domain"
)

// AutomationRepo implements automation.Store.
type AutomationRepo struct{ db *sql.DB }

func NewAutomationRepo(db *sql.DB) *AutomationRepo { return &AutomationRepo{db: db} }

const automationColumns = `id, organization_id, name, trigger_kind, trigger_config, active,
	total_enrolled, total_completed, created_at, updated_at`

func scanAutomation(row scanner) (*domain.Automation, error) {
	var (
		a   domain.Automation
		cfg []byte
	)
	if err := row.Scan(&a.ID, &a.OrganizationID, &a.Name, &a.Trigger, &cfg, &a.Active,
		&a.TotalEnrolled, &a.TotalCompleted, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &a.TriggerConfig); err != nil {
			return nil, fmt.Errorf("decode trigger_config: %w", err)
		}
	}
	return &a, nil
}

func (r *AutomationRepo) GetAutomation(ctx context.Context, id string) (*domain.Automation, error) {
	a, err := scanAutomation(r.db.QueryRowContext(ctx,
		`SELECT `+automationColumns+` FROM mailing_automations WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, automation.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get automation: %w", err)
	}
	return a, nil
}

func (r *AutomationRepo) ListActiveByTrigger(ctx context.Context, orgID string, kind domain.TriggerKind) ([]domain.Automation, error) {
	q := `SELECT ` + automationColumns + ` FROM mailing_automations WHERE active AND trigger_kind = $1`
	args := []interface{}{kind}
	if orgID != "" {
		q += ` AND organization_id = $2`
		args = append(args, orgID)
	}
	q += ` ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list automations: %w", err)
	}
	defer rows.Close()

	var out []domain.Automation
	for rows.Next() {
		a, err := scanAutomation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan automation: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (r *AutomationRepo) IncrementEnrolled(ctx context.Context, automationID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE mailing_automations SET total_enrolled = total_enrolled + 1, updated_at = NOW() WHERE id = $1`,
		automationID)
	return err
}

func (r *AutomationRepo) IncrementCompleted(ctx context.Context, automationID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE mailing_automations SET total_completed = total_completed + 1, updated_at = NOW() WHERE id = $1`,
		automationID)
	return err
}

func (r *AutomationRepo) ListSteps(ctx context.Context, automationID string) ([]domain.AutomationStep, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, automation_id, step_order, delay_amount, delay_unit, conditions, action,
		       template_id::text, content, created_at
		FROM mailing_automation_steps
		WHERE automation_id = $1
		ORDER BY step_order, created_at
	`, automationID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var out []domain.AutomationStep
	for rows.Next() {
		var (
			s          domain.AutomationStep
			conditions []byte
			template   sql.NullString
			content    []byte
		)
		if err := rows.Scan(&s.ID, &s.AutomationID, &s.Order, &s.DelayAmount, &s.DelayUnit,
			&conditions, &s.Action, &template, &content, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		if len(conditions) > 0 {
			s.Conditions = json.RawMessage(conditions)
		}
		if template.Valid {
			s.TemplateID = &template.String
		}
		if len(content) > 0 {
			if err := json.Unmarshal(content, &s.Content); err != nil {
				return nil, fmt.Errorf("decode step content: %w", err)
			}
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// InsertStepAt inserts s and renumbers the steps to order in one
// transaction. The (automation_id, step_order) constraint is deferred, so the
// new row may share its order with an existing one until commit.
func (r *AutomationRepo) InsertStepAt(ctx context.Context, s *domain.AutomationStep, order []string) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	content, err := json.Marshal(s.Content)
	if err != nil {
		return err
	}
	var conditions interface{}
	if s.HasConditions() {
		conditions = []byte(s.Conditions)
	}
	var template interface{}
	if s.TemplateID != nil {
		template = *s.TemplateID
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO mailing_automation_steps
			(id, automation_id, step_order, delay_amount, delay_unit, conditions, action, template_id, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	`, s.ID, s.AutomationID, s.Order, s.DelayAmount, s.DelayUnit, conditions, s.Action, template, content); err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	if err := setStepOrders(ctx, tx, s.AutomationID, order); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteStepAndRenumber deletes a step and renumbers the rest in one
// transaction.
func (r *AutomationRepo) DeleteStepAndRenumber(ctx context.Context, automationID, stepID string, order []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM mailing_automation_steps WHERE automation_id = $1 AND id = $2`, automationID, stepID)
	if err != nil {
		return fmt.Errorf("delete step: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return automation.ErrStepNotFound
	}
	if err := setStepOrders(ctx, tx, automationID, order); err != nil {
		return err
	}
	return tx.Commit()
}

// setStepOrders renumbers in one statement: ids[i] gets order i.
func setStepOrders(ctx context.Context, db execer, automationID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.ExecContext(ctx, `
		UPDATE mailing_automation_steps s SET step_order = o.ord - 1
		FROM unnest($2::uuid[]) WITH ORDINALITY AS o(id, ord)
		WHERE s.automation_id = $1 AND s.id = o.id
	`, automationID, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("renumber steps: %w", err)
	}
	return nil
}

const enrollmentColumns = `id, automation_id, subscriber_id, status, current_step_id::text, metadata,
	enrolled_at, completed_at, cancelled_at, cancel_reason`

func scanEnrollment(row scanner) (*domain.AutomationEnrollment, error) {
	var (
		e        domain.AutomationEnrollment
		step     sql.NullString
		metadata []byte
	)
	if err := row.Scan(&e.ID, &e.AutomationID, &e.SubscriberID, &e.Status, &step, &metadata,
		&e.EnrolledAt, &e.CompletedAt, &e.CancelledAt, &e.CancelReason); err != nil {
		return nil, err
	}
	if step.Valid {
		e.CurrentStepID = &step.String
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &e, nil
}

// UpsertEnrollment restarts an existing (automation, subscriber) enrollment
// from the first step.
func (r *AutomationRepo) UpsertEnrollment(ctx context.Context, e *domain.AutomationEnrollment) (*domain.AutomationEnrollment, error) {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return nil, err
	}
	if e.Metadata == nil {
		metadata = []byte(`{}`)
	}
	out, err := scanEnrollment(r.db.QueryRowContext(ctx, `
		INSERT INTO mailing_automation_enrollments (id, automation_id, subscriber_id, status, metadata, enrolled_at)
		VALUES ($1, $2, $3, 'active', $4, $5)
		ON CONFLICT (automation_id, subscriber_id) DO UPDATE
		SET status = 'active', current_step_id = NULL, metadata = EXCLUDED.metadata,
		    enrolled_at = EXCLUDED.enrolled_at, completed_at = NULL, cancelled_at = NULL, cancel_reason = ''
		RETURNING `+enrollmentColumns,
		uuid.New().String(), e.AutomationID, e.SubscriberID, metadata, e.EnrolledAt))
	if err != nil {
		return nil, fmt.Errorf("upsert enrollment: %w", err)
	}
	return out, nil
}

func (r *AutomationRepo) GetEnrollment(ctx context.Context, id string) (*domain.AutomationEnrollment, error) {
	e, err := scanEnrollment(r.db.QueryRowContext(ctx,
		`SELECT `+enrollmentColumns+` FROM mailing_automation_enrollments WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, automation.ErrEnrollmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get enrollment: %w", err)
	}
	return e, nil
}

// AdvanceEnrollment is a compare-and-set on current_step_id.
func (r *AutomationRepo) AdvanceEnrollment(ctx context.Context, id string, from *string, to string) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if from == nil {
		res, err = r.db.ExecContext(ctx, `
			UPDATE mailing_automation_enrollments SET current_step_id = $2
			WHERE id = $1 AND status = 'active' AND current_step_id IS NULL
		`, id, to)
	} else {
		res, err = r.db.ExecContext(ctx, `
			UPDATE mailing_automation_enrollments SET current_step_id = $2
			WHERE id = $1 AND status = 'active' AND current_step_id = $3
		`, id, to, *from)
	}
	if err != nil {
		return false, fmt.Errorf("advance enrollment: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *AutomationRepo) CompleteEnrollment(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE mailing_automation_enrollments SET status = 'completed', completed_at = $2
		WHERE id = $1 AND status = 'active'
	`, id, at)
	if err != nil {
		return false, fmt.Errorf("complete enrollment: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *AutomationRepo) CancelEnrollment(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE mailing_automation_enrollments SET status = 'cancelled', cancelled_at = $2, cancel_reason = $3
		WHERE id = $1 AND status = 'active'
	`, id, at, reason)
	if err != nil {
		return false, fmt.Errorf("cancel enrollment: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *AutomationRepo) ActiveEnrollmentsForSubscriber(ctx context.Context, subscriberID string) ([]domain.AutomationEnrollment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+enrollmentColumns+` FROM mailing_automation_enrollments
		 WHERE subscriber_id = $1 AND status = 'active' ORDER BY enrolled_at`, subscriberID)
	if err != nil {
		return nil, fmt.Errorf("active enrollments: %w", err)
	}
	defer rows.Close()

	var out []domain.AutomationEnrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}
