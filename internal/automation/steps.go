package automation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/segmentation"
)

// StepInput describes a step to add. Order is the zero-based position to
// insert at; values past the end append.
type StepInput struct {
	Order       int              `json:"order" validate:"min=0"`
	DelayAmount int              `json:"delay_amount" validate:"min=0"`
	DelayUnit   domain.DelayUnit `json:"delay_unit" validate:"omitempty,oneof=minutes hours days"`
	Conditions  json.RawMessage  `json:"conditions,omitempty"`
	Action      string           `json:"action" validate:"omitempty,oneof=send_email"`
	TemplateID  *string          `json:"template_id,omitempty"`
	Content     domain.Content   `json:"content"`
}

// AddStep inserts a step and renumbers the automation's steps densely.
func (e *Engine) AddStep(ctx context.Context, automationID string, in StepInput) (*domain.AutomationStep, error) {
	if err := e.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("invalid step: %w", err)
	}
	if _, err := segmentation.ParseTree(in.Conditions); err != nil {
		return nil, fmt.Errorf("invalid step conditions: %w", err)
	}
	if _, err := e.Store.GetAutomation(ctx, automationID); err != nil {
		return nil, err
	}
	steps, err := e.Store.ListSteps(ctx, automationID)
	if err != nil {
		return nil, err
	}

	pos := min(in.Order, len(steps))
	action := domain.StepAction(in.Action)
	if action == "" {
		action = domain.ActionSendEmail
	}
	unit := in.DelayUnit
	if unit == "" {
		unit = domain.DelayMinutes
	}
	step := &domain.AutomationStep{
		ID:           uuid.New().String(),
		AutomationID: automationID,
		Order:        pos,
		DelayAmount:  in.DelayAmount,
		DelayUnit:    unit,
		Conditions:   in.Conditions,
		Action:       action,
		TemplateID:   in.TemplateID,
		Content:      in.Content,
		CreatedAt:    e.now().UTC(),
	}
	ids := make([]string, 0, len(steps)+1)
	for i, s := range steps {
		if i == pos {
			ids = append(ids, step.ID)
		}
		ids = append(ids, s.ID)
	}
	if pos == len(steps) {
		ids = append(ids, step.ID)
	}
	if err := e.Store.InsertStepAt(ctx, step, ids); err != nil {
		return nil, fmt.Errorf("insert step: %w", err)
	}
	return step, nil
}

// RemoveStep deletes a step and closes the gap in the ordering.
func (e *Engine) RemoveStep(ctx context.Context, automationID, stepID string) error {
	steps, err := e.Store.ListSteps(ctx, automationID)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(steps))
	found := false
	for _, s := range steps {
		if s.ID == stepID {
			found = true
			continue
		}
		ids = append(ids, s.ID)
	}
	if !found {
		return ErrStepNotFound
	}
	if err := e.Store.DeleteStepAndRenumber(ctx, automationID, stepID, ids); err != nil {
		return fmt.Errorf("delete step: %w", err)
	}
	return nil
}
