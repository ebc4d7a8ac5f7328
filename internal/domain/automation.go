package domain

import (
	"encoding/json"
	"time"
)

// TriggerKind identifies what starts an automation.
type TriggerKind string

const (
	TriggerListSubscribe TriggerKind = "list_subscribe"
	TriggerUserSignup    TriggerKind = "user_signup"
	TriggerCustomEvent   TriggerKind = "custom_event"
	TriggerDateBased     TriggerKind = "date_based"
)

// TriggerConfig filters which events enroll a subscriber.
// Conditions holds a serialized condition tree evaluated against the event.
type TriggerConfig struct {
	ListID     string          `json:"list_id,omitempty"`
	EventName  string          `json:"event_name,omitempty"`
	DateField  string          `json:"date_field,omitempty"`
	Conditions json.RawMessage `json:"conditions,omitempty"`
}

// Automation is a tenant-owned, trigger-driven sequence of steps.
type Automation struct {
	ID             string        `json:"id" db:"id"`
	OrganizationID string        `json:"organization_id" db:"organization_id"`
	Name           string        `json:"name" db:"name"`
	Trigger        TriggerKind   `json:"trigger" db:"trigger_kind"`
	TriggerConfig  TriggerConfig `json:"trigger_config" db:"trigger_config"`
	Active         bool          `json:"active" db:"active"`
	TotalEnrolled  int           `json:"total_enrolled" db:"total_enrolled"`
	TotalCompleted int           `json:"total_completed" db:"total_completed"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at" db:"updated_at"`
}

// DelayUnit is the unit of an automation step delay.
type DelayUnit string

const (
	DelayMinutes DelayUnit = "minutes"
	DelayHours   DelayUnit = "hours"
	DelayDays    DelayUnit = "days"
)

// StepAction is what a step does when it executes.
type StepAction string

const (
	ActionSendEmail StepAction = "send_email"
)

// AutomationStep is one position in an automation sequence.
type AutomationStep struct {
	ID           string          `json:"id" db:"id"`
	AutomationID string          `json:"automation_id" db:"automation_id"`
	Order        int             `json:"order" db:"step_order"`
	DelayAmount  int             `json:"delay_amount" db:"delay_amount"`
	DelayUnit    DelayUnit       `json:"delay_unit" db:"delay_unit"`
	Conditions   json.RawMessage `json:"conditions,omitempty" db:"conditions"`
	Action       StepAction      `json:"action" db:"action"`
	TemplateID   *string         `json:"template_id,omitempty" db:"template_id"`
	Content      Content         `json:"content" db:"content"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Delay converts the step's amount and unit into a duration.
func (s *AutomationStep) Delay() time.Duration {
	if s.DelayAmount <= 0 {
		return 0
	}
	n := time.Duration(s.DelayAmount)
	switch s.DelayUnit {
	case DelayHours:
		return n * time.Hour
	case DelayDays:
		return n * 24 * time.Hour
	default:
		return n * time.Minute
	}
}

// HasConditions reports whether the step is gated.
func (s *AutomationStep) HasConditions() bool {
	return len(s.Conditions) > 0 && string(s.Conditions) != "null"
}

// EnrollmentStatus enumerates the per-subscriber automation states.
type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentCompleted EnrollmentStatus = "completed"
	EnrollmentCancelled EnrollmentStatus = "cancelled"
)

// AutomationEnrollment is the per-subscriber cursor of a running automation.
type AutomationEnrollment struct {
	ID            string           `json:"id" db:"id"`
	AutomationID  string           `json:"automation_id" db:"automation_id"`
	SubscriberID  string           `json:"subscriber_id" db:"subscriber_id"`
	Status        EnrollmentStatus `json:"status" db:"status"`
	CurrentStepID *string          `json:"current_step_id" db:"current_step_id"`
	Metadata      map[string]any   `json:"metadata,omitempty" db:"metadata"`
	EnrolledAt    time.Time        `json:"enrolled_at" db:"enrolled_at"`
	CompletedAt   *time.Time       `json:"completed_at" db:"completed_at"`
	CancelledAt   *time.Time       `json:"cancelled_at" db:"cancelled_at"`
	CancelReason  string           `json:"cancel_reason,omitempty" db:"cancel_reason"`
}
