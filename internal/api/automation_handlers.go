package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/campaign-engine/internal/automation"
	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/eventbus"
)

// AutomationService is the part of the automation engine exposed over HTTP.
type AutomationService interface {
	AddStep(ctx context.Context, automationID string, in automation.StepInput) (*domain.AutomationStep, error)
	RemoveStep(ctx context.Context, automationID, stepID string) error
	Enroll(ctx context.Context, a *domain.Automation, subscriberID string, metadata map[string]any) (*domain.AutomationEnrollment, error)
	CancelEnrollment(ctx context.Context, enrollmentID, reason string) error
}

// AutomationReader looks up automations for tenant checks and listings.
type AutomationReader interface {
	GetAutomation(ctx context.Context, id string) (*domain.Automation, error)
	ListSteps(ctx context.Context, automationID string) ([]domain.AutomationStep, error)
	GetEnrollment(ctx context.Context, id string) (*domain.AutomationEnrollment, error)
}

// AutomationHandlers serves /api/automations, /api/enrollments and the
// trigger ingest endpoint.
type AutomationHandlers struct {
	engine AutomationService
	store  AutomationReader
	events eventbus.Emitter
	now    func() time.Time
}

func NewAutomationHandlers(engine AutomationService, store AutomationReader, events eventbus.Emitter) *AutomationHandlers {
	if events == nil {
		events = eventbus.Nop{}
	}
	return &AutomationHandlers{engine: engine, store: store, events: events, now: time.Now}
}

func (h *AutomationHandlers) Mount(r chi.Router) {
	r.Route("/automations/{id}", func(r chi.Router) {
		r.Get("/steps", h.ListSteps)
		r.Post("/steps", h.AddStep)
		r.Delete("/steps/{stepID}", h.RemoveStep)
		r.Post("/enrollments", h.Enroll)
	})
	r.Delete("/enrollments/{id}", h.CancelEnrollment)
	r.Post("/events", h.Ingest)
}

// automation loads the automation named in the URL and hides other tenants'
// automations behind a 404.
func (h *AutomationHandlers) automation(r *http.Request) (*domain.Automation, error) {
	a, err := h.store.GetAutomation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	if a.OrganizationID != orgID(r) {
		return nil, automation.ErrNotFound
	}
	return a, nil
}

func (h *AutomationHandlers) ListSteps(w http.ResponseWriter, r *http.Request) {
	a, err := h.automation(r)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	steps, err := h.store.ListSteps(r.Context(), a.ID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if steps == nil {
		steps = []domain.AutomationStep{}
	}
	respondJSON(w, http.StatusOK, steps)
}

func (h *AutomationHandlers) AddStep(w http.ResponseWriter, r *http.Request) {
	a, err := h.automation(r)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	var in automation.StepInput
	if err := decodeJSON(w, r, &in); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	step, err := h.engine.AddStep(r.Context(), a.ID, in)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, step)
}

func (h *AutomationHandlers) RemoveStep(w http.ResponseWriter, r *http.Request) {
	a, err := h.automation(r)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if err := h.engine.RemoveStep(r.Context(), a.ID, chi.URLParam(r, "stepID")); err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AutomationHandlers) Enroll(w http.ResponseWriter, r *http.Request) {
	a, err := h.automation(r)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	var req struct {
		SubscriberID string         `json:"subscriber_id"`
		Metadata     map[string]any `json:"metadata"`
	}
	if err := decodeJSON(w, r, &req); err != nil || req.SubscriberID == "" {
		respondError(w, http.StatusBadRequest, "subscriber_id is required")
		return
	}
	enr, err := h.engine.Enroll(r.Context(), a, req.SubscriberID, req.Metadata)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, enr)
}

func (h *AutomationHandlers) CancelEnrollment(w http.ResponseWriter, r *http.Request) {
	enr, err := h.store.GetEnrollment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	a, err := h.store.GetAutomation(r.Context(), enr.AutomationID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if a.OrganizationID != orgID(r) {
		respondServiceError(w, automation.ErrEnrollmentNotFound)
		return
	}
	if err := h.engine.CancelEnrollment(r.Context(), enr.ID, automation.ReasonManual); err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Ingest accepts an external trigger event and hands it to the bus. The
// automation engine consumes it asynchronously.
func (h *AutomationHandlers) Ingest(w http.ResponseWriter, r *http.Request) {
	var ev eventbus.TriggerEvent
	if err := decodeJSON(w, r, &ev); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if ev.Kind == "" || ev.SubscriberID == "" {
		respondError(w, http.StatusBadRequest, "kind and subscriber_id are required")
		return
	}
	ev.OrganizationID = orgID(r)
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = h.now().UTC()
	}
	h.events.Emit(r.Context(), eventbus.AutomationTriggered, ev)
	w.WriteHeader(http.StatusAccepted)
}
