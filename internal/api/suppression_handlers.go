package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/service/suppression"
)

type SuppressionService interface {
	Suppress(ctx context.Context, orgID, email string, reason domain.SuppressionReason, campaignID string) error
	Remove(ctx context.Context, orgID, email string) error
	List(ctx context.Context, orgID string, filter suppression.ListFilter) ([]domain.Suppression, int, error)
}

// SuppressionHandlers serves /api/suppressions.
type SuppressionHandlers struct {
	svc SuppressionService
}

func NewSuppressionHandlers(svc SuppressionService) *SuppressionHandlers {
	return &SuppressionHandlers{svc: svc}
}

func (h *SuppressionHandlers) Mount(r chi.Router) {
	r.Get("/suppressions", h.List)
	r.Post("/suppressions", h.Add)
	r.Delete("/suppressions/{email}", h.Remove)
}

func (h *SuppressionHandlers) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePage(r, 100, 1000)
	items, total, err := h.svc.List(r.Context(), orgID(r), suppression.ListFilter{
		Reason: r.URL.Query().Get("reason"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if items == nil {
		items = []domain.Suppression{}
	}
	respondJSON(w, http.StatusOK, Page{Data: items, Total: total, Limit: limit, Offset: offset})
}

func (h *SuppressionHandlers) Add(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email  string                   `json:"email"`
		Reason domain.SuppressionReason `json:"reason"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Reason == "" {
		req.Reason = domain.ReasonManual
	}
	if err := h.svc.Suppress(r.Context(), orgID(r), req.Email, req.Reason, ""); err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SuppressionHandlers) Remove(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Remove(r.Context(), orgID(r), chi.URLParam(r, "email")); err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
