package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/campaign-engine/internal/segmentation"
)

// SegmentEvaluator counts and recounts segment audiences.
type SegmentEvaluator interface {
	Size(ctx context.Context, orgID, listID string, tree segmentation.Tree) (int, error)
	CachedSize(ctx context.Context, orgID, segmentID string) (int, error)
	Recalculate(ctx context.Context, orgID, segmentID string) (int, error)
	UpdateConditions(ctx context.Context, orgID, segmentID string, tree segmentation.Tree) (int, error)
}

// SegmentStore persists segment definitions.
type SegmentStore interface {
	Create(ctx context.Context, seg *segmentation.Segment) error
	Get(ctx context.Context, orgID, segmentID string) (*segmentation.Segment, error)
	List(ctx context.Context, orgID, listID string) ([]*segmentation.Segment, error)
	Delete(ctx context.Context, orgID, segmentID string) error
}

// SegmentHandlers serves /api/segments.
type SegmentHandlers struct {
	eval  SegmentEvaluator
	store SegmentStore
}

func NewSegmentHandlers(eval SegmentEvaluator, store SegmentStore) *SegmentHandlers {
	return &SegmentHandlers{eval: eval, store: store}
}

func (h *SegmentHandlers) Mount(r chi.Router) {
	r.Route("/segments", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Create)
		r.Post("/preview", h.Preview)
		r.Get("/{id}", h.Get)
		r.Delete("/{id}", h.Delete)
		r.Put("/{id}/conditions", h.UpdateConditions)
		r.Post("/{id}/recalculate", h.Recalculate)
	})
}

func (h *SegmentHandlers) List(w http.ResponseWriter, r *http.Request) {
	segs, err := h.store.List(r.Context(), orgID(r), r.URL.Query().Get("list_id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if segs == nil {
		segs = []*segmentation.Segment{}
	}
	respondJSON(w, http.StatusOK, segs)
}

func (h *SegmentHandlers) Create(w http.ResponseWriter, r *http.Request) {
	var seg segmentation.Segment
	if err := decodeJSON(w, r, &seg); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if seg.Name == "" {
		respondError(w, http.StatusUnprocessableEntity, "name is required")
		return
	}
	seg.ID = ""
	seg.OrganizationID = orgID(r)
	if err := h.store.Create(r.Context(), &seg); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, seg)
}

// Preview counts a tree without saving it.
func (h *SegmentHandlers) Preview(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ListID     string            `json:"list_id"`
		Conditions segmentation.Tree `json:"conditions"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	n, err := h.eval.Size(r.Context(), orgID(r), req.ListID, req.Conditions)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"subscriber_count": n})
}

func (h *SegmentHandlers) Get(w http.ResponseWriter, r *http.Request) {
	seg, err := h.store.Get(r.Context(), orgID(r), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if n, err := h.eval.CachedSize(r.Context(), seg.OrganizationID, seg.ID); err == nil {
		seg.SubscriberCount = n
	}
	respondJSON(w, http.StatusOK, seg)
}

func (h *SegmentHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Delete(r.Context(), orgID(r), chi.URLParam(r, "id")); err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SegmentHandlers) UpdateConditions(w http.ResponseWriter, r *http.Request) {
	var tree segmentation.Tree
	if err := decodeJSON(w, r, &tree); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	n, err := h.eval.UpdateConditions(r.Context(), orgID(r), chi.URLParam(r, "id"), tree)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"subscriber_count": n})
}

func (h *SegmentHandlers) Recalculate(w http.ResponseWriter, r *http.Request) {
	n, err := h.eval.Recalculate(r.Context(), orgID(r), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"subscriber_count": n})
}
