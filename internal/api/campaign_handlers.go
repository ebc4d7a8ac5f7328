package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/service/abtest"
	"github.com/ignite/campaign-engine/internal/service/campaign"
)

// CampaignService is the campaign lifecycle surface the handlers drive.
type CampaignService interface {
	Get(ctx context.Context, orgID, id string) (*domain.Campaign, error)
	List(ctx context.Context, orgID string, f campaign.ListFilter) ([]domain.Campaign, int, error)
	Create(ctx context.Context, orgID string, in campaign.CreateInput) (*domain.Campaign, error)
	Update(ctx context.Context, orgID, id string, u campaign.UpdateFields) (*domain.Campaign, error)
	Duplicate(ctx context.Context, orgID, id string) (*domain.Campaign, error)
	Schedule(ctx context.Context, orgID, id string, at time.Time) (*domain.Campaign, error)
	Send(ctx context.Context, orgID, id string) error
	Pause(ctx context.Context, orgID, id string) error
	Resume(ctx context.Context, orgID, id string) error
	Cancel(ctx context.Context, orgID, id string) error
	SendTest(ctx context.Context, orgID, id string, emails []string) (int, error)
	RefreshStats(ctx context.Context, orgID, id string) (domain.CampaignStats, error)
}

// VariantService manages A/B variants of a draft campaign.
type VariantService interface {
	CreateVariants(ctx context.Context, c *domain.Campaign, inputs []abtest.VariantInput) ([]domain.ABTestVariant, error)
	CalculateResults(ctx context.Context, campaignID string) ([]domain.VariantMetrics, error)
}

// CampaignHandlers serves /api/campaigns.
type CampaignHandlers struct {
	campaigns CampaignService
	variants  VariantService
}

func NewCampaignHandlers(campaigns CampaignService, variants VariantService) *CampaignHandlers {
	return &CampaignHandlers{campaigns: campaigns, variants: variants}
}

// Mount registers the campaign routes.
func (h *CampaignHandlers) Mount(r chi.Router) {
	r.Route("/campaigns", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Create)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Patch("/", h.Update)
			r.Post("/duplicate", h.Duplicate)
			r.Post("/schedule", h.Schedule)
			r.Post("/send", h.lifecycle(h.campaigns.Send))
			r.Post("/pause", h.lifecycle(h.campaigns.Pause))
			r.Post("/resume", h.lifecycle(h.campaigns.Resume))
			r.Post("/cancel", h.lifecycle(h.campaigns.Cancel))
			r.Post("/test", h.SendTest)
			r.Get("/stats", h.Stats)
			r.Post("/variants", h.CreateVariants)
			r.Get("/variants", h.VariantResults)
		})
	})
}

func (h *CampaignHandlers) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePage(r, 50, 200)
	items, total, err := h.campaigns.List(r.Context(), orgID(r), campaign.ListFilter{
		Status: r.URL.Query().Get("status"),
		Search: r.URL.Query().Get("search"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if items == nil {
		items = []domain.Campaign{}
	}
	respondJSON(w, http.StatusOK, Page{Data: items, Total: total, Limit: limit, Offset: offset})
}

func (h *CampaignHandlers) Create(w http.ResponseWriter, r *http.Request) {
	var in campaign.CreateInput
	if err := decodeJSON(w, r, &in); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	c, err := h.campaigns.Create(r.Context(), orgID(r), in)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, c)
}

func (h *CampaignHandlers) Get(w http.ResponseWriter, r *http.Request) {
	c, err := h.campaigns.Get(r.Context(), orgID(r), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

type updateCampaignRequest struct {
	Name              *string              `json:"name"`
	Subject           *string              `json:"subject"`
	FromName          *string              `json:"from_name"`
	FromEmail         *string              `json:"from_email"`
	ReplyTo           *string              `json:"reply_to"`
	HTMLContent       *string              `json:"html_content"`
	TextContent       *string              `json:"text_content"`
	IncludeSegmentIDs []string             `json:"include_segment_ids"`
	ExcludeSegmentIDs []string             `json:"exclude_segment_ids"`
	ABTest            *domain.ABTestConfig `json:"ab_test"`
}

func (h *CampaignHandlers) Update(w http.ResponseWriter, r *http.Request) {
	var req updateCampaignRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	c, err := h.campaigns.Update(r.Context(), orgID(r), chi.URLParam(r, "id"), campaign.UpdateFields{
		Name:              req.Name,
		Subject:           req.Subject,
		FromName:          req.FromName,
		FromEmail:         req.FromEmail,
		ReplyTo:           req.ReplyTo,
		HTMLContent:       req.HTMLContent,
		TextContent:       req.TextContent,
		IncludeSegmentIDs: req.IncludeSegmentIDs,
		ExcludeSegmentIDs: req.ExcludeSegmentIDs,
		ABTest:            req.ABTest,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (h *CampaignHandlers) Duplicate(w http.ResponseWriter, r *http.Request) {
	c, err := h.campaigns.Duplicate(r.Context(), orgID(r), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, c)
}

func (h *CampaignHandlers) Schedule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScheduledAt time.Time `json:"scheduled_at"`
	}
	if err := decodeJSON(w, r, &req); err != nil || req.ScheduledAt.IsZero() {
		respondError(w, http.StatusBadRequest, "scheduled_at is required (RFC 3339)")
		return
	}
	c, err := h.campaigns.Schedule(r.Context(), orgID(r), chi.URLParam(r, "id"), req.ScheduledAt)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// lifecycle wraps a transition that returns only an error. The response is
// the campaign as it stands afterwards.
func (h *CampaignHandlers) lifecycle(fn func(ctx context.Context, orgID, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := fn(r.Context(), orgID(r), id); err != nil {
			respondServiceError(w, err)
			return
		}
		c, err := h.campaigns.Get(r.Context(), orgID(r), id)
		if err != nil {
			respondServiceError(w, err)
			return
		}
		respondJSON(w, http.StatusAccepted, c)
	}
}

func (h *CampaignHandlers) SendTest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Emails []string `json:"emails"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sent, err := h.campaigns.SendTest(r.Context(), orgID(r), chi.URLParam(r, "id"), req.Emails)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"sent": sent})
}

func (h *CampaignHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.campaigns.RefreshStats(r.Context(), orgID(r), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (h *CampaignHandlers) CreateVariants(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Variants []abtest.VariantInput `json:"variants"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	c, err := h.campaigns.Get(r.Context(), orgID(r), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	variants, err := h.variants.CreateVariants(r.Context(), c, req.Variants)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, variants)
}

func (h *CampaignHandlers) VariantResults(w http.ResponseWriter, r *http.Request) {
	c, err := h.campaigns.Get(r.Context(), orgID(r), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	results, err := h.variants.CalculateResults(r.Context(), c.ID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, results)
}
