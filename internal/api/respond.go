package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/ignite/campaign-engine/internal/automation"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/segmentation"
	"github.com/ignite/campaign-engine/internal/service/abtest"
	"github.com/ignite/campaign-engine/internal/service/campaign"
	"github.com/ignite/campaign-engine/internal/service/suppression"
)

type orgKey struct{}

// OrgHeader carries the tenant for every /api request.
const OrgHeader = "X-Organization-ID"

// requireOrg rejects requests without an organization header and stores it
// on the context.
func requireOrg(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		orgID := r.Header.Get(OrgHeader)
		if orgID == "" {
			respondError(w, http.StatusUnauthorized, "missing "+OrgHeader+" header")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), orgKey{}, orgID)))
	})
}

func orgID(r *http.Request) string {
	id, _ := r.Context().Value(orgKey{}).(string)
	return id
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20)).Decode(v)
}

// respondServiceError maps service sentinel errors onto HTTP statuses.
func respondServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error("api request failed", "error", err)
		respondError(w, status, "internal error")
		return
	}
	respondError(w, status, err.Error())
}

func statusFor(err error) int {
	var verr validator.ValidationErrors
	switch {
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, campaign.ErrNotFound),
		errors.Is(err, automation.ErrNotFound),
		errors.Is(err, automation.ErrEnrollmentNotFound),
		errors.Is(err, automation.ErrStepNotFound),
		errors.Is(err, suppression.ErrNotFound),
		errors.Is(err, segmentation.ErrSegmentNotFound):
		return http.StatusNotFound
	case errors.Is(err, campaign.ErrInvalidTransition),
		errors.Is(err, campaign.ErrAlreadySending),
		errors.Is(err, campaign.ErrNotEditable),
		errors.Is(err, campaign.ErrSendInProgress),
		errors.Is(err, abtest.ErrNotDraft),
		errors.Is(err, automation.ErrInactive):
		return http.StatusConflict
	case errors.Is(err, campaign.ErrMissingList),
		errors.Is(err, campaign.ErrNoRecipients),
		errors.Is(err, campaign.ErrScheduleInPast),
		errors.Is(err, campaign.ErrNoTestEmails),
		errors.Is(err, abtest.ErrInvalidWeights),
		errors.Is(err, abtest.ErrVariantCount),
		errors.Is(err, abtest.ErrNotABTest),
		errors.Is(err, abtest.ErrNoVariants),
		errors.Is(err, automation.ErrUnknownTrigger),
		errors.Is(err, segmentation.ErrUnsupportedCondition),
		errors.Is(err, suppression.ErrEmailMissing):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// Page is a paginated list response.
type Page struct {
	Data   interface{} `json:"data"`
	Total  int         `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

// parsePage reads limit/offset with a default and a cap on limit.
func parsePage(r *http.Request, defaultLimit, maxLimit int) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if limit < 1 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
