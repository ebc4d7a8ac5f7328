package tracking

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/mailing"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// 1x1 transparent GIF
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x2c,
	0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02,
	0x02, 0x44, 0x01, 0x00, 0x3b,
}

const unsubscribedPage = `<!DOCTYPE html><html><body style="font-family:Arial,sans-serif;text-align:center;padding:50px;">
<h1>You have been unsubscribed</h1>
<p>You will no longer receive these emails.</p>
</body></html>`

// Decoder verifies a signed tracking link.
type Decoder interface {
	Decode(kind, data, sig string) (domain.TrackingEvent, error)
}

// Handler serves the tracking endpoints.
type Handler struct {
	links Decoder
	pub   *Publisher
	log   *logger.Logger
}

func NewHandler(links Decoder, pub *Publisher) *Handler {
	return &Handler{links: links, pub: pub, log: logger.With("component", "tracking")}
}

// Mount registers the tracking routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/track/open/{data}/{sig}", h.HandleOpen)
	r.Get("/track/click/{data}/{sig}", h.HandleClick)
	r.Get("/track/unsubscribe/{data}/{sig}", h.HandleUnsubscribe)
	// RFC 8058 one-click unsubscribe.
	r.Post("/track/unsubscribe/{data}/{sig}", h.HandleUnsubscribe)
}

func (h *Handler) decode(r *http.Request, kind string) (domain.TrackingEvent, error) {
	return h.links.Decode(kind, chi.URLParam(r, "data"), chi.URLParam(r, "sig"))
}

func (h *Handler) publish(r *http.Request, ev domain.TrackingEvent) {
	h.pub.Publish(r.Context(), Message{
		TrackingEvent: ev,
		IPAddress:     realIP(r),
		UserAgent:     r.UserAgent(),
	})
}

// HandleOpen always answers with the pixel so mail clients never show a
// broken image.
func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	ev, err := h.decode(r, "open")
	if err != nil {
		h.log.Debug("rejected open link", "error", err)
	} else {
		h.publish(r, ev)
	}
	servePixel(w)
}

func (h *Handler) HandleClick(w http.ResponseWriter, r *http.Request) {
	ev, err := h.decode(r, "click")
	if err != nil {
		h.log.Warn("rejected click link", "error", err, "ip", realIP(r))
		http.Error(w, "bad link", http.StatusBadRequest)
		return
	}
	h.publish(r, ev)
	http.Redirect(w, r, ev.URL, http.StatusTemporaryRedirect)
}

func (h *Handler) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	ev, err := h.decode(r, "unsubscribe")
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, mailing.ErrInvalidSignature) {
			status = http.StatusForbidden
		}
		http.Error(w, "bad link", status)
		return
	}
	h.publish(r, ev)
	h.log.Info("unsubscribe received", "campaign_id", ev.CampaignID, "subscriber_id", ev.SubscriberID)

	if r.Method == http.MethodPost {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(unsubscribedPage))
}

func servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Write(pixelGIF)
}

func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
