package mailing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
)

var (
	// ErrInvalidSignature is returned when a tracking link was tampered with.
	ErrInvalidSignature = errors.New("mailing: invalid tracking signature")
	// ErrMalformedToken is returned when a tracking payload cannot be decoded.
	ErrMalformedToken = errors.New("mailing: malformed tracking token")
)

// TrackingIDs identifies the message a tracking link belongs to.
type TrackingIDs struct {
	OrganizationID string
	CampaignID     string
	SubscriberID   string
	MessageID      string
}

func (ids TrackingIDs) fields() []string {
	return []string{ids.OrganizationID, ids.CampaignID, ids.SubscriberID, ids.MessageID}
}

// Tracker builds and verifies signed open, click and unsubscribe links.
type Tracker struct {
	baseURL    string
	signingKey []byte
}

// NewTracker creates a tracker rooted at baseURL.
func NewTracker(baseURL, signingKey string) *Tracker {
	return &Tracker{
		baseURL:    strings.TrimRight(baseURL, "/"),
		signingKey: []byte(signingKey),
	}
}

func (t *Tracker) sign(data string) string {
	h := hmac.New(sha256.New, t.signingKey)
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func (t *Tracker) link(kind string, parts []string) string {
	data := base64.RawURLEncoding.EncodeToString([]byte(strings.Join(parts, "|")))
	return fmt.Sprintf("%s/track/%s/%s/%s", t.baseURL, kind, data, t.sign(data))
}

// PixelURL returns the open-tracking image URL.
func (t *Tracker) PixelURL(ids TrackingIDs) string {
	return t.link("open", ids.fields())
}

// ClickURL wraps a destination URL in a tracked redirect.
func (t *Tracker) ClickURL(ids TrackingIDs, target string) string {
	return t.link("click", append(ids.fields(), target))
}

// UnsubscribeURL returns the one-click unsubscribe URL.
func (t *Tracker) UnsubscribeURL(ids TrackingIDs) string {
	return t.link("unsubscribe", ids.fields())
}

// Headers returns the RFC 8058 list-unsubscribe headers.
func (t *Tracker) Headers(ids TrackingIDs) map[string]string {
	return map[string]string{
		"List-Unsubscribe":      "<" + t.UnsubscribeURL(ids) + ">",
		"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
	}
}

var hrefPattern = regexp.MustCompile(`href="(https?://[^"]+)"`)

// InjectTracking rewrites outbound links and appends the open pixel.
func (t *Tracker) InjectTracking(html string, ids TrackingIDs) string {
	html = hrefPattern.ReplaceAllStringFunc(html, func(m string) string {
		target := hrefPattern.FindStringSubmatch(m)[1]
		if strings.HasPrefix(target, t.baseURL+"/track/") || strings.Contains(target, "unsubscribe") {
			return m
		}
		return `href="` + t.ClickURL(ids, target) + `"`
	})

	pixel := fmt.Sprintf(`<img src="%s" width="1" height="1" alt="" style="display:none" />`, t.PixelURL(ids))
	if idx := strings.LastIndex(strings.ToLower(html), "</body>"); idx >= 0 {
		return html[:idx] + pixel + html[idx:]
	}
	return html + pixel
}

// Decode verifies a tracking link and turns it into an engagement event.
// kind is the path segment the link was served under.
func (t *Tracker) Decode(kind, data, sig string) (domain.TrackingEvent, error) {
	if !hmac.Equal([]byte(t.sign(data)), []byte(sig)) {
		return domain.TrackingEvent{}, ErrInvalidSignature
	}
	raw, err := base64.RawURLEncoding.DecodeString(data)
	if err != nil {
		return domain.TrackingEvent{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	parts := strings.SplitN(string(raw), "|", 5)
	if len(parts) < 4 {
		return domain.TrackingEvent{}, ErrMalformedToken
	}

	ev := domain.TrackingEvent{
		OrganizationID: parts[0],
		CampaignID:     parts[1],
		SubscriberID:   parts[2],
		OccurredAt:     time.Now().UTC(),
	}
	switch kind {
	case "open":
		ev.EventType = domain.EventOpen
	case "click":
		if len(parts) < 5 || parts[4] == "" {
			return domain.TrackingEvent{}, ErrMalformedToken
		}
		ev.EventType = domain.EventClick
		ev.URL = parts[4]
	case "unsubscribe":
		ev.EventType = domain.EventUnsubscribe
	default:
		return domain.TrackingEvent{}, fmt.Errorf("%w: unknown kind %q", ErrMalformedToken, kind)
	}
	return ev, nil
}
