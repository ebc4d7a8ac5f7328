package domain

import "time"

// ABTestVariant is one arm of a campaign split test.
type ABTestVariant struct {
	ID          string          `json:"id" db:"id"`
	CampaignID  string          `json:"campaign_id" db:"campaign_id"`
	Name        string          `json:"name" db:"name"`
	Weight      int             `json:"weight" db:"weight"`
	Subject     string          `json:"subject" db:"subject"`
	HTMLContent string          `json:"html_content" db:"html_content"`
	TextContent string          `json:"text_content" db:"text_content"`
	Position    int             `json:"position" db:"position"`
	IsWinner    bool            `json:"is_winner" db:"is_winner"`
	Metrics     *VariantMetrics `json:"metrics,omitempty" db:"metrics"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Apply overlays the variant's overrides on top of the campaign content.
func (v *ABTestVariant) Apply(base Content) Content {
	if v.Subject != "" {
		base.Subject = v.Subject
	}
	if v.HTMLContent != "" {
		base.HTMLContent = v.HTMLContent
	}
	if v.TextContent != "" {
		base.TextContent = v.TextContent
	}
	return base
}

// VariantMetrics is the per-variant engagement snapshot.
type VariantMetrics struct {
	VariantID      string  `json:"variant_id"`
	Sent           int     `json:"sent"`
	Opens          int     `json:"opens"`
	Clicks         int     `json:"clicks"`
	Conversions    int     `json:"conversions"`
	OpenRate       float64 `json:"open_rate"`
	ClickRate      float64 `json:"click_rate"`
	ConversionRate float64 `json:"conversion_rate"`
	Confidence     float64 `json:"confidence,omitempty"`
}

// Rate returns the rate used to rank variants for the given metric.
func (m VariantMetrics) Rate(metric WinnerMetric) float64 {
	switch metric {
	case MetricClicks:
		return m.ClickRate
	case MetricConversions:
		return m.ConversionRate
	default:
		return m.OpenRate
	}
}

// Count returns the raw success count for the given metric.
func (m VariantMetrics) Count(metric WinnerMetric) int {
	switch metric {
	case MetricClicks:
		return m.Clicks
	case MetricConversions:
		return m.Conversions
	default:
		return m.Opens
	}
}
