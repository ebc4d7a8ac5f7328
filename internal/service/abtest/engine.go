// Package abtest assigns campaign recipients to split-test variants, picks a
// winner once the test window closes and releases the held-back control group.
package abtest

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/eventbus"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

const (
	minVariants = 2
	maxVariants = 10

	// significanceLevel is the confidence a two-variant result needs to be
	// considered statistically sound.
	significanceLevel = 95.0
	maxConfidence     = 99.9
)

// Repository persists variants and their assignments.
type Repository interface {
	CreateVariants(ctx context.Context, variants []domain.ABTestVariant) error
	// ListVariants returns variants in creation order.
	ListVariants(ctx context.Context, campaignID string) ([]domain.ABTestVariant, error)
	// AssignVariant sets variant_id on the campaign's recipient rows for the
	// given subscribers and returns how many rows changed.
	AssignVariant(ctx context.Context, campaignID, variantID string, subscriberIDs []string) (int, error)
	// VariantCounts aggregates sent/open/click/conversion counts per variant.
	VariantCounts(ctx context.Context, campaignID string) (map[string]domain.VariantMetrics, error)
	SaveMetrics(ctx context.Context, variantID string, m domain.VariantMetrics) error
	// MarkWinner flags the variant and records it on the campaign.
	MarkWinner(ctx context.Context, campaignID, variantID string) error
}

// VariantInput describes one variant to create.
type VariantInput struct {
	Name        string `json:"name" validate:"required,max=100"`
	Weight      int    `json:"weight" validate:"min=1,max=100"`
	Subject     string `json:"subject"`
	HTMLContent string `json:"html_content"`
	TextContent string `json:"text_content"`
}

// Assignment is the outcome of splitting an audience.
type Assignment struct {
	// Variants maps variant ID to its share of the test group.
	Variants map[string][]string
	Control  []string
}

// TestSize returns the number of subscribers in the test group.
func (a Assignment) TestSize() int {
	n := 0
	for _, ids := range a.Variants {
		n += len(ids)
	}
	return n
}

// Winner is the result of DetermineWinner.
type Winner struct {
	Variant     domain.ABTestVariant
	Metric      domain.WinnerMetric
	Results     []domain.VariantMetrics
	Confidence  float64
	Significant bool
}

// Engine runs A/B tests.
type Engine struct {
	repo     Repository
	control  ControlStore
	events   eventbus.Emitter
	validate *validator.Validate
	log      *logger.Logger
	now      func() time.Time

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewEngine creates an engine.
func NewEngine(repo Repository, control ControlStore, events eventbus.Emitter) *Engine {
	if events == nil {
		events = eventbus.Nop{}
	}
	return &Engine{
		repo:     repo,
		control:  control,
		events:   events,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      logger.With("component", "abtest"),
		now:      time.Now,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetRand replaces the shuffle source.
func (e *Engine) SetRand(r *rand.Rand) {
	e.mu.Lock()
	e.rnd = r
	e.mu.Unlock()
}

// SetClock replaces the time source.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// CreateVariants validates and stores the variants of a draft campaign.
func (e *Engine) CreateVariants(ctx context.Context, c *domain.Campaign, inputs []VariantInput) ([]domain.ABTestVariant, error) {
	if c.Status != domain.CampaignDraft {
		return nil, ErrNotDraft
	}
	if len(inputs) < minVariants || len(inputs) > maxVariants {
		return nil, ErrVariantCount
	}

	total := 0
	for i := range inputs {
		if err := e.validate.Struct(inputs[i]); err != nil {
			return nil, fmt.Errorf("variant %d: %w", i, err)
		}
		total += inputs[i].Weight
	}
	if total != 100 {
		return nil, ErrInvalidWeights
	}

	now := e.now().UTC()
	variants := make([]domain.ABTestVariant, len(inputs))
	for i, in := range inputs {
		variants[i] = domain.ABTestVariant{
			ID:          uuid.New().String(),
			CampaignID:  c.ID,
			Name:        in.Name,
			Weight:      in.Weight,
			Subject:     in.Subject,
			HTMLContent: in.HTMLContent,
			TextContent: in.TextContent,
			Position:    i,
			CreatedAt:   now,
		}
	}
	if err := e.repo.CreateVariants(ctx, variants); err != nil {
		return nil, fmt.Errorf("create variants: %w", err)
	}
	return variants, nil
}

// CopyVariants recreates the variants of srcCampaignID on the draft dst. A
// source without variants copies nothing.
func (e *Engine) CopyVariants(ctx context.Context, srcCampaignID string, dst *domain.Campaign) ([]domain.ABTestVariant, error) {
	src, err := e.repo.ListVariants(ctx, srcCampaignID)
	if err != nil {
		return nil, fmt.Errorf("list variants: %w", err)
	}
	if len(src) == 0 {
		return nil, nil
	}
	inputs := make([]VariantInput, len(src))
	for i, v := range src {
		inputs[i] = VariantInput{
			Name:        v.Name,
			Weight:      v.Weight,
			Subject:     v.Subject,
			HTMLContent: v.HTMLContent,
			TextContent: v.TextContent,
		}
	}
	return e.CreateVariants(ctx, dst, inputs)
}

// AssignRecipientsToVariants shuffles the audience, splits off the test group
// across variants by weight and holds the rest back as the control group.
func (e *Engine) AssignRecipientsToVariants(ctx context.Context, campaignID string, subscriberIDs []string, testPercentage int) (Assignment, error) {
	variants, err := e.repo.ListVariants(ctx, campaignID)
	if err != nil {
		return Assignment{}, fmt.Errorf("list variants: %w", err)
	}
	if len(variants) == 0 {
		return Assignment{}, ErrNoVariants
	}

	a := e.split(variants, subscriberIDs, testPercentage)

	for _, v := range variants {
		ids := a.Variants[v.ID]
		if len(ids) == 0 {
			continue
		}
		if _, err := e.repo.AssignVariant(ctx, campaignID, v.ID, ids); err != nil {
			return Assignment{}, fmt.Errorf("assign variant %s: %w", v.Name, err)
		}
	}
	if len(a.Control) > 0 {
		if err := e.control.Save(ctx, campaignID, a.Control); err != nil {
			return Assignment{}, err
		}
	}

	e.log.Info("ab test assigned", "campaign_id", campaignID, "test_group", a.TestSize(),
		"control_group", len(a.Control), "variants", len(variants))
	return a, nil
}

// split is the pure partitioning step of AssignRecipientsToVariants.
func (e *Engine) split(variants []domain.ABTestVariant, subscriberIDs []string, testPercentage int) Assignment {
	ids := append([]string(nil), subscriberIDs...)
	e.mu.Lock()
	e.rnd.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	e.mu.Unlock()

	if testPercentage < 0 {
		testPercentage = 0
	}
	if testPercentage > 100 {
		testPercentage = 100
	}
	testSize := len(ids) * testPercentage / 100
	test, control := ids[:testSize], ids[testSize:]

	a := Assignment{Variants: make(map[string][]string, len(variants)), Control: control}
	offset := 0
	for i, v := range variants {
		share := testSize * v.Weight / 100
		if i == len(variants)-1 {
			share = testSize - offset
		}
		a.Variants[v.ID] = test[offset : offset+share]
		offset += share
	}
	return a
}

// CalculateResults computes per-variant rates in creation order.
func (e *Engine) CalculateResults(ctx context.Context, campaignID string) ([]domain.VariantMetrics, error) {
	variants, err := e.repo.ListVariants(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list variants: %w", err)
	}
	counts, err := e.repo.VariantCounts(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("variant counts: %w", err)
	}

	out := make([]domain.VariantMetrics, 0, len(variants))
	for _, v := range variants {
		m := counts[v.ID]
		m.VariantID = v.ID
		if m.Sent > 0 {
			m.OpenRate = float64(m.Opens) / float64(m.Sent)
			m.ClickRate = float64(m.Clicks) / float64(m.Sent)
			m.ConversionRate = float64(m.Conversions) / float64(m.Sent)
		}
		out = append(out, m)
	}
	return out, nil
}

// WinnerDue reports whether the test window of c has closed, and if not how
// long remains.
func (e *Engine) WinnerDue(c *domain.Campaign) (bool, time.Duration) {
	if c.ABTest == nil || c.StartedAt == nil {
		return false, 0
	}
	remaining := c.StartedAt.Add(c.ABTest.TestDuration).Sub(e.now())
	if remaining > 0 {
		return false, remaining
	}
	return true, 0
}

// DetermineWinner picks the best variant on the campaign's metric once the
// test window has elapsed. It returns nil, nil while the window is open.
// A result below 95% confidence is logged and still applied.
func (e *Engine) DetermineWinner(ctx context.Context, c *domain.Campaign) (*Winner, error) {
	if !c.IsABTest || c.ABTest == nil {
		return nil, ErrNotABTest
	}
	if due, _ := e.WinnerDue(c); !due {
		return nil, nil
	}

	variants, err := e.repo.ListVariants(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("list variants: %w", err)
	}
	if len(variants) == 0 {
		return nil, ErrNoVariants
	}

	results, err := e.CalculateResults(ctx, c.ID)
	if err != nil {
		return nil, err
	}

	metric := c.ABTest.WinnerMetric
	if metric == "" {
		metric = domain.MetricOpens
	}

	if c.WinnerVariantID != nil {
		for _, v := range variants {
			if v.ID == *c.WinnerVariantID {
				return &Winner{Variant: v, Metric: metric, Results: results}, nil
			}
		}
	}

	best := 0
	for i := range results {
		if results[i].Rate(metric) > results[best].Rate(metric) {
			best = i
		}
	}

	w := &Winner{Variant: variants[best], Metric: metric, Results: results, Significant: true}
	if len(results) == 2 {
		other := results[1-best]
		w.Confidence = Confidence(
			results[best].Count(metric), results[best].Sent,
			other.Count(metric), other.Sent,
		)
		w.Significant = w.Confidence >= significanceLevel
		results[best].Confidence = w.Confidence
	}

	for _, m := range results {
		if err := e.repo.SaveMetrics(ctx, m.VariantID, m); err != nil {
			e.log.Warn("save variant metrics failed", "campaign_id", c.ID, "variant_id", m.VariantID, "error", err)
		}
	}
	if err := e.repo.MarkWinner(ctx, c.ID, w.Variant.ID); err != nil {
		return nil, fmt.Errorf("mark winner: %w", err)
	}
	w.Variant.IsWinner = true
	winnerID := w.Variant.ID
	c.WinnerVariantID = &winnerID

	if !w.Significant {
		e.log.Warn("ab test winner below significance threshold", "campaign_id", c.ID,
			"variant_id", w.Variant.ID, "confidence", w.Confidence, "metric", string(metric))
	} else {
		e.log.Info("ab test winner selected", "campaign_id", c.ID, "variant_id", w.Variant.ID,
			"confidence", w.Confidence, "metric", string(metric))
	}

	e.events.Emit(ctx, eventbus.ABTestWinnerSelected, eventbus.WinnerEvent{
		CampaignID:  c.ID,
		VariantID:   w.Variant.ID,
		VariantName: w.Variant.Name,
		Metric:      string(metric),
		Rate:        results[best].Rate(metric),
		Confidence:  w.Confidence,
		Significant: w.Significant,
	})
	return w, nil
}

// SendToControlGroup assigns the held-back control group to the winning
// variant. Once released the store entry is gone, so replays return 0.
func (e *Engine) SendToControlGroup(ctx context.Context, campaignID string) (int, error) {
	variants, err := e.repo.ListVariants(ctx, campaignID)
	if err != nil {
		return 0, fmt.Errorf("list variants: %w", err)
	}
	var winner *domain.ABTestVariant
	for i := range variants {
		if variants[i].IsWinner {
			winner = &variants[i]
			break
		}
	}
	if winner == nil {
		return 0, ErrNoWinner
	}

	ids, err := e.control.Take(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	n, err := e.repo.AssignVariant(ctx, campaignID, winner.ID, ids)
	if err != nil {
		// The store entry is already gone; put it back so a retry can finish.
		if saveErr := e.control.Save(ctx, campaignID, ids); saveErr != nil {
			e.log.Error("restore control group failed", "campaign_id", campaignID, "error", saveErr)
		}
		return 0, fmt.Errorf("assign control group: %w", err)
	}

	e.log.Info("control group released", "campaign_id", campaignID, "variant_id", winner.ID, "recipients", n)
	return n, nil
}

// Confidence returns the two-sided confidence, in percent, that two
// proportions differ, using a pooled two-proportion z-test. The result is
// capped at 99.9.
func Confidence(successA, nA, successB, nB int) float64 {
	if nA == 0 || nB == 0 {
		return 0
	}
	pA := float64(successA) / float64(nA)
	pB := float64(successB) / float64(nB)
	pooled := float64(successA+successB) / float64(nA+nB)
	if pooled <= 0 || pooled >= 1 {
		return 0
	}
	se := math.Sqrt(pooled * (1 - pooled) * (1.0/float64(nA) + 1.0/float64(nB)))
	if se == 0 {
		return 0
	}
	z := math.Abs(pA-pB) / se
	conf := math.Erf(z/math.Sqrt2) * 100
	return math.Min(conf, maxConfidence)
}
