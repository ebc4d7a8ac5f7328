package abtest

import "errors"

// Sentinel errors for the A/B testing engine.
var (
	ErrInvalidWeights = errors.New("variant weights must sum to 100")
	ErrVariantCount   = errors.New("an A/B test needs between 2 and 10 variants")
	ErrNotDraft       = errors.New("variants can only change while the campaign is a draft")
	ErrNotABTest      = errors.New("campaign is not an A/B test")
	ErrNoVariants     = errors.New("campaign has no variants")
	ErrNoWinner       = errors.New("no winning variant has been selected")
)
