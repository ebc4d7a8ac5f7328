package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEngagementScore(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	recent := now.Add(-48 * time.Hour)
	older := now.Add(-20 * 24 * time.Hour)
	stale := now.Add(-90 * 24 * time.Hour)

	assert.InDelta(t, 0, EngagementScore(0, 0, 0, nil, now), 0.001)
	assert.InDelta(t, 50, EngagementScore(10, 5, 5, &stale, now), 0.001)
	assert.InDelta(t, 70, EngagementScore(10, 5, 5, &recent, now), 0.001)
	assert.InDelta(t, 60, EngagementScore(10, 5, 5, &older, now), 0.001)
	assert.InDelta(t, 100, EngagementScore(1, 1, 1, &recent, now), 0.001)
}
