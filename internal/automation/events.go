package automation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ignite/campaign-engine/internal/eventbus"
)

// Subscribe routes trigger events published on the bus into HandleEvent.
func (e *Engine) Subscribe(bus *eventbus.Bus) {
	bus.Handle(eventbus.AutomationTriggered, e.handleTrigger)
}

func (e *Engine) handleTrigger(ctx context.Context, raw json.RawMessage) error {
	var ev eventbus.TriggerEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("decode trigger event: %w", err)
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = e.now()
	}
	_, err := e.HandleEvent(ctx, ev)
	return err
}
