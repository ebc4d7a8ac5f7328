package automation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/eventbus"
	"github.com/ignite/campaign-engine/internal/segmentation"
)

func TestRegistryDispatch(t *testing.T) {
	r := NewRegistry()
	RegisterDefaults(r, segmentation.DefaultOptions())

	candidates := []domain.Automation{
		{ID: "a1", OrganizationID: "org-1", Active: true, TriggerConfig: domain.TriggerConfig{ListID: "list-1"}},
		{ID: "a2", OrganizationID: "org-1", Active: true},
		{ID: "a3", OrganizationID: "org-2", Active: true},
		{ID: "a4", OrganizationID: "org-1", Active: false},
	}

	tests := []struct {
		name string
		ev   eventbus.TriggerEvent
		want []string
	}{
		{
			name: "list subscribe matches list and unfiltered",
			ev:   eventbus.TriggerEvent{Kind: "list_subscribe", OrganizationID: "org-1", SubscriberID: "s", ListID: "list-1"},
			want: []string{"a1", "a2"},
		},
		{
			name: "list subscribe other list",
			ev:   eventbus.TriggerEvent{Kind: "list_subscribe", OrganizationID: "org-1", SubscriberID: "s", ListID: "list-9"},
			want: []string{"a2"},
		},
		{
			name: "signup without list",
			ev:   eventbus.TriggerEvent{Kind: "user_signup", OrganizationID: "org-1", SubscriberID: "s"},
			want: []string{"a1", "a2"},
		},
		{
			name: "no subscriber",
			ev:   eventbus.TriggerEvent{Kind: "list_subscribe", OrganizationID: "org-1", ListID: "list-1"},
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reqs, err := r.Dispatch(tt.ev, candidates)
			require.NoError(t, err)
			var got []string
			for _, req := range reqs {
				got = append(got, req.Automation.ID)
				assert.Equal(t, tt.ev.SubscriberID, req.SubscriberID)
				assert.Equal(t, tt.ev.Kind, req.Metadata["trigger"])
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRegistryUnknownTrigger(t *testing.T) {
	r := NewRegistry()
	_, err := r.Dispatch(eventbus.TriggerEvent{Kind: "date_based"}, nil)
	assert.ErrorIs(t, err, ErrUnknownTrigger)
}

func TestCustomEventHandler(t *testing.T) {
	h := CustomEventHandler(segmentation.DefaultOptions())
	candidates := []domain.Automation{
		{ID: "plain", OrganizationID: "org-1", Active: true, TriggerConfig: domain.TriggerConfig{EventName: "purchase"}},
		{ID: "big", OrganizationID: "org-1", Active: true, TriggerConfig: domain.TriggerConfig{
			EventName:  "purchase",
			Conditions: json.RawMessage(`{"logic":"AND","groups":[{"logic":"AND","conditions":[{"type":"custom_data","field":"total","operator":"greater_than","value":100}]}]}`),
		}},
		{ID: "broken", OrganizationID: "org-1", Active: true, TriggerConfig: domain.TriggerConfig{
			EventName: "purchase", Conditions: json.RawMessage(`{"groups":`),
		}},
		{ID: "other", OrganizationID: "org-1", Active: true, TriggerConfig: domain.TriggerConfig{EventName: "refund"}},
	}

	ids := func(reqs []EnrollRequest) []string {
		var out []string
		for _, r := range reqs {
			out = append(out, r.Automation.ID)
		}
		return out
	}

	small := eventbus.TriggerEvent{OrganizationID: "org-1", SubscriberID: "s", EventName: "purchase", Data: map[string]any{"total": 20.0}}
	assert.Equal(t, []string{"plain"}, ids(h(small, candidates)))

	large := eventbus.TriggerEvent{OrganizationID: "org-1", SubscriberID: "s", EventName: "purchase", Data: map[string]any{"total": 250.0}}
	reqs := h(large, candidates)
	assert.Equal(t, []string{"plain", "big"}, ids(reqs))
	assert.Equal(t, 250.0, reqs[1].Metadata["total"])
	assert.Equal(t, "purchase", reqs[1].Metadata["event_name"])
}
