package automation

import (
	"fmt"
	"sync"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/eventbus"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/segmentation"
)

// EnrollRequest asks the engine to enroll one subscriber.
type EnrollRequest struct {
	Automation   domain.Automation
	SubscriberID string
	Metadata     map[string]any
}

// TriggerHandler selects which of the candidate automations an event enrolls
// into. Handlers must not have side effects.
type TriggerHandler func(ev eventbus.TriggerEvent, candidates []domain.Automation) []EnrollRequest

// Registry maps trigger kinds to handlers. Handlers are registered explicitly
// at startup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.TriggerKind]TriggerHandler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[domain.TriggerKind]TriggerHandler)}
}

// Register installs h for kind, replacing any previous handler.
func (r *Registry) Register(kind domain.TriggerKind, h TriggerHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Dispatch runs the handler registered for ev.Kind.
func (r *Registry) Dispatch(ev eventbus.TriggerEvent, candidates []domain.Automation) ([]EnrollRequest, error) {
	r.mu.RLock()
	h, ok := r.handlers[domain.TriggerKind(ev.Kind)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownTrigger, ev.Kind)
	}
	return h(ev, candidates), nil
}

// RegisterDefaults installs the list-subscribe, user-signup and custom-event
// handlers. Trigger conditions are matched against the event data with opts.
func RegisterDefaults(r *Registry, opts segmentation.Options) {
	r.Register(domain.TriggerListSubscribe, ListSubscribeHandler(opts))
	r.Register(domain.TriggerUserSignup, UserSignupHandler(opts))
	r.Register(domain.TriggerCustomEvent, CustomEventHandler(opts))
}

// ListSubscribeHandler enrolls into automations bound to the event's list, or
// to no list at all.
func ListSubscribeHandler(opts segmentation.Options) TriggerHandler {
	return filterHandler(opts, func(a domain.Automation, ev eventbus.TriggerEvent) bool {
		return a.TriggerConfig.ListID == "" || a.TriggerConfig.ListID == ev.ListID
	})
}

// UserSignupHandler enrolls into every signup automation whose optional list
// filter matches.
func UserSignupHandler(opts segmentation.Options) TriggerHandler {
	return filterHandler(opts, func(a domain.Automation, ev eventbus.TriggerEvent) bool {
		return a.TriggerConfig.ListID == "" || ev.ListID == "" || a.TriggerConfig.ListID == ev.ListID
	})
}

// CustomEventHandler enrolls into automations waiting for the named event.
func CustomEventHandler(opts segmentation.Options) TriggerHandler {
	return filterHandler(opts, func(a domain.Automation, ev eventbus.TriggerEvent) bool {
		return a.TriggerConfig.EventName != "" && a.TriggerConfig.EventName == ev.EventName
	})
}

func filterHandler(opts segmentation.Options, accept func(domain.Automation, eventbus.TriggerEvent) bool) TriggerHandler {
	return func(ev eventbus.TriggerEvent, candidates []domain.Automation) []EnrollRequest {
		if ev.SubscriberID == "" {
			return nil
		}
		var out []EnrollRequest
		for _, a := range candidates {
			if !a.Active || a.OrganizationID != ev.OrganizationID || !accept(a, ev) {
				continue
			}
			if !conditionsHold(a, ev, opts) {
				continue
			}
			out = append(out, EnrollRequest{Automation: a, SubscriberID: ev.SubscriberID, Metadata: metadataOf(ev)})
		}
		return out
	}
}

// conditionsHold evaluates the trigger condition tree against the event data.
// A tree that does not parse rejects the event.
func conditionsHold(a domain.Automation, ev eventbus.TriggerEvent, opts segmentation.Options) bool {
	tree, err := segmentation.ParseTree(a.TriggerConfig.Conditions)
	if err != nil {
		logger.Warn("invalid trigger conditions", "automation_id", a.ID, "error", err)
		return false
	}
	if tree.Empty() {
		return true
	}
	ok, err := segmentation.Match(tree, segmentation.SnapshotOf(nil, ev.Data), opts)
	if err != nil {
		logger.Warn("trigger condition evaluation failed", "automation_id", a.ID, "error", err)
		return false
	}
	return ok
}

func metadataOf(ev eventbus.TriggerEvent) map[string]any {
	md := make(map[string]any, len(ev.Data)+2)
	for k, v := range ev.Data {
		md[k] = v
	}
	md["trigger"] = ev.Kind
	if ev.EventName != "" {
		md["event_name"] = ev.EventName
	}
	return md
}
