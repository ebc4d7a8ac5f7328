package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// Emitter publishes engine events. Emission is fire-and-forget: failures are
// logged and never returned to the caller.
type Emitter interface {
	Emit(ctx context.Context, name string, payload any)
}

// Handler consumes the JSON payload of one event.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Bus is a watermill backed Emitter with named subscriptions.
type Bus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	log        *logger.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler
	wg       sync.WaitGroup
}

// New wraps an existing publisher and subscriber.
func New(pub message.Publisher, sub message.Subscriber, log *logger.Logger) *Bus {
	if log == nil {
		log = logger.Default()
	}
	return &Bus{
		publisher:  pub,
		subscriber: sub,
		log:        log.With("component", "eventbus"),
		handlers:   make(map[string][]Handler),
	}
}

// NewGoChannel creates an in-memory bus.
func NewGoChannel(bufferSize int64, log *logger.Logger) *Bus {
	if log == nil {
		log = logger.Default()
	}
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            bufferSize,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		NewWatermillLogger(log),
	)
	return New(pubSub, pubSub, log)
}

// Emit marshals payload and publishes it on the topic named after the event.
func (b *Bus) Emit(ctx context.Context, name string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.log.Error("marshal event failed", "event", name, "error", err)
		return
	}

	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.Metadata.Set(metadataEvent, name)
	msg.SetContext(ctx)

	if err := b.publisher.Publish(name, msg); err != nil {
		b.log.Error("publish event failed", "event", name, "error", err)
	}
}

// Handle registers h for an event. Handlers must be registered before Start.
func (b *Bus) Handle(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// Start subscribes every registered event and dispatches in the background
// until ctx is done. Handler errors are logged and the message is acked so a
// poison event cannot loop.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for name, handlers := range b.handlers {
		messages, err := b.subscriber.Subscribe(ctx, name)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", name, err)
		}

		b.wg.Add(1)
		go func(name string, handlers []Handler, messages <-chan *message.Message) {
			defer b.wg.Done()
			for msg := range messages {
				b.dispatch(ctx, name, handlers, msg)
			}
		}(name, handlers, messages)
	}
	return nil
}

func (b *Bus) dispatch(ctx context.Context, name string, handlers []Handler, msg *message.Message) {
	defer msg.Ack()
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panic", "event", name, "panic", fmt.Sprint(r))
		}
	}()

	for _, h := range handlers {
		if err := h(ctx, json.RawMessage(msg.Payload)); err != nil {
			b.log.Warn("event handler failed", "event", name, "message_id", msg.UUID, "error", err)
		}
	}
}

// Close shuts down the publisher and subscriber and waits for dispatchers.
func (b *Bus) Close() error {
	if err := b.publisher.Close(); err != nil {
		return err
	}
	if b.subscriber != b.publisher {
		if err := b.subscriber.Close(); err != nil {
			return err
		}
	}
	b.wg.Wait()
	return nil
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(context.Context, string, any) {}

// Recorder keeps emitted events in memory. Useful in tests.
type Recorder struct {
	mu     sync.Mutex
	Events []Recorded
}

// Recorded is one captured emission.
type Recorded struct {
	Name    string
	Payload any
}

func (r *Recorder) Emit(_ context.Context, name string, payload any) {
	r.mu.Lock()
	r.Events = append(r.Events, Recorded{Name: name, Payload: payload})
	r.mu.Unlock()
}

// Count returns how many times name was emitted.
func (r *Recorder) Count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.Events {
		if e.Name == name {
			n++
		}
	}
	return n
}
