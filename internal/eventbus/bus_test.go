package eventbus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

type sentPayload struct {
	CampaignID string `json:"campaign_id"`
}

func TestBus_DeliversToHandlers(t *testing.T) {
	bus := NewGoChannel(16, logger.New(&bytes.Buffer{}, logger.ERROR))
	defer bus.Close()

	got := make(chan sentPayload, 2)
	bus.Handle(EmailSent, func(_ context.Context, raw json.RawMessage) error {
		var p sentPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		got <- p
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := bus.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	bus.Emit(ctx, EmailSent, sentPayload{CampaignID: "c1"})

	select {
	case p := <-got:
		if p.CampaignID != "c1" {
			t.Errorf("campaign_id = %q", p.CampaignID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBus_HandlerErrorDoesNotRedeliver(t *testing.T) {
	var buf bytes.Buffer
	bus := NewGoChannel(16, logger.New(&buf, logger.WARN))
	defer bus.Close()

	calls := make(chan struct{}, 10)
	bus.Handle(CampaignFailed, func(context.Context, json.RawMessage) error {
		calls <- struct{}{}
		return errors.New("boom")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := bus.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	bus.Emit(ctx, CampaignFailed, map[string]string{"id": "c1"})

	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
	select {
	case <-calls:
		t.Fatal("failed event was redelivered")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestBus_EmitUnmarshalablePayloadIsLogged(t *testing.T) {
	var buf bytes.Buffer
	bus := NewGoChannel(1, logger.New(&buf, logger.DEBUG))
	defer bus.Close()

	bus.Emit(context.Background(), EmailSent, make(chan int))

	if !bytes.Contains(buf.Bytes(), []byte("marshal event failed")) {
		t.Errorf("expected marshal failure to be logged, got %q", buf.String())
	}
}

func TestRecorder_Count(t *testing.T) {
	var r Recorder
	r.Emit(context.Background(), EmailSent, nil)
	r.Emit(context.Background(), EmailSent, nil)
	r.Emit(context.Background(), CampaignCompleted, nil)

	if r.Count(EmailSent) != 2 || r.Count(CampaignCompleted) != 1 || r.Count(CampaignFailed) != 0 {
		t.Errorf("unexpected counts: %+v", r.Events)
	}
}
