package kafka

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/menu-planning/retryd/internal/clock"
	"github.com/menu-planning/retryd/internal/domain"
	"github.com/menu-planning/retryd/internal/retry"
)

type fakeWriter struct {
	messages []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestEventPublisher_RecordEvent(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	w := &fakeWriter{}
	p := newEventPublisher(w, clock.NewMockClock(now), nil)

	rec := domain.NewRetryRecord("wh1", "form-1", "https://hooks.example.com/a", now)
	if err := p.Collect(context.Background(), retry.EventRetryScheduled, rec); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	if len(w.messages) != 1 {
		t.Fatalf("wrote %d messages, want 1", len(w.messages))
	}
	msg := w.messages[0]
	if string(msg.Key) != "wh1" {
		t.Errorf("key = %q, want wh1", msg.Key)
	}

	var ev LifecycleEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.ID == "" {
		t.Error("event id is empty")
	}
	if ev.Event != retry.EventRetryScheduled {
		t.Errorf("event = %q", ev.Event)
	}
	if !ev.OccurredAt.Equal(now) {
		t.Errorf("occurred_at = %v, want %v", ev.OccurredAt, now)
	}
	if ev.Record == nil || ev.Record.WebhookID != "wh1" || ev.Record.Status != domain.RetryStatusPending {
		t.Errorf("record = %+v", ev.Record)
	}
	if ev.Summary != nil {
		t.Error("summary should be empty for record events")
	}
}

func TestEventPublisher_SummaryEvent(t *testing.T) {
	w := &fakeWriter{}
	p := newEventPublisher(w, clock.NewMockClock(time.Unix(0, 0)), nil)

	summary := retry.ProcessingSummary{Processed: 3, Successful: 2, Failed: 1}
	if err := p.Collect(context.Background(), retry.EventQueueProcessed, summary); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	var ev LifecycleEvent
	if err := json.Unmarshal(w.messages[0].Value, &ev); err != nil {
		t.Fatal(err)
	}
	if string(w.messages[0].Key) != string(retry.EventQueueProcessed) {
		t.Errorf("key = %q", w.messages[0].Key)
	}
	if ev.Summary == nil || ev.Summary.Processed != 3 || ev.Summary.Successful != 2 {
		t.Errorf("summary = %+v", ev.Summary)
	}
}

func TestEventPublisher_RejectsUnknownPayload(t *testing.T) {
	w := &fakeWriter{}
	p := newEventPublisher(w, clock.RealClock{}, nil)

	if err := p.Collect(context.Background(), retry.EventRetryFailed, "oops"); err == nil {
		t.Error("Collect() accepted a string payload")
	}
	if len(w.messages) != 0 {
		t.Errorf("wrote %d messages, want 0", len(w.messages))
	}
}
