package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/menu-planning/retryd/internal/domain"
	"github.com/menu-planning/retryd/internal/retry"
)

type fakeScheduler struct {
	mu       sync.Mutex
	requests []retry.ScheduleRequest
	errs     []error // consumed one per call
}

func (f *fakeScheduler) Schedule(_ context.Context, req retry.ScheduleRequest) (*domain.RetryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return domain.NewRetryRecord(req.WebhookID, req.FormID, req.WebhookURL, time.Now()), nil
}

func (f *fakeScheduler) calls() []retry.ScheduleRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]retry.ScheduleRequest(nil), f.requests...)
}

func notification(t *testing.T, id string, offset int64) kafka.Message {
	t.Helper()
	value, err := json.Marshal(FailureNotification{
		WebhookID:     id,
		FormID:        "form-" + id,
		WebhookURL:    "https://hooks.example.com/" + id,
		FailureReason: "HTTP 503",
		StatusCode:    503,
	})
	if err != nil {
		t.Fatal(err)
	}
	return kafka.Message{Key: []byte(id), Value: value, Offset: offset}
}

func TestFailureHandler_SchedulesNotification(t *testing.T) {
	s := &fakeScheduler{}
	h := NewFailureHandler(s, nil)

	if err := h.Handle(context.Background(), notification(t, "wh1", 0)); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	calls := s.calls()
	if len(calls) != 1 {
		t.Fatalf("Schedule called %d times, want 1", len(calls))
	}
	want := retry.ScheduleRequest{
		WebhookID:     "wh1",
		FormID:        "form-wh1",
		WebhookURL:    "https://hooks.example.com/wh1",
		FailureReason: "HTTP 503",
		StatusCode:    503,
	}
	if calls[0] != want {
		t.Errorf("request = %+v, want %+v", calls[0], want)
	}
}

func TestFailureHandler_DropsPoisonMessages(t *testing.T) {
	tests := []struct {
		name  string
		value []byte
		err   error
	}{
		{"malformed json", []byte(`{"webhook_id":`), nil},
		{"rejected by engine", nil, fmt.Errorf("%w: webhook_url is required", domain.ErrInvalidInput)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &fakeScheduler{errs: []error{tt.err}}
			h := NewFailureHandler(s, nil)

			msg := notification(t, "wh1", 3)
			if tt.value != nil {
				msg.Value = tt.value
			}
			if err := h.Handle(context.Background(), msg); err != nil {
				t.Errorf("Handle() error = %v, want nil so the message is committed", err)
			}
		})
	}
}

func TestFailureHandler_ReturnsTransientErrors(t *testing.T) {
	storeDown := errors.New("connection refused")
	s := &fakeScheduler{errs: []error{storeDown}}
	h := NewFailureHandler(s, nil)

	err := h.Handle(context.Background(), notification(t, "wh1", 0))
	if !errors.Is(err, storeDown) {
		t.Errorf("Handle() error = %v, want wrapped %v", err, storeDown)
	}
}
