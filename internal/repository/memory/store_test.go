package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/menu-planning/retryd/internal/domain"
	"github.com/menu-planning/retryd/internal/repository"
	"github.com/menu-planning/retryd/internal/repository/storetest"
)

func TestStore_GetMissing(t *testing.T) {
	s := NewStore()

	_, err := s.Get(context.Background(), "nope")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_PutStoresCopy(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	r := domain.NewRetryRecord("wh1", "f1", "https://x", time.Now())

	if err := s.Put(ctx, r); err != nil {
		t.Fatalf("Put: %v", err)
	}
	r.Status = domain.RetryStatusSuccess

	got, err := s.Get(ctx, "wh1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.RetryStatusPending {
		t.Errorf("stored record mutated through caller pointer: %v", got.Status)
	}
}

func TestStore_EnqueueIsIdempotentAndOrdered(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	for _, id := range []string{"a", "b", "a", "c", "b"} {
		if err := s.Enqueue(ctx, id); err != nil {
			t.Fatalf("Enqueue(%s): %v", id, err)
		}
	}

	ids, _ := s.QueuedIDs(ctx)
	want := []string{"a", "b", "c"}
	if len(ids) != len(want) {
		t.Fatalf("QueuedIDs = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("QueuedIDs[%d] = %s, want %s", i, ids[i], want[i])
		}
	}
}

func TestStore_DequeueAndDelete(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	_ = s.Put(ctx, domain.NewRetryRecord("a", "f", "https://a", time.Now()))
	_ = s.Enqueue(ctx, "a")
	_ = s.Enqueue(ctx, "b")

	if err := s.Dequeue(ctx, "b"); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if err := s.Dequeue(ctx, "missing"); err != nil {
		t.Fatalf("Dequeue missing: %v", err)
	}
	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	ids, _ := s.QueuedIDs(ctx)
	if len(ids) != 0 {
		t.Errorf("QueuedIDs = %v, want empty", ids)
	}
	if _, err := s.Get(ctx, "a"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected deleted record to be gone, got %v", err)
	}
}

func TestStore_ListSorted(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	for _, id := range []string{"c", "a", "b"} {
		_ = s.Put(ctx, domain.NewRetryRecord(id, "f", "https://x", time.Now()))
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 3 || list[0].WebhookID != "a" || list[2].WebhookID != "c" {
		t.Errorf("List order = %v", []string{list[0].WebhookID, list[1].WebhookID, list[2].WebhookID})
	}
}

func TestStore_Contract(t *testing.T) {
	storetest.Run(t, func(*testing.T) repository.RetryStore { return NewStore() })
}
