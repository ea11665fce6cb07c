// Package memory is the process-local RetryStore. State is lost on restart.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/menu-planning/retryd/internal/domain"
)

type Store struct {
	mu      sync.RWMutex
	records map[string]*domain.RetryRecord
	queue   []string
	queued  map[string]struct{}
	claims  map[string]claim
}

type claim struct {
	owner   string
	expires time.Time
}

func NewStore() *Store {
	return &Store{
		records: make(map[string]*domain.RetryRecord),
		queued:  make(map[string]struct{}),
		claims:  make(map[string]claim),
	}
}

func (s *Store) Get(ctx context.Context, webhookID string) (*domain.RetryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[webhookID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r.Clone(), nil
}

func (s *Store) Put(ctx context.Context, record *domain.RetryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[record.WebhookID] = record.Clone()
	return nil
}

func (s *Store) Delete(ctx context.Context, webhookID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, webhookID)
	s.dequeueLocked(webhookID)
	return nil
}

func (s *Store) List(ctx context.Context) ([]*domain.RetryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.RetryRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WebhookID < out[j].WebhookID })
	return out, nil
}

func (s *Store) Enqueue(ctx context.Context, webhookID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.queued[webhookID]; ok {
		return nil
	}
	s.queued[webhookID] = struct{}{}
	s.queue = append(s.queue, webhookID)
	return nil
}

func (s *Store) Dequeue(ctx context.Context, webhookID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dequeueLocked(webhookID)
	return nil
}

func (s *Store) QueuedIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.queue), nil
}

// Claim leases key to owner. Several managers sharing one Store coordinate
// through it the same way replicas do through a durable backend.
func (s *Store) Claim(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if c, ok := s.claims[key]; ok && c.owner != owner && now.Before(c.expires) {
		return false, nil
	}
	s.claims[key] = claim{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (s *Store) Release(ctx context.Context, key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.claims[key]; ok && c.owner == owner {
		delete(s.claims, key)
	}
	return nil
}

func (s *Store) dequeueLocked(webhookID string) {
	if _, ok := s.queued[webhookID]; !ok {
		return
	}
	delete(s.queued, webhookID)
	if i := slices.Index(s.queue, webhookID); i >= 0 {
		s.queue = slices.Delete(s.queue, i, i+1)
	}
}
