// Package repository defines the storage boundary of the retry engine.
//
// A RetryStore holds two things keyed by webhook id: the retry records (an
// arena that is never pruned by the engine) and the due-queue (an ordered set
// of ids still awaiting an attempt). Implementations must return copies so a
// caller mutating a record never changes stored state without Put.
//
// Stores shared by several engine instances also arbitrate claims: short
// leases that keep a processing pass, or the mutation of one record, on a
// single instance at a time.
package repository

import (
	"context"
	"time"

	"github.com/menu-planning/retryd/internal/domain"
)

type RetryStore interface {
	// Get returns domain.ErrNotFound when no record exists.
	Get(ctx context.Context, webhookID string) (*domain.RetryRecord, error)
	// Put creates or replaces a record, attempts included.
	Put(ctx context.Context, record *domain.RetryRecord) error
	// Delete removes a record and its queue membership. Missing ids are not an error.
	Delete(ctx context.Context, webhookID string) error
	List(ctx context.Context) ([]*domain.RetryRecord, error)

	// Enqueue adds the id to the tail of the due-queue unless already present.
	Enqueue(ctx context.Context, webhookID string) error
	// Dequeue removes the id from the due-queue. Missing ids are not an error.
	Dequeue(ctx context.Context, webhookID string) error
	// QueuedIDs returns a snapshot of the due-queue in insertion order.
	QueuedIDs(ctx context.Context) ([]string, error)

	// Claim takes or renews a lease on key for owner. It reports false while
	// another owner holds an unexpired lease.
	Claim(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Release drops owner's lease on key. Leases of other owners are kept.
	Release(ctx context.Context, key, owner string) error
}

// QueuePassClaim is the claim key held for the length of a processing pass.
const QueuePassClaim = "queue-pass"

// RecordClaim is the claim key guarding mutations of one retry record.
func RecordClaim(webhookID string) string {
	return "record:" + webhookID
}
