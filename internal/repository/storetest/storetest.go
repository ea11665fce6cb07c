// Package storetest holds the behavioral checks every repository.RetryStore
// backend must pass.
package storetest

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menu-planning/retryd/internal/domain"
	"github.com/menu-planning/retryd/internal/repository"
)

// Factory returns an empty store. Backends sharing state between calls must
// isolate it per call.
type Factory func(t *testing.T) repository.RetryStore

var base = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

// Run exercises the full RetryStore contract against stores from newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, newStore(t)) })
	t.Run("PutReplacesAttempts", func(t *testing.T) { testPutReplacesAttempts(t, newStore(t)) })
	t.Run("List", func(t *testing.T) { testList(t, newStore(t)) })
	t.Run("QueueOrderAndIdempotence", func(t *testing.T) { testQueue(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("ClaimIsExclusive", func(t *testing.T) { testClaimExclusive(t, newStore(t)) })
	t.Run("ClaimExpires", func(t *testing.T) { testClaimExpires(t, newStore(t)) })
}

// Record builds a record with a failed and a successful attempt.
func Record(id string) *domain.RetryRecord {
	r := domain.NewRetryRecord(id, "form-"+id, "https://hooks.example.com/"+id, base)
	r.LastFailureReason = "timeout"
	r.MarkAsScheduled(base.Add(time.Minute), 7*time.Second, base)

	r.BeginAttempt(base.Add(time.Minute))
	r.RecordFailure(503, "HTTP 503", 250*time.Millisecond, base.Add(time.Minute))
	r.MarkAsScheduled(base.Add(3*time.Minute), -4*time.Second, base.Add(time.Minute))

	r.BeginAttempt(base.Add(3 * time.Minute))
	r.RecordSuccess(200, 120*time.Millisecond, base.Add(3*time.Minute))
	return r
}

func testGetMissing(t *testing.T, s repository.RetryStore) {
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testRoundTrip(t *testing.T, s repository.RetryStore) {
	ctx := context.Background()
	want := Record("wh1")

	require.NoError(t, s.Put(ctx, want))

	got, err := s.Get(ctx, "wh1")
	require.NoError(t, err)
	assertRecordEqual(t, want, got)

	got.Status = domain.RetryStatusPending
	again, err := s.Get(ctx, "wh1")
	require.NoError(t, err)
	assert.Equal(t, domain.RetryStatusSuccess, again.Status, "Get must return a copy")
}

func testPutReplacesAttempts(t *testing.T, s repository.RetryStore) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, Record("wh1")))

	fresh := domain.NewRetryRecord("wh1", "form-2", "https://hooks.example.com/new", base.Add(time.Hour))
	fresh.MarkAsScheduled(base.Add(61*time.Minute), 0, base.Add(time.Hour))
	fresh.PermanentFailureReason = domain.FailureReasonNone
	require.NoError(t, s.Put(ctx, fresh))

	got, err := s.Get(ctx, "wh1")
	require.NoError(t, err)
	assert.Equal(t, "form-2", got.FormID)
	assert.Equal(t, 0, got.TotalAttempts)
	assert.Empty(t, got.Attempts)
	assert.Nil(t, got.LastStatusCode)

	fresh.BeginAttempt(base.Add(61 * time.Minute))
	fresh.MarkAsDisabled(domain.FailureReasonHundredPercentFailureRate, base.Add(61*time.Minute))
	require.NoError(t, s.Put(ctx, fresh))

	got, err = s.Get(ctx, "wh1")
	require.NoError(t, err)
	assert.Equal(t, domain.RetryStatusPermanentlyDisabled, got.Status)
	assert.Equal(t, domain.FailureReasonHundredPercentFailureRate, got.PermanentFailureReason)
	require.Len(t, got.Attempts, 1)
	assert.Equal(t, domain.AttemptStatusInProgress, got.Attempts[0].Status)
}

func testList(t *testing.T, s repository.RetryStore) {
	ctx := context.Background()
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, s.Put(ctx, Record(id)))
	}

	records, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)

	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.WebhookID
		assert.Len(t, r.Attempts, 2, r.WebhookID)
	}
	sort.Strings(ids)
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func testQueue(t *testing.T, s repository.RetryStore) {
	ctx := context.Background()

	ids, err := s.QueuedIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	for _, id := range []string{"a", "b", "a", "c", "b"} {
		require.NoError(t, s.Enqueue(ctx, id))
	}
	ids, err = s.QueuedIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	require.NoError(t, s.Dequeue(ctx, "b"))
	require.NoError(t, s.Dequeue(ctx, "missing"))
	require.NoError(t, s.Enqueue(ctx, "b"))

	ids, err = s.QueuedIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "b"}, ids)
}

func testDelete(t *testing.T, s repository.RetryStore) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, Record("a")))
	require.NoError(t, s.Enqueue(ctx, "a"))

	require.NoError(t, s.Delete(ctx, "a"))
	require.NoError(t, s.Delete(ctx, "missing"))

	_, err := s.Get(ctx, "a")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	ids, err := s.QueuedIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	records, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func testClaimExclusive(t *testing.T, s repository.RetryStore) {
	ctx := context.Background()
	key := repository.RecordClaim("a")

	ok, err := s.Claim(ctx, key, "replica-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Claim(ctx, key, "replica-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second owner must not take a live claim")

	ok, err = s.Claim(ctx, key, "replica-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "owner renews its own claim")

	ok, err = s.Claim(ctx, repository.RecordClaim("b"), "replica-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "claims are per key")

	require.NoError(t, s.Release(ctx, key, "replica-2"))
	ok, err = s.Claim(ctx, key, "replica-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "release by another owner is ignored")

	require.NoError(t, s.Release(ctx, key, "replica-1"))
	ok, err = s.Claim(ctx, key, "replica-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func testClaimExpires(t *testing.T, s repository.RetryStore) {
	ctx := context.Background()

	ok, err := s.Claim(ctx, repository.QueuePassClaim, "replica-1", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(200 * time.Millisecond)

	ok, err = s.Claim(ctx, repository.QueuePassClaim, "replica-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired claim is taken over")
}

func assertRecordEqual(t *testing.T, want, got *domain.RetryRecord) {
	t.Helper()
	assert.Equal(t, want.WebhookID, got.WebhookID)
	assert.Equal(t, want.FormID, got.FormID)
	assert.Equal(t, want.WebhookURL, got.WebhookURL)
	assert.Equal(t, want.Status, got.Status)
	assert.True(t, want.InitialFailureTime.Equal(got.InitialFailureTime))
	assert.Equal(t, want.TotalAttempts, got.TotalAttempts)
	assert.Equal(t, want.SuccessfulAttempts, got.SuccessfulAttempts)
	assert.Equal(t, want.FailedAttempts, got.FailedAttempts)
	assertTimePtr(t, want.LastAttemptTime, got.LastAttemptTime)
	assertTimePtr(t, want.NextRetryTime, got.NextRetryTime)
	assert.Equal(t, want.NextRetryJitterMs, got.NextRetryJitterMs)
	assert.Equal(t, want.PermanentFailureReason, got.PermanentFailureReason)
	assert.Equal(t, want.LastFailureReason, got.LastFailureReason)
	assert.Equal(t, want.LastStatusCode, got.LastStatusCode)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
	assert.True(t, want.UpdatedAt.Equal(got.UpdatedAt))

	require.Len(t, got.Attempts, len(want.Attempts))
	for i := range want.Attempts {
		w, g := want.Attempts[i], got.Attempts[i]
		assert.Equal(t, w.AttemptNumber, g.AttemptNumber)
		assert.True(t, w.ScheduledAt.Equal(g.ScheduledAt), "attempt %d scheduled_at", i)
		assertTimePtr(t, w.ExecutedAt, g.ExecutedAt)
		assert.Equal(t, w.Status, g.Status)
		assert.Equal(t, w.ResponseStatusCode, g.ResponseStatusCode)
		assert.Equal(t, w.ErrorMessage, g.ErrorMessage)
		assert.Equal(t, w.DurationMs, g.DurationMs)
		assert.Equal(t, w.JitterAppliedMs, g.JitterAppliedMs)
	}
}

func assertTimePtr(t *testing.T, want, got *time.Time) {
	t.Helper()
	if want == nil {
		assert.Nil(t, got)
		return
	}
	if assert.NotNil(t, got) {
		assert.True(t, want.Equal(*got), "want %v, got %v", *want, *got)
	}
}
