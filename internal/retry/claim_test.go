package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menu-planning/retryd/internal/clock"
	"github.com/menu-planning/retryd/internal/domain"
	"github.com/menu-planning/retryd/internal/repository"
	"github.com/menu-planning/retryd/internal/repository/memory"
)

// replica builds a manager over a store shared with other managers, the way
// several retryd processes share one durable backend.
func replica(t *testing.T, store repository.RetryStore, clk clock.Clock, exec WebhookExecutor, opts ...Option) *Manager {
	t.Helper()
	base := []Option{WithClock(clk), WithRandom(midJitter), WithExecutor(exec)}
	m, err := NewManager(DefaultPolicy(), store, append(base, opts...)...)
	require.NoError(t, err)
	return m
}

// blockingExecutor parks every delivery until release is closed.
type blockingExecutor struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
	result  DeliveryResult
}

func newBlockingExecutor(result DeliveryResult) *blockingExecutor {
	return &blockingExecutor{
		entered: make(chan struct{}, 16),
		release: make(chan struct{}),
		result:  result,
	}
}

func (e *blockingExecutor) Execute(ctx context.Context, _ Target) (DeliveryResult, error) {
	e.calls.Add(1)
	e.entered <- struct{}{}
	select {
	case <-e.release:
	case <-ctx.Done():
		return DeliveryResult{}, ctx.Err()
	}
	return e.result, nil
}

func TestSharedStore_OneReplicaAttemptsATarget(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	clk := clock.NewMockClock(t0)

	slow := newBlockingExecutor(DeliveryResult{StatusCode: 503})
	other := respond(true, 200)
	a := replica(t, store, clk, slow)
	b := replica(t, store, clk, other, WithClaimWait(20*time.Millisecond))

	_, err := a.Schedule(ctx, ScheduleRequest{WebhookID: "wh1", WebhookURL: "https://x/wh1"})
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)

	done := make(chan ProcessingSummary, 1)
	go func() {
		s, err := a.ProcessQueue(ctx)
		assert.NoError(t, err)
		done <- s
	}()
	<-slow.entered

	second, err := b.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.True(t, second.AlreadyProcessing, "pass claim is held by the other replica")

	_, err = b.ExecuteAttempt(ctx, "wh1")
	assert.ErrorIs(t, err, domain.ErrBusy)
	assert.Equal(t, 0, other.callCount())

	close(slow.release)
	first := <-done
	assert.Equal(t, 1, first.Failed)

	rec, err := b.GetStatus(ctx, "wh1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.TotalAttempts)
	assert.Len(t, rec.Attempts, 1)
	assert.EqualValues(t, 1, slow.calls.Load())
}

func TestSharedStore_ClaimedRecordIsSkipped(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	clk := clock.NewMockClock(t0)
	exec := respond(true, 200)
	m := replica(t, store, clk, exec)

	_, err := m.Schedule(ctx, ScheduleRequest{WebhookID: "wh1", WebhookURL: "https://x/wh1"})
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)

	ok, err := store.Claim(ctx, repository.RecordClaim("wh1"), "other-instance", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	summary, err := m.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 0, summary.Processed)
	assert.Equal(t, 0, exec.callCount())

	ids, err := store.QueuedIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"wh1"}, ids, "claimed target stays queued")

	require.NoError(t, store.Release(ctx, repository.RecordClaim("wh1"), "other-instance"))
	summary, err = m.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Successful)
}

func TestSharedStore_AlternatingReplicasKeepHistory(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	clk := clock.NewMockClock(t0)
	a := replica(t, store, clk, respond(false, 503))
	b := replica(t, store, clk, respond(false, 502))

	_, err := a.Schedule(ctx, ScheduleRequest{WebhookID: "wh1", WebhookURL: "https://x/wh1"})
	require.NoError(t, err)

	for i, m := range []*Manager{a, b, a, b} {
		rec, err := m.GetStatus(ctx, "wh1")
		require.NoError(t, err)
		clk.Set(*rec.NextRetryTime)

		s, err := m.ProcessQueue(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, s.Processed, "pass %d", i+1)
	}

	rec, err := a.GetStatus(ctx, "wh1")
	require.NoError(t, err)
	require.Len(t, rec.Attempts, 4)
	for i, want := range []int{503, 502, 503, 502} {
		assert.Equal(t, i+1, rec.Attempts[i].AttemptNumber)
		require.NotNil(t, rec.Attempts[i].ResponseStatusCode)
		assert.Equal(t, want, *rec.Attempts[i].ResponseStatusCode)
	}
}

func TestSchedule_WaitsForForeignClaim(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	m := replica(t, store, clock.NewMockClock(t0), respond(true, 200))
	key := repository.RecordClaim("wh1")

	ok, err := store.Claim(ctx, key, "other-instance", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = store.Release(ctx, key, "other-instance")
	}()

	rec, err := m.Schedule(ctx, ScheduleRequest{WebhookID: "wh1", WebhookURL: "https://x/wh1"})
	require.NoError(t, err)
	assert.Equal(t, domain.RetryStatusPending, rec.Status)
}

func TestSchedule_GivesUpOnForeignClaim(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	m := replica(t, store, clock.NewMockClock(t0), respond(true, 200), WithClaimWait(0))

	ok, err := store.Claim(ctx, repository.RecordClaim("wh1"), "other-instance", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = m.Schedule(ctx, ScheduleRequest{WebhookID: "wh1", WebhookURL: "https://x/wh1"})
	assert.ErrorIs(t, err, domain.ErrBusy)

	_, err = m.GetStatus(ctx, "wh1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestClaimsAreReleased(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	clk := clock.NewMockClock(t0)
	m := replica(t, store, clk, respond(true, 200))

	_, err := m.Schedule(ctx, ScheduleRequest{WebhookID: "wh1", WebhookURL: "https://x/wh1"})
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)
	_, err = m.ProcessQueue(ctx)
	require.NoError(t, err)

	for _, key := range []string{repository.QueuePassClaim, repository.RecordClaim("wh1")} {
		ok, err := store.Claim(ctx, key, "other-instance", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "%s still held", key)
	}
}

func TestExecuteAttempt_NotAttemptedKeepsBudget(t *testing.T) {
	throttled := ExecutorFunc(func(context.Context, Target) (DeliveryResult, error) {
		return DeliveryResult{}, fmt.Errorf("%w: hooks.example.com over its rate", ErrNotAttempted)
	})
	policy := DefaultPolicy()
	policy.MaxTotalAttempts = 3
	h := newHarness(t, policy, WithExecutor(throttled))

	h.schedule(t, "wh1", 503)
	for i := 0; i < 10; i++ {
		h.advanceToDue(t, "wh1")
		summary := h.process(t)
		require.Equal(t, 1, summary.Deferred, "pass %d", i+1)
		require.Equal(t, 0, summary.Processed, "pass %d", i+1)
	}

	rec := h.status(t, "wh1")
	assert.Equal(t, domain.RetryStatusPending, rec.Status)
	assert.Equal(t, 0, rec.TotalAttempts)
	assert.Empty(t, rec.Attempts)
	assert.Equal(t, 0, rec.FailedAttempts)
	require.NotNil(t, rec.NextRetryTime)
	assert.Equal(t, h.clock.Now().Add(time.Minute), *rec.NextRetryTime)
	assert.Equal(t, 1, h.queueSize(t))
	assert.Contains(t, h.events.names(), EventRetryDeferred)
	assert.NotContains(t, h.events.names(), EventRetryException)
}

func TestExecuteAttempt_NotAttemptedAfterRealAttempts(t *testing.T) {
	var calls atomic.Int32
	exec := ExecutorFunc(func(context.Context, Target) (DeliveryResult, error) {
		if calls.Add(1) == 1 {
			return DeliveryResult{StatusCode: 503}, nil
		}
		return DeliveryResult{}, fmt.Errorf("%w: breaker open", ErrNotAttempted)
	})
	h := newHarness(t, DefaultPolicy(), WithExecutor(exec))
	h.schedule(t, "wh1", 503)

	h.advanceToDue(t, "wh1")
	h.process(t)
	h.advanceToDue(t, "wh1")

	outcome, err := h.manager.ExecuteAttempt(context.Background(), "wh1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, outcome)

	rec := h.status(t, "wh1")
	assert.Equal(t, 1, rec.TotalAttempts)
	require.Len(t, rec.Attempts, 1)
	assert.Equal(t, domain.AttemptStatusFailed, rec.Attempts[0].Status)
	assert.Equal(t, domain.RetryStatusPending, rec.Status)
}

func TestMultiCollector_PanicDoesNotStarveLaterCollectors(t *testing.T) {
	var reached atomic.Int32
	mc := MultiCollector{
		MetricsCollectorFunc(func(context.Context, EventName, any) error { panic("collector bug") }),
		nil,
		MetricsCollectorFunc(func(context.Context, EventName, any) error {
			reached.Add(1)
			return nil
		}),
	}

	err := mc.Collect(context.Background(), EventRetrySuccess, &domain.RetryRecord{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collector bug")
	assert.EqualValues(t, 1, reached.Load())
}

func TestMultiCollector_JoinsErrors(t *testing.T) {
	first, second := errors.New("statsd down"), errors.New("kafka down")
	mc := MultiCollector{
		MetricsCollectorFunc(func(context.Context, EventName, any) error { return first }),
		MetricsCollectorFunc(func(context.Context, EventName, any) error { return second }),
	}

	err := mc.Collect(context.Background(), EventRetryFailed, &domain.RetryRecord{})
	assert.ErrorIs(t, err, first)
	assert.ErrorIs(t, err, second)
}

func TestNewManager_NilLoggerDiscards(t *testing.T) {
	m, err := NewManager(DefaultPolicy(), memory.NewStore(), WithLogger(nil))
	require.NoError(t, err)
	assert.Equal(t, slog.DiscardHandler, m.logger.Handler())
}
