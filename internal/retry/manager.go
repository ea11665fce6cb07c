package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/menu-planning/retryd/internal/clock"
	"github.com/menu-planning/retryd/internal/domain"
	"github.com/menu-planning/retryd/internal/repository"
)

// ScheduleRequest describes a delivery failure reported by the caller.
// StatusCode is 0 when the failure carried no HTTP response.
type ScheduleRequest struct {
	WebhookID     string `json:"webhook_id"`
	FormID        string `json:"form_id"`
	WebhookURL    string `json:"webhook_url"`
	FailureReason string `json:"failure_reason"`
	StatusCode    int    `json:"status_code,omitempty"`
}

// Outcome is what a single ExecuteAttempt call did to a record.
type Outcome uint8

const (
	OutcomeNotDue Outcome = iota
	OutcomeSkipped
	OutcomeSucceeded
	OutcomeRetrying
	OutcomeDisabled
	OutcomeExhausted
	// OutcomeDeferred means the executor turned the delivery down before it
	// left the process; no attempt was recorded.
	OutcomeDeferred
)

var outcomeNames = [...]string{"not_due", "skipped", "succeeded", "retrying", "disabled", "exhausted", "deferred"}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return fmt.Sprintf("Outcome(%d)", uint8(o))
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// TargetError is a per-target failure collected during a processing pass.
type TargetError struct {
	WebhookID string `json:"webhook_id"`
	Message   string `json:"error"`
}

func (e TargetError) Error() string {
	return e.WebhookID + ": " + e.Message
}

// ProcessingSummary reports one ProcessQueue pass. Disabled counts both
// PermanentlyDisabled and MaxRetriesExceeded outcomes. Skipped covers
// targets that were missing, already terminal or claimed by another instance.
type ProcessingSummary struct {
	AlreadyProcessing bool          `json:"already_processing"`
	Processed         int           `json:"processed"`
	Successful        int           `json:"successful"`
	Failed            int           `json:"failed"`
	Disabled          int           `json:"disabled"`
	Skipped           int           `json:"skipped"`
	Deferred          int           `json:"deferred"`
	Errors            []TargetError `json:"errors,omitempty"`
	StartedAt         time.Time     `json:"started_at"`
	Duration          time.Duration `json:"duration"`
}

func (s *ProcessingSummary) add(webhookID string, outcome Outcome, err error) {
	if err != nil {
		s.Errors = append(s.Errors, TargetError{WebhookID: webhookID, Message: err.Error()})
		return
	}
	switch outcome {
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeSucceeded:
		s.Processed++
		s.Successful++
	case OutcomeRetrying:
		s.Processed++
		s.Failed++
	case OutcomeDisabled, OutcomeExhausted:
		s.Processed++
		s.Disabled++
	case OutcomeDeferred:
		s.Deferred++
	}
}

// QueueStatus is a point-in-time view of the engine.
type QueueStatus struct {
	QueueSize          int                        `json:"queue_size"`
	TotalRecords       int                        `json:"total_records"`
	StatusDistribution map[domain.RetryStatus]int `json:"status_distribution"`
	Processing         bool                       `json:"processing"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithExecutor sets the delivery executor. Without one every attempt succeeds.
func WithExecutor(e WebhookExecutor) Option {
	return func(m *Manager) { m.executor = e }
}

// WithMetrics sets the lifecycle event collector.
func WithMetrics(c MetricsCollector) Option {
	return func(m *Manager) { m.metrics = c }
}

func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithRandom overrides the jitter source. rnd must yield values in [0, 1).
func WithRandom(rnd func() float64) Option {
	return func(m *Manager) { m.rnd = rnd }
}

// WithConcurrency bounds how many targets a processing pass executes at once.
func WithConcurrency(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// WithClaimTTL sets how long a claim on a record or on a processing pass
// lives without renewal. It must outlast the executor's per-attempt timeout.
func WithClaimTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.claimTTL = ttl
		}
	}
}

// WithClaimWait bounds how long Schedule, ExecuteAttempt and Purge wait for a
// record claimed by another instance before returning domain.ErrBusy.
func WithClaimWait(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.claimWait = d
		}
	}
}

const (
	DefaultClaimTTL  = 2 * time.Minute
	DefaultClaimWait = 5 * time.Second

	claimRetryInterval = 50 * time.Millisecond
)

// Manager owns retry state and applies the retry policy to it. It has no timer
// of its own: something external (a Poller, an API call) drives ProcessQueue.
type Manager struct {
	policy      Policy
	store       repository.RetryStore
	executor    WebhookExecutor
	metrics     MetricsCollector
	clock       clock.Clock
	logger      *slog.Logger
	rnd         func() float64
	concurrency int

	// owner identifies this manager in store claims. Local key locks order
	// work inside the process; claims keep other instances sharing the
	// store off the same record and the same pass.
	owner     string
	claimTTL  time.Duration
	claimWait time.Duration

	processing atomic.Bool
	locks      *keyLocks
	noExecutor sync.Once
}

// NewManager validates the policy and returns a ready Manager.
func NewManager(policy Policy, store repository.RetryStore, opts ...Option) (*Manager, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", domain.ErrInvalidInput)
	}

	m := &Manager{
		policy:      policy,
		store:       store,
		clock:       clock.RealClock{},
		concurrency: 1,
		locks:       newKeyLocks(),
		owner:       uuid.NewString(),
		claimTTL:    DefaultClaimTTL,
		claimWait:   DefaultClaimWait,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.New(slog.DiscardHandler)
	}
	return m, nil
}

func (m *Manager) Policy() Policy {
	return m.policy
}

// Schedule records a delivery failure and queues the next attempt. Terminal
// status codes disable the target immediately without queuing anything.
func (m *Manager) Schedule(ctx context.Context, req ScheduleRequest) (*domain.RetryRecord, error) {
	req.WebhookID = strings.TrimSpace(req.WebhookID)
	req.WebhookURL = strings.TrimSpace(req.WebhookURL)
	if req.WebhookID == "" {
		return nil, fmt.Errorf("%w: webhook_id is required", domain.ErrInvalidInput)
	}
	if req.WebhookURL == "" {
		return nil, fmt.Errorf("%w: webhook_url is required", domain.ErrInvalidInput)
	}

	unlock := m.locks.lock(req.WebhookID)
	defer unlock()
	release, err := m.claimRecord(ctx, req.WebhookID, true)
	if err != nil {
		return nil, err
	}
	defer release()

	now := m.clock.Now()
	logger := m.logger.With("webhook_id", req.WebhookID, "form_id", req.FormID)

	existing, err := m.store.Get(ctx, req.WebhookID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("load retry record: %w", err)
	}

	if existing != nil && existing.Status.IsTerminal() && existing.Status != domain.RetryStatusSuccess {
		logger.Info("ignoring failure for terminal retry record",
			"status", existing.Status,
			"reason", existing.PermanentFailureReason,
		)
		return existing, nil
	}

	rec := existing
	if rec == nil || rec.Status == domain.RetryStatusSuccess {
		rec = domain.NewRetryRecord(req.WebhookID, req.FormID, req.WebhookURL, now)
	} else {
		rec.FormID = req.FormID
		rec.WebhookURL = req.WebhookURL
	}

	if m.policy.IsImmediateDisable(req.StatusCode) {
		code := req.StatusCode
		rec.LastStatusCode = &code
		rec.LastFailureReason = req.FailureReason
		rec.MarkAsDisabled(domain.ReasonForStatusCode(code), now)

		if err := m.store.Put(ctx, rec); err != nil {
			return nil, fmt.Errorf("save disabled record: %w", err)
		}
		if err := m.store.Dequeue(ctx, rec.WebhookID); err != nil {
			return nil, fmt.Errorf("dequeue disabled record: %w", err)
		}

		logger.Warn("webhook permanently disabled",
			"status_code", code,
			"reason", rec.PermanentFailureReason,
		)
		m.emit(ctx, EventPermanentlyDisabled, rec.Clone())
		return rec, nil
	}

	rec.LastFailureReason = req.FailureReason
	if req.StatusCode != 0 {
		code := req.StatusCode
		rec.LastStatusCode = &code
	}
	next, jitter := m.policy.NextRetryTime(now, rec.TotalAttempts, m.rnd)
	rec.MarkAsScheduled(next, jitter, now)

	if err := m.store.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("save retry record: %w", err)
	}
	if err := m.store.Enqueue(ctx, rec.WebhookID); err != nil {
		return nil, fmt.Errorf("enqueue retry record: %w", err)
	}

	logger.Info("webhook retry scheduled",
		"attempt", rec.NextAttemptNumber(),
		"status_code", req.StatusCode,
		"next_retry_at", next,
	)
	m.emit(ctx, EventRetryScheduled, rec.Clone())
	return rec, nil
}

// ProcessQueue executes every queued target whose retry time has come. Only
// one pass runs at a time across every manager sharing the store; a
// concurrent call returns immediately with AlreadyProcessing set.
func (m *Manager) ProcessQueue(ctx context.Context) (ProcessingSummary, error) {
	if !m.processing.CompareAndSwap(false, true) {
		return ProcessingSummary{AlreadyProcessing: true}, nil
	}
	defer m.processing.Store(false)

	claimed, err := m.store.Claim(ctx, repository.QueuePassClaim, m.owner, m.claimTTL)
	if err != nil {
		return ProcessingSummary{}, fmt.Errorf("claim processing pass: %w", err)
	}
	if !claimed {
		return ProcessingSummary{AlreadyProcessing: true}, nil
	}
	defer m.release(ctx, repository.QueuePassClaim)
	renewedAt := time.Now()

	summary := ProcessingSummary{StartedAt: m.clock.Now()}
	ids, err := m.store.QueuedIDs(ctx)
	if err != nil {
		return summary, fmt.Errorf("snapshot retry queue: %w", err)
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, m.concurrency)
	)
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if time.Since(renewedAt) > m.claimTTL/2 {
			ok, err := m.store.Claim(ctx, repository.QueuePassClaim, m.owner, m.claimTTL)
			if err != nil || !ok {
				m.logger.Warn("processing pass claim lost, stopping pass", "error", err)
				break
			}
			renewedAt = time.Now()
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome, err := m.processTarget(ctx, id)

			mu.Lock()
			summary.add(id, outcome, err)
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	summary.Duration = m.clock.Now().Sub(summary.StartedAt)
	if summary.Processed > 0 || summary.Skipped > 0 || summary.Deferred > 0 || len(summary.Errors) > 0 {
		m.logger.Info("retry queue processed",
			"queued", len(ids),
			"processed", summary.Processed,
			"successful", summary.Successful,
			"failed", summary.Failed,
			"disabled", summary.Disabled,
			"skipped", summary.Skipped,
			"deferred", summary.Deferred,
			"errors", len(summary.Errors),
		)
		m.emit(ctx, EventQueueProcessed, summary)
	}
	return summary, nil
}

func (m *Manager) processTarget(ctx context.Context, webhookID string) (outcome Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			m.logger.Error("panic while processing retry target", "webhook_id", webhookID, "panic", p)
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	unlock := m.locks.lock(webhookID)
	defer unlock()
	release, err := m.claimRecord(ctx, webhookID, false)
	if errors.Is(err, domain.ErrBusy) {
		m.logger.Debug("retry target claimed elsewhere", "webhook_id", webhookID)
		return OutcomeSkipped, nil
	}
	if err != nil {
		return OutcomeNotDue, err
	}
	defer release()

	rec, err := m.store.Get(ctx, webhookID)
	if errors.Is(err, domain.ErrNotFound) {
		return OutcomeSkipped, m.store.Dequeue(ctx, webhookID)
	}
	if err != nil {
		return OutcomeNotDue, fmt.Errorf("load retry record: %w", err)
	}
	if rec.Status.IsTerminal() {
		return OutcomeSkipped, m.store.Dequeue(ctx, webhookID)
	}
	if !rec.IsDue(m.clock.Now()) {
		return OutcomeNotDue, nil
	}
	return m.attempt(ctx, rec)
}

// ExecuteAttempt runs one attempt for the target now, regardless of its
// NextRetryTime. It returns domain.ErrNotFound for unknown ids and
// domain.ErrTerminal when the record accepts no more attempts.
func (m *Manager) ExecuteAttempt(ctx context.Context, webhookID string) (Outcome, error) {
	unlock := m.locks.lock(webhookID)
	defer unlock()
	release, err := m.claimRecord(ctx, webhookID, true)
	if err != nil {
		return OutcomeNotDue, err
	}
	defer release()

	rec, err := m.store.Get(ctx, webhookID)
	if err != nil {
		return OutcomeNotDue, err
	}
	if rec.Status.IsTerminal() {
		return OutcomeSkipped, fmt.Errorf("%w: %s is %s", domain.ErrTerminal, webhookID, rec.Status)
	}
	return m.attempt(ctx, rec)
}

// attempt applies the attempt preconditions, calls the executor and records
// the outcome. The caller holds the record's key lock and store claim.
func (m *Manager) attempt(ctx context.Context, rec *domain.RetryRecord) (Outcome, error) {
	now := m.clock.Now()
	logger := m.logger.With("webhook_id", rec.WebhookID, "form_id", rec.FormID)

	if rec.HasExceededMaxDuration(now, m.policy.MaxDuration) {
		rec.MarkAsDisabled(domain.FailureReasonMaxRetryDurationExceeded, now)
		logger.Warn("webhook retry duration exceeded",
			"initial_failure_time", rec.InitialFailureTime,
			"attempts", rec.TotalAttempts,
		)
		return m.finalize(ctx, rec, OutcomeDisabled, EventRetryDurationExceeded)
	}
	if rec.NextAttemptNumber() > m.policy.MaxTotalAttempts {
		rec.MarkAsExhausted(now)
		logger.Warn("webhook max retries exceeded", "attempts", rec.TotalAttempts)
		return m.finalize(ctx, rec, OutcomeExhausted, EventMaxRetriesExceeded)
	}

	before := rec.Clone()
	rec.BeginAttempt(now)
	if err := m.store.Put(ctx, rec); err != nil {
		return OutcomeNotDue, fmt.Errorf("save in-progress attempt: %w", err)
	}

	result, execErr := m.execute(ctx, rec)
	finished := m.clock.Now()
	duration := finished.Sub(now)
	attemptLog := logger.With("attempt", rec.TotalAttempts, "status_code", result.StatusCode)

	switch {
	case errors.Is(execErr, ErrNotAttempted):
		*rec = *before
		m.reschedule(rec, finished)
		logger.Info("webhook delivery deferred",
			"reason", execErr,
			"attempts", rec.TotalAttempts,
			"next_retry_at", rec.NextRetryTime,
		)
		return m.finalize(ctx, rec, OutcomeDeferred, EventRetryDeferred)

	case execErr != nil:
		rec.RecordFailure(result.StatusCode, execErr.Error(), duration, finished)
		attemptLog.Error("webhook retry attempt raised", "error", execErr)
		if rec.TotalAttempts >= m.policy.MaxTotalAttempts {
			rec.MarkAsExhausted(finished)
			return m.finalize(ctx, rec, OutcomeExhausted, EventRetryException, EventMaxRetriesExceeded)
		}
		m.reschedule(rec, finished)
		return m.finalize(ctx, rec, OutcomeRetrying, EventRetryException)

	case result.Success:
		rec.RecordSuccess(result.StatusCode, duration, finished)
		attemptLog.Info("webhook retry succeeded", "duration_ms", duration.Milliseconds())
		return m.finalize(ctx, rec, OutcomeSucceeded, EventRetrySuccess)

	case m.policy.IsImmediateDisable(result.StatusCode):
		rec.RecordTerminalResponse(result.StatusCode, failureMessage(result), duration, finished)
		attemptLog.Warn("webhook permanently disabled", "reason", rec.PermanentFailureReason)
		return m.finalize(ctx, rec, OutcomeDisabled, EventPermanentlyDisabled)
	}

	rec.RecordFailure(result.StatusCode, failureMessage(result), duration, finished)

	if m.policy.ShouldTripFailureRate(rec, finished) {
		rec.MarkAsDisabled(domain.FailureReasonHundredPercentFailureRate, finished)
		attemptLog.Warn("webhook disabled by failure rate", "failure_rate", rec.FailureRate())
		return m.finalize(ctx, rec, OutcomeDisabled, EventFailureRateDisabled)
	}
	if rec.TotalAttempts >= m.policy.MaxTotalAttempts {
		rec.MarkAsExhausted(finished)
		attemptLog.Warn("webhook max retries exceeded")
		return m.finalize(ctx, rec, OutcomeExhausted, EventMaxRetriesExceeded)
	}

	m.reschedule(rec, finished)
	attemptLog.Info("webhook retry failed",
		"retryable", m.policy.IsRetryable(result.StatusCode),
		"next_retry_at", rec.NextRetryTime,
	)
	return m.finalize(ctx, rec, OutcomeRetrying, EventRetryFailed)
}

func (m *Manager) reschedule(rec *domain.RetryRecord, now time.Time) {
	next, jitter := m.policy.NextRetryTime(now, rec.TotalAttempts, m.rnd)
	rec.MarkAsScheduled(next, jitter, now)
}

// finalize persists the record, syncs queue membership with its status and
// emits the given events.
func (m *Manager) finalize(ctx context.Context, rec *domain.RetryRecord, outcome Outcome, events ...EventName) (Outcome, error) {
	if err := m.store.Put(ctx, rec); err != nil {
		return outcome, fmt.Errorf("save retry record: %w", err)
	}

	var err error
	if rec.Status.IsTerminal() {
		err = m.store.Dequeue(ctx, rec.WebhookID)
	} else {
		err = m.store.Enqueue(ctx, rec.WebhookID)
	}
	if err != nil {
		return outcome, fmt.Errorf("update retry queue: %w", err)
	}

	snapshot := rec.Clone()
	for _, event := range events {
		m.emit(ctx, event, snapshot)
	}
	return outcome, nil
}

func (m *Manager) execute(ctx context.Context, rec *domain.RetryRecord) (result DeliveryResult, err error) {
	if m.executor == nil {
		m.noExecutor.Do(func() {
			m.logger.Warn("no webhook executor configured, attempts are treated as successful")
		})
		return DeliveryResult{Success: true}, nil
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("executor panic: %v", p)
		}
	}()
	return m.executor.Execute(ctx, Target{
		URL:       rec.WebhookURL,
		WebhookID: rec.WebhookID,
		FormID:    rec.FormID,
	})
}

// emit notifies the metrics collector. Collector failures are logged only.
func (m *Manager) emit(ctx context.Context, event EventName, payload any) {
	if m.metrics == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			m.logger.Error("metrics collector panicked", "event", event, "panic", p)
		}
	}()
	if err := m.metrics.Collect(ctx, event, payload); err != nil {
		m.logger.Warn("metrics collector failed", "event", event, "error", err)
	}
}

func failureMessage(r DeliveryResult) string {
	if r.ErrorMessage != "" {
		return r.ErrorMessage
	}
	if r.StatusCode != 0 {
		return fmt.Sprintf("HTTP %d", r.StatusCode)
	}
	return "delivery failed"
}

// GetStatus returns a copy of the record for webhookID.
func (m *Manager) GetStatus(ctx context.Context, webhookID string) (*domain.RetryRecord, error) {
	rec, err := m.store.Get(ctx, webhookID)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (m *Manager) GetQueueStatus(ctx context.Context) (QueueStatus, error) {
	ids, err := m.store.QueuedIDs(ctx)
	if err != nil {
		return QueueStatus{}, fmt.Errorf("snapshot retry queue: %w", err)
	}
	records, err := m.store.List(ctx)
	if err != nil {
		return QueueStatus{}, fmt.Errorf("list retry records: %w", err)
	}

	dist := make(map[domain.RetryStatus]int, len(domain.RetryStatuses()))
	for _, s := range domain.RetryStatuses() {
		dist[s] = 0
	}
	for _, r := range records {
		dist[r.Status]++
	}
	return QueueStatus{
		QueueSize:          len(ids),
		TotalRecords:       len(records),
		StatusDistribution: dist,
		Processing:         m.processing.Load(),
	}, nil
}

// Purge deletes a terminal or successful record. Records still in a retry
// campaign return domain.ErrInvalidInput.
func (m *Manager) Purge(ctx context.Context, webhookID string) error {
	unlock := m.locks.lock(webhookID)
	defer unlock()
	release, err := m.claimRecord(ctx, webhookID, true)
	if err != nil {
		return err
	}
	defer release()

	rec, err := m.store.Get(ctx, webhookID)
	if err != nil {
		return err
	}
	if !rec.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is still %s", domain.ErrInvalidInput, webhookID, rec.Status)
	}
	return m.store.Delete(ctx, webhookID)
}

// claimRecord takes the store claim on webhookID. With wait set it retries
// until the claim frees up or claimWait passes; the wait runs on wall time.
// Contention ends in domain.ErrBusy.
func (m *Manager) claimRecord(ctx context.Context, webhookID string, wait bool) (func(), error) {
	key := repository.RecordClaim(webhookID)
	deadline := time.Now().Add(m.claimWait)
	for {
		ok, err := m.store.Claim(ctx, key, m.owner, m.claimTTL)
		if err != nil {
			return nil, fmt.Errorf("claim retry record: %w", err)
		}
		if ok {
			return func() { m.release(ctx, key) }, nil
		}
		if !wait || !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: %s", domain.ErrBusy, webhookID)
		}

		timer := time.NewTimer(claimRetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// release drops a claim even when ctx is already cancelled. A failed release
// only delays other instances until the claim expires.
func (m *Manager) release(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.store.Release(ctx, key, m.owner); err != nil {
		m.logger.Warn("failed to release claim", "key", key, "error", err)
	}
}
