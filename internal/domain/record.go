package domain

import "time"

// RetryAttempt records one delivery attempt against a webhook target.
// It is never mutated after it leaves the InProgress state.
type RetryAttempt struct {
	AttemptNumber      int           `json:"attempt_number"`
	ScheduledAt        time.Time     `json:"scheduled_at"`
	ExecutedAt         *time.Time    `json:"executed_at,omitempty"`
	Status             AttemptStatus `json:"status"`
	ResponseStatusCode *int          `json:"response_status_code,omitempty"`
	ErrorMessage       *string       `json:"error_message,omitempty"`
	DurationMs         *int64        `json:"duration_ms,omitempty"`
	JitterAppliedMs    int64         `json:"jitter_applied_ms"`
}

// RetryRecord is the per-webhook retry aggregate and the unit of concurrency
// control. Invariant: TotalAttempts == len(Attempts).
type RetryRecord struct {
	WebhookID  string `json:"webhook_id"`
	FormID     string `json:"form_id"`
	WebhookURL string `json:"webhook_url"`

	InitialFailureTime time.Time   `json:"initial_failure_time"`
	Status             RetryStatus `json:"status"`

	TotalAttempts      int `json:"total_attempts"`
	SuccessfulAttempts int `json:"successful_attempts"`
	FailedAttempts     int `json:"failed_attempts"`

	LastAttemptTime   *time.Time `json:"last_attempt_time,omitempty"`
	NextRetryTime     *time.Time `json:"next_retry_time,omitempty"`
	NextRetryJitterMs int64      `json:"next_retry_jitter_ms"`

	PermanentFailureReason FailureReason `json:"permanent_failure_reason,omitempty"`
	LastFailureReason      string        `json:"last_failure_reason,omitempty"`
	LastStatusCode         *int          `json:"last_status_code,omitempty"`

	Attempts []RetryAttempt `json:"attempts"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewRetryRecord(webhookID, formID, webhookURL string, now time.Time) *RetryRecord {
	return &RetryRecord{
		WebhookID:          webhookID,
		FormID:             formID,
		WebhookURL:         webhookURL,
		InitialFailureTime: now,
		Status:             RetryStatusPending,
		Attempts:           []RetryAttempt{},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// FailureRate returns failed attempts as a percentage of all attempts.
func (r *RetryRecord) FailureRate() float64 {
	if r.TotalAttempts == 0 {
		return 0
	}
	return float64(r.FailedAttempts) / float64(r.TotalAttempts) * 100
}

func (r *RetryRecord) HasExceededMaxDuration(now time.Time, maxDuration time.Duration) bool {
	return now.Sub(r.InitialFailureTime) > maxDuration
}

// NextAttemptNumber is the 1-based number the next attempt would carry.
func (r *RetryRecord) NextAttemptNumber() int {
	return r.TotalAttempts + 1
}

// IsDue reports whether the record may be attempted at now.
func (r *RetryRecord) IsDue(now time.Time) bool {
	return r.NextRetryTime == nil || !r.NextRetryTime.After(now)
}

// MarkAsScheduled moves the record (back) to Pending with a new due time.
func (r *RetryRecord) MarkAsScheduled(next time.Time, jitter time.Duration, now time.Time) {
	r.Status = RetryStatusPending
	r.NextRetryTime = &next
	r.NextRetryJitterMs = jitter.Milliseconds()
	r.UpdatedAt = now
}

// BeginAttempt appends an InProgress attempt and moves the record to InProgress.
func (r *RetryRecord) BeginAttempt(now time.Time) {
	scheduledAt := now
	if r.NextRetryTime != nil {
		scheduledAt = *r.NextRetryTime
	}
	executedAt := now
	r.Attempts = append(r.Attempts, RetryAttempt{
		AttemptNumber:   r.NextAttemptNumber(),
		ScheduledAt:     scheduledAt,
		ExecutedAt:      &executedAt,
		Status:          AttemptStatusInProgress,
		JitterAppliedMs: r.NextRetryJitterMs,
	})
	r.TotalAttempts++
	r.Status = RetryStatusInProgress
	r.LastAttemptTime = &executedAt
	r.UpdatedAt = now
}

// CurrentAttempt returns the most recent attempt, or nil when none exist.
func (r *RetryRecord) CurrentAttempt() *RetryAttempt {
	if len(r.Attempts) == 0 {
		return nil
	}
	return &r.Attempts[len(r.Attempts)-1]
}

// RecordSuccess finalizes the current attempt and the record as successful.
func (r *RetryRecord) RecordSuccess(statusCode int, duration time.Duration, now time.Time) {
	r.finishAttempt(AttemptStatusSuccess, statusCode, "", duration)
	r.SuccessfulAttempts++
	r.Status = RetryStatusSuccess
	r.NextRetryTime = nil
	r.NextRetryJitterMs = 0
	r.UpdatedAt = now
}

// RecordFailure finalizes the current attempt as failed. The record status is
// left for the caller to decide (retry, exhaust or disable).
func (r *RetryRecord) RecordFailure(statusCode int, errMsg string, duration time.Duration, now time.Time) {
	r.finishAttempt(AttemptStatusFailed, statusCode, errMsg, duration)
	r.FailedAttempts++
	if errMsg != "" {
		r.LastFailureReason = errMsg
	}
	r.UpdatedAt = now
}

// RecordTerminalResponse finalizes the current attempt and the record as
// permanently disabled because the endpoint answered with a terminal status.
func (r *RetryRecord) RecordTerminalResponse(statusCode int, errMsg string, duration time.Duration, now time.Time) {
	r.finishAttempt(AttemptStatusPermanentlyDisabled, statusCode, errMsg, duration)
	r.MarkAsDisabled(ReasonForStatusCode(statusCode), now)
}

// MarkAsDisabled moves the record to PermanentlyDisabled.
func (r *RetryRecord) MarkAsDisabled(reason FailureReason, now time.Time) {
	r.Status = RetryStatusPermanentlyDisabled
	r.PermanentFailureReason = reason
	r.NextRetryTime = nil
	r.NextRetryJitterMs = 0
	r.UpdatedAt = now
}

// MarkAsExhausted moves the record to MaxRetriesExceeded.
func (r *RetryRecord) MarkAsExhausted(now time.Time) {
	r.Status = RetryStatusMaxRetriesExceeded
	r.PermanentFailureReason = FailureReasonMaxRetriesExceeded
	r.NextRetryTime = nil
	r.NextRetryJitterMs = 0
	r.UpdatedAt = now
}

func (r *RetryRecord) finishAttempt(status AttemptStatus, statusCode int, errMsg string, duration time.Duration) {
	a := r.CurrentAttempt()
	if a == nil {
		return
	}
	a.Status = status
	if statusCode != 0 {
		code := statusCode
		a.ResponseStatusCode = &code
		r.LastStatusCode = &code
	}
	if errMsg != "" {
		msg := errMsg
		a.ErrorMessage = &msg
	}
	ms := duration.Milliseconds()
	a.DurationMs = &ms
}

// Clone returns a deep copy safe to hand outside the owning manager.
func (r *RetryRecord) Clone() *RetryRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.LastAttemptTime = cloneTime(r.LastAttemptTime)
	c.NextRetryTime = cloneTime(r.NextRetryTime)
	c.LastStatusCode = cloneInt(r.LastStatusCode)
	c.Attempts = make([]RetryAttempt, len(r.Attempts))
	for i, a := range r.Attempts {
		a.ExecutedAt = cloneTime(a.ExecutedAt)
		a.ResponseStatusCode = cloneInt(a.ResponseStatusCode)
		if a.ErrorMessage != nil {
			msg := *a.ErrorMessage
			a.ErrorMessage = &msg
		}
		if a.DurationMs != nil {
			ms := *a.DurationMs
			a.DurationMs = &ms
		}
		c.Attempts[i] = a
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneInt(i *int) *int {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}
