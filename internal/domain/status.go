package domain

import "fmt"

// RetryStatus is the lifecycle state of a RetryRecord.
type RetryStatus uint8

const (
	RetryStatusPending RetryStatus = iota
	RetryStatusInProgress
	RetryStatusSuccess
	RetryStatusFailed
	RetryStatusPermanentlyDisabled
	RetryStatusMaxRetriesExceeded
)

var retryStatusNames = []string{
	RetryStatusPending:             "pending",
	RetryStatusInProgress:          "in_progress",
	RetryStatusSuccess:             "success",
	RetryStatusFailed:              "failed",
	RetryStatusPermanentlyDisabled: "permanently_disabled",
	RetryStatusMaxRetriesExceeded:  "max_retries_exceeded",
}

// RetryStatuses lists every record status in declaration order.
func RetryStatuses() []RetryStatus {
	return []RetryStatus{
		RetryStatusPending,
		RetryStatusInProgress,
		RetryStatusSuccess,
		RetryStatusFailed,
		RetryStatusPermanentlyDisabled,
		RetryStatusMaxRetriesExceeded,
	}
}

func (s RetryStatus) String() string {
	return enumName(retryStatusNames, int(s), "retry_status")
}

// IsTerminal reports whether no further transition is possible.
func (s RetryStatus) IsTerminal() bool {
	switch s {
	case RetryStatusSuccess, RetryStatusPermanentlyDisabled, RetryStatusMaxRetriesExceeded:
		return true
	case RetryStatusPending, RetryStatusInProgress, RetryStatusFailed:
		return false
	}
	return false
}

func (s RetryStatus) MarshalText() ([]byte, error) {
	if int(s) >= len(retryStatusNames) {
		return nil, fmt.Errorf("unknown retry status %d", s)
	}
	return []byte(retryStatusNames[s]), nil
}

func (s *RetryStatus) UnmarshalText(text []byte) error {
	i, err := parseEnum(retryStatusNames, string(text), "retry status")
	if err != nil {
		return err
	}
	*s = RetryStatus(i)
	return nil
}

// AttemptStatus is the outcome state of a single RetryAttempt.
type AttemptStatus uint8

const (
	AttemptStatusPending AttemptStatus = iota
	AttemptStatusInProgress
	AttemptStatusSuccess
	AttemptStatusFailed
	AttemptStatusPermanentlyDisabled
)

var attemptStatusNames = []string{
	AttemptStatusPending:             "pending",
	AttemptStatusInProgress:          "in_progress",
	AttemptStatusSuccess:             "success",
	AttemptStatusFailed:              "failed",
	AttemptStatusPermanentlyDisabled: "permanently_disabled",
}

func (s AttemptStatus) String() string {
	return enumName(attemptStatusNames, int(s), "attempt_status")
}

func (s AttemptStatus) MarshalText() ([]byte, error) {
	if int(s) >= len(attemptStatusNames) {
		return nil, fmt.Errorf("unknown attempt status %d", s)
	}
	return []byte(attemptStatusNames[s]), nil
}

func (s *AttemptStatus) UnmarshalText(text []byte) error {
	i, err := parseEnum(attemptStatusNames, string(text), "attempt status")
	if err != nil {
		return err
	}
	*s = AttemptStatus(i)
	return nil
}

// FailureReason explains why a record reached a terminal non-success state.
// FailureReasonNone is the zero value and means no permanent failure.
type FailureReason uint8

const (
	FailureReasonNone FailureReason = iota
	FailureReasonGone
	FailureReasonNotFound
	FailureReasonTerminalStatusCode
	FailureReasonMaxRetryDurationExceeded
	FailureReasonMaxRetriesExceeded
	FailureReasonHundredPercentFailureRate
)

var failureReasonNames = []string{
	FailureReasonNone:                      "",
	FailureReasonGone:                      "gone",
	FailureReasonNotFound:                  "not_found",
	FailureReasonTerminalStatusCode:        "terminal_status_code",
	FailureReasonMaxRetryDurationExceeded:  "max_retry_duration_exceeded",
	FailureReasonMaxRetriesExceeded:        "max_retries_exceeded",
	FailureReasonHundredPercentFailureRate: "hundred_percent_failure_rate",
}

func (r FailureReason) String() string {
	if r == FailureReasonNone {
		return "none"
	}
	return enumName(failureReasonNames, int(r), "failure_reason")
}

func (r FailureReason) MarshalText() ([]byte, error) {
	if int(r) >= len(failureReasonNames) {
		return nil, fmt.Errorf("unknown failure reason %d", r)
	}
	return []byte(failureReasonNames[r]), nil
}

func (r *FailureReason) UnmarshalText(text []byte) error {
	i, err := parseEnum(failureReasonNames, string(text), "failure reason")
	if err != nil {
		return err
	}
	*r = FailureReason(i)
	return nil
}

// ReasonForStatusCode maps an immediate-disable HTTP status to its failure reason.
func ReasonForStatusCode(code int) FailureReason {
	switch code {
	case 410:
		return FailureReasonGone
	case 404:
		return FailureReasonNotFound
	default:
		return FailureReasonTerminalStatusCode
	}
}

func enumName(names []string, i int, kind string) string {
	if i < 0 || i >= len(names) {
		return fmt.Sprintf("%s(%d)", kind, i)
	}
	return names[i]
}

func parseEnum(names []string, text, kind string) (int, error) {
	for i, name := range names {
		if name == text {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown %s %q", ErrInvalidInput, kind, text)
}
