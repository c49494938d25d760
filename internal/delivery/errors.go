package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/bissquit/sms-relay/internal/pkg/breaker"
)

// Store errors.
var (
	ErrEntryNotFound     = errors.New("queue entry not found")
	ErrStaleTransition   = errors.New("queue entry status changed concurrently")
	ErrOrderingViolation = errors.New("lane already has an entry in flight")
)

// Validation errors.
var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrInvalidLane    = errors.New("recipient id and queue name are required")
	ErrInvalidOutcome = errors.New("invalid delivery outcome")
)

// ErrPermanentFailure matches any permanent provider rejection.
var ErrPermanentFailure = errors.New("permanent delivery failure")

// TransientError is a provider failure that may succeed on a later attempt.
type TransientError struct {
	Code    int
	Message string
	Err     error
}

func (e *TransientError) Error() string {
	msg := e.Message
	switch {
	case e.Err == nil:
	case msg == "":
		msg = e.Err.Error()
	default:
		msg += ": " + e.Err.Error()
	}
	if e.Code > 0 {
		return fmt.Sprintf("transient provider error %d: %s", e.Code, msg)
	}
	return fmt.Sprintf("transient provider error: %s", msg)
}

// IsRetryable returns true as these errors are temporary.
func (e *TransientError) IsRetryable() bool { return true }

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a provider rejection that will not succeed on retry.
type PermanentError struct {
	Code    int
	Message string
}

func (e *PermanentError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("permanent provider error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("permanent provider error: %s", e.Message)
}

// IsRetryable returns false as permanent errors should not be retried.
func (e *PermanentError) IsRetryable() bool { return false }

// Is makes errors.Is(err, ErrPermanentFailure) match.
func (e *PermanentError) Is(target error) bool {
	return target == ErrPermanentFailure
}

// SendError reports that an entry reached terminal failure while being sent.
type SendError struct {
	EntryID string
	Err     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("entry %s failed: %v", e.EntryID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// isRetryable checks if an error is retryable. Unknown errors are retried.
func isRetryable(err error) bool {
	if errors.Is(err, breaker.ErrOpen) {
		return true
	}
	var r interface{ IsRetryable() bool }
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}

// IsProviderFault reports whether err should count against the provider's
// circuit breaker. Permanent rejections mean the provider is answering, and
// a cancelled call never reached a verdict.
func IsProviderFault(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return isRetryable(err)
}
