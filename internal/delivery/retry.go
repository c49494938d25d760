package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrInvalidBackoff is returned for an empty or decreasing backoff schedule.
var ErrInvalidBackoff = errors.New("backoff schedule must be non-empty and non-decreasing")

// RetryPolicy holds the delay before each attempt. Backoff[n] is the delay
// before attempt n+1; the last value repeats.
type RetryPolicy struct {
	Backoff []time.Duration
}

// DefaultRetryPolicy returns the default schedule: immediate, 5m, 30m.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Backoff: []time.Duration{0, 5 * time.Minute, 30 * time.Minute}}
}

// Validate checks that the schedule is non-empty and non-decreasing.
func (p RetryPolicy) Validate() error {
	if len(p.Backoff) == 0 {
		return ErrInvalidBackoff
	}
	for i, d := range p.Backoff {
		if d < 0 {
			return fmt.Errorf("%w: negative delay at position %d", ErrInvalidBackoff, i)
		}
		if i > 0 && d < p.Backoff[i-1] {
			return fmt.Errorf("%w: %s after %s", ErrInvalidBackoff, d, p.Backoff[i-1])
		}
	}
	return nil
}

// Delay returns the wait before the attempt that follows retryCount failures.
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	if len(p.Backoff) == 0 || retryCount < 0 {
		return 0
	}
	if retryCount >= len(p.Backoff) {
		return p.Backoff[len(p.Backoff)-1]
	}
	return p.Backoff[retryCount]
}

// RetryJob is a delayed re-attempt of an entry.
type RetryJob struct {
	EntryID     string    `json:"entry_id"`
	RecipientID string    `json:"recipient_id"`
	QueueName   string    `json:"queue_name"`
	Attempt     int       `json:"attempt"`
	RunAt       time.Time `json:"run_at"`
}

// Lane returns the lane of the job's entry.
func (j RetryJob) Lane() Lane {
	return Lane{RecipientID: j.RecipientID, QueueName: j.QueueName}
}

// RetryHandler resumes a lane when a retry job is due.
type RetryHandler interface {
	ResumeRetry(ctx context.Context, job RetryJob) error
}

// RetryScheduler runs a job no earlier than job.RunAt, at least once.
// Schedule must not block until the job runs.
type RetryScheduler interface {
	Schedule(ctx context.Context, job RetryJob) error
}

// ImmediateScheduler runs jobs synchronously without waiting for RunAt.
// Used in tests.
type ImmediateScheduler struct {
	mu      sync.Mutex
	handler RetryHandler
	jobs    []RetryJob
}

// NewImmediateScheduler creates a scheduler with no handler bound.
func NewImmediateScheduler() *ImmediateScheduler {
	return &ImmediateScheduler{}
}

// Bind sets the handler that scheduled jobs are passed to.
func (s *ImmediateScheduler) Bind(h RetryHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Schedule records the job and runs it if a handler is bound.
func (s *ImmediateScheduler) Schedule(ctx context.Context, job RetryJob) error {
	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	h := s.handler
	s.mu.Unlock()

	if h == nil {
		return nil
	}
	return h.ResumeRetry(ctx, job)
}

// Jobs returns all jobs scheduled so far.
func (s *ImmediateScheduler) Jobs() []RetryJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RetryJob(nil), s.jobs...)
}
