// Package delivery provides the ordered per-recipient outbound message queue.
package delivery

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of a queue entry.
type Status string

// Entry statuses.
const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transition is possible from s.
// A failed entry is terminal once it has been stored as failed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDelivered, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusDelivered, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Lane identifies an ordered queue: one recipient and one queue name.
type Lane struct {
	RecipientID string `json:"recipient_id"`
	QueueName   string `json:"queue_name"`
}

// Validate checks that both lane components are present.
func (l Lane) Validate() error {
	if strings.TrimSpace(l.RecipientID) == "" || strings.TrimSpace(l.QueueName) == "" {
		return ErrInvalidLane
	}
	return nil
}

func (l Lane) String() string {
	return l.RecipientID + "/" + l.QueueName
}

// Entry is one message in a lane.
type Entry struct {
	ID                string     `json:"id"`
	RecipientID       string     `json:"recipient_id"`
	QueueName         string     `json:"queue_name"`
	Sequence          int64      `json:"sequence"`
	Content           string     `json:"content"`
	MediaURLs         []string   `json:"media_urls"`
	Status            Status     `json:"status"`
	ProviderMessageID *string    `json:"provider_message_id"`
	RetryCount        int        `json:"retry_count"`
	MaxRetries        int        `json:"max_retries"`
	TimeoutMinutes    int        `json:"timeout_minutes"`
	ErrorMessage      *string    `json:"error_message"`
	NextAttemptAt     *time.Time `json:"next_attempt_at"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	SentAt            *time.Time `json:"sent_at"`
	DeliveredAt       *time.Time `json:"delivered_at"`
}

// Lane returns the lane the entry belongs to.
func (e *Entry) Lane() Lane {
	return Lane{RecipientID: e.RecipientID, QueueName: e.QueueName}
}

// Timeout returns how long the entry may stay sent without a callback.
func (e *Entry) Timeout() time.Duration {
	return time.Duration(e.TimeoutMinutes) * time.Minute
}

// IsDue reports whether a pending entry may be attempted at now.
func (e *Entry) IsDue(now time.Time) bool {
	return e.NextAttemptAt == nil || !e.NextAttemptAt.After(now)
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	c := *e
	if e.MediaURLs != nil {
		c.MediaURLs = append([]string(nil), e.MediaURLs...)
	}
	c.ProviderMessageID = cloneString(e.ProviderMessageID)
	c.ErrorMessage = cloneString(e.ErrorMessage)
	c.NextAttemptAt = cloneTime(e.NextAttemptAt)
	c.SentAt = cloneTime(e.SentAt)
	c.DeliveredAt = cloneTime(e.DeliveredAt)
	return &c
}

func (e *Entry) String() string {
	return fmt.Sprintf("%s[%s#%d %s]", e.ID, e.Lane(), e.Sequence, e.Status)
}

// Message is the content of one entry to enqueue.
type Message struct {
	Content   string   `json:"content"`
	MediaURLs []string `json:"media_urls,omitempty"`
}

// EnqueueOptions overrides per-entry limits. Zero values use the configured defaults.
type EnqueueOptions struct {
	MaxRetries     int
	TimeoutMinutes int
}

// Outcome is the final delivery result reported by the provider.
type Outcome string

// Delivery outcomes.
const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeFailed    Outcome = "failed"
)

// ParseOutcome maps a provider status string to an outcome.
// ok is false for statuses that are not final.
func ParseOutcome(s string) (Outcome, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "delivered":
		return OutcomeDelivered, true
	case "failed", "undelivered":
		return OutcomeFailed, true
	default:
		return "", false
	}
}

// ProviderStatus is the status of a message as reported by a provider lookup.
type ProviderStatus string

// Provider statuses.
const (
	ProviderStatusDelivered ProviderStatus = "delivered"
	ProviderStatusFailed    ProviderStatus = "failed"
	ProviderStatusInFlight  ProviderStatus = "in_flight"
	ProviderStatusUnknown   ProviderStatus = "unknown"
)

// QueueStats contains entry counts by status.
type QueueStats struct {
	Pending   int64 `json:"pending"`
	Sent      int64 `json:"sent"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
}

// CleanupResult summarises one sweeper pass.
type CleanupResult struct {
	Cleaned   int `json:"cleaned"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Resumed   int `json:"resumed"`
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
