package delivery

import (
	"context"
	"time"
)

// Store defines persistence for queue entries.
//
// Every state change is conditional on the entry's current status and fails
// with ErrStaleTransition when the entry has moved on, or ErrEntryNotFound
// when it does not exist.
type Store interface {
	// Create inserts pending entries of a single lane and assigns consecutive
	// sequence numbers in slice order.
	Create(ctx context.Context, entries []*Entry) error
	Get(ctx context.Context, id string) (*Entry, error)
	GetByProviderMessageID(ctx context.Context, providerMessageID string) (*Entry, error)
	ListLane(ctx context.Context, lane Lane) ([]*Entry, error)

	// InFlight returns the sent entry of the lane or ErrEntryNotFound.
	InFlight(ctx context.Context, lane Lane) (*Entry, error)
	// Head returns the lowest-sequence pending entry of the lane or ErrEntryNotFound.
	Head(ctx context.Context, lane Lane) (*Entry, error)

	// Claim moves a pending entry to sent. It fails with ErrOrderingViolation
	// if the lane already has a sent entry.
	Claim(ctx context.Context, id string, at time.Time) (*Entry, error)
	SetProviderMessageID(ctx context.Context, id, providerMessageID string) error
	MarkDelivered(ctx context.Context, id string, at time.Time) (*Entry, error)
	Fail(ctx context.Context, id string, from Status, f Failure) (*Entry, error)
	Cancel(ctx context.Context, id string, from Status, at time.Time) (*Entry, error)
	// CancelRecipient cancels every pending and sent entry of the recipient.
	CancelRecipient(ctx context.Context, recipientID string, at time.Time) ([]*Entry, error)

	// ListStalled returns sent entries whose timeout elapsed before q.Now,
	// ordered by (sent_at, id) and starting after q.After.
	ListStalled(ctx context.Context, q StalledQuery) ([]*Entry, error)
	// ListDueLanes returns idle lanes whose head pending entry is due at now.
	ListDueLanes(ctx context.Context, now time.Time, limit int) ([]Lane, error)

	Stats(ctx context.Context) (*QueueStats, error)
}

// Failure describes a failed attempt.
type Failure struct {
	Message    string
	RetryCount int
	// Requeue moves the entry back to pending instead of terminal failed.
	Requeue       bool
	NextAttemptAt *time.Time
	At            time.Time
}

// Cursor is a position in the stalled entry scan.
type Cursor struct {
	SentAt time.Time
	ID     string
}

// StalledQuery selects a page of stalled entries.
type StalledQuery struct {
	Now   time.Time
	After *Cursor
	Limit int
}
