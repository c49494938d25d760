// Package memory provides an in-process implementation of delivery.Store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bissquit/sms-relay/internal/delivery"
)

var _ delivery.Store = (*Store)(nil)

// Store keeps entries in memory. It enforces the same conditional
// transitions as the PostgreSQL store.
type Store struct {
	mu       sync.RWMutex
	entries  map[string]*delivery.Entry
	lanes    map[delivery.Lane][]string
	lastSeq  map[delivery.Lane]int64
	byProvID map[string]string
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		entries:  make(map[string]*delivery.Entry),
		lanes:    make(map[delivery.Lane][]string),
		lastSeq:  make(map[delivery.Lane]int64),
		byProvID: make(map[string]string),
	}
}

// Create inserts pending entries and assigns consecutive sequence numbers.
func (s *Store) Create(_ context.Context, entries []*delivery.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	lane := entries[0].Lane()
	for _, e := range entries {
		if e.Lane() != lane {
			return delivery.ErrInvalidLane
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.lastSeq[lane]
	for _, e := range entries {
		seq++
		e.Sequence = seq
		s.entries[e.ID] = e.Clone()
		s.lanes[lane] = append(s.lanes[lane], e.ID)
	}
	s.lastSeq[lane] = seq
	return nil
}

// Get returns an entry by id.
func (s *Store) Get(_ context.Context, id string) (*delivery.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, delivery.ErrEntryNotFound
	}
	return e.Clone(), nil
}

// GetByProviderMessageID returns the entry that was sent with the given provider id.
func (s *Store) GetByProviderMessageID(_ context.Context, providerMessageID string) (*delivery.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byProvID[providerMessageID]
	if !ok {
		return nil, delivery.ErrEntryNotFound
	}
	return s.entries[id].Clone(), nil
}

// ListLane returns the lane's entries in sequence order.
func (s *Store) ListLane(_ context.Context, lane delivery.Lane) ([]*delivery.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.lanes[lane]
	out := make([]*delivery.Entry, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.entries[id].Clone())
	}
	return out, nil
}

// InFlight returns the lane's sent entry.
func (s *Store) InFlight(_ context.Context, lane delivery.Lane) (*delivery.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if e := s.inFlightLocked(lane); e != nil {
		return e.Clone(), nil
	}
	return nil, delivery.ErrEntryNotFound
}

// Head returns the lane's lowest-sequence pending entry.
func (s *Store) Head(_ context.Context, lane delivery.Lane) (*delivery.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.lanes[lane] {
		if e := s.entries[id]; e.Status == delivery.StatusPending {
			return e.Clone(), nil
		}
	}
	return nil, delivery.ErrEntryNotFound
}

// Claim moves a pending entry to sent.
func (s *Store) Claim(_ context.Context, id string, at time.Time) (*delivery.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.transitionLocked(id, delivery.StatusPending)
	if err != nil {
		return nil, err
	}
	if s.inFlightLocked(e.Lane()) != nil {
		return nil, delivery.ErrOrderingViolation
	}

	if e.ProviderMessageID != nil {
		delete(s.byProvID, *e.ProviderMessageID)
	}
	e.Status = delivery.StatusSent
	e.SentAt = &at
	e.ProviderMessageID = nil
	e.NextAttemptAt = nil
	e.UpdatedAt = at
	return e.Clone(), nil
}

// SetProviderMessageID records the provider's id for an entry.
func (s *Store) SetProviderMessageID(_ context.Context, id, providerMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return delivery.ErrEntryNotFound
	}
	e.ProviderMessageID = &providerMessageID
	s.byProvID[providerMessageID] = id
	return nil
}

// MarkDelivered moves a sent entry to delivered.
func (s *Store) MarkDelivered(_ context.Context, id string, at time.Time) (*delivery.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.transitionLocked(id, delivery.StatusSent)
	if err != nil {
		return nil, err
	}
	e.Status = delivery.StatusDelivered
	e.DeliveredAt = &at
	e.UpdatedAt = at
	return e.Clone(), nil
}

// Fail records a failed attempt, either re-queueing the entry or failing it.
func (s *Store) Fail(_ context.Context, id string, from delivery.Status, f delivery.Failure) (*delivery.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.transitionLocked(id, from)
	if err != nil {
		return nil, err
	}
	msg := f.Message
	e.ErrorMessage = &msg
	e.RetryCount = f.RetryCount
	e.UpdatedAt = f.At
	if f.Requeue {
		e.Status = delivery.StatusPending
		e.NextAttemptAt = f.NextAttemptAt
	} else {
		e.Status = delivery.StatusFailed
		e.NextAttemptAt = nil
	}
	return e.Clone(), nil
}

// Cancel moves an entry from the given status to cancelled.
func (s *Store) Cancel(_ context.Context, id string, from delivery.Status, at time.Time) (*delivery.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.transitionLocked(id, from)
	if err != nil {
		return nil, err
	}
	e.Status = delivery.StatusCancelled
	e.NextAttemptAt = nil
	e.UpdatedAt = at
	return e.Clone(), nil
}

// CancelRecipient cancels every pending and sent entry of a recipient.
func (s *Store) CancelRecipient(_ context.Context, recipientID string, at time.Time) ([]*delivery.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*delivery.Entry
	for lane, ids := range s.lanes {
		if lane.RecipientID != recipientID {
			continue
		}
		for _, id := range ids {
			e := s.entries[id]
			if e.Status != delivery.StatusPending && e.Status != delivery.StatusSent {
				continue
			}
			e.Status = delivery.StatusCancelled
			e.NextAttemptAt = nil
			e.UpdatedAt = at
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

// ListStalled returns sent entries whose timeout has elapsed.
func (s *Store) ListStalled(_ context.Context, q delivery.StalledQuery) ([]*delivery.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*delivery.Entry
	for _, e := range s.entries {
		if e.Status != delivery.StatusSent || e.SentAt == nil {
			continue
		}
		if !e.SentAt.Add(e.Timeout()).Before(q.Now) {
			continue
		}
		if q.After != nil && !after(e, q.After) {
			continue
		}
		out = append(out, e.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].SentAt.Equal(*out[j].SentAt) {
			return out[i].SentAt.Before(*out[j].SentAt)
		}
		return out[i].ID < out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// ListDueLanes returns idle lanes whose head pending entry is due.
func (s *Store) ListDueLanes(_ context.Context, now time.Time, limit int) ([]delivery.Lane, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []delivery.Lane
	for lane, ids := range s.lanes {
		if s.inFlightLocked(lane) != nil {
			continue
		}
		for _, id := range ids {
			e := s.entries[id]
			if e.Status != delivery.StatusPending {
				continue
			}
			if e.IsDue(now) {
				out = append(out, lane)
			}
			break
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Stats returns entry counts by status.
func (s *Store) Stats(_ context.Context) (*delivery.QueueStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats delivery.QueueStats
	for _, e := range s.entries {
		switch e.Status {
		case delivery.StatusPending:
			stats.Pending++
		case delivery.StatusSent:
			stats.Sent++
		case delivery.StatusDelivered:
			stats.Delivered++
		case delivery.StatusFailed:
			stats.Failed++
		case delivery.StatusCancelled:
			stats.Cancelled++
		}
	}
	return &stats, nil
}

func (s *Store) transitionLocked(id string, from delivery.Status) (*delivery.Entry, error) {
	e, ok := s.entries[id]
	if !ok {
		return nil, delivery.ErrEntryNotFound
	}
	if e.Status != from {
		return nil, delivery.ErrStaleTransition
	}
	return e, nil
}

func (s *Store) inFlightLocked(lane delivery.Lane) *delivery.Entry {
	for _, id := range s.lanes[lane] {
		if e := s.entries[id]; e.Status == delivery.StatusSent {
			return e
		}
	}
	return nil
}

func after(e *delivery.Entry, c *delivery.Cursor) bool {
	if e.SentAt.After(c.SentAt) {
		return true
	}
	return e.SentAt.Equal(c.SentAt) && e.ID > c.ID
}
