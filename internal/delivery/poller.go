package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// LaneSender sends the head of a lane when it is idle and due.
type LaneSender interface {
	SendNext(ctx context.Context, lane Lane) (*Entry, error)
}

// PollingScheduler is the retry scheduler used without a durable job store.
// Schedule does not hold the job: the entry's NextAttemptAt is already
// persisted, and the poller resumes lanes whose head pending entry is due.
type PollingScheduler struct {
	store    Store
	clock    clock.Clock
	interval time.Duration
	limit    int

	mu     sync.Mutex
	sender LaneSender

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPollingScheduler creates a poller that checks for due lanes every interval.
func NewPollingScheduler(store Store, interval time.Duration, limit int, clk clock.Clock) *PollingScheduler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if limit <= 0 {
		limit = 100
	}
	if clk == nil {
		clk = clock.New()
	}
	return &PollingScheduler{
		store:    store,
		clock:    clk,
		interval: interval,
		limit:    limit,
		stopCh:   make(chan struct{}),
	}
}

// Bind sets the sender used to resume due lanes.
func (s *PollingScheduler) Bind(sender LaneSender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sender = sender
}

// Schedule acknowledges a retry. The next poll after job.RunAt picks it up.
func (s *PollingScheduler) Schedule(_ context.Context, job RetryJob) error {
	slog.Debug("retry deferred to poller", "entry_id", job.EntryID, "attempt", job.Attempt, "run_at", job.RunAt)
	return nil
}

// Poll resumes every due lane once and returns how many sent an entry.
func (s *PollingScheduler) Poll(ctx context.Context) (int, error) {
	s.mu.Lock()
	sender := s.sender
	s.mu.Unlock()
	if sender == nil {
		return 0, nil
	}
	return resumeDueLanes(ctx, s.store, sender, s.clock.Now(), s.limit)
}

// Start launches the poll loop.
func (s *PollingScheduler) Start(ctx context.Context) {
	slog.Info("starting retry poller", "interval", s.interval)
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop stops the poll loop and waits for a running poll to finish.
func (s *PollingScheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *PollingScheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.Poll(ctx); err != nil {
				slog.Error("retry poll failed", "error", err)
			}
		}
	}
}

// resumeDueLanes sends the head of every idle lane whose retry is due.
func resumeDueLanes(ctx context.Context, store Store, sender LaneSender, now time.Time, limit int) (int, error) {
	lanes, err := store.ListDueLanes(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("list due lanes: %w", err)
	}

	resumed := 0
	for _, lane := range lanes {
		sent, err := sender.SendNext(ctx, lane)
		if err != nil {
			slog.Error("failed to resume lane", "lane", lane.String(), "error", err)
			continue
		}
		if sent != nil {
			resumed++
		}
	}
	return resumed, nil
}
