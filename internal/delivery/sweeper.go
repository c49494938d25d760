package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"
)

// SweeperConfig contains sweeper configuration.
type SweeperConfig struct {
	Interval     time.Duration
	BatchSize    int
	MaxBatches   int
	BatchPause   time.Duration
	GracePeriod  time.Duration
	Concurrency  int
	DueLaneLimit int
}

// DefaultSweeperConfig returns default sweeper configuration.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:     time.Minute,
		BatchSize:    100,
		MaxBatches:   10,
		BatchPause:   500 * time.Millisecond,
		GracePeriod:  5 * time.Minute,
		Concurrency:  4,
		DueLaneLimit: 100,
	}
}

// Sweeper reconciles sent entries whose delivery callback never arrived and
// resumes idle lanes whose retry is due.
type Sweeper struct {
	config       SweeperConfig
	store        Store
	provider     Provider
	orchestrator *Orchestrator
	clock        clock.Clock

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSweeper creates a sweeper.
func NewSweeper(config SweeperConfig, store Store, provider Provider, orchestrator *Orchestrator, clk clock.Clock) *Sweeper {
	def := DefaultSweeperConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.MaxBatches <= 0 {
		config.MaxBatches = def.MaxBatches
	}
	if config.Concurrency <= 0 {
		config.Concurrency = def.Concurrency
	}
	if config.DueLaneLimit <= 0 {
		config.DueLaneLimit = def.DueLaneLimit
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Sweeper{
		config:       config,
		store:        store,
		provider:     provider,
		orchestrator: orchestrator,
		clock:        clk,
		stopCh:       make(chan struct{}),
	}
}

// Start launches the periodic sweep.
func (s *Sweeper) Start(ctx context.Context) {
	slog.Info("starting stalled message sweeper",
		"interval", s.config.Interval,
		"batch_size", s.config.BatchSize,
		"max_batches", s.config.MaxBatches,
	)

	s.wg.Add(1)
	go s.run(ctx)
}

// Stop stops the sweep and waits for a running pass to finish.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	slog.Info("stalled message sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := s.clock.Ticker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			result, err := s.RunPass(ctx, s.config.MaxBatches)
			if err != nil {
				slog.Error("sweeper pass failed", "error", err)
				continue
			}
			if result.Cleaned > 0 || result.Resumed > 0 {
				slog.Info("sweeper pass finished",
					"cleaned", result.Cleaned,
					"delivered", result.Delivered,
					"failed", result.Failed,
					"resumed", result.Resumed,
				)
			}
		}
	}
}

// RunPass reconciles up to maxBatches batches of stalled entries and then
// resumes due idle lanes. A batch that cleans nothing ends the scan.
func (s *Sweeper) RunPass(ctx context.Context, maxBatches int) (CleanupResult, error) {
	if maxBatches <= 0 {
		maxBatches = s.config.MaxBatches
	}

	var result CleanupResult
	var cursor *Cursor
	for batch := 0; batch < maxBatches; batch++ {
		if batch > 0 && s.config.BatchPause > 0 {
			if err := s.pause(ctx); err != nil {
				return result, err
			}
		}

		entries, err := s.store.ListStalled(ctx, StalledQuery{
			Now:   s.clock.Now(),
			After: cursor,
			Limit: s.config.BatchSize,
		})
		if err != nil {
			return result, fmt.Errorf("list stalled entries: %w", err)
		}
		if len(entries) == 0 {
			break
		}

		br, err := s.reconcileBatch(ctx, entries)
		result.Cleaned += br.Cleaned
		result.Delivered += br.Delivered
		result.Failed += br.Failed
		if err != nil {
			return result, err
		}

		last := entries[len(entries)-1]
		cursor = &Cursor{SentAt: *last.SentAt, ID: last.ID}
		if br.Cleaned == 0 || len(entries) < s.config.BatchSize {
			break
		}
	}

	resumed, err := s.resumeDueLanes(ctx)
	result.Resumed = resumed
	if err != nil {
		return result, err
	}
	return result, nil
}

func (s *Sweeper) reconcileBatch(ctx context.Context, entries []*Entry) (CleanupResult, error) {
	var mu sync.Mutex
	var result CleanupResult

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)
	for _, entry := range entries {
		g.Go(func() error {
			outcome, ok := s.decide(gctx, entry)
			if !ok {
				return nil
			}
			applied, err := s.orchestrator.Reconcile(gctx, entry.ID, outcome)
			if err != nil {
				if errors.Is(err, ErrEntryNotFound) {
					return nil
				}
				return fmt.Errorf("reconcile entry %s: %w", entry.ID, err)
			}
			if !applied {
				return nil
			}

			sweeperReconciled.WithLabelValues(string(outcome)).Inc()
			mu.Lock()
			defer mu.Unlock()
			result.Cleaned++
			if outcome == OutcomeDelivered {
				result.Delivered++
			} else {
				result.Failed++
			}
			return nil
		})
	}
	err := g.Wait()
	return result, err
}

// decide maps the provider's view of a stalled entry to an outcome. ok is
// false when the entry should be left alone.
func (s *Sweeper) decide(ctx context.Context, entry *Entry) (Outcome, bool) {
	status := ProviderStatusUnknown
	if entry.ProviderMessageID != nil && *entry.ProviderMessageID != "" {
		st, err := s.provider.Status(ctx, *entry.ProviderMessageID)
		if err != nil {
			slog.Warn("provider status lookup failed",
				"entry_id", entry.ID,
				"provider_message_id", *entry.ProviderMessageID,
				"error", err,
			)
			return "", false
		}
		status = st
	}

	switch status {
	case ProviderStatusDelivered:
		return OutcomeDelivered, true
	case ProviderStatusFailed:
		return OutcomeFailed, true
	case ProviderStatusInFlight:
		return "", false
	default:
		deadline := entry.SentAt.Add(entry.Timeout() + s.config.GracePeriod)
		if s.clock.Now().Before(deadline) {
			return "", false
		}
		slog.Warn("stalled entry has unknown provider status, failing",
			"entry_id", entry.ID,
			"lane", entry.Lane().String(),
			"sent_at", entry.SentAt,
		)
		return OutcomeFailed, true
	}
}

func (s *Sweeper) resumeDueLanes(ctx context.Context) (int, error) {
	return resumeDueLanes(ctx, s.store, s.orchestrator, s.clock.Now(), s.config.DueLaneLimit)
}

func (s *Sweeper) pause(ctx context.Context) error {
	timer := s.clock.Timer(s.config.BatchPause)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopCh:
		return context.Canceled
	case <-timer.C:
		return nil
	}
}
