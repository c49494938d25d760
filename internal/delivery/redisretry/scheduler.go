// Package redisretry provides a Redis-backed delivery.RetryScheduler.
//
// Jobs are kept in a sorted set scored by their run time in milliseconds.
// A poller claims due jobs with ZREM so that each job is handed to exactly one
// replica, and puts a job back with a delay when its handler fails.
package redisretry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bissquit/sms-relay/internal/delivery"
	"github.com/redis/go-redis/v9"
)

var _ delivery.RetryScheduler = (*Scheduler)(nil)

// ErrNoHandler is returned by ProcessDue before Bind was called.
var ErrNoHandler = errors.New("retry handler is not bound")

// Config contains scheduler configuration.
type Config struct {
	Key          string
	PollInterval time.Duration
	BatchSize    int64
	RetryDelay   time.Duration
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Key:          "smsrelay:retries",
		PollInterval: time.Second,
		BatchSize:    100,
		RetryDelay:   30 * time.Second,
	}
}

// Scheduler stores retry jobs in Redis and runs them when due.
type Scheduler struct {
	client redis.UniversalClient
	config Config
	clock  clock.Clock

	mu      sync.RWMutex
	handler delivery.RetryHandler

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a scheduler. Zero config fields take their defaults.
func New(client redis.UniversalClient, config Config, clk clock.Clock) *Scheduler {
	def := DefaultConfig()
	if config.Key == "" {
		config.Key = def.Key
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = def.RetryDelay
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Scheduler{
		client: client,
		config: config,
		clock:  clk,
		stopCh: make(chan struct{}),
	}
}

// Bind sets the handler due jobs are passed to.
func (s *Scheduler) Bind(h delivery.RetryHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Schedule stores the job to run at job.RunAt.
func (s *Scheduler) Schedule(ctx context.Context, job delivery.RetryJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal retry job: %w", err)
	}
	err = s.client.ZAdd(ctx, s.config.Key, redis.Z{
		Score:  float64(job.RunAt.UnixMilli()),
		Member: string(data),
	}).Err()
	if err != nil {
		return fmt.Errorf("schedule retry job: %w", err)
	}
	return nil
}

// Pending returns the number of stored jobs, due or not.
func (s *Scheduler) Pending(ctx context.Context) (int64, error) {
	n, err := s.client.ZCard(ctx, s.config.Key).Result()
	if err != nil {
		return 0, fmt.Errorf("count retry jobs: %w", err)
	}
	return n, nil
}

// ProcessDue runs up to one batch of due jobs and returns how many were handled.
func (s *Scheduler) ProcessDue(ctx context.Context) (int, error) {
	s.mu.RLock()
	h := s.handler
	s.mu.RUnlock()
	if h == nil {
		return 0, ErrNoHandler
	}

	now := s.clock.Now()
	members, err := s.client.ZRangeByScore(ctx, s.config.Key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: s.config.BatchSize,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list due retry jobs: %w", err)
	}

	handled := 0
	for _, member := range members {
		removed, err := s.client.ZRem(ctx, s.config.Key, member).Result()
		if err != nil {
			return handled, fmt.Errorf("claim retry job: %w", err)
		}
		if removed == 0 {
			// Claimed by another replica.
			continue
		}

		var job delivery.RetryJob
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			slog.Error("dropping malformed retry job", "member", member, "error", err)
			continue
		}

		if err := h.ResumeRetry(ctx, job); err != nil {
			slog.Warn("retry job failed, rescheduling",
				"entry_id", job.EntryID,
				"lane", job.Lane().String(),
				"attempt", job.Attempt,
				"error", err,
			)
			job.RunAt = now.Add(s.config.RetryDelay)
			if err := s.Schedule(ctx, job); err != nil {
				return handled, err
			}
			continue
		}
		handled++
	}
	return handled, nil
}

// Start launches the poller.
func (s *Scheduler) Start(ctx context.Context) {
	slog.Info("starting retry scheduler",
		"key", s.config.Key,
		"poll_interval", s.config.PollInterval,
	)

	s.wg.Add(1)
	go s.run(ctx)
}

// Stop stops the poller and waits for the running batch to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	slog.Info("retry scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := s.clock.Ticker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.ProcessDue(ctx); err != nil {
				slog.Error("failed to process retry jobs", "error", err)
			}
		}
	}
}
