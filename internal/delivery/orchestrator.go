package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/text/unicode/norm"
)

// MaxContentLength is the longest message body accepted, in characters.
const MaxContentLength = 1600

// FailureHandler is called once for every entry that reaches terminal failed.
type FailureHandler func(ctx context.Context, entry *Entry)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock sets the clock used for timestamps and backoff.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithRetryPolicy sets the backoff schedule.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithDefaults sets the limits applied when EnqueueOptions leaves them zero.
func WithDefaults(d EnqueueOptions) Option {
	return func(o *Orchestrator) { o.defaults = d }
}

// WithSendTimeout bounds every provider send call.
func WithSendTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.sendTimeout = d }
}

// WithFailureHandler replaces the default terminal failure reporter.
func WithFailureHandler(h FailureHandler) Option {
	return func(o *Orchestrator) { o.onFailure = h }
}

// WithCallbackCache sizes the cache of finished provider message ids.
func WithCallbackCache(size int, ttl time.Duration) Option {
	return func(o *Orchestrator) {
		o.cacheSize = size
		o.cacheTTL = ttl
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// Orchestrator drives entries through their lifecycle and keeps each lane
// strictly ordered with at most one entry in flight.
type Orchestrator struct {
	store     Store
	provider  Provider
	scheduler RetryScheduler

	clock       clock.Clock
	policy      RetryPolicy
	defaults    EnqueueOptions
	sendTimeout time.Duration
	onFailure   FailureHandler
	logger      *slog.Logger
	cacheSize   int
	cacheTTL    time.Duration

	locks    *laneLocks
	finished *expirable.LRU[string, struct{}]
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(store Store, provider Provider, scheduler RetryScheduler, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:       store,
		provider:    provider,
		scheduler:   scheduler,
		clock:       clock.New(),
		policy:      DefaultRetryPolicy(),
		defaults:    EnqueueOptions{MaxRetries: 3, TimeoutMinutes: 10},
		sendTimeout: 15 * time.Second,
		logger:      slog.Default(),
		cacheSize:   10000,
		cacheTTL:    time.Hour,
		locks:       newLaneLocks(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.onFailure == nil {
		o.onFailure = o.logFailure
	}
	o.finished = expirable.NewLRU[string, struct{}](o.cacheSize, nil, o.cacheTTL)
	return o
}

// Enqueue appends messages to the lane and triggers a send.
//
// Infrastructure errors while sending are logged and absorbed: the entries are
// stored and will be picked up later. If one of the new entries is rejected
// permanently, the entries are returned together with a *SendError.
func (o *Orchestrator) Enqueue(ctx context.Context, lane Lane, msgs []Message, opts EnqueueOptions) ([]*Entry, error) {
	if err := lane.Validate(); err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("%w: no messages", ErrInvalidMessage)
	}
	opts, err := o.resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	now := o.clock.Now()
	entries := make([]*Entry, 0, len(msgs))
	for i, msg := range msgs {
		content, err := normalizeMessage(msg)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		entries = append(entries, &Entry{
			ID:             uuid.NewString(),
			RecipientID:    lane.RecipientID,
			QueueName:      lane.QueueName,
			Content:        content,
			MediaURLs:      msg.MediaURLs,
			Status:         StatusPending,
			MaxRetries:     opts.MaxRetries,
			TimeoutMinutes: opts.TimeoutMinutes,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}

	if err := o.store.Create(ctx, entries); err != nil {
		return nil, fmt.Errorf("create entries: %w", err)
	}
	entriesEnqueued.WithLabelValues(lane.QueueName).Add(float64(len(entries)))
	o.logger.Debug("entries enqueued", "lane", lane.String(), "count", len(entries), "first_sequence", entries[0].Sequence)

	res, err := o.advance(ctx, lane, "")
	if err != nil {
		o.logger.Error("failed to send after enqueue", "lane", lane.String(), "error", err)
		return entries, nil
	}

	for i, e := range entries {
		if res.sent != nil && res.sent.ID == e.ID {
			entries[i] = res.sent
		}
	}
	for _, f := range res.failed {
		for i, e := range entries {
			if f.entry.ID != e.ID {
				continue
			}
			entries[i] = f.entry
			if errors.Is(f.err, ErrPermanentFailure) {
				return entries, &SendError{EntryID: e.ID, Err: f.err}
			}
		}
	}
	return entries, nil
}

// SendNext sends the head of the lane unless an entry is already in flight.
// It returns the entry that was sent, or nil when nothing was sent.
func (o *Orchestrator) SendNext(ctx context.Context, lane Lane) (*Entry, error) {
	if err := lane.Validate(); err != nil {
		return nil, err
	}
	res, err := o.advance(ctx, lane, "")
	if err != nil {
		return nil, err
	}
	return res.sent, nil
}

// ResumeRetry re-attempts the entry of a due retry job.
func (o *Orchestrator) ResumeRetry(ctx context.Context, job RetryJob) error {
	lane := job.Lane()
	if err := lane.Validate(); err != nil {
		return err
	}
	o.logger.Debug("resuming retry", "entry_id", job.EntryID, "attempt", job.Attempt)
	_, err := o.advance(ctx, lane, job.EntryID)
	return err
}

// OnDeliveryCallback applies a provider delivery outcome. Repeated or stale
// callbacks are ignored.
func (o *Orchestrator) OnDeliveryCallback(ctx context.Context, providerMessageID string, outcome Outcome) error {
	if outcome != OutcomeDelivered && outcome != OutcomeFailed {
		return ErrInvalidOutcome
	}
	if providerMessageID == "" {
		return ErrEntryNotFound
	}
	if o.finished.Contains(providerMessageID) {
		recordCallback(outcome, "duplicate")
		return nil
	}

	entry, err := o.store.GetByProviderMessageID(ctx, providerMessageID)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			recordCallback(outcome, "unknown")
		}
		return err
	}

	applied, err := o.reconcile(ctx, entry, providerMessageID, outcome)
	if err != nil {
		recordCallback(outcome, "error")
		return err
	}
	if applied {
		recordCallback(outcome, "applied")
	} else {
		recordCallback(outcome, "ignored")
	}
	return nil
}

// Reconcile applies an outcome to a sent entry found by id. It is the
// sweeper's equivalent of a delivery callback.
func (o *Orchestrator) Reconcile(ctx context.Context, entryID string, outcome Outcome) (bool, error) {
	if outcome != OutcomeDelivered && outcome != OutcomeFailed {
		return false, ErrInvalidOutcome
	}
	entry, err := o.store.Get(ctx, entryID)
	if err != nil {
		return false, err
	}
	return o.reconcile(ctx, entry, "", outcome)
}

// Cancel cancels a pending or sent entry and advances the lane. Cancelling a
// terminal entry is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, entryID string) (*Entry, error) {
	entry, err := o.store.Get(ctx, entryID)
	if err != nil {
		return nil, err
	}
	lane := entry.Lane()

	ctx = context.WithoutCancel(ctx)
	unlock := o.locks.lock(lane)
	var res advanceResult
	cancelled, err := o.cancelLocked(ctx, entryID, &res)
	unlock()

	o.finish(ctx, res)
	return cancelled, err
}

func (o *Orchestrator) cancelLocked(ctx context.Context, entryID string, res *advanceResult) (*Entry, error) {
	entry, err := o.store.Get(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.Status.IsTerminal() {
		return entry, nil
	}

	cancelled, err := o.store.Cancel(ctx, entry.ID, entry.Status, o.clock.Now())
	if errors.Is(err, ErrStaleTransition) {
		// Lost to a concurrent recipient-wide cancel, which holds no lane lock.
		current, gerr := o.store.Get(ctx, entry.ID)
		if gerr == nil && current.Status.IsTerminal() {
			o.forget(current.ProviderMessageID)
			return current, nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("cancel entry: %w", err)
	}
	o.forget(entry.ProviderMessageID)
	o.logger.Info("entry cancelled", "entry_id", entry.ID, "lane", entry.Lane().String(), "was", entry.Status)

	// The cancelled entry may have been the in-flight entry or a head waiting
	// for its retry; either way the next entry can go now.
	if err := o.advanceLocked(ctx, entry.Lane(), "", res); err != nil {
		o.logger.Error("failed to advance lane after cancel", "lane", entry.Lane().String(), "error", err)
	}
	return cancelled, nil
}

// CancelAllPending cancels every pending and sent entry of the recipient
// across all lanes and returns how many were cancelled.
func (o *Orchestrator) CancelAllPending(ctx context.Context, recipientID string) (int, error) {
	if strings.TrimSpace(recipientID) == "" {
		return 0, ErrInvalidLane
	}
	cancelled, err := o.store.CancelRecipient(ctx, recipientID, o.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("cancel recipient entries: %w", err)
	}
	for _, e := range cancelled {
		o.forget(e.ProviderMessageID)
	}
	o.logger.Info("recipient entries cancelled", "recipient_id", recipientID, "count", len(cancelled))
	return len(cancelled), nil
}

// Get returns an entry by id.
func (o *Orchestrator) Get(ctx context.Context, id string) (*Entry, error) {
	return o.store.Get(ctx, id)
}

// ListLane returns all entries of a lane in sequence order.
func (o *Orchestrator) ListLane(ctx context.Context, lane Lane) ([]*Entry, error) {
	if err := lane.Validate(); err != nil {
		return nil, err
	}
	return o.store.ListLane(ctx, lane)
}

// Stats returns entry counts by status.
func (o *Orchestrator) Stats(ctx context.Context) (*QueueStats, error) {
	return o.store.Stats(ctx)
}

type failedEntry struct {
	entry *Entry
	err   error
}

// Lane work started by a caller runs to completion even if the caller goes
// away: a provider send must not fail because an HTTP client disconnected.
type advanceResult struct {
	sent   *Entry
	failed []failedEntry
	jobs   []RetryJob
}

func (o *Orchestrator) advance(ctx context.Context, lane Lane, force string) (advanceResult, error) {
	ctx = context.WithoutCancel(ctx)
	var res advanceResult
	unlock := o.locks.lock(lane)
	err := o.advanceLocked(ctx, lane, force, &res)
	unlock()

	o.finish(ctx, res)
	return res, err
}

// advanceLocked sends pending entries of the lane in order until one is in
// flight, the lane is waiting for a retry, or the lane is empty. force names
// an entry that may be sent before its NextAttemptAt.
func (o *Orchestrator) advanceLocked(ctx context.Context, lane Lane, force string, res *advanceResult) error {
	for {
		_, err := o.store.InFlight(ctx, lane)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrEntryNotFound) {
			return fmt.Errorf("get in-flight entry: %w", err)
		}

		head, err := o.store.Head(ctx, lane)
		if err != nil {
			if errors.Is(err, ErrEntryNotFound) {
				return nil
			}
			return fmt.Errorf("get head entry: %w", err)
		}
		now := o.clock.Now()
		if head.ID != force && !head.IsDue(now) {
			return nil
		}

		claimed, err := o.store.Claim(ctx, head.ID, now)
		if err != nil {
			switch {
			case errors.Is(err, ErrOrderingViolation):
				o.logger.Error("ordering violation: lane already has an entry in flight",
					"lane", lane.String(), "entry_id", head.ID)
				return nil
			case errors.Is(err, ErrStaleTransition):
				continue
			default:
				return fmt.Errorf("claim entry: %w", err)
			}
		}

		providerID, sendErr := o.send(ctx, claimed)
		if sendErr == nil {
			if providerID == "" {
				o.logger.Warn("provider returned empty message id", "entry_id", claimed.ID)
			} else if err := o.store.SetProviderMessageID(ctx, claimed.ID, providerID); err != nil {
				o.logger.Error("failed to record provider message id",
					"entry_id", claimed.ID, "provider_message_id", providerID, "error", err)
			} else {
				claimed.ProviderMessageID = &providerID
			}
			o.logger.Debug("entry sent", "entry_id", claimed.ID, "lane", lane.String(),
				"sequence", claimed.Sequence, "provider_message_id", providerID)
			res.sent = claimed
			return nil
		}

		failed, err := o.failLocked(ctx, claimed, sendErr, res)
		if err != nil {
			if errors.Is(err, ErrStaleTransition) {
				continue
			}
			return err
		}
		if failed.Status == StatusPending {
			return nil
		}
	}
}

func (o *Orchestrator) send(ctx context.Context, entry *Entry) (string, error) {
	sendCtx, cancel := context.WithTimeout(ctx, o.sendTimeout)
	defer cancel()

	start := o.clock.Now()
	id, err := o.provider.Send(sendCtx, entry.RecipientID, entry.Content, entry.MediaURLs)
	duration := o.clock.Since(start)

	switch {
	case err == nil:
		recordSend("success", duration)
	case !isRetryable(err):
		recordSend("permanent", duration)
	default:
		recordSend("transient", duration)
	}
	return id, err
}

// failLocked applies the retry policy to a failed attempt of a sent entry.
// The returned entry is pending when a retry was scheduled, failed otherwise.
func (o *Orchestrator) failLocked(ctx context.Context, entry *Entry, cause error, res *advanceResult) (*Entry, error) {
	now := o.clock.Now()
	retryCount := entry.RetryCount + 1
	if retryCount > entry.MaxRetries {
		retryCount = entry.MaxRetries
	}

	f := Failure{
		Message:    cause.Error(),
		RetryCount: retryCount,
		At:         now,
	}
	retryable := isRetryable(cause)
	if retryable && retryCount < entry.MaxRetries {
		next := now.Add(o.policy.Delay(retryCount))
		f.Requeue = true
		f.NextAttemptAt = &next
	}

	updated, err := o.store.Fail(ctx, entry.ID, StatusSent, f)
	if err != nil {
		return nil, fmt.Errorf("record failure: %w", err)
	}
	o.forget(entry.ProviderMessageID)

	if f.Requeue {
		res.jobs = append(res.jobs, RetryJob{
			EntryID:     updated.ID,
			RecipientID: updated.RecipientID,
			QueueName:   updated.QueueName,
			Attempt:     retryCount + 1,
			RunAt:       *f.NextAttemptAt,
		})
		o.logger.Warn("attempt failed, retry scheduled",
			"entry_id", updated.ID,
			"retry_count", retryCount,
			"max_retries", updated.MaxRetries,
			"next_attempt", f.NextAttemptAt,
			"error", cause,
		)
		return updated, nil
	}

	res.failed = append(res.failed, failedEntry{entry: updated, err: cause})
	return updated, nil
}

func (o *Orchestrator) reconcile(ctx context.Context, entry *Entry, providerMessageID string, outcome Outcome) (bool, error) {
	ctx = context.WithoutCancel(ctx)
	lane := entry.Lane()
	unlock := o.locks.lock(lane)
	var res advanceResult
	applied, err := o.reconcileLocked(ctx, entry.ID, providerMessageID, outcome, &res)
	unlock()

	o.finish(ctx, res)
	return applied, err
}

func (o *Orchestrator) reconcileLocked(ctx context.Context, entryID, providerMessageID string, outcome Outcome, res *advanceResult) (bool, error) {
	entry, err := o.store.Get(ctx, entryID)
	if err != nil {
		return false, err
	}
	if entry.Status != StatusSent {
		if entry.Status.IsTerminal() {
			o.forget(entry.ProviderMessageID)
		}
		return false, nil
	}
	if providerMessageID != "" && (entry.ProviderMessageID == nil || *entry.ProviderMessageID != providerMessageID) {
		return false, nil
	}

	switch outcome {
	case OutcomeDelivered:
		if _, err := o.store.MarkDelivered(ctx, entry.ID, o.clock.Now()); err != nil {
			if errors.Is(err, ErrStaleTransition) {
				return false, nil
			}
			return false, fmt.Errorf("mark delivered: %w", err)
		}
		o.forget(entry.ProviderMessageID)
		o.logger.Debug("entry delivered", "entry_id", entry.ID, "lane", entry.Lane().String())

	case OutcomeFailed:
		failed, err := o.failLocked(ctx, entry, errors.New("provider reported delivery failure"), res)
		if err != nil {
			if errors.Is(err, ErrStaleTransition) {
				return false, nil
			}
			return false, err
		}
		if failed.Status == StatusPending {
			return true, nil
		}
	}

	if err := o.advanceLocked(ctx, entry.Lane(), "", res); err != nil {
		o.logger.Error("failed to advance lane", "lane", entry.Lane().String(), "error", err)
	}
	return true, nil
}

// finish runs the side effects collected under a lane lock.
func (o *Orchestrator) finish(ctx context.Context, res advanceResult) {
	for _, f := range res.failed {
		terminalFailures.Inc()
		o.onFailure(ctx, f.entry)
	}
	for _, job := range res.jobs {
		retriesScheduled.Inc()
		if err := o.scheduler.Schedule(ctx, job); err != nil {
			o.logger.Error("failed to schedule retry", "entry_id", job.EntryID, "run_at", job.RunAt, "error", err)
		}
	}
}

func (o *Orchestrator) forget(providerMessageID *string) {
	if providerMessageID == nil || *providerMessageID == "" {
		return
	}
	o.finished.Add(*providerMessageID, struct{}{})
}

func (o *Orchestrator) logFailure(_ context.Context, entry *Entry) {
	msg := ""
	if entry.ErrorMessage != nil {
		msg = *entry.ErrorMessage
	}
	o.logger.Error("entry failed permanently",
		"entry_id", entry.ID,
		"lane", entry.Lane().String(),
		"sequence", entry.Sequence,
		"retry_count", entry.RetryCount,
		"error", msg,
	)
}

func (o *Orchestrator) resolveOptions(opts EnqueueOptions) (EnqueueOptions, error) {
	if opts.MaxRetries < 0 || opts.TimeoutMinutes < 0 {
		return opts, fmt.Errorf("%w: negative limits", ErrInvalidMessage)
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = o.defaults.MaxRetries
	}
	if opts.TimeoutMinutes == 0 {
		opts.TimeoutMinutes = o.defaults.TimeoutMinutes
	}
	if opts.TimeoutMinutes <= 0 {
		return opts, fmt.Errorf("%w: timeout must be positive", ErrInvalidMessage)
	}
	return opts, nil
}

func normalizeMessage(msg Message) (string, error) {
	content := norm.NFC.String(strings.TrimSpace(msg.Content))
	if content == "" && len(msg.MediaURLs) == 0 {
		return "", fmt.Errorf("%w: content or media is required", ErrInvalidMessage)
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return "", fmt.Errorf("%w: content longer than %d characters", ErrInvalidMessage, MaxContentLength)
	}
	for _, raw := range msg.MediaURLs {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return "", fmt.Errorf("%w: invalid media url %q", ErrInvalidMessage, raw)
		}
	}
	return content, nil
}
