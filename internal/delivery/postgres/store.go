// Package postgres provides PostgreSQL implementation of delivery.Store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/sms-relay/internal/delivery"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	uniqueViolation      = "23505"
	inFlightConstraint   = "uq_queue_entries_lane_in_flight"
	entryColumns         = `id, recipient_id, queue_name, sequence, content, media_urls, status, provider_message_id,
		retry_count, max_retries, timeout_minutes, error_message, next_attempt_at,
		created_at, updated_at, sent_at, delivered_at`
)

var _ delivery.Store = (*Store)(nil)

// Store implements delivery.Store using PostgreSQL.
type Store struct {
	db *pgxpool.Pool
}

// NewStore creates a new PostgreSQL store.
func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Create inserts entries of one lane in a single transaction. Sequence numbers
// are allocated from queue_lanes under its row lock.
func (s *Store) Create(ctx context.Context, entries []*delivery.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	lane := entries[0].Lane()
	for _, e := range entries {
		if e.Lane() != lane {
			return delivery.ErrInvalidLane
		}
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var last int64
	err = tx.QueryRow(ctx, `
		INSERT INTO queue_lanes (recipient_id, queue_name, last_sequence)
		VALUES ($1, $2, $3)
		ON CONFLICT (recipient_id, queue_name) DO UPDATE
		SET last_sequence = queue_lanes.last_sequence + EXCLUDED.last_sequence,
		    updated_at = NOW()
		RETURNING last_sequence
	`, lane.RecipientID, lane.QueueName, len(entries)).Scan(&last)
	if err != nil {
		return fmt.Errorf("allocate sequence: %w", err)
	}

	first := last - int64(len(entries)) + 1
	batch := &pgx.Batch{}
	for i, e := range entries {
		e.Sequence = first + int64(i)
		media := e.MediaURLs
		if media == nil {
			media = []string{}
		}
		batch.Queue(`
			INSERT INTO queue_entries (id, recipient_id, queue_name, sequence, content, media_urls, status,
				max_retries, timeout_minutes, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, e.ID, e.RecipientID, e.QueueName, e.Sequence, e.Content, media, e.Status,
			e.MaxRetries, e.TimeoutMinutes, e.CreatedAt, e.UpdatedAt)
	}

	br := tx.SendBatch(ctx, batch)
	for range entries {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("insert entry: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Get retrieves an entry by ID.
func (s *Store) Get(ctx context.Context, id string) (*delivery.Entry, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, delivery.ErrEntryNotFound
	}
	query := `SELECT ` + entryColumns + ` FROM queue_entries WHERE id = $1`
	e, err := scanEntry(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, delivery.ErrEntryNotFound
		}
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return e, nil
}

// GetByProviderMessageID retrieves the most recently updated entry sent with the given provider id.
func (s *Store) GetByProviderMessageID(ctx context.Context, providerMessageID string) (*delivery.Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM queue_entries
		WHERE provider_message_id = $1
		ORDER BY updated_at DESC
		LIMIT 1
	`
	e, err := scanEntry(s.db.QueryRow(ctx, query, providerMessageID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, delivery.ErrEntryNotFound
		}
		return nil, fmt.Errorf("get entry by provider id: %w", err)
	}
	return e, nil
}

// ListLane retrieves all entries of a lane in sequence order.
func (s *Store) ListLane(ctx context.Context, lane delivery.Lane) ([]*delivery.Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM queue_entries
		WHERE recipient_id = $1 AND queue_name = $2
		ORDER BY sequence
	`
	return s.queryEntries(ctx, "list lane", query, lane.RecipientID, lane.QueueName)
}

// InFlight retrieves the sent entry of a lane.
func (s *Store) InFlight(ctx context.Context, lane delivery.Lane) (*delivery.Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM queue_entries
		WHERE recipient_id = $1 AND queue_name = $2 AND status = 'sent'
	`
	return s.queryOne(ctx, "get in-flight entry", query, lane.RecipientID, lane.QueueName)
}

// Head retrieves the lowest-sequence pending entry of a lane.
func (s *Store) Head(ctx context.Context, lane delivery.Lane) (*delivery.Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM queue_entries
		WHERE recipient_id = $1 AND queue_name = $2 AND status = 'pending'
		ORDER BY sequence
		LIMIT 1
	`
	return s.queryOne(ctx, "get head entry", query, lane.RecipientID, lane.QueueName)
}

// Claim moves a pending entry to sent.
func (s *Store) Claim(ctx context.Context, id string, at time.Time) (*delivery.Entry, error) {
	query := `
		UPDATE queue_entries
		SET status = 'sent', sent_at = $2, provider_message_id = NULL, next_attempt_at = NULL, updated_at = $2
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + entryColumns
	return s.transition(ctx, "claim entry", id, query, id, at)
}

// SetProviderMessageID records the provider's id for an entry.
func (s *Store) SetProviderMessageID(ctx context.Context, id, providerMessageID string) error {
	result, err := s.db.Exec(ctx, `
		UPDATE queue_entries SET provider_message_id = $2, updated_at = NOW() WHERE id = $1
	`, id, providerMessageID)
	if err != nil {
		return fmt.Errorf("set provider message id: %w", err)
	}
	if result.RowsAffected() == 0 {
		return delivery.ErrEntryNotFound
	}
	return nil
}

// MarkDelivered moves a sent entry to delivered.
func (s *Store) MarkDelivered(ctx context.Context, id string, at time.Time) (*delivery.Entry, error) {
	query := `
		UPDATE queue_entries
		SET status = 'delivered', delivered_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'sent'
		RETURNING ` + entryColumns
	return s.transition(ctx, "mark delivered", id, query, id, at)
}

// Fail records a failed attempt in one conditional update, either re-queueing
// the entry or moving it to terminal failed.
func (s *Store) Fail(ctx context.Context, id string, from delivery.Status, f delivery.Failure) (*delivery.Entry, error) {
	status := delivery.StatusFailed
	var next *time.Time
	if f.Requeue {
		status = delivery.StatusPending
		next = f.NextAttemptAt
	}

	query := `
		UPDATE queue_entries
		SET status = $3, retry_count = $4, error_message = $5, next_attempt_at = $6, updated_at = $7
		WHERE id = $1 AND status = $2
		RETURNING ` + entryColumns
	return s.transition(ctx, "record failure", id, query, id, from, status, f.RetryCount, f.Message, next, f.At)
}

// Cancel moves an entry from the given status to cancelled.
func (s *Store) Cancel(ctx context.Context, id string, from delivery.Status, at time.Time) (*delivery.Entry, error) {
	query := `
		UPDATE queue_entries
		SET status = 'cancelled', next_attempt_at = NULL, updated_at = $3
		WHERE id = $1 AND status = $2
		RETURNING ` + entryColumns
	return s.transition(ctx, "cancel entry", id, query, id, from, at)
}

// CancelRecipient cancels every pending and sent entry of a recipient.
func (s *Store) CancelRecipient(ctx context.Context, recipientID string, at time.Time) ([]*delivery.Entry, error) {
	query := `
		UPDATE queue_entries
		SET status = 'cancelled', next_attempt_at = NULL, updated_at = $2
		WHERE recipient_id = $1 AND status IN ('pending', 'sent')
		RETURNING ` + entryColumns
	return s.queryEntries(ctx, "cancel recipient entries", query, recipientID, at)
}

// ListStalled retrieves sent entries whose timeout elapsed, paged by (sent_at, id).
func (s *Store) ListStalled(ctx context.Context, q delivery.StalledQuery) ([]*delivery.Entry, error) {
	var afterSentAt *time.Time
	var afterID *string
	if q.After != nil {
		afterSentAt = &q.After.SentAt
		afterID = &q.After.ID
	}

	query := `
		SELECT ` + entryColumns + `
		FROM queue_entries
		WHERE status = 'sent'
		  AND sent_at + make_interval(mins => timeout_minutes) < $1
		  AND ($2::timestamptz IS NULL OR (sent_at, id) > ($2::timestamptz, $3::uuid))
		ORDER BY sent_at, id
		LIMIT $4
	`
	return s.queryEntries(ctx, "list stalled entries", query, q.Now, afterSentAt, afterID, q.Limit)
}

// ListDueLanes retrieves idle lanes whose head pending entry is due.
func (s *Store) ListDueLanes(ctx context.Context, now time.Time, limit int) ([]delivery.Lane, error) {
	query := `
		SELECT h.recipient_id, h.queue_name
		FROM (
			SELECT DISTINCT ON (recipient_id, queue_name) recipient_id, queue_name, next_attempt_at
			FROM queue_entries
			WHERE status = 'pending'
			ORDER BY recipient_id, queue_name, sequence
		) h
		WHERE (h.next_attempt_at IS NULL OR h.next_attempt_at <= $1)
		  AND NOT EXISTS (
			SELECT 1 FROM queue_entries s
			WHERE s.recipient_id = h.recipient_id AND s.queue_name = h.queue_name AND s.status = 'sent'
		  )
		ORDER BY h.recipient_id, h.queue_name
		LIMIT $2
	`
	rows, err := s.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due lanes: %w", err)
	}
	lanes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (delivery.Lane, error) {
		var l delivery.Lane
		err := row.Scan(&l.RecipientID, &l.QueueName)
		return l, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan due lanes: %w", err)
	}
	return lanes, nil
}

// Stats returns entry counts by status.
func (s *Store) Stats(ctx context.Context) (*delivery.QueueStats, error) {
	rows, err := s.db.Query(ctx, `SELECT status, COUNT(*) FROM queue_entries GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("get queue stats: %w", err)
	}
	defer rows.Close()

	var stats delivery.QueueStats
	for rows.Next() {
		var status delivery.Status
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		switch status {
		case delivery.StatusPending:
			stats.Pending = count
		case delivery.StatusSent:
			stats.Sent = count
		case delivery.StatusDelivered:
			stats.Delivered = count
		case delivery.StatusFailed:
			stats.Failed = count
		case delivery.StatusCancelled:
			stats.Cancelled = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue stats: %w", err)
	}
	return &stats, nil
}

// transition runs a conditional UPDATE ... RETURNING. No returned row means the
// entry is missing or no longer in the expected status.
func (s *Store) transition(ctx context.Context, op, id, query string, args ...any) (*delivery.Entry, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, delivery.ErrEntryNotFound
	}

	e, err := scanEntry(s.db.QueryRow(ctx, query, args...))
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, mapError(err))
	}

	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM queue_entries WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("%s: check entry: %w", op, err)
	}
	if !exists {
		return nil, delivery.ErrEntryNotFound
	}
	return nil, delivery.ErrStaleTransition
}

func (s *Store) queryOne(ctx context.Context, op, query string, args ...any) (*delivery.Entry, error) {
	e, err := scanEntry(s.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, delivery.ErrEntryNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return e, nil
}

func (s *Store) queryEntries(ctx context.Context, op, query string, args ...any) ([]*delivery.Entry, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*delivery.Entry, error) {
		return scanEntry(row)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return entries, nil
}

func scanEntry(row pgx.Row) (*delivery.Entry, error) {
	var e delivery.Entry
	err := row.Scan(
		&e.ID,
		&e.RecipientID,
		&e.QueueName,
		&e.Sequence,
		&e.Content,
		&e.MediaURLs,
		&e.Status,
		&e.ProviderMessageID,
		&e.RetryCount,
		&e.MaxRetries,
		&e.TimeoutMinutes,
		&e.ErrorMessage,
		&e.NextAttemptAt,
		&e.CreatedAt,
		&e.UpdatedAt,
		&e.SentAt,
		&e.DeliveredAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == inFlightConstraint {
		return delivery.ErrOrderingViolation
	}
	return err
}
