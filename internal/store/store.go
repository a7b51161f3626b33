// Package store implements the event store (spec.md C1): idempotent
// outbox/inbox persistence, status transitions, and duplicate/transient
// error classification, backed by Postgres via pgx.
package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/baechuer/eventbridge/internal/config"
)

// Store is the process-wide event-store handle: one shared pgxpool.Pool,
// opened lazily and reset on explicit teardown (spec.md §4.1, §9 "Event
// Store singleton").
type Store struct {
	mu     sync.Mutex
	pool   *pgxpool.Pool
	dsn    string
	schema string
	log    zerolog.Logger
}

// New constructs a Store bound to cfg. The pool is not opened until the
// first operation (or an explicit Open call).
func New(cfg *config.Config, log zerolog.Logger) *Store {
	schema := cfg.DB.Schema
	if schema == "" {
		schema = "public"
	}
	return &Store{
		dsn:    cfg.DB.DSN(),
		schema: schema,
		log:    log.With().Str("component", "store").Logger(),
	}
}

// Open lazily creates the shared pool if one doesn't already exist.
func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		return nil
	}
	pool, err := pgxpool.New(ctx, s.dsn)
	if err != nil {
		return fmt.Errorf("store: open pool: %w", err)
	}
	s.pool = pool
	return nil
}

// Reset closes the shared pool and clears it, so the next Open creates a
// fresh one. Idempotent.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
}

func (s *Store) pool_(ctx context.Context) (*pgxpool.Pool, error) {
	s.mu.Lock()
	p := s.pool
	s.mu.Unlock()
	if p != nil {
		return p, nil
	}
	if err := s.Open(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	p = s.pool
	s.mu.Unlock()
	return p, nil
}

// Schema is the configured schema (default "public").
func (s *Store) Schema() string { return s.schema }

// isDuplicate implements spec.md §4.1's duplicate-detection rule: a
// backend unique-violation code, or a case-insensitive substring match on
// "duplicate key" / "unique constraint".
func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "sqlstate 23505")
}

// InsertOutbox inserts an outbox row with status "processing". It returns
// (false, nil) when the insert violates uniqueness on message_id — a
// duplicate, not an error — and propagates any other failure.
func (s *Store) InsertOutbox(ctx context.Context, producerID, eventType string, body []byte, messageID, partitionKey string) (bool, error) {
	pool, err := s.pool_(ctx)
	if err != nil {
		return false, err
	}
	tag, err := pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s.outbox (message_id, producer_id, event_type, body, partition_key, status, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), 'processing', NOW())
		ON CONFLICT (message_id) DO NOTHING
	`, s.schema), messageID, producerID, eventType, body, partitionKey)
	if err != nil {
		if isDuplicate(err) {
			return false, nil
		}
		return false, fmt.Errorf("store: insert outbox: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkOutboxPublished sets status="published", published_at=now(). Store
// errors are logged and absorbed (advisory, spec.md §4.1).
func (s *Store) MarkOutboxPublished(ctx context.Context, messageID string) bool {
	pool, err := s.pool_(ctx)
	if err != nil {
		s.log.Warn().Err(err).Str("message_id", messageID).Msg("mark_outbox_published: pool unavailable")
		return false
	}
	_, err = pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s.outbox SET status = 'published', published_at = NOW() WHERE message_id = $1
	`, s.schema), messageID)
	if err != nil {
		s.log.Warn().Err(err).Str("message_id", messageID).Msg("mark_outbox_published failed")
		return false
	}
	return true
}

// MarkOutboxFailed sets status="failed". Advisory, same semantics as
// MarkOutboxPublished.
func (s *Store) MarkOutboxFailed(ctx context.Context, messageID, errMsg string) bool {
	pool, err := s.pool_(ctx)
	if err != nil {
		s.log.Warn().Err(err).Str("message_id", messageID).Msg("mark_outbox_failed: pool unavailable")
		return false
	}
	_, err = pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s.outbox SET status = 'failed', error = $2 WHERE message_id = $1
	`, s.schema), messageID, errMsg)
	if err != nil {
		s.log.Warn().Err(err).Str("message_id", messageID).Msg("mark_outbox_failed failed")
		return false
	}
	return true
}

// InsertInbox inserts an inbox row with status "processing". A duplicate
// on (message_id, consumer_id) returns (false, nil); other failures
// propagate (spec.md §4.1 Step C: "any other throw is critical").
func (s *Store) InsertInbox(ctx context.Context, consumerID, producerID, eventType string, body []byte, messageID string) (bool, error) {
	pool, err := s.pool_(ctx)
	if err != nil {
		return false, err
	}
	tag, err := pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s.inbox (message_id, consumer_id, producer_id, event_type, body, status, created_at)
		VALUES ($1, $2, $3, $4, $5, 'processing', NOW())
		ON CONFLICT (message_id, consumer_id) DO NOTHING
	`, s.schema), messageID, consumerID, producerID, eventType, body)
	if err != nil {
		if isDuplicate(err) {
			return false, nil
		}
		return false, fmt.Errorf("store: insert inbox: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ExistsInInbox reports whether any row exists for (message_id,
// consumer_id). Fails open: a store error returns false so a transiently
// unavailable inbox does not block traffic (spec.md §4.1).
func (s *Store) ExistsInInbox(ctx context.Context, messageID, consumerID string) bool {
	pool, err := s.pool_(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("exists_in_inbox: pool unavailable, failing open")
		return false
	}
	var exists bool
	err = pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT EXISTS(SELECT 1 FROM %s.inbox WHERE message_id = $1 AND consumer_id = $2)
	`, s.schema), messageID, consumerID).Scan(&exists)
	if err != nil {
		s.log.Warn().Err(err).Msg("exists_in_inbox failed, failing open")
		return false
	}
	return exists
}

// ExistsInInboxAndProcessed reports whether a row exists AND is already
// "processed" — the load-bearing check that distinguishes "already done"
// from "previously failed, retry the handler" (spec.md §4.5.3 Step B).
func (s *Store) ExistsInInboxAndProcessed(ctx context.Context, messageID, consumerID string) bool {
	pool, err := s.pool_(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("exists_in_inbox_and_processed: pool unavailable, failing open")
		return false
	}
	var exists bool
	err = pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT EXISTS(SELECT 1 FROM %s.inbox WHERE message_id = $1 AND consumer_id = $2 AND status = 'processed')
	`, s.schema), messageID, consumerID).Scan(&exists)
	if err != nil {
		s.log.Warn().Err(err).Msg("exists_in_inbox_and_processed failed, failing open")
		return false
	}
	return exists
}

// MarkInboxProcessed sets status="processed", processed_at=now().
// Advisory.
func (s *Store) MarkInboxProcessed(ctx context.Context, messageID, consumerID string) bool {
	pool, err := s.pool_(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("mark_inbox_processed: pool unavailable")
		return false
	}
	_, err = pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s.inbox SET status = 'processed', processed_at = NOW() WHERE message_id = $1 AND consumer_id = $2
	`, s.schema), messageID, consumerID)
	if err != nil {
		s.log.Warn().Err(err).Msg("mark_inbox_processed failed")
		return false
	}
	return true
}

// MarkInboxFailed sets status="failed", recording an optional error.
// Advisory.
func (s *Store) MarkInboxFailed(ctx context.Context, messageID, consumerID, errMsg string) bool {
	pool, err := s.pool_(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("mark_inbox_failed: pool unavailable")
		return false
	}
	_, err = pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s.inbox SET status = 'failed', error = $3 WHERE message_id = $1 AND consumer_id = $2
	`, s.schema), messageID, consumerID, errMsg)
	if err != nil {
		s.log.Warn().Err(err).Msg("mark_inbox_failed failed")
		return false
	}
	return true
}

// ClaimStaleOutbox selects outbox rows still in status "processing" and
// older than olderThan for an offline relay sweep, reading them with FOR
// UPDATE SKIP LOCKED so concurrent claims skip rows another claim
// transaction holds (grounded on outbox_worker.go's batch-claim idiom).
// The claim does not change the rows' status and its locks end when it
// commits, so a later claim can return the same rows again; callers own
// re-marking them.
func (s *Store) ClaimStaleOutbox(ctx context.Context, olderThan time.Duration, limit int) ([]OutboxRow, error) {
	pool, err := s.pool_(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: claim stale outbox: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, fmt.Sprintf(`
		SELECT message_id, producer_id, event_type, body
		FROM %s.outbox
		WHERE status = 'processing' AND created_at < NOW() - $1::interval
		ORDER BY created_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, s.schema), fmt.Sprintf("%d seconds", int(olderThan.Seconds())), limit)
	if err != nil {
		return nil, fmt.Errorf("store: claim stale outbox: query: %w", err)
	}
	var out []OutboxRow
	for rows.Next() {
		var r OutboxRow
		if err := rows.Scan(&r.MessageID, &r.ProducerID, &r.EventType, &r.Body); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: claim stale outbox: scan: %w", err)
		}
		out = append(out, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store: claim stale outbox: commit: %w", err)
	}
	return out, nil
}

// OutboxRow is a claimed outbox record awaiting redelivery.
type OutboxRow struct {
	MessageID  string
	ProducerID string
	EventType  string
	Body       []byte
}
