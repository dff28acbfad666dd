package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	"github.com/roach88/lytics/internal/event"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Append persists a record, assigns it the next seq and returns the
// stored copy. The counter bump, the insert and any cap eviction commit
// together, so a crash never leaves a seq handed out twice.
//
// Any failure is returned as an event.Error with CodePersistence; the
// caller drops the record.
func (s *Store) Append(ctx context.Context, rec event.Record) (event.Record, error) {
	if !rec.Kind.Valid() {
		return event.Record{}, event.NewPersistenceError("append", fmt.Errorf("unknown record kind %q", rec.Kind))
	}

	categories, err := marshalCategories(rec.Categories)
	if err != nil {
		return event.Record{}, event.NewPersistenceError("append", err)
	}
	params, err := marshalParameters(rec.Parameters)
	if err != nil {
		return event.Record{}, event.NewPersistenceError("append", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return event.Record{}, event.NewPersistenceError("append: begin tx", err)
	}
	defer tx.Rollback() // No-op if committed

	var seq int64
	err = tx.QueryRowContext(ctx, `
		UPDATE counters SET value = value + 1 WHERE name = 'seq'
		RETURNING value
	`).Scan(&seq)
	if err != nil {
		return event.Record{}, event.NewPersistenceError("append: next seq", err)
	}

	var sessionStart int64
	if !rec.SessionStart.IsZero() {
		sessionStart = rec.SessionStart.UnixMilli()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO records
		(seq, kind, key, categories, parameters, timestamp_ms, session_start_ms, session_duration_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		seq,
		string(rec.Kind),
		rec.Key,
		categories,
		params,
		rec.Timestamp.UnixMilli(),
		sessionStart,
		int64(rec.SessionDuration),
	)
	if err != nil {
		return event.Record{}, event.NewPersistenceError("append: insert", err)
	}

	evicted, err := s.evictLocked(ctx, tx, seq)
	if err != nil {
		return event.Record{}, event.NewPersistenceError("append: evict", err)
	}

	if err := tx.Commit(); err != nil {
		return event.Record{}, event.NewPersistenceError("append: commit", err)
	}
	s.evicted += uint64(evicted)

	rec.Seq = seq
	return rec, nil
}

// Acknowledge removes every record with seq <= upTo and clears the lease.
// Records appended after the cutoff are untouched: the delete runs under
// the same mutex as Append, so it sees a consistent cutoff.
//
// Returns the number of records removed.
func (s *Store) Acknowledge(ctx context.Context, upTo int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE seq <= ?`, upTo)
	if err != nil {
		return 0, event.NewPersistenceError("acknowledge", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, event.NewPersistenceError("acknowledge: rows affected", err)
	}
	s.inFlight = 0

	// A lease may have held the queue above its cap; settle that now.
	evicted, err := s.evictLocked(ctx, s.db, math.MaxInt64)
	if err != nil {
		return removed, event.NewPersistenceError("acknowledge: evict", err)
	}
	s.evicted += uint64(evicted)

	return removed, nil
}

// evictLocked drops the oldest records until the count is back at the cap.
// Candidates are records newer than the leased batch and older than
// keepFrom: a batch in flight is never removed from under the dispatcher,
// and the record an Append just wrote is never its own victim. When no
// candidate is left the queue stays over the cap until the lease is
// acknowledged. Caller holds mu.
func (s *Store) evictLocked(ctx context.Context, q querier, keepFrom int64) (int64, error) {
	if s.cap <= 0 {
		return 0, nil
	}

	var count int64
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	excess := count - int64(s.cap)
	if excess <= 0 {
		return 0, nil
	}

	result, err := q.ExecContext(ctx, `
		DELETE FROM records WHERE seq IN (
			SELECT seq FROM records
			WHERE seq > ? AND seq < ?
			ORDER BY seq ASC
			LIMIT ?
		)
	`, s.inFlight, keepFrom, excess)
	if err != nil {
		return 0, fmt.Errorf("evict records: %w", err)
	}
	evicted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("evict records: rows affected: %w", err)
	}

	if evicted > 0 {
		s.logger.Warn("queue over cap, evicted oldest records",
			"evicted", evicted,
			"cap", s.cap,
			"in_flight_seq", s.inFlight,
		)
	}
	if evicted < excess {
		s.logger.Debug("queue over cap while batch in flight",
			"excess", excess-evicted,
			"in_flight_seq", s.inFlight,
		)
	}
	return evicted, nil
}

// SetMeta stores a value that must survive restarts.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return event.NewPersistenceError("set meta "+key, err)
	}
	return nil
}
