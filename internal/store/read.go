package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/lytics/internal/event"
)

// ErrLeaseHeld is returned by Lease while an earlier batch is still
// neither acknowledged nor released.
var ErrLeaseHeld = errors.New("store: a batch is already leased")

// PeekBatch returns up to max oldest records without removing them.
// Results are ordered by seq ascending. Returns an empty slice (not nil)
// when the queue is empty. max <= 0 returns every record.
func (s *Store) PeekBatch(ctx context.Context, max int) ([]event.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peekLocked(ctx, max)
}

// Lease is PeekBatch plus a mark on the batch's highest seq. Until
// Acknowledge or Release clears it, cap eviction leaves the batch alone.
func (s *Store) Lease(ctx context.Context, max int) ([]event.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inFlight != 0 {
		return nil, ErrLeaseHeld
	}
	records, err := s.peekLocked(ctx, max)
	if err != nil {
		return nil, err
	}
	if len(records) > 0 {
		s.inFlight = records[len(records)-1].Seq
	}
	return records, nil
}

// Release drops the lease without removing anything. The dispatcher
// calls it after a failed send so the next attempt starts from the same
// oldest record.
func (s *Store) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight = 0
}

// InFlight returns the highest seq of the leased batch, 0 when none.
func (s *Store) InFlight() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// Size returns the number of pending records.
func (s *Store) Size(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&count); err != nil {
		return 0, event.NewPersistenceError("size", err)
	}
	return count, nil
}

// LastSeq returns the last sequence number handed out.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM counters WHERE name = 'seq'`).Scan(&seq)
	if err != nil {
		return 0, event.NewPersistenceError("last seq", err)
	}
	return seq, nil
}

// Meta returns a stored value and whether it exists.
func (s *Store) Meta(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, event.NewPersistenceError("read meta "+key, err)
	}
	return value, true, nil
}

// errUndecodable marks a row whose stored columns can no longer be
// decoded into a record.
var errUndecodable = errors.New("undecodable record")

// peekLocked reads the oldest records. Rows that fail to decode are
// deleted and logged, and the read is repeated so one bad row never
// blocks the rows behind it. Caller holds mu.
func (s *Store) peekLocked(ctx context.Context, max int) ([]event.Record, error) {
	for {
		records, bad, err := s.readLocked(ctx, max)
		if err != nil {
			return nil, err
		}
		if len(bad) == 0 {
			return records, nil
		}
		if err := s.dropUndecodableLocked(ctx, bad); err != nil {
			return nil, err
		}
	}
}

// readLocked runs one peek query. Decoding failures are returned by seq
// instead of failing the read. Caller holds mu.
func (s *Store) readLocked(ctx context.Context, max int) ([]event.Record, map[int64]error, error) {
	limit := max
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, kind, key, categories, parameters, timestamp_ms, session_start_ms, session_duration_ns
		FROM records
		ORDER BY seq ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, nil, event.NewPersistenceError("peek batch", err)
	}
	defer rows.Close()

	records := []event.Record{}
	var bad map[int64]error
	for rows.Next() {
		rec, err := scanRecord(rows)
		if errors.Is(err, errUndecodable) {
			if bad == nil {
				bad = make(map[int64]error)
			}
			bad[rec.Seq] = err
			continue
		}
		if err != nil {
			return nil, nil, event.NewPersistenceError("peek batch", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, event.NewPersistenceError("peek batch: iterate", err)
	}

	return records, bad, nil
}

// dropUndecodableLocked removes rows that readLocked could not decode.
// The connection pool holds one connection, so the read's rows must be
// closed before this runs. Caller holds mu.
func (s *Store) dropUndecodableLocked(ctx context.Context, bad map[int64]error) error {
	for seq, cause := range bad {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE seq = ?`, seq); err != nil {
			return event.NewPersistenceError("drop undecodable record", err)
		}
		s.logger.Warn("dropped undecodable record",
			"seq", seq,
			"error", event.NewPersistenceError("decode record", cause),
		)
	}
	return nil
}

// scanRecord rebuilds a record from one row.
func scanRecord(rows *sql.Rows) (event.Record, error) {
	var (
		rec             event.Record
		kind            string
		categoriesJSON  string
		paramsCBOR      []byte
		timestampMS     int64
		sessionStartMS  int64
		sessionDuration int64
	)

	err := rows.Scan(
		&rec.Seq,
		&kind,
		&rec.Key,
		&categoriesJSON,
		&paramsCBOR,
		&timestampMS,
		&sessionStartMS,
		&sessionDuration,
	)
	if err != nil {
		return event.Record{}, fmt.Errorf("scan record: %w", err)
	}

	rec.Kind = event.Kind(kind)
	rec.Categories, err = unmarshalCategories(categoriesJSON)
	if err != nil {
		return event.Record{Seq: rec.Seq}, fmt.Errorf("record seq=%d: %w: %w", rec.Seq, errUndecodable, err)
	}
	rec.Parameters, err = unmarshalParameters(paramsCBOR)
	if err != nil {
		return event.Record{Seq: rec.Seq}, fmt.Errorf("record seq=%d: %w: %w", rec.Seq, errUndecodable, err)
	}
	rec.Timestamp = time.UnixMilli(timestampMS).UTC()
	if sessionStartMS != 0 {
		rec.SessionStart = time.UnixMilli(sessionStartMS).UTC()
	}
	rec.SessionDuration = time.Duration(sessionDuration)

	return rec, nil
}
