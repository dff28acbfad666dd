package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/lytics/internal/event"
)

// createTestStore creates a new store in a temp directory.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestRecord creates an event record with minimal required fields.
func createTestRecord(key string) event.Record {
	return event.Record{
		Kind:       event.KindEvent,
		Key:        key,
		Categories: []string{event.AllCategory},
		Parameters: event.Parameters{},
		Timestamp:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// appendN appends n records keyed key-1..key-n and returns them.
func appendN(t *testing.T, s *Store, n int) []event.Record {
	t.Helper()
	out := make([]event.Record, 0, n)
	for i := 1; i <= n; i++ {
		rec, err := s.Append(context.Background(), createTestRecord(fmt.Sprintf("key-%d", i)))
		if err != nil {
			t.Fatalf("Append(%d) failed: %v", i, err)
		}
		out = append(out, rec)
	}
	return out
}

func keysOf(records []event.Record) []string {
	keys := make([]string, len(records))
	for i, r := range records {
		keys[i] = r.Key
	}
	return keys
}
