package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lytics/internal/event"
)

func TestPeekBatch_EmptyQueue(t *testing.T) {
	s := createTestStore(t)

	records, err := s.PeekBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.NotNil(t, records)
	assert.Empty(t, records)
}

func TestPeekBatch_OldestFirstAndNonDestructive(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	appendN(t, s, 5)

	first, err := s.PeekBatch(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"key-1", "key-2", "key-3"}, keysOf(first))

	again, err := s.PeekBatch(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	size, err := s.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)
}

func TestPeekBatch_RoundTripsEveryField(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	ts := time.Date(2026, 3, 1, 12, 30, 15, 250_000_000, time.UTC)
	in := []event.Record{
		{
			Kind:       event.KindEvent,
			Key:        "purchase",
			Categories: []string{"commerce", "all"},
			Parameters: event.Parameters{
				"amount":   9.99,
				"quantity": int64(2),
				"big":      int64(1) << 60,
				"currency": "USD",
				"gift":     false,
			},
			Timestamp: ts,
		},
		{
			Kind:            event.KindSessionEnd,
			Key:             event.SessionEndKey,
			Categories:      []string{event.AllCategory},
			Parameters:      event.Parameters{},
			Timestamp:       ts.Add(time.Minute),
			SessionStart:    ts.Add(-time.Hour),
			SessionDuration: 3540*time.Second + 123*time.Millisecond,
		},
	}

	for _, rec := range in {
		_, err := s.Append(ctx, rec)
		require.NoError(t, err)
	}

	out, err := s.PeekBatch(ctx, 0)
	require.NoError(t, err)
	require.Len(t, out, 2)

	for i := range in {
		in[i].Seq = int64(i + 1)
		assert.Equal(t, in[i], out[i])
	}
}

func TestLease_SecondLeaseRefused(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	appendN(t, s, 2)

	_, err := s.Lease(ctx, 1)
	require.NoError(t, err)

	_, err = s.Lease(ctx, 1)
	assert.ErrorIs(t, err, ErrLeaseHeld)

	s.Release()
	again, err := s.Lease(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"key-1"}, keysOf(again), "release restarts from the oldest record")
}

func TestLease_EmptyQueueLeavesNoMark(t *testing.T) {
	s := createTestStore(t)

	records, err := s.Lease(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, int64(0), s.InFlight())
}

func TestLease_DropsUndecodableRecord(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	appendN(t, s, 3)

	// A parameters map whose only value is a CBOR text string holding
	// invalid UTF-8.
	corrupt := []byte{0xa1, 0x61, 'n', 0x63, 'c', 'a', 0xe9}
	_, err := s.db.ExecContext(ctx, `UPDATE records SET parameters = ? WHERE seq = 1`, corrupt)
	require.NoError(t, err)

	records, err := s.Lease(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"key-2", "key-3"}, keysOf(records))

	size, err := s.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), size)

	removed, err := s.Acknowledge(ctx, records[len(records)-1].Seq)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
}

func TestPeekBatch_UndecodableHeadDoesNotHideLaterRecords(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	appendN(t, s, 3)

	_, err := s.db.ExecContext(ctx, `UPDATE records SET categories = 'not json' WHERE seq IN (1, 2)`)
	require.NoError(t, err)

	records, err := s.PeekBatch(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"key-3"}, keysOf(records))
}
