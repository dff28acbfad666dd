package recorder

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lytics/internal/clock"
	"github.com/roach88/lytics/internal/event"
	"github.com/roach88/lytics/internal/session"
	"github.com/roach88/lytics/internal/settings"
	"github.com/roach88/lytics/internal/store"
)

var epoch = time.Date(2023, 11, 14, 22, 13, 20, 123456789, time.UTC)

func setup(t *testing.T, defaults map[string]map[string]any) (*Recorder, *store.Store, *clock.FakeClock) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	provider, err := settings.NewStatic(defaults)
	require.NoError(t, err)

	c := clock.Fake(epoch)
	return New(st, WithSettings(provider), WithClock(c)), st, c
}

func TestRecord_MergesDefaultsCallerWins(t *testing.T) {
	r, st, _ := setup(t, map[string]map[string]any{
		"all":      {"app": "demo", "currency": "GBP"},
		"commerce": {"currency": "USD", "channel": "web"},
	})

	rec, err := r.Record(context.Background(), "purchase", []string{"commerce"}, map[string]any{"channel": "app", "amount": 3})
	require.NoError(t, err)

	assert.Equal(t, int64(1), rec.Seq)
	assert.Equal(t, event.KindEvent, rec.Kind)
	assert.Equal(t, []string{"commerce"}, rec.Categories)
	assert.Equal(t, event.Parameters{
		"app":      "demo",
		"currency": "USD",
		"channel":  "app",
		"amount":   int64(3),
	}, rec.Parameters)
	assert.Equal(t, epoch.Truncate(time.Millisecond), rec.Timestamp)

	n, err := st.Size(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRecord_CategoriesDefaultAndDedupe(t *testing.T) {
	r, _, _ := setup(t, nil)

	rec, err := r.Record(context.Background(), "open", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"all"}, rec.Categories)
	assert.Empty(t, rec.Parameters)

	rec, err = r.Record(context.Background(), "open", []string{"b", "a", "b", " "}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, rec.Categories)
}

func TestRecord_LaterCategoryWins(t *testing.T) {
	r, _, _ := setup(t, map[string]map[string]any{
		"a": {"x": "from-a"},
		"b": {"x": "from-b"},
	})

	rec, err := r.Record(context.Background(), "k", []string{"a", "b"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "from-b", rec.Parameters["x"])

	rec, err = r.Record(context.Background(), "k", []string{"b", "a"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "from-a", rec.Parameters["x"])
}

func TestRecord_InvalidInputDropped(t *testing.T) {
	r, st, _ := setup(t, nil)
	ctx := context.Background()

	_, err := r.Record(ctx, "   ", nil, nil)
	assert.True(t, event.IsInvalidEventKind(err))

	_, err = r.Record(ctx, "k", nil, map[string]any{"bad": []int{1}})
	assert.True(t, event.IsInvalidEventKind(err))

	_, err = r.Record(ctx, "k", nil, map[string]any{"nil": nil})
	assert.True(t, event.IsInvalidEventKind(err))

	n, err := st.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecord_TimestampFollowsClock(t *testing.T) {
	r, _, c := setup(t, nil)

	first, err := r.Record(context.Background(), "a", nil, nil)
	require.NoError(t, err)
	c.Advance(1500 * time.Millisecond)
	second, err := r.Record(context.Background(), "b", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 1500*time.Millisecond, second.Timestamp.Sub(first.Timestamp))
	assert.Greater(t, second.Seq, first.Seq)
}

func TestRecordSessionEnd(t *testing.T) {
	r, st, _ := setup(t, map[string]map[string]any{
		"all":      {"app": "demo"},
		"commerce": {"currency": "USD"},
	})

	summary := session.Summary{
		Start:    epoch.Add(-90 * time.Second),
		End:      epoch,
		Duration: 75 * time.Second,
	}
	rec, err := r.RecordSessionEnd(context.Background(), summary)
	require.NoError(t, err)

	assert.Equal(t, event.KindSessionEnd, rec.Kind)
	assert.Equal(t, event.SessionEndKey, rec.Key)
	assert.Equal(t, []string{"all"}, rec.Categories)
	assert.Equal(t, event.Parameters{"app": "demo"}, rec.Parameters)
	assert.Equal(t, 75*time.Second, rec.SessionDuration)
	assert.Equal(t, summary.Start.Truncate(time.Millisecond), rec.SessionStart)

	stored, err := st.PeekBatch(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, rec, stored[0])
}

type failingAppender struct{}

func (failingAppender) Append(context.Context, event.Record) (event.Record, error) {
	return event.Record{}, event.NewPersistenceError("append", errors.New("disk full"))
}

func TestRecord_PersistenceErrorPassesThrough(t *testing.T) {
	r := New(failingAppender{})

	_, err := r.Record(context.Background(), "k", nil, nil)
	assert.True(t, event.IsPersistenceError(err))

	_, err = r.RecordSessionEnd(context.Background(), session.Summary{Start: epoch, End: epoch})
	assert.True(t, event.IsPersistenceError(err))
}
