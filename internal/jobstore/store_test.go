package jobstore

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scriptboard/canvas/internal/model"
	"github.com/scriptboard/canvas/internal/storage"
)

func newTestStore(t *testing.T, now func() time.Time) *Store {
	t.Helper()
	opts := []Option{}
	if now != nil {
		opts = append(opts, WithClock(now))
	}
	return New(storage.NewMemory(), opts...)
}

func TestAdd_ReplacesSameKey(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	require.NoError(t, s.Add(ctx, model.JobRecord{JobID: "j1", Type: model.JobTypeSegments, Meta: map[string]any{"v": 1.0}}))
	require.NoError(t, s.Add(ctx, model.JobRecord{JobID: "j1", Type: model.JobTypeSegments, Meta: map[string]any{"v": 2.0}}))
	// same id, different type is a different key
	require.NoError(t, s.Add(ctx, model.JobRecord{JobID: "j1", Type: model.JobTypeVisuals}))

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	rec, ok, err := s.Get(ctx, model.JobTypeSegments, "j1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2.0, rec.Meta["v"])
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestAdd_RejectsEmptyID(t *testing.T) {
	s := newTestStore(t, nil)
	assert.Error(t, s.Add(context.Background(), model.JobRecord{Type: model.JobTypeSegments}))
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	require.NoError(t, s.Add(ctx, model.JobRecord{JobID: "j1", Type: model.JobTypeSegments}))
	require.NoError(t, s.Remove(ctx, model.JobTypeSegments, "j1"))
	// absent is a no-op
	require.NoError(t, s.Remove(ctx, model.JobTypeSegments, "j1"))

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestRemoveWhere_Cascade(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	require.NoError(t, s.Add(ctx, model.JobRecord{JobID: "a", Type: model.JobTypeSegments, Meta: map[string]any{model.MetaScriptID: "s1"}}))
	require.NoError(t, s.Add(ctx, model.JobRecord{JobID: "b", Type: model.JobTypeSegments, Meta: map[string]any{model.MetaScriptID: "s2"}}))
	require.NoError(t, s.Add(ctx, model.JobRecord{JobID: "c", Type: model.JobTypeVisuals, Meta: map[string]any{model.MetaSegmentIDs: []string{"x", "s1"}}}))

	removed, err := s.RemoveWhere(ctx, func(r model.JobRecord) bool {
		return r.MetaHas(model.MetaScriptID, "s1") || r.MetaHas(model.MetaSegmentIDs, "s1")
	})
	require.NoError(t, err)
	assert.Len(t, removed, 2)

	left, err := s.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "b", left[0].JobID)
}

func TestList_FilterByType(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	require.NoError(t, s.Add(ctx, model.JobRecord{JobID: "a", Type: model.JobTypeSegments}))
	require.NoError(t, s.Add(ctx, model.JobRecord{JobID: "b", Type: model.JobTypeVisuals}))
	require.NoError(t, s.Add(ctx, model.JobRecord{JobID: "c", Type: model.JobTypeVisuals}))

	visuals, err := s.List(ctx, model.JobTypeVisuals)
	require.NoError(t, err)
	assert.Len(t, visuals, 2)
}

func TestRecords_Restartable(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)
	require.NoError(t, s.Add(ctx, model.JobRecord{JobID: "a", Type: model.JobTypeSegments}))

	seq := s.Records(ctx, model.JobTypeSegments)

	count := func() int {
		n := 0
		for range seq {
			n++
		}
		return n
	}
	assert.Equal(t, 1, count())

	require.NoError(t, s.Add(ctx, model.JobRecord{JobID: "b", Type: model.JobTypeSegments}))
	// ranging again re-reads the ledger
	assert.Equal(t, 2, count())

	// early break is honoured
	seen := 0
	for range seq {
		seen++
		break
	}
	assert.Equal(t, 1, seen)
}

func TestPatchMeta(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)
	require.NoError(t, s.Add(ctx, model.JobRecord{JobID: "a", Type: model.JobTypeSegments, Meta: map[string]any{"x": "1"}}))

	ok, err := s.PatchMeta(ctx, model.JobTypeSegments, "a", map[string]any{"y": "2"})
	require.NoError(t, err)
	assert.True(t, ok)

	rec, _, err := s.Get(ctx, model.JobTypeSegments, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", rec.Meta["x"])
	assert.Equal(t, "2", rec.Meta["y"])

	ok, err = s.PatchMeta(ctx, model.JobTypeSegments, "missing", map[string]any{"y": "2"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, func() time.Time { return now })

	require.NoError(t, s.Add(ctx, model.JobRecord{JobID: "old", Type: model.JobTypeSegments, CreatedAt: now.Add(-2 * time.Hour)}))
	require.NoError(t, s.Add(ctx, model.JobRecord{JobID: "new", Type: model.JobTypeSegments, CreatedAt: now.Add(-time.Minute)}))

	n, err := s.Prune(ctx, time.Duration(math.MaxInt64))
	require.NoError(t, err)
	assert.Equal(t, 0, n, "infinite max age removes nothing")

	n, err = s.Prune(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.Prune(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "zero max age removes everything")

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestLoad_CorruptLedgerIsEmpty(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	require.NoError(t, kv.Set(ctx, DefaultKey, []byte("{not json")))

	s := New(kv)
	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, all)

	require.NoError(t, s.Add(ctx, model.JobRecord{JobID: "a", Type: model.JobTypeSegments}))
	all, err = s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()

	require.NoError(t, New(kv).Add(ctx, model.JobRecord{JobID: "a", Type: model.JobTypeVisuals, Meta: map[string]any{model.MetaSegmentIDs: []string{"s1", "s2"}}}))

	rec, ok, err := New(kv).Get(ctx, model.JobTypeVisuals, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"s1", "s2"}, rec.MetaStrings(model.MetaSegmentIDs))
}
