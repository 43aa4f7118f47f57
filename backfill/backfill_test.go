package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestone-search/lodestone/queue"
)

type fakeCatalog struct {
	ids   []string
	err   error
	calls int
}

func (f *fakeCatalog) ListPackageIDs(ctx context.Context) ([]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.ids, nil
}

func catalogOfSize(n int) *fakeCatalog {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("pkg-%05d", i)
	}
	return &fakeCatalog{ids: ids}
}

func testController(t *testing.T, catalog *fakeCatalog) (*Controller, *queue.MemQueue, *MemStateStore) {
	t.Helper()
	q := queue.NewMemQueue()
	store := NewMemStateStore()
	c := NewController(store, catalog, q, slog.Default(), &Options{PageSize: 500})
	c.Now = func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }
	return c, q, store
}

func TestBackfillFreshRun(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	c, q, _ := testController(t, catalogOfSize(1200))

	require.NoError(t, c.Start(ctx))
	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(StateRunning, st.Status)
	assert.Equal(1, st.Phase)
	assert.Equal(0, st.Offset)
	assert.Equal(1200, st.Total)

	// page 1: 500 ids, 10 chunks of 50
	require.NoError(t, c.Tick(ctx))
	assert.Equal(10, q.Len(queue.TopicBulkSync))
	st, _ = c.Status(ctx)
	assert.Equal(500, st.Offset)
	assert.Equal(500, st.Synced)

	require.NoError(t, c.Tick(ctx))
	require.NoError(t, c.Tick(ctx))
	st, _ = c.Status(ctx)
	assert.Equal(StateCompleted, st.Status)
	assert.Equal(1200, st.Offset)
	// 1200 ids / 50 per chunk
	assert.Equal(24, q.Len(queue.TopicBulkSync))

	// a completed run no longer ticks
	assert.ErrorIs(c.Tick(ctx), ErrNotRunning)
}

func TestBackfillPauseResume(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	c, q, _ := testController(t, catalogOfSize(1200))

	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Tick(ctx))
	require.NoError(t, c.Pause(ctx))

	st, _ := c.Status(ctx)
	assert.Equal(StatePaused, st.Status)
	assert.Equal(500, st.Offset)

	assert.ErrorIs(c.Tick(ctx), ErrNotRunning)
	before := q.Len(queue.TopicBulkSync)

	// resume keeps the phase and offset
	require.NoError(t, c.Start(ctx))
	st, _ = c.Status(ctx)
	assert.Equal(StateRunning, st.Status)
	assert.Equal(1, st.Phase)
	assert.Equal(500, st.Offset)

	require.NoError(t, c.Tick(ctx))
	st, _ = c.Status(ctx)
	assert.Equal(1000, st.Offset)
	assert.Equal(before+10, q.Len(queue.TopicBulkSync))
}

func TestBackfillResumeAfterRestart(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	catalog := catalogOfSize(10_000)

	c1, q, store := testController(t, catalog)
	require.NoError(t, c1.Start(ctx))
	for i := 0; i < 8; i++ {
		require.NoError(t, c1.Tick(ctx))
	}
	st, _ := c1.Status(ctx)
	require.Equal(t, 4000, st.Offset)
	enqueuedBefore := q.Len(queue.TopicBulkSync)

	// a new controller over the same store picks up mid-run without
	// refetching the catalog
	c2 := NewController(store, catalog, q, slog.Default(), &Options{PageSize: 500})
	c2.Now = c1.Now
	require.NoError(t, c2.Load(ctx))
	st, err := c2.Status(ctx)
	require.NoError(t, err)
	assert.Equal(StateRunning, st.Status)
	assert.Equal(4000, st.Offset)

	require.NoError(t, c2.Tick(ctx))
	st, _ = c2.Status(ctx)
	assert.Equal(4500, st.Offset)
	assert.Equal(enqueuedBefore+10, q.Len(queue.TopicBulkSync))
	assert.Equal(1, catalog.calls)

	// re-enqueued chunks from the last checkpointed page dedupe by
	// (phase, offset) identity
	dup, err := q.Enqueue(ctx, queue.TopicBulkSync, queue.BulkJobKey(st.Phase, 4000), nil)
	require.NoError(t, err)
	assert.False(dup)
}

func TestBackfillFreshStartBumpsPhase(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	c, q, _ := testController(t, catalogOfSize(100))

	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Tick(ctx))
	st, _ := c.Status(ctx)
	require.Equal(t, StateCompleted, st.Status)
	firstRunJobs := q.Len(queue.TopicBulkSync)

	// second full run gets a new phase, so its chunk keys do not collide
	// with the previous run's
	require.NoError(t, c.Start(ctx))
	st, _ = c.Status(ctx)
	assert.Equal(2, st.Phase)
	require.NoError(t, c.Tick(ctx))
	assert.Equal(firstRunJobs*2, q.Len(queue.TopicBulkSync))
}

func TestBackfillCatalogFailure(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	catalog := &fakeCatalog{err: fmt.Errorf("replicate endpoint down")}
	c, _, store := testController(t, catalog)

	err := c.Start(ctx)
	require.Error(t, err)

	st, serr := c.Status(ctx)
	require.NoError(t, serr)
	assert.Equal(StateError, st.Status)
	assert.Contains(st.Error, "replicate endpoint down")

	// error state is persisted
	persisted, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(StateError, persisted.Status)

	// a later start retries the catalog fetch
	catalog.err = nil
	catalog.ids = []string{"a", "b"}
	require.NoError(t, c.Start(ctx))
	st, _ = c.Status(ctx)
	assert.Equal(StateRunning, st.Status)
	assert.Equal(2, st.Total)
}

func TestBackfillTruncatedCatalog(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	c1, _, store := testController(t, catalogOfSize(5000))
	require.NoError(t, c1.Start(ctx))
	for i := 0; i < 8; i++ {
		require.NoError(t, c1.Tick(ctx))
	}
	st, _ := c1.Status(ctx)
	require.Equal(t, 4000, st.Offset)

	// the catalog key was lost between runs but the state record survived
	require.NoError(t, store.SaveCatalog(ctx, []string{"a", "b"}))

	c2 := NewController(store, catalogOfSize(5000), queue.NewMemQueue(), slog.Default(), &Options{PageSize: 500})
	c2.Now = func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }
	require.NoError(t, c2.Load(ctx))

	err := c2.Tick(ctx)
	require.Error(t, err)
	assert.Contains(err.Error(), "catalog holds 2 ids")

	st, serr := c2.Status(ctx)
	require.NoError(t, serr)
	assert.Equal(StateError, st.Status)

	// error state is persisted, and a fresh start recovers
	persisted, perr := store.Load(ctx)
	require.NoError(t, perr)
	assert.Equal(StateError, persisted.Status)
	require.NoError(t, c2.Start(ctx))
	require.NoError(t, c2.Tick(ctx))
}

func TestBackfillStartWhileRunning(t *testing.T) {
	ctx := context.Background()
	c, _, _ := testController(t, catalogOfSize(100))
	require.NoError(t, c.Start(ctx))
	assert.ErrorIs(t, c.Start(ctx), ErrAlreadyRunning)
	require.NoError(t, c.Pause(ctx))
	assert.ErrorIs(t, c.Pause(ctx), ErrNotRunning)
}
