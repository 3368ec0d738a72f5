package watcher

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"classwatch/internal/cache"
	"classwatch/internal/models"
	"classwatch/internal/source/sourcetest"
	"classwatch/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := store.New(db, store.DialectSQLite, quietLogger())
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func ptr[T any](v T) *T { return &v }

var (
	a5 = models.NewQuery("CSE115", "Fall2024", "UGRAD", "A5")
	b1 = models.NewQuery("CSE116", "Fall2024", "UGRAD", "B1")
)

func seed(t *testing.T, s *store.Store, q models.Query, subscribers ...int64) {
	t.Helper()
	for _, id := range subscribers {
		require.NoError(t, s.Subscribe(context.Background(), id, q))
	}
}

func TestReconcileOnceFetchesEachDistinctQueryOnce(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	src := sourcetest.New()
	src.Set("CSE115", "Fall2024", "UGRAD", sourcetest.Single(sourcetest.Class{SectionID: "A5", Snap: models.ClassSnapshot{IsOpen: ptr(true)}}))
	src.Set("CSE116", "Fall2024", "UGRAD", sourcetest.Single(sourcetest.Class{SectionID: "B1", Snap: models.ClassSnapshot{IsOpen: ptr(false)}}))

	seed(t, s, a5, 1, 2, 3, 4, 5)
	seed(t, s, b1, 6, 7, 8)

	w := New(cache.New(s, src, quietLogger()), s, 4, time.Second, quietLogger())
	results, err := w.ReconcileOnce(ctx, time.Minute)
	require.NoError(t, err)

	assert.Equal(t, 2, src.TotalCalls())
	require.Len(t, results, 2)
	for _, r := range results {
		require.NoError(t, r.Err)
		assert.True(t, r.Update.FirstObservation())
	}

	results, err = w.ReconcileOnce(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, src.TotalCalls(), "fresh records must not be refetched")
	for _, r := range results {
		assert.False(t, r.Update.Changed)
	}
}

type listedQueries []models.Query

func (l listedQueries) DistinctQueries(context.Context) ([]models.Query, error) {
	return l, nil
}

type countingRefresher struct {
	mu    sync.Mutex
	calls map[models.Query]int
}

func (c *countingRefresher) GetOrRefresh(_ context.Context, q models.Query, _ time.Duration) (models.ClassUpdate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[q]++
	return models.Changed(nil, models.ClassRecord{}), nil
}

func TestReconcileOnceDedupsListedQueries(t *testing.T) {
	refresher := &countingRefresher{calls: make(map[models.Query]int)}
	w := New(refresher, listedQueries{a5, b1, a5, a5}, 2, 0, quietLogger())

	results, err := w.ReconcileOnce(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, map[models.Query]int{a5: 1, b1: 1}, refresher.calls)
}

func TestReconcileOnceIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	src := sourcetest.New()
	src.Set("CSE115", "Fall2024", "UGRAD", sourcetest.Single(sourcetest.Class{SectionID: "A5", Snap: models.ClassSnapshot{IsOpen: ptr(true)}}))
	src.Set("CSE116", "Fall2024", "UGRAD", sourcetest.Single(sourcetest.Class{SectionID: "B1"}))
	seed(t, s, a5, 1)
	seed(t, s, b1, 2)

	now := time.Date(2024, 8, 26, 9, 0, 0, 0, time.UTC)
	c := cache.New(s, src, quietLogger(), cache.WithClock(func() time.Time { return now }))
	w := New(c, s, 1, 0, quietLogger())

	_, err := w.ReconcileOnce(ctx, time.Minute)
	require.NoError(t, err)
	before, err := c.Latest(ctx, a5)
	require.NoError(t, err)

	outage := errors.New("source unavailable")
	src.Fail("CSE115", "Fall2024", "UGRAD", outage)
	now = now.Add(time.Hour)

	results, err := w.ReconcileOnce(ctx, time.Minute)
	require.NoError(t, err)
	require.Len(t, results, 2)

	byQuery := map[models.Query]Result{}
	for _, r := range results {
		byQuery[r.Query] = r
	}
	assert.ErrorIs(t, byQuery[a5].Err, outage)
	require.NoError(t, byQuery[b1].Err)
	assert.True(t, byQuery[b1].Update.Changed)

	after, err := c.Latest(ctx, a5)
	require.NoError(t, err)
	assert.Equal(t, before.CapturedAt, after.CapturedAt)
}

func TestReconcileOnceBoundsRefreshTime(t *testing.T) {
	s := openStore(t)
	src := sourcetest.New()
	src.Gate = make(chan struct{})
	seed(t, s, a5, 1)

	w := New(cache.New(s, src, quietLogger()), s, 1, 20*time.Millisecond, quietLogger())
	results, err := w.ReconcileOnce(context.Background(), time.Minute)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, context.DeadlineExceeded)

	_, err = s.LatestRecord(context.Background(), a5)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

type failingLister struct{}

func (failingLister) DistinctQueries(context.Context) ([]models.Query, error) {
	return nil, errors.New("store unreachable")
}

func TestReconcileOnceListingFailure(t *testing.T) {
	w := New(&countingRefresher{calls: map[models.Query]int{}}, failingLister{}, 1, 0, quietLogger())
	_, err := w.ReconcileOnce(context.Background(), time.Minute)
	assert.EqualError(t, err, "store unreachable")
}

func TestRunStopsOnCancel(t *testing.T) {
	refresher := &countingRefresher{calls: make(map[models.Query]int)}
	w := New(refresher, listedQueries{a5}, 1, 0, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	passes := make(chan []Result, 16)
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, time.Millisecond, time.Minute, func(_ context.Context, results []Result) {
			select {
			case passes <- results:
			default:
			}
		})
	}()

	for i := 0; i < 3; i++ {
		select {
		case results := <-passes:
			require.Len(t, results, 1)
		case <-time.After(time.Second):
			t.Fatal("watcher did not run a pass")
		}
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestRunSurvivesListingFailure(t *testing.T) {
	w := New(&countingRefresher{calls: map[models.Query]int{}}, failingLister{}, 1, 0, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	called := false
	err := w.Run(ctx, time.Millisecond, time.Minute, func(context.Context, []Result) { called = true })
	assert.NoError(t, err)
	assert.False(t, called)
}

type cancellingRefresher struct {
	cancel context.CancelFunc
}

func (r cancellingRefresher) GetOrRefresh(context.Context, models.Query, time.Duration) (models.ClassUpdate, error) {
	r.cancel()
	return models.Changed(nil, models.ClassRecord{}), nil
}

func TestRunHandsCommittedResultsALiveContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := New(cancellingRefresher{cancel: cancel}, listedQueries{a5}, 1, 0, quietLogger())

	var (
		handled    int
		handlerErr error
		deadline   bool
	)
	err := w.Run(ctx, time.Hour, time.Minute, func(handleCtx context.Context, results []Result) {
		handled++
		handlerErr = handleCtx.Err()
		_, deadline = handleCtx.Deadline()
		require.Len(t, results, 1)
		assert.True(t, results[0].Update.Changed)
	})

	require.NoError(t, err)
	assert.Equal(t, 1, handled)
	assert.NoError(t, handlerErr)
	assert.True(t, deadline)
}
