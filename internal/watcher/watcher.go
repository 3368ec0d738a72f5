// Package watcher periodically reconciles every distinct subscribed query
// against the cache.
package watcher

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"classwatch/internal/models"
)

// Refresher is the cache operation the watcher drives.
type Refresher interface {
	GetOrRefresh(ctx context.Context, q models.Query, maxAge time.Duration) (models.ClassUpdate, error)
}

// QueryLister enumerates subscribed queries.
type QueryLister interface {
	DistinctQueries(ctx context.Context) ([]models.Query, error)
}

// Result is the classification of one query in a reconciliation pass. Err is
// set when the query could not be refreshed this pass; Update is then zero.
type Result struct {
	Query  models.Query
	Update models.ClassUpdate
	Err    error
}

// Handler receives the results of each pass.
type Handler func(ctx context.Context, results []Result)

type Watcher struct {
	cache          Refresher
	queries        QueryLister
	logger         *logrus.Logger
	workers        int
	refreshTimeout time.Duration
}

// New creates a watcher running at most workers refreshes at once. A positive
// refreshTimeout bounds each query's refresh.
func New(cache Refresher, queries QueryLister, workers int, refreshTimeout time.Duration, logger *logrus.Logger) *Watcher {
	if workers < 1 {
		workers = 1
	}
	return &Watcher{
		cache:          cache,
		queries:        queries,
		logger:         logger,
		workers:        workers,
		refreshTimeout: refreshTimeout,
	}
}

// ReconcileOnce evaluates every distinct subscribed query exactly once. Errors
// for individual queries are reported in their Result; only failing to list
// the queries fails the pass.
func (w *Watcher) ReconcileOnce(ctx context.Context, maxAge time.Duration) ([]Result, error) {
	listed, err := w.queries.DistinctQueries(ctx)
	if err != nil {
		return nil, err
	}
	queries := dedup(listed)

	results := make([]Result, len(queries))
	g := new(errgroup.Group)
	g.SetLimit(w.workers)
	for i, q := range queries {
		g.Go(func() error {
			results[i] = w.check(ctx, q, maxAge)
			return nil
		})
	}
	_ = g.Wait()

	return results, nil
}

func (w *Watcher) check(ctx context.Context, q models.Query, maxAge time.Duration) Result {
	if err := ctx.Err(); err != nil {
		return Result{Query: q, Err: err}
	}

	if w.refreshTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.refreshTimeout)
		defer cancel()
	}

	update, err := w.cache.GetOrRefresh(ctx, q, maxAge)
	if err != nil {
		w.logger.WithFields(logrus.Fields{
			"course":  q.Course,
			"term":    q.Term,
			"program": q.Program,
			"section": q.Section,
		}).Errorf("Failed to refresh class: %v", err)
		return Result{Query: q, Err: err}
	}

	if update.Changed {
		w.logger.Debugf("Refreshed %s", q)
	} else {
		w.logger.Debugf("%s is fresh (captured %s)", q, update.Current.CapturedAt.Format(time.RFC3339))
	}
	return Result{Query: q, Update: update}
}

// handleTimeout bounds a handler that runs after ctx was cancelled.
const handleTimeout = 30 * time.Second

// Run reconciles, hands the results to handle, then waits pollInterval, until
// ctx is cancelled. Cancelling abandons refreshes that have not written yet,
// but results already committed in the pass are still handed to handle with a
// context that outlives ctx by at most handleTimeout.
func (w *Watcher) Run(ctx context.Context, pollInterval, maxAge time.Duration, handle Handler) error {
	w.logger.Infof("Starting watcher (poll interval %s, max age %s, %d workers)", pollInterval, maxAge, w.workers)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Context cancelled, stopping watcher")
			return nil
		case <-timer.C:
		}
		if ctx.Err() != nil {
			w.logger.Info("Context cancelled, stopping watcher")
			return nil
		}

		results, err := w.ReconcileOnce(ctx, maxAge)
		if err != nil {
			w.logger.Errorf("Error listing subscribed queries: %v", err)
		} else if handle != nil {
			w.handle(ctx, results, handle)
		}

		timer.Reset(pollInterval)
	}
}

func (w *Watcher) handle(ctx context.Context, results []Result, handle Handler) {
	handleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), handleTimeout)
	defer cancel()
	handle(handleCtx, results)
}

func dedup(queries []models.Query) []models.Query {
	seen := make(map[models.Query]struct{}, len(queries))
	out := make([]models.Query, 0, len(queries))
	for _, q := range queries {
		if _, ok := seen[q]; ok {
			continue
		}
		seen[q] = struct{}{}
		out = append(out, q)
	}
	return out
}
