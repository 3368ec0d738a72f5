// Package cache answers "what is the latest known state of a class section",
// fetching from the schedule source only when the stored record is stale.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"classwatch/internal/models"
	"classwatch/internal/source"
)

// Store is the append-only record storage the cache writes through to.
type Store interface {
	LatestRecord(ctx context.Context, q models.Query) (models.ClassRecord, error)
	AppendRecord(ctx context.Context, q models.Query, record models.ClassRecord) error
	History(ctx context.Context, q models.Query, limit int) ([]models.ClassRecord, error)
}

// Cache wraps a schedule source and a record store.
type Cache struct {
	store  Store
	source source.Source
	logger *logrus.Logger
	now    func() time.Time
	locks  *keyedLock
}

type Option func(*Cache)

// WithClock overrides the time source used for captured_at and staleness.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

func New(store Store, src source.Source, logger *logrus.Logger, opts ...Option) *Cache {
	c := &Cache{
		store:  store,
		source: src,
		logger: logger,
		now:    time.Now,
		locks:  newKeyedLock(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Latest returns the newest stored record for q, or models.ErrNotFound.
func (c *Cache) Latest(ctx context.Context, q models.Query) (models.ClassRecord, error) {
	return c.store.LatestRecord(ctx, q)
}

// History returns up to limit stored records for q, newest first.
func (c *Cache) History(ctx context.Context, q models.Query, limit int) ([]models.ClassRecord, error) {
	return c.store.History(ctx, q, limit)
}

// Refresh fetches q from the source and appends the result. On failure nothing
// is written and the previous latest record stays in place.
func (c *Cache) Refresh(ctx context.Context, q models.Query) (models.ClassRecord, error) {
	unlock, err := c.locks.Lock(ctx, q)
	if err != nil {
		return models.ClassRecord{}, err
	}
	defer unlock()

	previous, err := c.latestOrNil(ctx, q)
	if err != nil {
		return models.ClassRecord{}, err
	}
	return c.refresh(ctx, q, previous)
}

// GetOrRefresh returns the stored record if it is at most maxAge old, and
// otherwise refreshes it. Calls for the same query never overlap.
func (c *Cache) GetOrRefresh(ctx context.Context, q models.Query, maxAge time.Duration) (models.ClassUpdate, error) {
	unlock, err := c.locks.Lock(ctx, q)
	if err != nil {
		return models.ClassUpdate{}, err
	}
	defer unlock()

	previous, err := c.latestOrNil(ctx, q)
	if err != nil {
		return models.ClassUpdate{}, err
	}

	if previous != nil && c.now().Sub(previous.CapturedAt) <= maxAge {
		return models.Unchanged(*previous), nil
	}

	current, err := c.refresh(ctx, q, previous)
	if err != nil {
		return models.ClassUpdate{}, err
	}
	return models.Changed(previous, current), nil
}

func (c *Cache) latestOrNil(ctx context.Context, q models.Query) (*models.ClassRecord, error) {
	latest, err := c.store.LatestRecord(ctx, q)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &latest, nil
}

// refresh must be called with the query's lock held.
func (c *Cache) refresh(ctx context.Context, q models.Query, previous *models.ClassRecord) (models.ClassRecord, error) {
	snapshot, err := c.fetch(ctx, q)
	if err != nil {
		return models.ClassRecord{}, err
	}

	capturedAt := c.now().UTC().Truncate(time.Microsecond)
	if previous != nil && !capturedAt.After(previous.CapturedAt) {
		capturedAt = previous.CapturedAt.Add(time.Microsecond)
	}
	record := models.ClassRecord{CapturedAt: capturedAt, Snapshot: snapshot}

	// Abandon before the insert rather than write after cancellation.
	if err := ctx.Err(); err != nil {
		return models.ClassRecord{}, err
	}
	if err := c.store.AppendRecord(ctx, q, record); err != nil {
		return models.ClassRecord{}, err
	}

	c.logger.Debugf("Recorded %s at %s", q, capturedAt.Format(time.RFC3339Nano))
	return record, nil
}

// fetch scans the source's schedules in order and stops at the first class
// whose section matches q.
func (c *Cache) fetch(ctx context.Context, q models.Query) (models.ClassSnapshot, error) {
	for schedule, err := range c.source.Fetch(ctx, q.Course, q.Term, q.Program) {
		if err != nil {
			return models.ClassSnapshot{}, err
		}
		if schedule == nil {
			continue
		}

		snapshot, found, err := findSection(schedule, q.Section)
		if err != nil {
			return models.ClassSnapshot{}, err
		}
		if found {
			return snapshot, nil
		}
	}

	return models.ClassSnapshot{}, &models.SectionNotFoundError{Section: q.Section}
}

func findSection(schedule *source.Schedule, section string) (models.ClassSnapshot, bool, error) {
	for _, group := range schedule.Groups {
		for _, class := range group.Classes {
			got, err := class.Section()
			if err != nil {
				return models.ClassSnapshot{}, false, err
			}
			if models.NormalizeSection(got) != section {
				continue
			}

			snapshot, err := class.Snapshot()
			if err != nil {
				return models.ClassSnapshot{}, false, err
			}
			return snapshot, true, nil
		}
	}
	return models.ClassSnapshot{}, false, nil
}
