// Package notifier turns a changed classification into an alert addressed to
// every current subscriber of the query.
package notifier

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"classwatch/internal/models"
)

// SubscriberLister resolves the audience of a query.
type SubscriberLister interface {
	Subscribers(ctx context.Context, q models.Query) ([]int64, error)
}

type Notifier struct {
	subscribers SubscriberLister
	logger      *logrus.Logger
	now         func() time.Time
}

func New(subscribers SubscriberLister, logger *logrus.Logger) *Notifier {
	return &Notifier{
		subscribers: subscribers,
		logger:      logger,
		now:         time.Now,
	}
}

// Build packages a changed update into an Alert. Subscribers are read from the
// store now, not when the reconciliation pass started, so someone who
// unsubscribed in between is left out.
func (n *Notifier) Build(ctx context.Context, q models.Query, update models.ClassUpdate) (*models.Alert, error) {
	if !update.Changed {
		return nil, models.ErrNotChanged
	}

	subscribers, err := n.subscribers.Subscribers(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve subscribers for %s: %w", q, err)
	}
	subscribers = normalizeAudience(subscribers)
	if len(subscribers) == 0 {
		return nil, models.ErrNoSubscribers
	}

	alert := &models.Alert{
		ID:          uuid.NewString(),
		CreatedAt:   n.now().UTC(),
		Query:       q,
		Current:     update.Current,
		Subscribers: subscribers,
	}
	if update.Previous != nil {
		previous := *update.Previous
		alert.Previous = &previous
	}

	n.logger.Debugf("Built alert %s for %s (%d subscribers)", alert.ID, q, len(subscribers))
	return alert, nil
}

func normalizeAudience(ids []int64) []int64 {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
