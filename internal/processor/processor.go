package processor

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"classwatch/internal/models"
	"classwatch/internal/watcher"
)

// Runner drives reconciliation passes
type Runner interface {
	Run(ctx context.Context, pollInterval, maxAge time.Duration, handle watcher.Handler) error
}

// AlertBuilder resolves the audience of a change
type AlertBuilder interface {
	Build(ctx context.Context, q models.Query, update models.ClassUpdate) (*models.Alert, error)
}

// Publisher interface for delivering alerts
type Publisher interface {
	Publish(alert *models.Alert) error
}

// Policy decides which changes are worth an alert
type Policy struct {
	SkipUnmodified         bool
	NotifyFirstObservation bool
}

// Processor turns reconciliation results into published alerts
type Processor struct {
	watcher      Runner
	notifier     AlertBuilder
	transformer  *Transformer
	publisher    Publisher
	policy       Policy
	pollInterval time.Duration
	maxAge       time.Duration
	logger       *logrus.Logger
}

// NewProcessor creates a new alert processor. transformer may be nil.
func NewProcessor(w Runner, notifier AlertBuilder, transformer *Transformer, publisher Publisher, policy Policy, pollInterval, maxAge time.Duration, logger *logrus.Logger) *Processor {
	return &Processor{
		watcher:      w,
		notifier:     notifier,
		transformer:  transformer,
		publisher:    publisher,
		policy:       policy,
		pollInterval: pollInterval,
		maxAge:       maxAge,
		logger:       logger,
	}
}

// Start runs the watcher until ctx is cancelled
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Info("Starting alert processor...")
	return p.watcher.Run(ctx, p.pollInterval, p.maxAge, p.HandleResults)
}

// HandleResults publishes one alert per changed query in a pass
func (p *Processor) HandleResults(ctx context.Context, results []watcher.Result) {
	var changed, published, failed int
	for _, result := range results {
		if result.Err != nil {
			failed++
			continue
		}
		if !result.Update.Changed {
			continue
		}
		changed++

		if !p.shouldNotify(result.Update) {
			p.logger.Debugf("Skipping alert for %s (first observation: %t)", result.Query, result.Update.FirstObservation())
			continue
		}

		if err := p.dispatch(ctx, result.Query, result.Update); err != nil {
			switch {
			case errors.Is(err, models.ErrNoSubscribers):
				p.logger.Debugf("No subscribers left for %s", result.Query)
			case errors.Is(err, ErrAlertRejected):
				p.logger.Debugf("Alert for %s rejected by transformer", result.Query)
			default:
				p.logger.Errorf("Error dispatching alert for %s: %v", result.Query, err)
			}
			continue
		}
		published++
	}

	p.logger.Infof("Reconciled %d queries: %d refreshed, %d alerts published, %d failed",
		len(results), changed, published, failed)
}

func (p *Processor) shouldNotify(update models.ClassUpdate) bool {
	if update.FirstObservation() {
		return p.policy.NotifyFirstObservation
	}
	if p.policy.SkipUnmodified && !update.Modified() {
		return false
	}
	return true
}

func (p *Processor) dispatch(ctx context.Context, q models.Query, update models.ClassUpdate) error {
	alert, err := p.notifier.Build(ctx, q, update)
	if err != nil {
		return err
	}

	if p.transformer != nil {
		alert, err = p.transformer.Transform(alert)
		if err != nil {
			return err
		}
		if alert == nil {
			return ErrAlertRejected
		}
	}

	if err := p.publisher.Publish(alert); err != nil {
		return err
	}
	p.logger.Infof("Published alert %s for %s to %d subscribers", alert.ID, q, len(alert.Subscribers))
	return nil
}
