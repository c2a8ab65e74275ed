// Package dispatcher sends alerts for qualifying results and retires the
// targets that produced them.
package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/metrics"
	"github.com/JakeFAU/pagewatch/internal/watch"
)

// Notification statuses recorded in metrics.
const (
	StatusSent          = "sent"
	StatusFailed        = "failed"
	StatusNoSubscribers = "no_subscribers"
	StatusSuperseded    = "superseded"
)

// Dispatcher delivers one message per subscriber for each pending result.
type Dispatcher struct {
	store  watch.NotificationStore
	mailer watch.Mailer
	logger *zap.Logger
}

// New creates a Dispatcher.
func New(store watch.NotificationStore, mailer watch.Mailer, logger *zap.Logger) (*Dispatcher, error) {
	if store == nil {
		return nil, errors.New("notification store is required")
	}
	if mailer == nil {
		return nil, errors.New("mailer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{store: store, mailer: mailer, logger: logger}, nil
}

// Dispatch processes every qualifying, unsent result of kind. A result is
// marked sent and its target paused only when every subscriber accepted
// the alert; otherwise it stays pending for the next tick. Delivery and
// store errors are joined into the returned error.
func (d *Dispatcher) Dispatch(ctx context.Context, kind watch.Kind) error {
	pending, err := d.store.PendingResults(ctx, kind)
	if err != nil {
		return fmt.Errorf("load pending %s results: %w", kind.Name, err)
	}
	if len(pending) == 0 {
		return nil
	}
	d.logger.Info("dispatching alerts", zap.String("kind", kind.Name), zap.Int("results", len(pending)))

	var errs []error
	// Targets whose subscribers were alerted during this tick. Later results
	// for the same target are marked without sending again.
	alerted := make(map[int64]bool)
	for _, p := range pending {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if alerted[p.Target.ID] {
			if err := d.store.MarkNotified(ctx, kind, p.Result.ID, p.Target.ID, false); err != nil {
				errs = append(errs, fmt.Errorf("mark result %s: %w", p.Result.ID, err))
				continue
			}
			metrics.ObserveNotification(kind.Name, StatusSuperseded)
			continue
		}
		if err := d.dispatchOne(ctx, kind, p); err != nil {
			errs = append(errs, err)
			continue
		}
		alerted[p.Target.ID] = true
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) dispatchOne(ctx context.Context, kind watch.Kind, p watch.PendingResult) error {
	log := d.logger.With(
		zap.String("kind", kind.Name),
		zap.String("result_id", p.Result.ID),
		zap.Int64("target_id", p.Target.ID),
	)

	subs, err := d.store.Subscribers(ctx, kind, p.Target.ID)
	if err != nil {
		return fmt.Errorf("load subscribers for target %d: %w", p.Target.ID, err)
	}
	if len(subs) == 0 {
		if err := d.store.MarkNotified(ctx, kind, p.Result.ID, p.Target.ID, false); err != nil {
			return fmt.Errorf("mark result %s: %w", p.Result.ID, err)
		}
		metrics.ObserveNotification(kind.Name, StatusNoSubscribers)
		log.Info("no subscribers; result marked sent")
		return nil
	}

	var failures []error
	for _, sub := range subs {
		if err := d.send(ctx, kind, p, sub); err != nil {
			metrics.ObserveNotification(kind.Name, StatusFailed)
			log.Warn("alert delivery failed", zap.String("recipient", sub.Email), zap.Error(err))
			failures = append(failures, err)
			continue
		}
		metrics.ObserveNotification(kind.Name, StatusSent)
	}
	if len(failures) > 0 {
		return errors.Join(failures...)
	}

	if err := d.store.MarkNotified(ctx, kind, p.Result.ID, p.Target.ID, true); err != nil {
		return fmt.Errorf("mark result %s: %w", p.Result.ID, err)
	}
	log.Info("alerts delivered; target paused", zap.Int("subscribers", len(subs)))
	return nil
}

func (d *Dispatcher) send(ctx context.Context, kind watch.Kind, p watch.PendingResult, sub watch.Subscriber) error {
	msg, err := compose(kind, p, sub)
	if err != nil {
		return &watch.DeliveryError{Recipient: sub.Email, Err: err}
	}
	if err := d.mailer.Send(ctx, msg); err != nil {
		return &watch.DeliveryError{Recipient: sub.Email, Err: err}
	}
	return nil
}
