// Package worker runs the watch cycle: select due targets, capture,
// classify, and record the outcome against the failure state machine.
package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/metrics"
	"github.com/JakeFAU/pagewatch/internal/watch"
)

// Config controls Worker behavior.
type Config struct {
	BatchSize        int
	FailureThreshold int
	// DeleteOnFailure removes the stored image of a failed cycle instead of
	// recording it as an unanalyzed capture.
	DeleteOnFailure bool
}

// Discarder removes a stored capture.
type Discarder interface {
	Discard(ctx context.Context, c watch.Capture) error
}

// Store is the part of watch.Store the worker needs.
type Store interface {
	watch.Selector
	watch.Recorder
}

// Worker processes due targets for one kind at a time, strictly in order.
type Worker struct {
	store      Store
	capturer   watch.Capturer
	classifier watch.Classifier
	discarder  Discarder
	ids        watch.IDGenerator
	clock      watch.Clock
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Worker. discarder may be nil when DeleteOnFailure is off.
func New(
	store Store,
	capturer watch.Capturer,
	classifier watch.Classifier,
	discarder Discarder,
	ids watch.IDGenerator,
	clock watch.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = watch.DefaultBatchSize
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = watch.DefaultFailureThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		store:      store,
		capturer:   capturer,
		classifier: classifier,
		discarder:  discarder,
		ids:        ids,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
	}
}

// RunBatch checks up to BatchSize due targets of kind. A failing target
// never stops the batch; persistence errors are joined into the result.
// Cancellation is honored between targets.
func (w *Worker) RunBatch(ctx context.Context, kind watch.Kind) error {
	targets, err := w.store.DueTargets(ctx, kind, w.clock.Now(), w.cfg.BatchSize)
	if err != nil {
		metrics.ObservePersistenceError(kind.Name)
		return &watch.PersistenceError{Op: "select_due", Err: err}
	}
	if len(targets) == 0 {
		w.logger.Debug("no due targets", zap.String("kind", kind.Name))
		return nil
	}
	w.logger.Info("processing batch", zap.String("kind", kind.Name), zap.Int("targets", len(targets)))

	var errs []error
	for _, target := range targets {
		if ctx.Err() != nil {
			errs = append(errs, fmt.Errorf("batch interrupted: %w", ctx.Err()))
			break
		}
		if err := w.check(ctx, kind, target); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// cycle is the outcome of one capture and classify pass.
type cycle struct {
	outcome  string
	capture  *watch.Capture
	analysis watch.Analysis
	cause    error
}

// check runs one target's cycle. A panic that escapes the cycle, for
// example while persisting, still counts as a failed check for the target
// and is reported without stopping the batch.
func (w *Worker) check(ctx context.Context, kind watch.Kind, target watch.Target) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		metrics.ObservePersistenceError(kind.Name)
		w.logger.Error("panic while recording check",
			zap.String("kind", kind.Name),
			zap.Int64("target_id", target.ID),
			zap.Any("panic", r),
		)
		err = &watch.PersistenceError{Op: "check", TargetID: target.ID, Err: fmt.Errorf("panic: %v", r)}
		if countErr := w.countPanic(ctx, kind, target); countErr != nil {
			err = errors.Join(err, countErr)
		}
	}()
	return w.process(ctx, kind, target)
}

// countPanic records a bare failure for target after a recovered panic.
func (w *Worker) countPanic(ctx context.Context, kind watch.Kind, target watch.Target) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &watch.PersistenceError{Op: "record_failure", TargetID: target.ID, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	updated, err := w.store.RecordFailure(ctx, kind, target.ID, watch.Failure{
		CheckedAt: w.clock.Now(),
		Threshold: w.cfg.FailureThreshold,
	})
	if err != nil {
		return &watch.PersistenceError{Op: "record_failure", TargetID: target.ID, Err: err}
	}
	if updated.State == watch.StateError && target.State != watch.StateError {
		metrics.ObserveTargetErrored(kind.Name)
	}
	return nil
}

func (w *Worker) process(ctx context.Context, kind watch.Kind, target watch.Target) error {
	log := w.logger.With(
		zap.String("kind", kind.Name),
		zap.Int64("target_id", target.ID),
		zap.String("url", target.URL),
	)

	c := w.run(ctx, kind, target)
	metrics.ObserveCheck(kind.Name, c.outcome)

	if c.outcome == metrics.OutcomeSuccess {
		err := w.recordSuccess(ctx, kind, target, c)
		if err != nil {
			metrics.ObservePersistenceError(kind.Name)
			log.Error("record success failed", zap.Error(err))
			return err
		}
		log.Info("check complete",
			zap.Bool("qualifies", kind.Qualifies(c.analysis)),
			zap.Float64("confidence", c.analysis.Confidence),
		)
		return nil
	}

	log.Warn("check failed", zap.String("outcome", c.outcome), zap.Error(c.cause))
	updated, err := w.recordFailure(ctx, kind, target, c)
	if err != nil {
		metrics.ObservePersistenceError(kind.Name)
		log.Error("record failure failed", zap.Error(err))
		return err
	}
	if updated.State == watch.StateError && target.State != watch.StateError {
		metrics.ObserveTargetErrored(kind.Name)
		log.Warn("target moved to error state", zap.Int("failed_attempts", updated.FailedAttempts))
	}
	return nil
}

// run captures and classifies one target. A panic anywhere in the cycle is
// converted into a failed outcome.
func (w *Worker) run(ctx context.Context, kind watch.Kind, target watch.Target) (c cycle) {
	defer func() {
		if r := recover(); r != nil {
			c.outcome = metrics.OutcomePanic
			c.cause = fmt.Errorf("panic during check: %v", r)
		}
	}()

	shot, err := w.capturer.Capture(ctx, target.URL)
	if err != nil {
		return cycle{outcome: metrics.OutcomeCaptureError, cause: err}
	}
	c.capture = &shot

	analysis, err := w.classifier.Classify(ctx, shot.AbsPath, kind)
	if err != nil {
		c.outcome = metrics.OutcomeClassifyError
		c.cause = err
		return c
	}
	c.analysis = analysis
	if !analysis.IsProductPage {
		c.outcome = metrics.OutcomeNotProductPage
		c.cause = watch.ErrNotProductPage
		return c
	}
	c.outcome = metrics.OutcomeSuccess
	return c
}

func (w *Worker) captureRecord(targetID int64, shot watch.Capture) (watch.CaptureRecord, error) {
	id, err := w.ids.NewID()
	if err != nil {
		return watch.CaptureRecord{}, fmt.Errorf("generate capture id: %w", err)
	}
	return watch.CaptureRecord{
		ID:          id,
		TargetID:    targetID,
		Path:        shot.Path,
		ContentHash: shot.Hash,
		CreatedAt:   w.clock.Now(),
	}, nil
}

func (w *Worker) recordSuccess(ctx context.Context, kind watch.Kind, target watch.Target, c cycle) error {
	record, err := w.captureRecord(target.ID, *c.capture)
	if err != nil {
		return &watch.PersistenceError{Op: "record_success", TargetID: target.ID, Err: err}
	}
	resultID, err := w.ids.NewID()
	if err != nil {
		return &watch.PersistenceError{Op: "record_success", TargetID: target.ID, Err: fmt.Errorf("generate result id: %w", err)}
	}
	now := w.clock.Now()
	err = w.store.RecordSuccess(ctx, kind, target.ID, watch.Success{
		Capture: record,
		Result: watch.AnalysisResult{
			ID:        resultID,
			CaptureID: record.ID,
			TargetID:  target.ID,
			Analysis:  c.analysis,
			CreatedAt: now,
		},
		CheckedAt: now,
	})
	if err != nil {
		return &watch.PersistenceError{Op: "record_success", TargetID: target.ID, Err: err}
	}
	return nil
}

func (w *Worker) recordFailure(ctx context.Context, kind watch.Kind, target watch.Target, c cycle) (watch.Target, error) {
	failure := watch.Failure{Threshold: w.cfg.FailureThreshold}
	if c.capture != nil {
		if w.cfg.DeleteOnFailure && w.discarder != nil {
			if err := w.discarder.Discard(ctx, *c.capture); err != nil {
				w.logger.Warn("discard capture failed", zap.String("path", c.capture.Path), zap.Error(err))
			}
		} else {
			record, err := w.captureRecord(target.ID, *c.capture)
			if err != nil {
				return watch.Target{}, &watch.PersistenceError{Op: "record_failure", TargetID: target.ID, Err: err}
			}
			failure.Capture = &record
		}
	}
	failure.CheckedAt = w.clock.Now()

	updated, err := w.store.RecordFailure(ctx, kind, target.ID, failure)
	if err != nil {
		return watch.Target{}, &watch.PersistenceError{Op: "record_failure", TargetID: target.ID, Err: err}
	}
	return updated, nil
}
