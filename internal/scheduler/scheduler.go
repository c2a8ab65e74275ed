// Package scheduler drives the capture, dispatch and aging-sweep ticks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/lease"
	"github.com/JakeFAU/pagewatch/internal/metrics"
	"github.com/JakeFAU/pagewatch/internal/watch"
)

// Job names, also used as lease names.
const (
	JobCapture  = "capture"
	JobDispatch = "dispatch"
	JobSweep    = "sweep"
)

// BatchRunner runs one capture batch.
type BatchRunner interface {
	RunBatch(ctx context.Context, kind watch.Kind) error
}

// Dispatcher sends pending alerts.
type Dispatcher interface {
	Dispatch(ctx context.Context, kind watch.Kind) error
}

// Expirer pauses targets that outlived the maximum age.
type Expirer interface {
	ExpireStale(ctx context.Context, kind watch.Kind, cutoff time.Time) (int64, error)
}

// Config holds tick intervals.
type Config struct {
	CaptureInterval  time.Duration
	DispatchInterval time.Duration
	SweepInterval    time.Duration
	MaxAge           time.Duration
}

// Scheduler runs each job on its own interval. A job never overlaps
// itself; different jobs may run concurrently.
type Scheduler struct {
	runner     BatchRunner
	dispatcher Dispatcher
	expirer    Expirer
	leaser     lease.Leaser
	clock      watch.Clock
	kinds      []watch.Kind
	cfg        Config
	logger     *zap.Logger

	cron *cron.Cron
}

// New validates cfg and wires the jobs. leaser may be nil.
func New(
	runner BatchRunner,
	dispatcher Dispatcher,
	expirer Expirer,
	leaser lease.Leaser,
	clock watch.Clock,
	kinds []watch.Kind,
	cfg Config,
	logger *zap.Logger,
) (*Scheduler, error) {
	if runner == nil || dispatcher == nil || expirer == nil {
		return nil, errors.New("runner, dispatcher and expirer are required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if cfg.CaptureInterval <= 0 || cfg.DispatchInterval <= 0 || cfg.SweepInterval <= 0 {
		return nil, fmt.Errorf("intervals must be positive: %+v", cfg)
	}
	if cfg.MaxAge <= 0 {
		return nil, errors.New("max age must be positive")
	}
	if len(kinds) == 0 {
		kinds = watch.Kinds()
	}
	if leaser == nil {
		leaser = lease.Noop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		runner:     runner,
		dispatcher: dispatcher,
		expirer:    expirer,
		leaser:     leaser,
		clock:      clock,
		kinds:      kinds,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// Start registers the jobs and starts the cron loop. Jobs run with ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	cl := cronLogger{s.logger.Sugar()}
	c := cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	jobs := []struct {
		name     string
		interval time.Duration
		run      func(context.Context) error
	}{
		{JobCapture, s.cfg.CaptureInterval, s.captureTick},
		{JobDispatch, s.cfg.DispatchInterval, s.dispatchTick},
		{JobSweep, s.cfg.SweepInterval, s.sweepTick},
	}
	for _, j := range jobs {
		spec := "@every " + j.interval.String()
		name, run := j.name, j.run
		if _, err := c.AddFunc(spec, func() { s.runJob(ctx, name, run) }); err != nil {
			return fmt.Errorf("schedule %s job: %w", name, err)
		}
		s.logger.Info("job scheduled", zap.String("job", name), zap.Duration("interval", j.interval))
	}
	s.cron = c
	c.Start()
	return nil
}

// Stop halts the cron loop and waits for running jobs or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for running jobs: %w", ctx.Err())
	}
}

// runJob takes the job's lease and runs it. Errors are logged; the next
// tick retries.
func (s *Scheduler) runJob(ctx context.Context, name string, run func(context.Context) error) {
	if ctx.Err() != nil {
		return
	}
	log := s.logger.With(zap.String("job", name))
	release, ok, err := s.leaser.TryAcquire(ctx, name)
	if err != nil {
		log.Error("lease acquisition failed", zap.Error(err))
		return
	}
	if !ok {
		log.Info("job held by another process; skipping tick")
		return
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			log.Warn("lease release failed", zap.Error(err))
		}
	}()

	start := time.Now()
	if err := run(ctx); err != nil {
		log.Error("job finished with errors", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return
	}
	log.Debug("job finished", zap.Duration("elapsed", time.Since(start)))
}

func (s *Scheduler) captureTick(ctx context.Context) error {
	var errs []error
	for _, kind := range s.kinds {
		if err := s.runner.RunBatch(ctx, kind); err != nil {
			errs = append(errs, fmt.Errorf("%s batch: %w", kind.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) dispatchTick(ctx context.Context) error {
	var errs []error
	for _, kind := range s.kinds {
		if err := s.dispatcher.Dispatch(ctx, kind); err != nil {
			errs = append(errs, fmt.Errorf("%s dispatch: %w", kind.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) sweepTick(ctx context.Context) error {
	cutoff := s.clock.Now().Add(-s.cfg.MaxAge)
	var errs []error
	for _, kind := range s.kinds {
		n, err := s.expirer.ExpireStale(ctx, kind, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s sweep: %w", kind.Name, err))
			continue
		}
		metrics.ObserveTargetsExpired(kind.Name, n)
		if n > 0 {
			s.logger.Info("expired stale targets", zap.String("kind", kind.Name), zap.Int64("count", n), zap.Time("cutoff", cutoff))
		}
	}
	return errors.Join(errs...)
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
