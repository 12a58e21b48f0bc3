package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/stepflow/model"
)

// ProcessAutomaticTasks drives open AUTOMATIC tasks to completion once.
func (f *Facade) ProcessAutomaticTasks(ctx context.Context) (n int, err error) {
	ctx, done := f.begin(ctx, "process_automatic_tasks")
	defer func() { done(err) }()

	n, err = f.scheduler.ProcessAutomaticTasks(ctx)
	if f.metrics != nil && n > 0 {
		f.metrics.RecordAutomaticTasks(n)
	}
	return n, err
}

// ProcessTimeouts applies the on_timeout action of overdue tasks once.
func (f *Facade) ProcessTimeouts(ctx context.Context) (n int, err error) {
	ctx, done := f.begin(ctx, "process_timeouts")
	defer func() { done(err) }()

	n, err = f.scheduler.ProcessTimeouts(ctx)
	if f.metrics != nil && n > 0 {
		f.metrics.RecordTimedOutTasks(n)
	}
	return n, err
}

// RunReconciler reconciles instances every interval until ctx is cancelled.
func (f *Facade) RunReconciler(ctx context.Context, interval time.Duration) error {
	return every(ctx, interval, func(ctx context.Context) {
		if _, err := f.ReconcileInstances(ctx, model.SystemActor()); err != nil && ctx.Err() == nil {
			f.logger.Warn("reconcile pass failed", zap.Error(err))
		}
	})
}

// RunAutomation processes AUTOMATIC tasks every interval until ctx is
// cancelled.
func (f *Facade) RunAutomation(ctx context.Context, interval time.Duration) error {
	return every(ctx, interval, func(ctx context.Context) {
		if _, err := f.ProcessAutomaticTasks(ctx); err != nil && ctx.Err() == nil {
			f.logger.Warn("automation pass failed", zap.Error(err))
		}
	})
}

// RunTimeouts processes overdue tasks every interval until ctx is cancelled.
func (f *Facade) RunTimeouts(ctx context.Context, interval time.Duration) error {
	return every(ctx, interval, func(ctx context.Context) {
		if _, err := f.ProcessTimeouts(ctx); err != nil && ctx.Err() == nil {
			f.logger.Warn("timeout pass failed", zap.Error(err))
		}
	})
}

func every(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(ctx)
		}
	}
}
