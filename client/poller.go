package client

import (
	"context"
	"errors"
	"time"

	"github.com/pitabwire/stepflow/model"
)

// Poller repeatedly runs a read and hands each snapshot to a callback. The
// first read happens immediately, the rest on every tick. A failed read is
// passed to OnError and polling continues.
type Poller[T any] struct {
	Interval time.Duration
	Fetch    func(ctx context.Context) (T, error)
	OnUpdate func(T)
	OnError  func(error)

	// OnlyChanges suppresses snapshots equal to the previous one. Equal must
	// be set with it.
	OnlyChanges bool
	Equal       func(a, b T) bool
}

// Run polls until ctx is cancelled. It returns nil on cancellation and an
// error only for an invalid configuration.
func (p *Poller[T]) Run(ctx context.Context) error {
	if p.Interval <= 0 {
		return errors.New("client: poller interval must be positive")
	}
	if p.Fetch == nil || p.OnUpdate == nil {
		return errors.New("client: poller needs Fetch and OnUpdate")
	}
	if p.OnlyChanges && p.Equal == nil {
		return errors.New("client: poller OnlyChanges needs Equal")
	}

	var (
		last T
		seen bool
	)
	poll := func() {
		if ctx.Err() != nil {
			return
		}
		snap, err := p.Fetch(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if p.OnError != nil {
				p.OnError(err)
			}
			return
		}
		if p.OnlyChanges && seen && p.Equal(last, snap) {
			return
		}
		last, seen = snap, true
		p.OnUpdate(snap)
	}

	poll()
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			poll()
		}
	}
}

// DashboardPoller polls the dashboard summary and reports only changes.
func (c *Client) DashboardPoller(interval time.Duration, onUpdate func(model.DashboardSummary), onError func(error)) *Poller[model.DashboardSummary] {
	return &Poller[model.DashboardSummary]{
		Interval:    interval,
		Fetch:       c.GetDashboardSummary,
		OnUpdate:    onUpdate,
		OnError:     onError,
		OnlyChanges: true,
		Equal:       func(a, b model.DashboardSummary) bool { return a == b },
	}
}

// TaskPoller polls the caller's task list and reports every snapshot.
func (c *Client) TaskPoller(interval time.Duration, q TaskQuery, onUpdate func([]model.Task), onError func(error)) *Poller[[]model.Task] {
	return &Poller[[]model.Task]{
		Interval: interval,
		Fetch: func(ctx context.Context) ([]model.Task, error) {
			return c.ListTasks(ctx, q)
		},
		OnUpdate: onUpdate,
		OnError:  onError,
	}
}
