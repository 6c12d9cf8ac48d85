package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Runner schedules every family on a shared cron instance
type Runner struct {
	families []Family
	logger   *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewRunner creates a runner for the given families
func NewRunner(logger *slog.Logger, families ...Family) *Runner {
	return &Runner{
		families: families,
		logger:   logger.With("component", "poller"),
	}
}

// Start registers an @every entry per family and runs each family once
// immediately. Calling Start on a running runner does nothing.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	c := cron.New()
	for _, f := range r.families {
		if f.Every() <= 0 {
			cancel()
			return fmt.Errorf("poller %s: interval must be positive", f.FamilyName())
		}
		f := f
		spec := "@every " + f.Every().String()
		if _, err := c.AddFunc(spec, func() { f.RunCycle(ctx) }); err != nil {
			cancel()
			return fmt.Errorf("failed to schedule poller %s: %w", f.FamilyName(), err)
		}
		r.logger.Info("poller scheduled", "poller", f.FamilyName(), "interval", f.Every())
	}

	for _, f := range r.families {
		r.wg.Add(1)
		go func(f Family) {
			defer r.wg.Done()
			f.RunCycle(ctx)
		}(f)
	}

	c.Start()
	r.cron = c
	r.cancel = cancel
	r.started = true
	return nil
}

// Stop halts scheduling, cancels in-flight handlers and waits for them to return
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return
	}

	r.cancel()
	<-r.cron.Stop().Done()
	r.wg.Wait()
	for _, f := range r.families {
		f.Wait()
	}
	r.started = false
	r.logger.Info("pollers stopped")
}
