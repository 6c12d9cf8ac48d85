// Package poller finds due work, claims it and hands it to the engines.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foxzi/courier/internal/metrics"
	"github.com/foxzi/courier/internal/report"
	"github.com/foxzi/courier/internal/store"
)

// Family is one kind of due work scheduled by the Runner
type Family interface {
	FamilyName() string
	Every() time.Duration
	// RunCycle performs one find-claim-dispatch pass
	RunCycle(ctx context.Context)
	// Wait blocks until all handlers started by earlier cycles have returned
	Wait()
}

// Poller is a generic due-work family.
// Find lists candidates, Claim takes one atomically and Handle processes the claimed item.
// Claim returning store.ErrClaimConflict means another worker won the item.
type Poller[T any] struct {
	Name        string
	Interval    time.Duration
	Concurrency int
	Find        func(ctx context.Context, now time.Time) ([]T, error)
	Claim       func(ctx context.Context, item T, now time.Time) (T, error)
	Handle      func(ctx context.Context, item T) error
	Logger      *slog.Logger

	now     func() time.Time
	once    sync.Once
	slots   chan struct{}
	running atomic.Bool
	wg      sync.WaitGroup
}

func (p *Poller[T]) FamilyName() string   { return p.Name }
func (p *Poller[T]) Every() time.Duration { return p.Interval }
func (p *Poller[T]) Wait()                { p.wg.Wait() }

func (p *Poller[T]) init() {
	p.once.Do(func() {
		if p.Concurrency <= 0 {
			p.Concurrency = 1
		}
		p.slots = make(chan struct{}, p.Concurrency)
		if p.now == nil {
			p.now = time.Now
		}
		if p.Logger == nil {
			p.Logger = slog.Default()
		}
		p.Logger = p.Logger.With("poller", p.Name)
	})
}

// RunCycle claims due items while handler slots are free. A cycle that starts
// while the previous one is still dispatching is skipped.
func (p *Poller[T]) RunCycle(ctx context.Context) {
	p.init()
	if !p.running.CompareAndSwap(false, true) {
		p.Logger.Debug("previous cycle still running, skipping")
		return
	}
	defer p.running.Store(false)

	metrics.IncPollerCycles(p.Name)

	items, err := p.Find(ctx, p.now())
	if err != nil {
		p.fail("find", err)
		return
	}
	if len(items) == 0 {
		return
	}
	p.Logger.Debug("found due items", "count", len(items))

	for _, item := range items {
		select {
		case p.slots <- struct{}{}:
		case <-ctx.Done():
			return
		}

		claimed, err := p.Claim(ctx, item, p.now())
		if err != nil {
			<-p.slots
			if errors.Is(err, store.ErrClaimConflict) || errors.Is(err, store.ErrNotFound) {
				metrics.IncPollerClaims(p.Name, "conflict")
				continue
			}
			metrics.IncPollerClaims(p.Name, "error")
			p.fail("claim", err)
			continue
		}
		metrics.IncPollerClaims(p.Name, "claimed")

		p.wg.Add(1)
		go p.handle(ctx, claimed)
	}
}

func (p *Poller[T]) handle(ctx context.Context, item T) {
	defer p.wg.Done()
	defer func() { <-p.slots }()
	defer func() {
		if r := recover(); r != nil {
			p.fail("handle", fmt.Errorf("handler panic: %v", r))
		}
	}()

	if err := p.Handle(ctx, item); err != nil {
		if ctx.Err() != nil {
			return
		}
		p.fail("handle", err)
	}
}

func (p *Poller[T]) fail(stage string, err error) {
	metrics.IncPollerErrors(p.Name, stage)
	p.Logger.Error("poller "+stage+" failed", "error", err)
	report.Error(err, "poller", map[string]any{"poller": p.Name, "stage": stage})
}
