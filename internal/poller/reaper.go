package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/courier/internal/metrics"
	"github.com/foxzi/courier/internal/store"
)

// Releaser returns stale claims to their pre-claim state
type Releaser interface {
	ReleaseStale(ctx context.Context, cutoff time.Time) (store.ReleaseStats, error)
}

// ReaperConfig contains stale claim settings
type ReaperConfig struct {
	// Claims older than ClaimTimeout are released
	ClaimTimeout time.Duration
	Interval     time.Duration
}

// Reaper periodically releases claims left behind by crashed or stopped workers
type Reaper struct {
	store  Releaser
	cfg    ReaperConfig
	logger *slog.Logger
	now    func() time.Time
	wg     sync.WaitGroup
	done   chan struct{}
	once   sync.Once
}

// NewReaper creates a new reaper
func NewReaper(st Releaser, cfg ReaperConfig, logger *slog.Logger) *Reaper {
	return &Reaper{
		store:  st,
		cfg:    cfg,
		logger: logger.With("component", "reaper"),
		now:    time.Now,
		done:   make(chan struct{}),
	}
}

// Start starts the reaper loop. It does nothing when the timeout or interval is unset.
func (r *Reaper) Start(ctx context.Context) {
	if r.cfg.ClaimTimeout <= 0 || r.cfg.Interval <= 0 {
		return
	}
	r.wg.Add(1)
	go r.loop(ctx)

	r.logger.Info("reaper started",
		"claim_timeout", r.cfg.ClaimTimeout,
		"interval", r.cfg.Interval,
	)
}

// Stop stops the reaper and waits for the loop to finish
func (r *Reaper) Stop() {
	r.once.Do(func() { close(r.done) })
	r.wg.Wait()
}

func (r *Reaper) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	// Release claims left by a previous process right away
	r.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce releases every claim older than the claim timeout
func (r *Reaper) RunOnce(ctx context.Context) store.ReleaseStats {
	stats, err := r.store.ReleaseStale(ctx, r.now().Add(-r.cfg.ClaimTimeout))
	if err != nil {
		r.logger.Error("failed to release stale claims", "error", err)
		return stats
	}

	metrics.AddStaleClaimsReleased("campaign", stats.Campaigns)
	metrics.AddStaleClaimsReleased("automation", stats.Automations)
	metrics.AddStaleClaimsReleased("enrollment", stats.Enrollments)

	if stats.Total() > 0 {
		r.logger.Info("released stale claims",
			"campaigns", stats.Campaigns,
			"automations", stats.Automations,
			"enrollments", stats.Enrollments,
		)
	}
	return stats
}
