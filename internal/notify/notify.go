// Package notify publishes best-effort "your automation finished" messages.
// Failures never affect the outcome of the work being reported.
package notify

import (
	"context"
	"log/slog"
	"time"
)

// Event is one completion notice for an owner
type Event struct {
	OwnerID    string    `json:"owner_id"`
	Kind       string    `json:"kind"`
	ResourceID string    `json:"resource_id"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
}

// Event kinds
const (
	KindCampaign   = "campaign"
	KindAutomation = "automation"
	KindSeries     = "series"
)

// Notifier delivers events
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// LogNotifier writes events to the log
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier that logs events
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs ev
func (n *LogNotifier) Notify(ctx context.Context, ev Event) error {
	n.logger.Info("notification",
		"owner_id", ev.OwnerID,
		"kind", ev.Kind,
		"resource_id", ev.ResourceID,
		"message", ev.Message,
	)
	return nil
}

// Nop discards events
type Nop struct{}

// Notify does nothing
func (Nop) Notify(ctx context.Context, ev Event) error { return nil }
