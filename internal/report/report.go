// Package report forwards engine errors to Sentry when a DSN is configured.
// Without a DSN every call is a no-op.
package report

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

// Config configures error reporting
type Config struct {
	DSN         string
	Environment string
	Release     string
	SampleRate  float64
}

// Init initializes the Sentry client. It returns false when reporting is disabled.
func Init(cfg Config) (bool, error) {
	if cfg.DSN == "" {
		return false, nil
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 1.0
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
		SampleRate:  cfg.SampleRate,
	})
	if err != nil {
		return false, fmt.Errorf("failed to initialize sentry: %w", err)
	}
	return true, nil
}

// Error reports err tagged with component and extra context
func Error(err error, component string, extra map[string]any) {
	if err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", component)
		for k, v := range extra {
			scope.SetExtra(k, v)
		}
		sentry.CaptureException(err)
	})
}

// Breadcrumb records a non-error event for context on later reports
func Breadcrumb(category, message string, data map[string]any) {
	sentry.AddBreadcrumb(&sentry.Breadcrumb{
		Type:      "info",
		Category:  category,
		Message:   message,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// Flush waits for buffered events to be sent
func Flush(timeout time.Duration) bool {
	return sentry.Flush(timeout)
}
