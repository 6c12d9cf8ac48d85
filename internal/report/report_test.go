package report

import (
	"errors"
	"testing"
	"time"
)

func TestInitDisabled(t *testing.T) {
	enabled, err := Init(Config{})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if enabled {
		t.Error("Init() without DSN should be disabled")
	}

	// No client bound: these must not panic
	Error(errors.New("boom"), "poller", map[string]any{"poller": "campaigns"})
	Error(nil, "poller", nil)
	Breadcrumb("poller", "cycle", nil)
	Flush(10 * time.Millisecond)
}

func TestInitInvalidDSN(t *testing.T) {
	if _, err := Init(Config{DSN: "not a dsn"}); err == nil {
		t.Error("Init() expected error for invalid DSN")
	}
}
