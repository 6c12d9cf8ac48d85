package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew(t *testing.T) {
	m := New()
	if m.Registry() == nil {
		t.Fatal("Registry() returned nil")
	}

	// Vectors only show up once a label set is used
	m.DeliveriesTotal.WithLabelValues("email", "sent").Inc()
	m.UptimeSeconds.Set(1)

	n, err := testutil.GatherAndCount(m.Registry(), "courier_deliveries_total", "courier_uptime_seconds")
	if err != nil {
		t.Fatalf("GatherAndCount() error = %v", err)
	}
	if n != 2 {
		t.Errorf("GatherAndCount() = %d, want 2", n)
	}
}

func TestGlobalMetrics(t *testing.T) {
	if Global() != nil {
		t.Error("Global() should be nil before SetGlobal")
	}

	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	if Global() != m {
		t.Error("Global() did not return the set metrics")
	}
}

func TestObserveDelivery(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	ObserveDelivery("sms", true, 0.2)
	ObserveDelivery("sms", true, 0.1)
	ObserveDelivery("sms", false, 0.3)

	if got := testutil.ToFloat64(m.DeliveriesTotal.WithLabelValues("sms", "sent")); got != 2 {
		t.Errorf("sent = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.DeliveriesTotal.WithLabelValues("sms", "failed")); got != 1 {
		t.Errorf("failed = %v, want 1", got)
	}
}

func TestEngineCounters(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	IncCampaignRuns("completed")
	IncAutomations("sent")
	IncSeriesSteps("advanced")
	IncPollerCycles("campaigns")
	IncPollerClaims("campaigns", "claimed")
	IncPollerClaims("campaigns", "conflict")
	IncPollerClaims("campaigns", "conflict")
	IncPollerErrors("series", "find")
	AddStaleClaimsReleased("campaign", 3)
	AddStaleClaimsReleased("automation", 0)
	IncPersonalizationErrors()
	IncRateLimitWaits("email")
	IncNotificationFailures()

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"campaign runs", testutil.ToFloat64(m.CampaignRunsTotal.WithLabelValues("completed")), 1},
		{"automations", testutil.ToFloat64(m.AutomationsTotal.WithLabelValues("sent")), 1},
		{"series steps", testutil.ToFloat64(m.SeriesStepsTotal.WithLabelValues("advanced")), 1},
		{"cycles", testutil.ToFloat64(m.PollerCyclesTotal.WithLabelValues("campaigns")), 1},
		{"conflicts", testutil.ToFloat64(m.PollerClaimsTotal.WithLabelValues("campaigns", "conflict")), 2},
		{"errors", testutil.ToFloat64(m.PollerErrorsTotal.WithLabelValues("series", "find")), 1},
		{"released", testutil.ToFloat64(m.StaleClaimsReleased.WithLabelValues("campaign")), 3},
		{"personalization", testutil.ToFloat64(m.PersonalizationErrorsTotal), 1},
		{"ratelimit", testutil.ToFloat64(m.RateLimitWaitsTotal.WithLabelValues("email")), 1},
		{"notifications", testutil.ToFloat64(m.NotificationsFailures), 1},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestGlobalNilSafe(t *testing.T) {
	SetGlobal(nil)

	ObserveDelivery("email", true, 1)
	IncCampaignRuns("failed")
	IncPollerClaims("x", "claimed")
	AddStaleClaimsReleased("campaign", 1)
	IncAPIErrors("server_error")
}
