package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for courier
type Metrics struct {
	// Delivery counters
	DeliveriesTotal            *prometheus.CounterVec
	DeliveryDurationSeconds    *prometheus.HistogramVec
	PersonalizationErrorsTotal prometheus.Counter
	RateLimitWaitsTotal        *prometheus.CounterVec

	// Engine counters
	CampaignRunsTotal     *prometheus.CounterVec
	AutomationsTotal      *prometheus.CounterVec
	SeriesStepsTotal      *prometheus.CounterVec
	PollerCyclesTotal     *prometheus.CounterVec
	PollerClaimsTotal     *prometheus.CounterVec
	PollerErrorsTotal     *prometheus.CounterVec
	StaleClaimsReleased   *prometheus.CounterVec
	NotificationsFailures prometheus.Counter

	// Campaign gauges
	CampaignsByStatus *prometheus.GaugeVec

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		DeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_deliveries_total",
				Help: "Total number of delivery attempts by channel and result",
			},
			[]string{"channel", "result"},
		),
		DeliveryDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "courier_delivery_duration_seconds",
				Help:    "Time spent in a channel adapter per delivery",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"channel"},
		),
		PersonalizationErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "courier_personalization_errors_total",
				Help: "Total number of personalization failures that fell back to base content",
			},
		),
		RateLimitWaitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_ratelimit_waits_total",
				Help: "Total number of deliveries delayed by a channel rate limit",
			},
			[]string{"channel"},
		),
		CampaignRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_campaign_runs_total",
				Help: "Total number of finished campaign runs by final status",
			},
			[]string{"status"},
		),
		AutomationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_automations_total",
				Help: "Total number of executed lead automations by final status",
			},
			[]string{"status"},
		),
		SeriesStepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_series_steps_total",
				Help: "Total number of executed series steps by result",
			},
			[]string{"result"},
		),
		PollerCyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_poller_cycles_total",
				Help: "Total number of poller cycles",
			},
			[]string{"poller"},
		),
		PollerClaimsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_poller_claims_total",
				Help: "Total number of claim attempts by outcome",
			},
			[]string{"poller", "outcome"},
		),
		PollerErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_poller_errors_total",
				Help: "Total number of poller query and handler errors",
			},
			[]string{"poller", "stage"},
		),
		StaleClaimsReleased: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_stale_claims_released_total",
				Help: "Total number of abandoned claims returned to their pre-claim state",
			},
			[]string{"kind"},
		),
		NotificationsFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "courier_notification_failures_total",
				Help: "Total number of completion notifications that could not be published",
			},
		),
		CampaignsByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "courier_campaigns",
				Help: "Number of stored campaigns by status",
			},
			[]string{"status"},
		),
		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "courier_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),
		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "courier_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "courier_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "courier_storage_used_bytes",
				Help: "Engine state file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.DeliveriesTotal,
		m.DeliveryDurationSeconds,
		m.PersonalizationErrorsTotal,
		m.RateLimitWaitsTotal,
		m.CampaignRunsTotal,
		m.AutomationsTotal,
		m.SeriesStepsTotal,
		m.PollerCyclesTotal,
		m.PollerClaimsTotal,
		m.PollerErrorsTotal,
		m.StaleClaimsReleased,
		m.NotificationsFailures,
		m.CampaignsByStatus,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// ObserveDelivery records one adapter call
func ObserveDelivery(channel string, success bool, seconds float64) {
	m := Global()
	if m == nil {
		return
	}
	result := "sent"
	if !success {
		result = "failed"
	}
	m.DeliveriesTotal.WithLabelValues(channel, result).Inc()
	m.DeliveryDurationSeconds.WithLabelValues(channel).Observe(seconds)
}

// IncPersonalizationErrors increments the personalization fallback counter
func IncPersonalizationErrors() {
	if m := Global(); m != nil {
		m.PersonalizationErrorsTotal.Inc()
	}
}

// IncRateLimitWaits increments the rate limit wait counter
func IncRateLimitWaits(channel string) {
	if m := Global(); m != nil {
		m.RateLimitWaitsTotal.WithLabelValues(channel).Inc()
	}
}

// IncCampaignRuns increments the finished campaign run counter
func IncCampaignRuns(status string) {
	if m := Global(); m != nil {
		m.CampaignRunsTotal.WithLabelValues(status).Inc()
	}
}

// IncAutomations increments the executed automation counter
func IncAutomations(status string) {
	if m := Global(); m != nil {
		m.AutomationsTotal.WithLabelValues(status).Inc()
	}
}

// IncSeriesSteps increments the series step counter
func IncSeriesSteps(result string) {
	if m := Global(); m != nil {
		m.SeriesStepsTotal.WithLabelValues(result).Inc()
	}
}

// IncPollerCycles increments the poller cycle counter
func IncPollerCycles(poller string) {
	if m := Global(); m != nil {
		m.PollerCyclesTotal.WithLabelValues(poller).Inc()
	}
}

// IncPollerClaims increments the claim counter; outcome is claimed or conflict
func IncPollerClaims(poller, outcome string) {
	if m := Global(); m != nil {
		m.PollerClaimsTotal.WithLabelValues(poller, outcome).Inc()
	}
}

// IncPollerErrors increments the poller error counter
func IncPollerErrors(poller, stage string) {
	if m := Global(); m != nil {
		m.PollerErrorsTotal.WithLabelValues(poller, stage).Inc()
	}
}

// AddStaleClaimsReleased adds released claims of one kind
func AddStaleClaimsReleased(kind string, n int) {
	if m := Global(); m != nil && n > 0 {
		m.StaleClaimsReleased.WithLabelValues(kind).Add(float64(n))
	}
}

// IncNotificationFailures increments the notification failure counter
func IncNotificationFailures() {
	if m := Global(); m != nil {
		m.NotificationsFailures.Inc()
	}
}

// IncAPIErrors increments API error counter
func IncAPIErrors(errorType string) {
	if m := Global(); m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}
