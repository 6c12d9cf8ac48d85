package metrics

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/foxzi/courier/internal/models"
)

// CampaignStatsProvider reports stored campaigns by status
type CampaignStatsProvider interface {
	CampaignStats(ctx context.Context) (*models.CampaignStats, error)
}

// Collector refreshes gauges that are sampled rather than counted
type Collector struct {
	metrics     *Metrics
	stats       CampaignStatsProvider
	storagePath string
	interval    time.Duration
	startTime   time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCollector creates a gauge collector
func NewCollector(m *Metrics, stats CampaignStatsProvider, storagePath string, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		metrics:     m,
		stats:       stats,
		storagePath: storagePath,
		interval:    interval,
		startTime:   time.Now(),
		stopCh:      make(chan struct{}),
	}
}

// Start begins sampling
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.Collect(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Collect(ctx)
			}
		}
	}()
}

// Stop stops sampling and waits for the loop to exit
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect samples all gauges once
func (c *Collector) Collect(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.stats == nil {
		return
	}
	stats, err := c.stats.CampaignStats(ctx)
	if err != nil {
		return
	}
	g := c.metrics.CampaignsByStatus
	g.WithLabelValues(string(models.CampaignPending)).Set(float64(stats.Pending))
	g.WithLabelValues(string(models.CampaignSending)).Set(float64(stats.Sending))
	g.WithLabelValues(string(models.CampaignCompleted)).Set(float64(stats.Completed))
	g.WithLabelValues(string(models.CampaignFailed)).Set(float64(stats.Failed))
	g.WithLabelValues(string(models.CampaignInactive)).Set(float64(stats.Inactive))
}
