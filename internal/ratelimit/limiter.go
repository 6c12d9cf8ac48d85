// Package ratelimit paces deliveries per channel with a token bucket and an
// optional daily cap whose counters survive restarts.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/time/rate"

	"github.com/foxzi/courier/internal/channel"
	"github.com/foxzi/courier/internal/metrics"
	"github.com/foxzi/courier/internal/models"
)

var bucketRateLimits = []byte("rate_limits")

// LimitConfig contains the limits of one channel. Zero values disable a limit.
type LimitConfig struct {
	PerSecond      float64 `yaml:"per_second" json:"per_second"`
	Burst          int     `yaml:"burst" json:"burst"`
	MessagesPerDay int     `yaml:"messages_per_day" json:"messages_per_day"`
}

// Config maps channels to limits
type Config struct {
	Channels      map[models.Channel]LimitConfig `yaml:"channels"`
	FlushInterval time.Duration                  `yaml:"flush_interval"`
}

// Counter tracks deliveries within the current day
type Counter struct {
	DailyCount int       `json:"daily_count"`
	DayStart   time.Time `json:"day_start"`
}

// Limiter holds the per-channel limiters
type Limiter struct {
	db       *bolt.DB
	config   Config
	buckets  map[models.Channel]*rate.Limiter
	counters map[models.Channel]*Counter
	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	now      func() time.Time
}

// NewLimiter creates a limiter. Daily counters are loaded from and flushed to db.
func NewLimiter(db *bolt.DB, cfg Config) (*Limiter, error) {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRateLimits)
		return err
	}); err != nil {
		return nil, fmt.Errorf("failed to create rate limit bucket: %w", err)
	}

	l := &Limiter{
		db:       db,
		config:   cfg,
		buckets:  make(map[models.Channel]*rate.Limiter),
		counters: make(map[models.Channel]*Counter),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
	for ch, lc := range cfg.Channels {
		if lc.PerSecond > 0 {
			burst := lc.Burst
			if burst < 1 {
				burst = 1
			}
			l.buckets[ch] = rate.NewLimiter(rate.Limit(lc.PerSecond), burst)
		}
	}

	if err := l.loadCounters(); err != nil {
		return nil, err
	}

	l.wg.Add(1)
	go l.persistLoop()

	return l, nil
}

// Wait blocks until a delivery on ch may proceed. It returns an error when the
// daily cap is reached or ctx ends first.
func (l *Limiter) Wait(ctx context.Context, ch models.Channel) error {
	if b, ok := l.buckets[ch]; ok {
		if r := b.Reserve(); r.OK() {
			if d := r.Delay(); d > 0 {
				metrics.IncRateLimitWaits(string(ch))
				t := time.NewTimer(d)
				select {
				case <-t.C:
				case <-ctx.Done():
					t.Stop()
					r.Cancel()
					return ctx.Err()
				}
			}
		}
	}

	limit := l.config.Channels[ch].MessagesPerDay
	if limit <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	c := l.counter(ch)
	if c.DailyCount >= limit {
		return fmt.Errorf("daily limit of %d messages reached for %s", limit, ch)
	}
	c.DailyCount++
	return nil
}

// Remaining returns how many deliveries ch may still make today; -1 means unlimited
func (l *Limiter) Remaining(ch models.Channel) int {
	limit := l.config.Channels[ch].MessagesPerDay
	if limit <= 0 {
		return -1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if left := limit - l.counter(ch).DailyCount; left > 0 {
		return left
	}
	return 0
}

// Stop flushes counters and stops the background loop
func (l *Limiter) Stop() error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
	return l.persistCounters()
}

// counter must be called with mu held
func (l *Limiter) counter(ch models.Channel) *Counter {
	now := l.now()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	c, ok := l.counters[ch]
	if !ok {
		c = &Counter{DayStart: day}
		l.counters[ch] = c
	}
	if !c.DayStart.Equal(day) {
		c.DailyCount = 0
		c.DayStart = day
	}
	return c
}

func (l *Limiter) loadCounters() error {
	return l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRateLimits).ForEach(func(k, v []byte) error {
			var c Counter
			if err := json.Unmarshal(v, &c); err != nil {
				return nil
			}
			l.counters[models.Channel(k)] = &c
			return nil
		})
	})
}

func (l *Limiter) persistCounters() error {
	l.mu.Lock()
	snapshot := make(map[models.Channel]Counter, len(l.counters))
	for ch, c := range l.counters {
		snapshot[ch] = *c
	}
	l.mu.Unlock()

	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRateLimits)
		for ch, c := range snapshot {
			data, err := json.Marshal(c)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(ch), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Limiter) persistLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.persistCounters()
		}
	}
}

// Adapter paces an inner adapter through a Limiter
type Adapter struct {
	inner   channel.Adapter
	limiter *Limiter
}

// Wrap returns inner limited by l
func Wrap(inner channel.Adapter, l *Limiter) *Adapter {
	return &Adapter{inner: inner, limiter: l}
}

// Channel returns the inner adapter's channel
func (a *Adapter) Channel() models.Channel {
	return a.inner.Channel()
}

// Send waits for the limiter and delivers. A reached limit is a failed result.
func (a *Adapter) Send(ctx context.Context, target string, msg channel.Message) channel.Result {
	if err := a.limiter.Wait(ctx, a.inner.Channel()); err != nil {
		return channel.Failed("rate limited: %v", err)
	}
	return a.inner.Send(ctx, target, msg)
}
