// Package channel delivers single messages over email, SMS, voice and chat.
// Adapters report ordinary delivery failures in Result and never return errors.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/courier/internal/models"
)

var nowFunc = time.Now

// Message is the content of one delivery
type Message struct {
	Subject      string
	Body         string
	Media        []string
	AssistantRef string
}

// Result is the outcome of one delivery
type Result struct {
	Success     bool   `json:"success"`
	ProviderRef string `json:"provider_ref,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Failed builds a failed result
func Failed(format string, args ...any) Result {
	return Result{Error: fmt.Sprintf(format, args...)}
}

// Sent builds a successful result
func Sent(ref string) Result {
	return Result{Success: true, ProviderRef: ref}
}

// Adapter sends a message to one target on one channel
type Adapter interface {
	Channel() models.Channel
	Send(ctx context.Context, target string, msg Message) Result
}

// Registry maps channels to adapters
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.Channel]Adapter
	logger   *slog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{adapters: make(map[models.Channel]Adapter), logger: logger}
}

// Register adds or replaces the adapter for its channel
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Channel()] = a
}

// Get returns the adapter for a channel
func (r *Registry) Get(ch models.Channel) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[ch]
	return a, ok
}

// Channels lists registered channels
func (r *Registry) Channels() []models.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Channel, 0, len(r.adapters))
	for ch := range r.adapters {
		out = append(out, ch)
	}
	return out
}

// Send delivers through the adapter for ch. A missing adapter or a panicking
// adapter yields a failed result.
func (r *Registry) Send(ctx context.Context, ch models.Channel, target string, msg Message) (res Result) {
	a, ok := r.Get(ch)
	if !ok {
		return Failed("no adapter configured for channel %s", ch)
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("adapter panic", "channel", ch, "panic", p)
			res = Failed("adapter panic: %v", p)
		}
	}()

	return a.Send(ctx, target, msg)
}
