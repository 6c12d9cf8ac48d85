package channel

import (
	"context"
	"log/slog"
	"sync"

	"github.com/foxzi/courier/internal/models"
	"github.com/google/uuid"
)

// SandboxDelivery is a delivery captured by a sandbox adapter
type SandboxDelivery struct {
	Target  string
	Message Message
}

// SandboxAdapter accepts every message without contacting a provider.
// Deliveries are logged and kept in memory for inspection.
type SandboxAdapter struct {
	channel models.Channel
	logger  *slog.Logger

	mu        sync.Mutex
	delivered []SandboxDelivery
}

// NewSandboxAdapter creates a sandbox adapter for ch
func NewSandboxAdapter(ch models.Channel, logger *slog.Logger) *SandboxAdapter {
	return &SandboxAdapter{channel: ch, logger: logger}
}

// Channel returns the sandboxed channel
func (a *SandboxAdapter) Channel() models.Channel {
	return a.channel
}

// Send records the message
func (a *SandboxAdapter) Send(ctx context.Context, target string, msg Message) Result {
	a.mu.Lock()
	a.delivered = append(a.delivered, SandboxDelivery{Target: target, Message: msg})
	a.mu.Unlock()

	ref := "sandbox-" + uuid.New().String()
	a.logger.Info("sandbox delivery", "channel", a.channel, "target", target, "ref", ref)
	return Sent(ref)
}

// Delivered returns a copy of the captured deliveries
func (a *SandboxAdapter) Delivered() []SandboxDelivery {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]SandboxDelivery(nil), a.delivered...)
}
