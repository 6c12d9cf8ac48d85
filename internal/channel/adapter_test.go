package channel

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/foxzi/courier/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type panicAdapter struct{}

func (panicAdapter) Channel() models.Channel { return models.ChannelSMS }

func (panicAdapter) Send(ctx context.Context, target string, msg Message) Result {
	panic("boom")
}

func TestRegistrySend(t *testing.T) {
	r := NewRegistry(testLogger())
	sandbox := NewSandboxAdapter(models.ChannelEmail, testLogger())
	r.Register(sandbox)
	r.Register(panicAdapter{})
	ctx := context.Background()

	res := r.Send(ctx, models.ChannelEmail, "ada@example.com", Message{Subject: "Hi", Body: "Hello"})
	if !res.Success || res.ProviderRef == "" {
		t.Errorf("Send(email) = %+v, want success with ref", res)
	}
	if got := sandbox.Delivered(); len(got) != 1 || got[0].Target != "ada@example.com" {
		t.Errorf("Delivered() = %+v", got)
	}

	res = r.Send(ctx, models.ChannelVoice, "+15550001111", Message{Body: "hi"})
	if res.Success || res.Error == "" {
		t.Errorf("Send(unregistered) = %+v, want failure", res)
	}

	res = r.Send(ctx, models.ChannelSMS, "+15550001111", Message{Body: "hi"})
	if res.Success || res.Error != "adapter panic: boom" {
		t.Errorf("Send(panicking) = %+v, want recovered failure", res)
	}

	if got := len(r.Channels()); got != 2 {
		t.Errorf("Channels() = %d, want 2", got)
	}
}
