package campaign

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/foxzi/courier/internal/channel"
	"github.com/foxzi/courier/internal/models"
	"github.com/foxzi/courier/internal/notify"
	"github.com/foxzi/courier/internal/personalize"
	"github.com/foxzi/courier/internal/store"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStorage(t *testing.T) *store.BoltStorage {
	t.Helper()
	s, err := store.NewBoltStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewBoltStorage() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// mockResolver returns a fixed recipient list
type mockResolver struct {
	recipients []models.Recipient
	err        error
}

func (m *mockResolver) Resolve(ctx context.Context, a models.Audience, ch models.Channel) ([]models.Recipient, error) {
	return m.recipients, m.err
}

// mockSender fails or panics for selected destinations
type mockSender struct {
	mu      sync.Mutex
	fail    map[string]bool
	panicOn string
	sent    []string
	bodies  map[string]string
}

func (m *mockSender) Send(ctx context.Context, ch models.Channel, target string, msg channel.Message) channel.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	if target == m.panicOn {
		panic("provider client exploded")
	}
	m.sent = append(m.sent, target)
	if m.bodies == nil {
		m.bodies = make(map[string]string)
	}
	m.bodies[target] = msg.Body
	if m.fail[target] {
		return channel.Failed("invalid number %s", target)
	}
	return channel.Sent("ref-" + target)
}

type mockNotifier struct {
	events []notify.Event
	err    error
}

func (m *mockNotifier) Notify(ctx context.Context, ev notify.Event) error {
	m.events = append(m.events, ev)
	return m.err
}

func addressRecipients(n int) []models.Recipient {
	out := make([]models.Recipient, n)
	for i := range out {
		addr := fmt.Sprintf("+1555000000%d", i+1)
		out[i] = models.Recipient{
			Ref:         models.RecipientRef{Type: models.RecipientAddress, Address: addr},
			Destination: addr,
		}
	}
	return out
}

func createClaimed(t *testing.T, s *store.BoltStorage, c *models.Campaign) {
	t.Helper()
	ctx := context.Background()
	if err := s.CreateCampaign(ctx, c); err != nil {
		t.Fatalf("CreateCampaign() error = %v", err)
	}
	if _, err := s.ClaimCampaign(ctx, c.ID, time.Now()); err != nil {
		t.Fatalf("ClaimCampaign() error = %v", err)
	}
}

func TestProcessFailureIsolation(t *testing.T) {
	for _, workers := range []int{1, 3} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			s := newTestStorage(t)
			ctx := context.Background()
			recipients := addressRecipients(5)
			sender := &mockSender{fail: map[string]bool{
				recipients[1].Destination: true,
				recipients[3].Destination: true,
			}}
			notifier := &mockNotifier{}
			p := NewProcessor(s, &mockResolver{recipients: recipients}, sender, nil, notifier, Config{Workers: workers}, newTestLogger())

			c := &models.Campaign{Name: "promo", Channel: models.ChannelSMS, Content: "Sale!", Audience: models.Audience{Kind: "all"}}
			createClaimed(t, s, c)

			if err := p.Process(ctx, c.ID); err != nil {
				t.Fatalf("Process() error = %v", err)
			}

			got, _ := s.GetCampaign(ctx, c.ID)
			if got.Status != models.CampaignCompleted {
				t.Errorf("Status = %s, want completed", got.Status)
			}
			if got.SuccessCount != 3 || got.FailedCount != 2 || got.TotalRecipients != 5 {
				t.Errorf("counters = %d/%d/%d, want 3/2/5", got.SuccessCount, got.FailedCount, got.TotalRecipients)
			}
			if got.ClaimedAt != nil || got.CompletedAt == nil {
				t.Errorf("ClaimedAt = %v, CompletedAt = %v", got.ClaimedAt, got.CompletedAt)
			}

			entries, _ := s.ListLedger(ctx, c.ID)
			if len(entries) != 5 {
				t.Fatalf("ledger entries = %d, want 5", len(entries))
			}
			for _, e := range entries {
				wantFailed := sender.fail[e.Destination]
				if (e.Status == models.DeliveryFailed) != wantFailed {
					t.Errorf("entry %s status = %s", e.Destination, e.Status)
				}
				if wantFailed && !strings.Contains(e.Error, "invalid number") {
					t.Errorf("entry %s error = %q", e.Destination, e.Error)
				}
				if !wantFailed && e.ProviderRef != "ref-"+e.Destination {
					t.Errorf("entry %s provider ref = %q", e.Destination, e.ProviderRef)
				}
			}

			if len(notifier.events) != 1 || !strings.Contains(notifier.events[0].Message, "3 sent, 2 failed") {
				t.Errorf("notifications = %+v", notifier.events)
			}
		})
	}
}

func TestProcessSequentialOrder(t *testing.T) {
	s := newTestStorage(t)
	recipients := addressRecipients(6)
	sender := &mockSender{}
	p := NewProcessor(s, &mockResolver{recipients: recipients}, sender, nil, nil, Config{Workers: 1}, newTestLogger())

	c := &models.Campaign{Name: "ordered", Channel: models.ChannelSMS, Content: "x", Audience: models.Audience{Kind: "all"}}
	createClaimed(t, s, c)

	if err := p.Process(context.Background(), c.ID); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	for i, r := range recipients {
		if sender.sent[i] != r.Destination {
			t.Errorf("sent[%d] = %s, want %s", i, sender.sent[i], r.Destination)
		}
	}
}

func TestProcessResolutionFailure(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	sender := &mockSender{}
	p := NewProcessor(s, &mockResolver{err: errors.New("record store offline")}, sender, nil, nil, Config{}, newTestLogger())

	c := &models.Campaign{Name: "broken", Channel: models.ChannelEmail, Content: "x", Audience: models.Audience{Kind: "leads"}}
	createClaimed(t, s, c)

	if err := p.Process(ctx, c.ID); err == nil {
		t.Fatal("Process() expected error")
	}

	got, _ := s.GetCampaign(ctx, c.ID)
	if got.Status != models.CampaignFailed {
		t.Errorf("Status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.LastError, "record store offline") {
		t.Errorf("LastError = %q", got.LastError)
	}
	if entries, _ := s.ListLedger(ctx, c.ID); len(entries) != 0 {
		t.Errorf("ledger entries = %d, want 0", len(entries))
	}
	if len(sender.sent) != 0 {
		t.Errorf("sent = %v, want none", sender.sent)
	}
}

func TestProcessRecipientPanic(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	recipients := addressRecipients(3)
	sender := &mockSender{panicOn: recipients[0].Destination}
	p := NewProcessor(s, &mockResolver{recipients: recipients}, sender, nil, nil, Config{Workers: 1}, newTestLogger())

	c := &models.Campaign{Name: "panic", Channel: models.ChannelSMS, Content: "x", Audience: models.Audience{Kind: "all"}}
	createClaimed(t, s, c)

	if err := p.Process(ctx, c.ID); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	got, _ := s.GetCampaign(ctx, c.ID)
	if got.Status != models.CampaignCompleted || got.SuccessCount != 2 || got.FailedCount != 1 {
		t.Errorf("campaign = %s %d/%d, want completed 2/1", got.Status, got.SuccessCount, got.FailedCount)
	}
}

func TestProcessResumeSkipsRecorded(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	recipients := addressRecipients(4)
	sender := &mockSender{}
	p := NewProcessor(s, &mockResolver{recipients: recipients}, sender, nil, nil, Config{Workers: 2}, newTestLogger())

	c := &models.Campaign{Name: "resume", Channel: models.ChannelSMS, Content: "x", Audience: models.Audience{Kind: "all"}}
	createClaimed(t, s, c)

	// A previous run delivered to the first recipient before the process died
	s.BeginRun(ctx, c.ID, 4)
	s.RecordDelivery(ctx, &models.LedgerEntry{
		CampaignID:  c.ID,
		Recipient:   recipients[0].Ref,
		Destination: recipients[0].Destination,
		Status:      models.DeliverySent,
	})

	if err := p.Process(ctx, c.ID); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(sender.sent) != 3 {
		t.Errorf("sent = %d, want 3", len(sender.sent))
	}
	got, _ := s.GetCampaign(ctx, c.ID)
	if got.SuccessCount != 4 || got.TotalRecipients != 4 {
		t.Errorf("counters = %d/%d, want 4/4", got.SuccessCount, got.TotalRecipients)
	}
}

type brokenPersonalizer struct{}

func (brokenPersonalizer) Personalize(ctx context.Context, r models.Recipient, content string) (string, error) {
	return "", errors.New("quota exceeded")
}

func TestProcessPersonalization(t *testing.T) {
	contact := &models.Contact{ID: "1", FirstName: "Ada", Phone: "+15550001111", OptInSMS: true}
	recipients := []models.Recipient{{
		Ref:         models.RecipientRef{Type: models.RecipientLead, ID: "1"},
		Destination: "+15550001111",
		Contact:     contact,
	}}

	tests := []struct {
		name         string
		personalizer personalize.Personalizer
		want         string
	}{
		{"template", personalize.NewTemplatePersonalizer(), "Hi Ada"},
		{"failure falls back", brokenPersonalizer{}, "Hi {{first_name}}"},
		{"none", nil, "Hi {{first_name}}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStorage(t)
			ctx := context.Background()
			sender := &mockSender{}
			p := NewProcessor(s, &mockResolver{recipients: recipients}, sender, tt.personalizer, nil, Config{}, newTestLogger())

			c := &models.Campaign{Name: "hi", Channel: models.ChannelSMS, Content: "Hi {{first_name}}", Audience: models.Audience{Kind: "leads"}}
			createClaimed(t, s, c)

			if err := p.Process(ctx, c.ID); err != nil {
				t.Fatalf("Process() error = %v", err)
			}
			if got := sender.bodies["+15550001111"]; got != tt.want {
				t.Errorf("body = %q, want %q", got, tt.want)
			}
			got, _ := s.GetCampaign(ctx, c.ID)
			if got.SuccessCount != 1 {
				t.Errorf("SuccessCount = %d, want 1", got.SuccessCount)
			}
		})
	}
}

func TestProcessNotClaimed(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	p := NewProcessor(s, &mockResolver{}, &mockSender{}, nil, nil, Config{}, newTestLogger())

	c := &models.Campaign{Name: "pending", Channel: models.ChannelSMS, Content: "x", Audience: models.Audience{Kind: "all"}}
	s.CreateCampaign(ctx, c)

	if err := p.Process(ctx, c.ID); !errors.Is(err, ErrNotClaimed) {
		t.Errorf("Process() error = %v, want ErrNotClaimed", err)
	}
	got, _ := s.GetCampaign(ctx, c.ID)
	if got.Status != models.CampaignPending {
		t.Errorf("Status = %s, want pending", got.Status)
	}
}

func TestTrigger(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	recipients := addressRecipients(2)
	p := NewProcessor(s, &mockResolver{recipients: recipients}, &mockSender{}, nil, nil, Config{}, newTestLogger())

	got, err := p.Trigger(ctx, &models.Campaign{
		Name:     "now",
		Channel:  models.ChannelSMS,
		Content:  "x",
		Audience: models.Audience{Kind: "individual:+15550001111"},
	})
	if err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	if got.Status != models.CampaignCompleted || got.SuccessCount != 2 {
		t.Errorf("Trigger() = %s with %d sent, want completed with 2", got.Status, got.SuccessCount)
	}

	if _, err := p.Trigger(ctx, &models.Campaign{Recurrence: models.Recurrence{IsRecurring: true}}); err == nil {
		t.Error("Trigger() expected error for recurring template")
	}
}

func TestProcessNotifyFailureIgnored(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	notifier := &mockNotifier{err: errors.New("broker down")}
	p := NewProcessor(s, &mockResolver{recipients: addressRecipients(1)}, &mockSender{}, nil, notifier, Config{}, newTestLogger())

	c := &models.Campaign{Name: "n", Channel: models.ChannelSMS, Content: "x", Audience: models.Audience{Kind: "all"}}
	createClaimed(t, s, c)

	if err := p.Process(ctx, c.ID); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	got, _ := s.GetCampaign(ctx, c.ID)
	if got.Status != models.CampaignCompleted {
		t.Errorf("Status = %s, want completed", got.Status)
	}
}
