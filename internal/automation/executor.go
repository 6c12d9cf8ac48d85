// Package automation executes single scheduled actions tied to one lead
package automation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxzi/courier/internal/audience"
	"github.com/foxzi/courier/internal/channel"
	"github.com/foxzi/courier/internal/metrics"
	"github.com/foxzi/courier/internal/models"
	"github.com/foxzi/courier/internal/notify"
	"github.com/foxzi/courier/internal/personalize"
	"github.com/foxzi/courier/internal/recurrence"
)

// Store persists automation outcomes
type Store interface {
	FinishAutomation(ctx context.Context, id string, fn func(*models.LeadAutomation)) (*models.LeadAutomation, error)
}

// Contacts looks up a lead
type Contacts interface {
	Contact(ctx context.Context, ref models.RecipientRef) (*models.Contact, error)
}

// Sender delivers one message on a channel
type Sender interface {
	Send(ctx context.Context, ch models.Channel, target string, msg channel.Message) channel.Result
}

// Executor runs claimed lead automations
type Executor struct {
	store        Store
	contacts     Contacts
	sender       Sender
	personalizer personalize.Personalizer
	notifier     notify.Notifier
	sendTimeout  time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// NewExecutor creates an executor. personalizer and notifier may be nil.
func NewExecutor(store Store, contacts Contacts, sender Sender, personalizer personalize.Personalizer, notifier notify.Notifier, sendTimeout time.Duration, logger *slog.Logger) *Executor {
	if sendTimeout <= 0 {
		sendTimeout = 2 * time.Minute
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Executor{
		store:        store,
		contacts:     contacts,
		sender:       sender,
		personalizer: personalizer,
		notifier:     notifier,
		sendTimeout:  sendTimeout,
		logger:       logger.With("component", "automation"),
		now:          time.Now,
	}
}

// Execute performs the action of a claimed automation and stores its outcome.
// Recurring automations that have not lapsed return to scheduled with the next
// due time. The returned error covers storage failures only; delivery failures
// are stored on the automation.
func (e *Executor) Execute(ctx context.Context, a *models.LeadAutomation) (*models.LeadAutomation, error) {
	logger := e.logger.With("automation_id", a.ID, "lead_id", a.LeadID, "action", a.Action.Type)

	res := e.perform(ctx, a)
	if !res.Success {
		logger.Warn("automation action failed", "error", res.Error)
	}

	now := e.now()
	var recurErr error
	done, err := e.store.FinishAutomation(ctx, a.ID, func(cur *models.LeadAutomation) {
		cur.ExecutedAt = &now
		cur.ProviderRef = res.ProviderRef
		cur.LastError = res.Error
		if res.Success {
			cur.Status = cur.Action.DoneStatus()
		} else {
			cur.Status = models.AutomationFailed
		}
		if !cur.IsRecurring {
			return
		}

		if cur.RecurringAnchor == nil {
			anchor := cur.DueAt
			cur.RecurringAnchor = &anchor
		}
		next, err := recurrence.FromModel(cur.Recurrence).AdvancePast(cur.DueAt, now)
		if err != nil {
			recurErr = err
			cur.NextRunAt = nil
			return
		}
		cur.NextRunAt = next
		if next != nil {
			cur.Status = models.AutomationScheduled
			cur.DueAt = *next
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store automation outcome: %w", err)
	}
	if recurErr != nil {
		logger.Error("failed to compute next run, recurrence stopped", "error", recurErr)
	}

	status := string(done.Status)
	if done.Status == models.AutomationScheduled {
		status = "rescheduled"
	}
	metrics.IncAutomations(status)
	logger.Info("automation executed", "success", res.Success, "status", done.Status, "next_run_at", done.NextRunAt)

	e.notify(ctx, done, res, logger)
	return done, nil
}

// perform resolves the lead and delivers. It never panics.
func (e *Executor) perform(ctx context.Context, a *models.LeadAutomation) (res channel.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = channel.Failed("panic: %v", r)
		}
	}()

	if err := a.Action.Validate(); err != nil {
		return channel.Failed("invalid action: %v", err)
	}

	ch := a.Action.Channel()
	lead, err := e.contacts.Contact(ctx, models.RecipientRef{Type: models.RecipientLead, ID: a.LeadID})
	if err != nil {
		return channel.Failed("failed to load lead %s: %v", a.LeadID, err)
	}
	rcpt, ok := audience.ForContact(lead, ch)
	if !ok {
		return channel.Failed("lead %s has no consented %s address", a.LeadID, ch)
	}

	subject, body, media, assistantRef := a.Action.Content()
	msg := channel.Message{
		Subject:      personalize.Render(subject, personalize.Variables(rcpt)),
		Body:         personalize.Apply(ctx, e.personalizer, rcpt, body, e.logger),
		Media:        media,
		AssistantRef: assistantRef,
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.sendTimeout)
	defer cancel()

	start := time.Now()
	res = e.sender.Send(sendCtx, ch, rcpt.Destination, msg)
	metrics.ObserveDelivery(string(ch), res.Success, time.Since(start).Seconds())
	if !res.Success && res.Error == "" {
		res.Error = "delivery failed"
	}
	return res
}

func (e *Executor) notify(ctx context.Context, a *models.LeadAutomation, res channel.Result, logger *slog.Logger) {
	msg := fmt.Sprintf("Automation %s for lead %s done", a.Action.Type, a.LeadID)
	if !res.Success {
		msg = fmt.Sprintf("Automation %s for lead %s failed: %s", a.Action.Type, a.LeadID, res.Error)
	}
	err := e.notifier.Notify(ctx, notify.Event{
		OwnerID:    a.OwnerID,
		Kind:       notify.KindAutomation,
		ResourceID: a.ID,
		Message:    msg,
	})
	if err != nil {
		metrics.IncNotificationFailures()
		logger.Warn("failed to send notification", "error", err)
	}
}
