// Package campaign runs claimed campaigns: it resolves the audience, delivers
// to every recipient on a bounded worker pool and records one ledger entry per
// recipient as results arrive.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/courier/internal/channel"
	"github.com/foxzi/courier/internal/metrics"
	"github.com/foxzi/courier/internal/models"
	"github.com/foxzi/courier/internal/notify"
	"github.com/foxzi/courier/internal/personalize"
)

// Store is the campaign state the processor reads and writes
type Store interface {
	CreateCampaign(ctx context.Context, c *models.Campaign) error
	GetCampaign(ctx context.Context, id string) (*models.Campaign, error)
	BeginRun(ctx context.Context, id string, total int) error
	LedgerKeys(ctx context.Context, campaignID string) (map[string]bool, error)
	RecordDelivery(ctx context.Context, entry *models.LedgerEntry) (bool, error)
	FinishCampaign(ctx context.Context, id string, status models.CampaignStatus, lastError string) error
}

// Resolver expands an audience into recipients
type Resolver interface {
	Resolve(ctx context.Context, a models.Audience, ch models.Channel) ([]models.Recipient, error)
}

// Sender delivers one message on a channel
type Sender interface {
	Send(ctx context.Context, ch models.Channel, target string, msg channel.Message) channel.Result
}

// ErrNotClaimed is returned by Process for a campaign that is not sending
var ErrNotClaimed = errors.New("campaign is not claimed")

// Config contains processor settings
type Config struct {
	Workers     int
	SendTimeout time.Duration
}

// Processor runs campaigns
type Processor struct {
	store        Store
	resolver     Resolver
	sender       Sender
	personalizer personalize.Personalizer
	notifier     notify.Notifier
	workers      int
	sendTimeout  time.Duration
	logger       *slog.Logger
}

// NewProcessor creates a processor. personalizer and notifier may be nil.
func NewProcessor(store Store, resolver Resolver, sender Sender, personalizer personalize.Personalizer, notifier notify.Notifier, cfg Config, logger *slog.Logger) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 2 * time.Minute
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Processor{
		store:        store,
		resolver:     resolver,
		sender:       sender,
		personalizer: personalizer,
		notifier:     notifier,
		workers:      cfg.Workers,
		sendTimeout:  cfg.SendTimeout,
		logger:       logger.With("component", "campaign"),
	}
}

// Trigger stores c as a claimed one-shot campaign and runs it immediately
func (p *Processor) Trigger(ctx context.Context, c *models.Campaign) (*models.Campaign, error) {
	if c.IsRecurring {
		return nil, errors.New("recurring templates cannot be triggered directly")
	}
	now := time.Now()
	c.Status = models.CampaignSending
	c.ScheduledAt = &now
	c.ClaimedAt = &now
	c.StartedAt = &now
	if err := p.store.CreateCampaign(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to create campaign: %w", err)
	}

	// The run outcome is stored on the campaign
	_ = p.Process(ctx, c.ID)

	return p.store.GetCampaign(ctx, c.ID)
}

// Process runs a claimed campaign to its terminal status. Per-recipient
// failures are recorded in the ledger and do not fail the run; errors outside
// the per-recipient boundary mark the campaign failed and are returned.
func (p *Processor) Process(ctx context.Context, id string) error {
	c, err := p.store.GetCampaign(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load campaign %s: %w", id, err)
	}
	if c.Status != models.CampaignSending {
		return fmt.Errorf("%w: %s is %s", ErrNotClaimed, id, c.Status)
	}

	logger := p.logger.With("campaign_id", c.ID, "channel", c.Channel)
	logger.Info("campaign run started", "audience", c.Audience.Kind)

	runErr := p.run(ctx, c, logger)
	if runErr != nil && ctx.Err() != nil {
		// Shutdown: the claim stays in place and the stale claim reaper hands the
		// campaign back to the poller, which resumes after the recorded recipients.
		logger.Warn("campaign run interrupted", "error", runErr)
		return runErr
	}

	status, lastError := models.CampaignCompleted, ""
	if runErr != nil {
		status, lastError = models.CampaignFailed, runErr.Error()
		logger.Error("campaign run failed", "error", runErr)
	}

	// The run context may be cancelled by shutdown; the terminal write must still land
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := p.store.FinishCampaign(finishCtx, c.ID, status, lastError); err != nil {
		return fmt.Errorf("failed to finish campaign %s: %w", c.ID, err)
	}
	metrics.IncCampaignRuns(string(status))

	final, err := p.store.GetCampaign(finishCtx, c.ID)
	if err == nil {
		logger.Info("campaign run finished",
			"status", final.Status,
			"total", final.TotalRecipients,
			"sent", final.SuccessCount,
			"failed", final.FailedCount,
		)
		p.notify(finishCtx, final, logger)
	}

	return runErr
}

func (p *Processor) run(ctx context.Context, c *models.Campaign, logger *slog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during campaign run: %v", r)
		}
	}()

	recipients, err := p.resolver.Resolve(ctx, c.Audience, c.Channel)
	if err != nil {
		return fmt.Errorf("audience resolution failed: %w", err)
	}
	if err := p.store.BeginRun(ctx, c.ID, len(recipients)); err != nil {
		return fmt.Errorf("failed to record audience size: %w", err)
	}

	done, err := p.store.LedgerKeys(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("failed to load ledger: %w", err)
	}
	todo := make([]models.Recipient, 0, len(recipients))
	for _, r := range recipients {
		if !done[r.Ref.Key()] {
			todo = append(todo, r)
		}
	}
	if skipped := len(recipients) - len(todo); skipped > 0 {
		logger.Info("resuming campaign run", "already_recorded", skipped, "remaining", len(todo))
	}

	return p.deliverAll(ctx, c, todo, logger)
}

// deliverAll fans recipients out to the worker pool and records each result
// from this goroutine, so ledger and counter writes happen one at a time.
func (p *Processor) deliverAll(ctx context.Context, c *models.Campaign, recipients []models.Recipient, logger *slog.Logger) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan models.Recipient)
	results := make(chan *models.LedgerEntry, p.workers)

	go func() {
		defer close(jobs)
		for _, r := range recipients {
			select {
			case jobs <- r:
			case <-runCtx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := range jobs {
				results <- p.deliver(runCtx, c, r)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var recordErr error
	for entry := range results {
		if recordErr != nil {
			continue
		}
		if entry.Status == models.DeliveryFailed && ctx.Err() != nil {
			// Interrupted sends are retried when the run resumes
			continue
		}
		if _, err := p.store.RecordDelivery(ctx, entry); err != nil {
			recordErr = fmt.Errorf("failed to record delivery to %s: %w", entry.Recipient.Key(), err)
			cancel()
			continue
		}
		if entry.Status == models.DeliveryFailed {
			logger.Warn("delivery failed", "recipient", entry.Recipient.Key(), "error", entry.Error)
		} else {
			logger.Debug("delivered", "recipient", entry.Recipient.Key(), "provider_ref", entry.ProviderRef)
		}
	}

	if recordErr != nil {
		return recordErr
	}
	return ctx.Err()
}

// deliver sends to one recipient. It never panics and always returns an entry.
func (p *Processor) deliver(ctx context.Context, c *models.Campaign, r models.Recipient) (entry *models.LedgerEntry) {
	entry = &models.LedgerEntry{
		CampaignID:  c.ID,
		Recipient:   r.Ref,
		Destination: r.Destination,
		Status:      models.DeliveryFailed,
	}
	defer func() {
		if rec := recover(); rec != nil {
			entry.Status = models.DeliveryFailed
			entry.Error = fmt.Sprintf("panic: %v", rec)
		}
	}()

	msg := channel.Message{
		Subject:      personalize.Render(c.Subject, personalize.Variables(r)),
		Body:         personalize.Apply(ctx, p.personalizer, r, c.Content, p.logger),
		Media:        c.Media,
		AssistantRef: c.AssistantRef,
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.sendTimeout)
	defer cancel()

	start := time.Now()
	res := p.sender.Send(sendCtx, c.Channel, r.Destination, msg)
	metrics.ObserveDelivery(string(c.Channel), res.Success, time.Since(start).Seconds())

	if res.Success {
		entry.Status = models.DeliverySent
		entry.ProviderRef = res.ProviderRef
		return entry
	}
	entry.Error = res.Error
	if entry.Error == "" {
		entry.Error = "delivery failed"
	}
	return entry
}

func (p *Processor) notify(ctx context.Context, c *models.Campaign, logger *slog.Logger) {
	msg := fmt.Sprintf("Campaign %q %s: %d sent, %d failed of %d", c.Name, c.Status, c.SuccessCount, c.FailedCount, c.TotalRecipients)
	if c.Status == models.CampaignFailed {
		msg = fmt.Sprintf("Campaign %q failed: %s", c.Name, c.LastError)
	}
	err := p.notifier.Notify(ctx, notify.Event{
		OwnerID:    c.OwnerID,
		Kind:       notify.KindCampaign,
		ResourceID: c.ID,
		Message:    msg,
	})
	if err != nil {
		metrics.IncNotificationFailures()
		logger.Warn("failed to send notification", "error", err)
	}
}
