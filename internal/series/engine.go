// Package series moves enrollments through multi-step drip sequences
package series

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxzi/courier/internal/audience"
	"github.com/foxzi/courier/internal/channel"
	"github.com/foxzi/courier/internal/metrics"
	"github.com/foxzi/courier/internal/models"
	"github.com/foxzi/courier/internal/notify"
	"github.com/foxzi/courier/internal/personalize"
	"github.com/foxzi/courier/internal/store"
)

// Store is the series state the engine reads and writes
type Store interface {
	GetSeries(ctx context.Context, id string) (*models.Series, error)
	CreateEnrollment(ctx context.Context, e *models.SeriesEnrollment) error
	GetEnrollment(ctx context.Context, id string) (*models.SeriesEnrollment, error)
	UpdateEnrollment(ctx context.Context, id string, fn func(*models.SeriesEnrollment) error) (*models.SeriesEnrollment, error)
}

// Contacts looks up leads and clients
type Contacts interface {
	Contact(ctx context.Context, ref models.RecipientRef) (*models.Contact, error)
}

// Sender delivers one message on a channel
type Sender interface {
	Send(ctx context.Context, ch models.Channel, target string, msg channel.Message) channel.Result
}

var (
	// ErrSeriesInactive is returned when enrolling into a deactivated series
	ErrSeriesInactive = errors.New("series is inactive")
	// ErrNoSteps is returned when enrolling into a series without steps
	ErrNoSteps = errors.New("series has no steps")
)

// Config contains retry settings for failed steps
type Config struct {
	MaxAttempts int
	RetryDelay  time.Duration
	SendTimeout time.Duration
}

// Engine enrolls recipients and executes their steps
type Engine struct {
	store        Store
	contacts     Contacts
	sender       Sender
	personalizer personalize.Personalizer
	notifier     notify.Notifier
	cfg          Config
	logger       *slog.Logger
	now          func() time.Time
}

// NewEngine creates a series engine. personalizer and notifier may be nil.
func NewEngine(store Store, contacts Contacts, sender Sender, personalizer personalize.Personalizer, notifier notify.Notifier, cfg Config, logger *slog.Logger) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Hour
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 2 * time.Minute
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Engine{
		store:        store,
		contacts:     contacts,
		sender:       sender,
		personalizer: personalizer,
		notifier:     notifier,
		cfg:          cfg,
		logger:       logger.With("component", "series"),
		now:          time.Now,
	}
}

// Enroll starts recipient on the first step of a series. The first step is due
// after its own delay, counted from enrollment.
func (e *Engine) Enroll(ctx context.Context, seriesID string, recipient models.RecipientRef) (*models.SeriesEnrollment, error) {
	s, err := e.store.GetSeries(ctx, seriesID)
	if err != nil {
		return nil, err
	}
	if !s.Active {
		return nil, ErrSeriesInactive
	}
	if len(s.Steps) == 0 {
		return nil, ErrNoSteps
	}

	now := e.now()
	first := s.Steps[0]
	next := now.Add(first.Delay())
	en := &models.SeriesEnrollment{
		SeriesID:    s.ID,
		Recipient:   recipient,
		CurrentStep: first.StepOrder,
		Status:      models.EnrollmentActive,
		NextStepAt:  &next,
		EnrolledAt:  now,
	}
	if err := e.store.CreateEnrollment(ctx, en); err != nil {
		return nil, fmt.Errorf("failed to create enrollment: %w", err)
	}
	e.logger.Info("recipient enrolled", "series_id", s.ID, "enrollment_id", en.ID, "recipient", recipient.Key(), "first_step_at", next)
	return en, nil
}

// Advance moves an enrollment past its current step after that step was sent
// at sentAt. It cancels the enrollment when the series is inactive or gone.
func (e *Engine) Advance(ctx context.Context, enrollmentID string, sentAt time.Time) (*models.SeriesEnrollment, error) {
	en, err := e.store.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	s, err := e.loadSeries(ctx, en.SeriesID)
	if err != nil {
		return nil, err
	}
	return e.store.UpdateEnrollment(ctx, enrollmentID, func(cur *models.SeriesEnrollment) error {
		if cur.Status != models.EnrollmentActive {
			return fmt.Errorf("enrollment %s is %s", cur.ID, cur.Status)
		}
		advance(cur, s, sentAt)
		return nil
	})
}

// ExecuteStep sends the current step of a claimed enrollment, then advances it.
// A failed delivery keeps the step and retries after the retry delay until the
// attempt limit cancels the enrollment.
func (e *Engine) ExecuteStep(ctx context.Context, en *models.SeriesEnrollment) (*models.SeriesEnrollment, error) {
	if en.ClaimedAt == nil {
		return nil, store.ErrClaimConflict
	}
	logger := e.logger.With("enrollment_id", en.ID, "series_id", en.SeriesID, "step", en.CurrentStep)
	seenStep := en.CurrentStep

	s, err := e.loadSeries(ctx, en.SeriesID)
	if err != nil {
		return nil, err
	}

	var (
		res     channel.Result
		cancel  string
		sending bool
		missing bool
	)
	switch step, ok := stepOf(s, seenStep); {
	case s == nil || !s.Active:
		// advance cancels
	case !ok:
		missing = true
	default:
		rcpt, gateErr := e.recipient(ctx, en.Recipient, step.Channel)
		if gateErr != nil {
			cancel = gateErr.Error()
			break
		}
		sending = true
		res = e.send(ctx, step, rcpt)
	}

	now := e.now()
	done, err := e.store.UpdateEnrollment(ctx, en.ID, func(cur *models.SeriesEnrollment) error {
		if cur.Status != models.EnrollmentActive || cur.ClaimedAt == nil || cur.CurrentStep != seenStep {
			return store.ErrClaimConflict
		}
		cur.ClaimedAt = nil

		switch {
		case missing:
			// no step at the current order ends the series
			cur.Status = models.EnrollmentCompleted
			cur.NextStepAt = nil
		case cancel != "":
			cur.Status = models.EnrollmentCancelled
			cur.NextStepAt = nil
			cur.LastError = cancel
		case sending && !res.Success:
			cur.Attempts++
			cur.LastError = res.Error
			if cur.Attempts >= e.cfg.MaxAttempts {
				cur.Status = models.EnrollmentCancelled
				cur.NextStepAt = nil
				return nil
			}
			retry := now.Add(e.cfg.RetryDelay)
			cur.NextStepAt = &retry
		default:
			if sending {
				cur.LastStepSentAt = &now
				cur.Attempts = 0
				cur.LastError = ""
			}
			advance(cur, s, now)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store step outcome: %w", err)
	}

	result := stepResult(done, sending, res.Success)
	metrics.IncSeriesSteps(result)
	logger.Info("series step executed", "result", result, "status", done.Status, "next_step_at", done.NextStepAt, "error", done.LastError)

	if done.Status != models.EnrollmentActive && s != nil {
		e.notify(ctx, s, done, logger)
	}
	return done, nil
}

// advance applies the step transition to an active enrollment
func advance(en *models.SeriesEnrollment, s *models.Series, sentAt time.Time) {
	if s == nil || !s.Active {
		en.Status = models.EnrollmentCancelled
		en.NextStepAt = nil
		if en.LastError == "" {
			en.LastError = "series deactivated or deleted"
		}
		return
	}

	next, ok := s.Step(en.CurrentStep + 1)
	if !ok {
		en.Status = models.EnrollmentCompleted
		en.NextStepAt = nil
		return
	}
	at := sentAt.Add(next.Delay())
	en.CurrentStep = next.StepOrder
	en.NextStepAt = &at
}

// loadSeries returns nil without error when the series was deleted
func (e *Engine) loadSeries(ctx context.Context, id string) (*models.Series, error) {
	s, err := e.store.GetSeries(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load series %s: %w", id, err)
	}
	return s, nil
}

func stepOf(s *models.Series, order int) (models.SeriesStep, bool) {
	if s == nil {
		return models.SeriesStep{}, false
	}
	return s.Step(order)
}

// recipient applies the consent and address gate for a lead or client; raw
// addresses only need a usable address
func (e *Engine) recipient(ctx context.Context, ref models.RecipientRef, ch models.Channel) (models.Recipient, error) {
	if ref.Type == models.RecipientAddress || ref.ID == "" {
		dest, ok := audience.Normalize(ch, ref.Address)
		if !ok {
			return models.Recipient{}, fmt.Errorf("invalid %s address %q", ch, ref.Address)
		}
		return models.Recipient{Ref: ref, Destination: dest}, nil
	}

	c, err := e.contacts.Contact(ctx, ref)
	if err != nil {
		return models.Recipient{}, fmt.Errorf("failed to load %s: %v", ref.Key(), err)
	}
	rcpt, ok := audience.ForContact(c, ch)
	if !ok {
		return models.Recipient{}, fmt.Errorf("%s has no consented %s address", ref.Key(), ch)
	}
	return rcpt, nil
}

func (e *Engine) send(ctx context.Context, step models.SeriesStep, rcpt models.Recipient) (res channel.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = channel.Failed("panic: %v", r)
		}
	}()

	msg := channel.Message{
		Subject: personalize.Render(step.Subject, personalize.Variables(rcpt)),
		Body:    personalize.Apply(ctx, e.personalizer, rcpt, step.Content, e.logger),
		Media:   step.Media,
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	defer cancel()

	start := time.Now()
	res = e.sender.Send(sendCtx, step.Channel, rcpt.Destination, msg)
	metrics.ObserveDelivery(string(step.Channel), res.Success, time.Since(start).Seconds())
	if !res.Success && res.Error == "" {
		res.Error = "delivery failed"
	}
	return res
}

func stepResult(en *models.SeriesEnrollment, sent, success bool) string {
	switch {
	case en.Status == models.EnrollmentCancelled:
		return "cancelled"
	case sent && !success:
		return "retry"
	case en.Status == models.EnrollmentCompleted:
		return "completed"
	}
	return "advanced"
}

func (e *Engine) notify(ctx context.Context, s *models.Series, en *models.SeriesEnrollment, logger *slog.Logger) {
	msg := fmt.Sprintf("Series %q finished for %s", s.Name, en.Recipient.Key())
	if en.Status == models.EnrollmentCancelled {
		msg = fmt.Sprintf("Series %q cancelled for %s: %s", s.Name, en.Recipient.Key(), en.LastError)
	}
	err := e.notifier.Notify(ctx, notify.Event{
		OwnerID:    s.OwnerID,
		Kind:       notify.KindSeries,
		ResourceID: en.ID,
		Message:    msg,
	})
	if err != nil {
		metrics.IncNotificationFailures()
		logger.Warn("failed to send notification", "error", err)
	}
}
