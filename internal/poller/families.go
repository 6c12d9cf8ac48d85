package poller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/courier/internal/models"
	"github.com/foxzi/courier/internal/recurrence"
)

// Family names, also used as metric labels
const (
	NameCampaigns   = "campaigns"
	NameTemplates   = "templates"
	NameAutomations = "automations"
	NameSeries      = "series"
	NameBroadcasts  = "broadcasts"
)

// CampaignStore is the campaign part of the engine store used by pollers
type CampaignStore interface {
	DueCampaigns(ctx context.Context, now time.Time, broadcast bool) ([]*models.Campaign, error)
	DueTemplates(ctx context.Context, now time.Time) ([]*models.Campaign, error)
	ClaimCampaign(ctx context.Context, id string, now time.Time) (*models.Campaign, error)
	SpawnOccurrence(ctx context.Context, templateID string, expected time.Time, next *time.Time, child *models.Campaign) error
}

// AutomationStore lists and claims lead automations
type AutomationStore interface {
	DueAutomations(ctx context.Context, now time.Time) ([]*models.LeadAutomation, error)
	ClaimAutomation(ctx context.Context, id string, seenDue time.Time, now time.Time) (*models.LeadAutomation, error)
}

// EnrollmentStore lists and claims series enrollments
type EnrollmentStore interface {
	DueEnrollments(ctx context.Context, now time.Time) ([]*models.SeriesEnrollment, error)
	ClaimEnrollment(ctx context.Context, id string, seenStep int, now time.Time) (*models.SeriesEnrollment, error)
}

// CampaignRunner delivers a claimed campaign
type CampaignRunner interface {
	Process(ctx context.Context, id string) error
}

// AutomationRunner executes a claimed automation
type AutomationRunner interface {
	Execute(ctx context.Context, a *models.LeadAutomation) (*models.LeadAutomation, error)
}

// StepRunner executes the current step of a claimed enrollment
type StepRunner interface {
	ExecuteStep(ctx context.Context, en *models.SeriesEnrollment) (*models.SeriesEnrollment, error)
}

// Settings holds the interval and handler concurrency of one family
type Settings struct {
	Interval    time.Duration
	Concurrency int
}

// NewCampaignPoller claims due one-shot campaigns, or chat broadcasts when broadcast is set
func NewCampaignPoller(st CampaignStore, runner CampaignRunner, broadcast bool, s Settings, logger *slog.Logger) *Poller[*models.Campaign] {
	name := NameCampaigns
	if broadcast {
		name = NameBroadcasts
	}
	return &Poller[*models.Campaign]{
		Name:        name,
		Interval:    s.Interval,
		Concurrency: s.Concurrency,
		Logger:      logger,
		Find: func(ctx context.Context, now time.Time) ([]*models.Campaign, error) {
			return st.DueCampaigns(ctx, now, broadcast)
		},
		Claim: func(ctx context.Context, c *models.Campaign, now time.Time) (*models.Campaign, error) {
			return st.ClaimCampaign(ctx, c.ID, now)
		},
		Handle: func(ctx context.Context, c *models.Campaign) error {
			return runner.Process(ctx, c.ID)
		},
	}
}

// NewTemplatePoller spawns one child campaign per due occurrence of a recurring
// template. The claim advances the template and stores the claimed child in one
// transaction; occurrences missed during downtime are skipped.
func NewTemplatePoller(st CampaignStore, runner CampaignRunner, s Settings, logger *slog.Logger) *Poller[*models.Campaign] {
	return &Poller[*models.Campaign]{
		Name:        NameTemplates,
		Interval:    s.Interval,
		Concurrency: s.Concurrency,
		Logger:      logger,
		Find:        st.DueTemplates,
		Claim: func(ctx context.Context, tpl *models.Campaign, now time.Time) (*models.Campaign, error) {
			if tpl.NextRunAt == nil {
				return nil, fmt.Errorf("template %s has no next run", tpl.ID)
			}
			expected := *tpl.NextRunAt

			rule := recurrence.FromModel(tpl.Recurrence)
			if rule.Anchor == nil {
				rule.Anchor = &expected
			}
			next, err := rule.AdvancePast(expected, now)
			if err != nil {
				return nil, fmt.Errorf("failed to compute next run of template %s: %w", tpl.ID, err)
			}

			child := tpl.Spawn(uuid.New().String(), expected)
			if err := st.SpawnOccurrence(ctx, tpl.ID, expected, next, child); err != nil {
				return nil, err
			}
			if next == nil {
				logger.Info("recurring template lapsed", "template_id", tpl.ID)
			}
			return child, nil
		},
		Handle: func(ctx context.Context, child *models.Campaign) error {
			return runner.Process(ctx, child.ID)
		},
	}
}

// NewAutomationPoller claims scheduled lead automations that are due
func NewAutomationPoller(st AutomationStore, runner AutomationRunner, s Settings, logger *slog.Logger) *Poller[*models.LeadAutomation] {
	return &Poller[*models.LeadAutomation]{
		Name:        NameAutomations,
		Interval:    s.Interval,
		Concurrency: s.Concurrency,
		Logger:      logger,
		Find:        st.DueAutomations,
		Claim: func(ctx context.Context, a *models.LeadAutomation, now time.Time) (*models.LeadAutomation, error) {
			return st.ClaimAutomation(ctx, a.ID, a.DueAt, now)
		},
		Handle: func(ctx context.Context, a *models.LeadAutomation) error {
			_, err := runner.Execute(ctx, a)
			return err
		},
	}
}

// NewSeriesPoller claims enrollments whose next step is due
func NewSeriesPoller(st EnrollmentStore, runner StepRunner, s Settings, logger *slog.Logger) *Poller[*models.SeriesEnrollment] {
	return &Poller[*models.SeriesEnrollment]{
		Name:        NameSeries,
		Interval:    s.Interval,
		Concurrency: s.Concurrency,
		Logger:      logger,
		Find:        st.DueEnrollments,
		Claim: func(ctx context.Context, en *models.SeriesEnrollment, now time.Time) (*models.SeriesEnrollment, error) {
			return st.ClaimEnrollment(ctx, en.ID, en.CurrentStep, now)
		},
		Handle: func(ctx context.Context, en *models.SeriesEnrollment) error {
			_, err := runner.ExecuteStep(ctx, en)
			return err
		},
	}
}
