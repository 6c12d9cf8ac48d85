package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/foxzi/courier/internal/models"
	"github.com/foxzi/courier/internal/recurrence"
)

// AudienceRequest selects the recipients of a campaign
type AudienceRequest struct {
	Kind   string                 `json:"kind" validate:"required,audience"`
	Filter *models.AudienceFilter `json:"filter,omitempty"`
}

// RecurrenceRequest holds the recurrence fields shared by campaigns and automations
type RecurrenceRequest struct {
	IsRecurring       bool       `json:"is_recurring"`
	RecurringPattern  string     `json:"recurring_pattern" validate:"omitempty,oneof=daily weekly monthly"`
	RecurringInterval int        `json:"recurring_interval" validate:"min=0,max=366"`
	RecurringEndDate  *time.Time `json:"recurring_end_date,omitempty"`
}

func (r RecurrenceRequest) check() error {
	if !r.IsRecurring {
		return nil
	}
	if r.RecurringPattern == "" {
		return errors.New("recurring_pattern is required")
	}
	return recurrence.Rule{Pattern: r.RecurringPattern, Interval: r.RecurringInterval}.Validate()
}

func (r RecurrenceRequest) model(anchor *time.Time) models.Recurrence {
	if !r.IsRecurring {
		return models.Recurrence{}
	}
	return models.Recurrence{
		IsRecurring:       true,
		RecurringPattern:  r.RecurringPattern,
		RecurringInterval: r.RecurringInterval,
		RecurringEndDate:  r.RecurringEndDate,
		RecurringAnchor:   anchor,
	}
}

// CampaignRequest is the request body for creating or replacing a campaign
type CampaignRequest struct {
	OwnerID      string          `json:"owner_id"`
	Name         string          `json:"name" validate:"required,max=200"`
	Channel      models.Channel  `json:"channel" validate:"required,channel"`
	Subject      string          `json:"subject" validate:"max=500"`
	Content      string          `json:"content" validate:"required"`
	AssistantRef string          `json:"assistant_ref"`
	Media        []string        `json:"media" validate:"max=10,dive,url"`
	Audience     AudienceRequest `json:"audience"`
	ScheduledAt  *time.Time      `json:"scheduled_at,omitempty"`
	RecurrenceRequest
}

// apply copies the request onto c and reports whether the schedule of a
// recurring template was set. A new template starts at scheduled_at, or now
// when none is given. An existing one is only rescheduled by a changed future
// scheduled_at, or revived from a lapse by a changed future end date. A first
// run past the end date leaves the template lapsed.
func (req *CampaignRequest) apply(c *models.Campaign, now time.Time) bool {
	isNew := c.CreatedAt.IsZero()
	prevScheduled, prevEnd := c.ScheduledAt, c.RecurringEndDate

	c.OwnerID = req.OwnerID
	c.Name = req.Name
	c.Channel = req.Channel
	c.Subject = req.Subject
	c.Content = req.Content
	c.AssistantRef = req.AssistantRef
	c.Media = req.Media
	c.Audience = models.Audience{Kind: req.Audience.Kind, Filter: req.Audience.Filter}
	c.ScheduledAt = req.ScheduledAt

	if !req.IsRecurring {
		c.Recurrence = models.Recurrence{}
		c.NextRunAt = nil
		return false
	}

	var first time.Time
	switch {
	case isNew:
		first = now
		if req.ScheduledAt != nil {
			first = *req.ScheduledAt
		}
	case changedToFuture(req.ScheduledAt, prevScheduled, now):
		first = *req.ScheduledAt
	case c.NextRunAt == nil && changedToFuture(req.RecurringEndDate, prevEnd, now):
		first = now
	default:
		c.Recurrence = req.RecurrenceRequest.model(c.RecurringAnchor)
		return false
	}

	c.Recurrence = req.RecurrenceRequest.model(&first)
	c.NextRunAt = &first
	if recurrence.FromModel(c.Recurrence).Lapsed(first) {
		c.NextRunAt = nil
	}
	return true
}

func changedToFuture(t, prev *time.Time, now time.Time) bool {
	if t == nil || !t.After(now) {
		return false
	}
	return prev == nil || !t.Equal(*prev)
}

// handleListCampaigns handles GET /api/v1/campaigns
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	campaigns, err := s.deps.Store.ListCampaigns(r.Context(), models.CampaignFilter{
		Status:   models.CampaignStatus(r.URL.Query().Get("status")),
		ParentID: r.URL.Query().Get("parent_id"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		s.storeError(w, err, "Failed to list campaigns")
		return
	}
	if campaigns == nil {
		campaigns = []*models.Campaign{}
	}
	s.sendJSON(w, http.StatusOK, campaigns)
}

// handleCreateCampaign handles POST /api/v1/campaigns
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req CampaignRequest
	if err := decode(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.check(); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	c := &models.Campaign{}
	req.apply(c, time.Now())
	if err := s.deps.Store.CreateCampaign(r.Context(), c); err != nil {
		s.storeError(w, err, "Failed to create campaign")
		return
	}

	s.logger.Info("campaign created", "id", c.ID, "channel", c.Channel, "recurring", c.IsRecurring)
	s.sendJSON(w, http.StatusCreated, c)
}

// handleTriggerCampaign handles POST /api/v1/campaigns/trigger.
// The campaign is created and run immediately; the response carries its ID
// and the run continues in the background.
func (s *Server) handleTriggerCampaign(w http.ResponseWriter, r *http.Request) {
	var req CampaignRequest
	if err := decode(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.IsRecurring {
		s.sendError(w, http.StatusBadRequest, "recurring templates cannot be triggered")
		return
	}

	c := &models.Campaign{ID: uuid.New().String()}
	req.apply(c, time.Now())

	s.goRun(func(ctx context.Context) {
		done, err := s.deps.Runner.Trigger(ctx, c)
		if err != nil {
			s.logger.Error("triggered campaign failed", "id", c.ID, "error", err)
			return
		}
		s.logger.Info("triggered campaign finished", "id", done.ID, "status", done.Status)
	})

	s.sendJSON(w, http.StatusAccepted, map[string]string{
		"id":     c.ID,
		"status": string(models.CampaignSending),
	})
}

// handleGetCampaign handles GET /api/v1/campaigns/{id}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Store.GetCampaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, err, "Failed to get campaign")
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleUpdateCampaign handles PUT /api/v1/campaigns/{id}
func (s *Server) handleUpdateCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req CampaignRequest
	if err := decode(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.check(); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	c, err := s.deps.Store.GetCampaign(r.Context(), id)
	if err != nil {
		s.storeError(w, err, "Failed to get campaign")
		return
	}
	if c.Status == models.CampaignSending {
		s.sendError(w, http.StatusConflict, "Campaign is sending")
		return
	}
	if c.IsRecurring != req.IsRecurring {
		s.sendError(w, http.StatusBadRequest, "is_recurring cannot be changed")
		return
	}

	expected := c.NextRunAt
	if req.apply(c, time.Now()) {
		err = s.deps.Store.RescheduleCampaign(r.Context(), c, expected)
	} else {
		err = s.deps.Store.UpdateCampaign(r.Context(), c)
	}
	if err != nil {
		s.storeError(w, err, "Failed to update campaign")
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleDeleteCampaign handles DELETE /api/v1/campaigns/{id}
func (s *Server) handleDeleteCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := s.deps.Store.GetCampaign(r.Context(), id)
	if err != nil {
		s.storeError(w, err, "Failed to get campaign")
		return
	}
	if c.Status == models.CampaignSending {
		s.sendError(w, http.StatusConflict, "Campaign is sending")
		return
	}
	if err := s.deps.Store.DeleteCampaign(r.Context(), id); err != nil {
		s.storeError(w, err, "Failed to delete campaign")
		return
	}

	s.logger.Info("campaign deleted", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleCampaignLedger handles GET /api/v1/campaigns/{id}/ledger
func (s *Server) handleCampaignLedger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Store.GetCampaign(r.Context(), id); err != nil {
		s.storeError(w, err, "Failed to get campaign")
		return
	}
	entries, err := s.deps.Store.ListLedger(r.Context(), id)
	if err != nil {
		s.storeError(w, err, "Failed to list ledger")
		return
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	s.sendJSON(w, http.StatusOK, entries)
}

// handleCampaignChildren handles GET /api/v1/campaigns/{id}/children
func (s *Server) handleCampaignChildren(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	children, err := s.deps.Store.ListCampaigns(r.Context(), models.CampaignFilter{ParentID: id})
	if err != nil {
		s.storeError(w, err, "Failed to list campaigns")
		return
	}
	if children == nil {
		children = []*models.Campaign{}
	}
	s.sendJSON(w, http.StatusOK, children)
}

// handleSetTemplateStatus handles POST /api/v1/campaigns/{id}/activate and /deactivate
func (s *Server) handleSetTemplateStatus(status models.CampaignStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		c, err := s.deps.Store.GetCampaign(r.Context(), id)
		if err != nil {
			s.storeError(w, err, "Failed to get campaign")
			return
		}
		if !c.IsRecurring {
			s.sendError(w, http.StatusBadRequest, "Campaign is not a recurring template")
			return
		}
		if err := s.deps.Store.SetTemplateStatus(r.Context(), id, status); err != nil {
			s.storeError(w, err, "Failed to update template")
			return
		}

		s.logger.Info("template status changed", "id", id, "status", status)
		s.sendJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(status)})
	}
}
