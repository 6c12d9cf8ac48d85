package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/courier/internal/models"
	"github.com/foxzi/courier/internal/store"
)

// AutomationRequest is the request body for creating or replacing a lead automation
type AutomationRequest struct {
	OwnerID string        `json:"owner_id"`
	LeadID  string        `json:"lead_id" validate:"required"`
	Action  models.Action `json:"action"`
	DueAt   time.Time     `json:"due_at"`
	RecurrenceRequest
}

func (req *AutomationRequest) check() error {
	if req.DueAt.IsZero() {
		return errors.New("due_at is required")
	}
	if err := req.Action.Validate(); err != nil {
		return err
	}
	return req.RecurrenceRequest.check()
}

// apply copies the request onto a and schedules it at DueAt
func (req *AutomationRequest) apply(a *models.LeadAutomation) {
	a.OwnerID = req.OwnerID
	a.LeadID = req.LeadID
	a.Action = req.Action
	a.DueAt = req.DueAt
	a.Status = models.AutomationScheduled
	a.Recurrence = req.RecurrenceRequest.model(nil)
	a.NextRunAt = nil
	if req.IsRecurring {
		due := req.DueAt
		a.NextRunAt = &due
	}
}

// handleListAutomations handles GET /api/v1/automations
func (s *Server) handleListAutomations(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	list, err := s.deps.Store.ListAutomations(r.Context(), store.AutomationFilter{
		Status: models.AutomationStatus(r.URL.Query().Get("status")),
		LeadID: r.URL.Query().Get("lead_id"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.storeError(w, err, "Failed to list automations")
		return
	}
	if list == nil {
		list = []*models.LeadAutomation{}
	}
	s.sendJSON(w, http.StatusOK, list)
}

// handleCreateAutomation handles POST /api/v1/automations
func (s *Server) handleCreateAutomation(w http.ResponseWriter, r *http.Request) {
	var req AutomationRequest
	if err := decode(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.check(); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	a := &models.LeadAutomation{}
	req.apply(a)
	if err := s.deps.Store.CreateAutomation(r.Context(), a); err != nil {
		s.storeError(w, err, "Failed to create automation")
		return
	}

	s.logger.Info("automation created", "id", a.ID, "lead_id", a.LeadID, "action", a.Action.Type)
	s.sendJSON(w, http.StatusCreated, a)
}

// handleGetAutomation handles GET /api/v1/automations/{id}
func (s *Server) handleGetAutomation(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Store.GetAutomation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, err, "Failed to get automation")
		return
	}
	s.sendJSON(w, http.StatusOK, a)
}

// handleUpdateAutomation handles PUT /api/v1/automations/{id}.
// The automation is rescheduled at the new due time.
func (s *Server) handleUpdateAutomation(w http.ResponseWriter, r *http.Request) {
	var req AutomationRequest
	if err := decode(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.check(); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	a, err := s.deps.Store.GetAutomation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, err, "Failed to get automation")
		return
	}
	if a.Status == models.AutomationProcessing {
		s.sendError(w, http.StatusConflict, "Automation is processing")
		return
	}

	req.apply(a)
	a.LastError = ""
	if err := s.deps.Store.UpdateAutomation(r.Context(), a); err != nil {
		s.storeError(w, err, "Failed to update automation")
		return
	}
	s.sendJSON(w, http.StatusOK, a)
}

// handleDeleteAutomation handles DELETE /api/v1/automations/{id}
func (s *Server) handleDeleteAutomation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.DeleteAutomation(r.Context(), id); err != nil {
		s.storeError(w, err, "Failed to delete automation")
		return
	}
	s.logger.Info("automation deleted", "id", id)
	w.WriteHeader(http.StatusNoContent)
}
