package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/courier/internal/models"
	"github.com/foxzi/courier/internal/series"
	"github.com/foxzi/courier/internal/store"
)

var errEnrollmentClosed = errors.New("enrollment is not active")

// StepRequest is one step of a series
type StepRequest struct {
	StepOrder  int            `json:"step_order" validate:"min=0"`
	Channel    models.Channel `json:"channel" validate:"required,channel"`
	Subject    string         `json:"subject" validate:"max=500"`
	Content    string         `json:"content" validate:"required"`
	Media      []string       `json:"media" validate:"max=10,dive,url"`
	DelayDays  int            `json:"delay_days" validate:"min=0,max=3650"`
	DelayHours int            `json:"delay_hours" validate:"min=0"`
}

func (req StepRequest) model() models.SeriesStep {
	return models.SeriesStep{
		StepOrder:  req.StepOrder,
		Channel:    req.Channel,
		Subject:    req.Subject,
		Content:    req.Content,
		Media:      req.Media,
		DelayDays:  req.DelayDays,
		DelayHours: req.DelayHours,
	}
}

// SeriesRequest is the request body for creating or replacing a series
type SeriesRequest struct {
	OwnerID string        `json:"owner_id"`
	Name    string        `json:"name" validate:"required,max=200"`
	Active  bool          `json:"active"`
	Steps   []StepRequest `json:"steps" validate:"dive"`
}

func (req *SeriesRequest) model(sr *models.Series) error {
	seen := make(map[int]bool, len(req.Steps))
	sr.OwnerID = req.OwnerID
	sr.Name = req.Name
	sr.Active = req.Active
	sr.Steps = make([]models.SeriesStep, 0, len(req.Steps))
	for _, st := range req.Steps {
		if seen[st.StepOrder] {
			return fmt.Errorf("duplicate step_order %d", st.StepOrder)
		}
		seen[st.StepOrder] = true
		sr.Steps = append(sr.Steps, st.model())
	}
	return nil
}

// EnrollRequest names the recipient to enroll
type EnrollRequest struct {
	Type    models.RecipientType `json:"type" validate:"required,oneof=lead client address"`
	ID      string               `json:"id" validate:"required_unless=Type address"`
	Address string               `json:"address" validate:"required_if=Type address"`
}

// handleListSeries handles GET /api/v1/series
func (s *Server) handleListSeries(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Store.ListSeries(r.Context())
	if err != nil {
		s.storeError(w, err, "Failed to list series")
		return
	}
	if list == nil {
		list = []*models.Series{}
	}
	s.sendJSON(w, http.StatusOK, list)
}

// handleCreateSeries handles POST /api/v1/series
func (s *Server) handleCreateSeries(w http.ResponseWriter, r *http.Request) {
	var req SeriesRequest
	if err := decode(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	sr := &models.Series{}
	if err := req.model(sr); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Store.CreateSeries(r.Context(), sr); err != nil {
		s.storeError(w, err, "Failed to create series")
		return
	}

	s.logger.Info("series created", "id", sr.ID, "steps", len(sr.Steps))
	s.sendJSON(w, http.StatusCreated, sr)
}

// handleGetSeries handles GET /api/v1/series/{id}
func (s *Server) handleGetSeries(w http.ResponseWriter, r *http.Request) {
	sr, err := s.deps.Store.GetSeries(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, err, "Failed to get series")
		return
	}
	s.sendJSON(w, http.StatusOK, sr)
}

// handleUpdateSeries handles PUT /api/v1/series/{id}
func (s *Server) handleUpdateSeries(w http.ResponseWriter, r *http.Request) {
	var req SeriesRequest
	if err := decode(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	sr := &models.Series{ID: chi.URLParam(r, "id")}
	if err := req.model(sr); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Store.UpdateSeries(r.Context(), sr); err != nil {
		s.storeError(w, err, "Failed to update series")
		return
	}
	s.sendJSON(w, http.StatusOK, sr)
}

// handleDeleteSeries handles DELETE /api/v1/series/{id}.
// Active enrollments are cancelled when their next step comes due.
func (s *Server) handleDeleteSeries(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.DeleteSeries(r.Context(), id); err != nil {
		s.storeError(w, err, "Failed to delete series")
		return
	}
	s.logger.Info("series deleted", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

func stepOrder(r *http.Request) (int, error) {
	order, err := strconv.Atoi(chi.URLParam(r, "order"))
	if err != nil || order < 0 {
		return 0, fmt.Errorf("invalid step order: %s", chi.URLParam(r, "order"))
	}
	return order, nil
}

// handleUpsertStep handles PUT /api/v1/series/{id}/steps/{order}
func (s *Server) handleUpsertStep(w http.ResponseWriter, r *http.Request) {
	order, err := stepOrder(r)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req StepRequest
	if err := decode(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.StepOrder = order

	sr, err := s.deps.Store.UpsertStep(r.Context(), chi.URLParam(r, "id"), req.model())
	if err != nil {
		s.storeError(w, err, "Failed to save step")
		return
	}
	s.sendJSON(w, http.StatusOK, sr)
}

// handleDeleteStep handles DELETE /api/v1/series/{id}/steps/{order}
func (s *Server) handleDeleteStep(w http.ResponseWriter, r *http.Request) {
	order, err := stepOrder(r)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	sr, err := s.deps.Store.DeleteStep(r.Context(), chi.URLParam(r, "id"), order)
	if err != nil {
		s.storeError(w, err, "Failed to delete step")
		return
	}
	s.sendJSON(w, http.StatusOK, sr)
}

// handleListEnrollments handles GET /api/v1/series/{id}/enrollments
func (s *Server) handleListEnrollments(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	list, err := s.deps.Store.ListEnrollments(r.Context(), store.EnrollmentFilter{
		SeriesID: chi.URLParam(r, "id"),
		Status:   models.EnrollmentStatus(r.URL.Query().Get("status")),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		s.storeError(w, err, "Failed to list enrollments")
		return
	}
	if list == nil {
		list = []*models.SeriesEnrollment{}
	}
	s.sendJSON(w, http.StatusOK, list)
}

// handleEnroll handles POST /api/v1/series/{id}/enrollments
func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req EnrollRequest
	if err := decode(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	ref := models.RecipientRef{Type: req.Type, ID: req.ID, Address: req.Address}
	if req.Type == models.RecipientAddress {
		ref.ID = ""
	}

	en, err := s.deps.Enroller.Enroll(r.Context(), chi.URLParam(r, "id"), ref)
	switch {
	case errors.Is(err, series.ErrSeriesInactive), errors.Is(err, series.ErrNoSteps):
		s.sendError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.storeError(w, err, "Failed to enroll recipient")
		return
	}
	s.sendJSON(w, http.StatusCreated, en)
}

// handleGetEnrollment handles GET /api/v1/enrollments/{id}
func (s *Server) handleGetEnrollment(w http.ResponseWriter, r *http.Request) {
	en, err := s.deps.Store.GetEnrollment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, err, "Failed to get enrollment")
		return
	}
	s.sendJSON(w, http.StatusOK, en)
}

// handleDeleteEnrollment handles DELETE /api/v1/enrollments/{id}.
// Active enrollments must be cancelled first.
func (s *Server) handleDeleteEnrollment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	en, err := s.deps.Store.GetEnrollment(r.Context(), id)
	if err != nil {
		s.storeError(w, err, "Failed to get enrollment")
		return
	}
	if en.Status == models.EnrollmentActive {
		s.sendError(w, http.StatusConflict, "Enrollment is active")
		return
	}
	if err := s.deps.Store.DeleteEnrollment(r.Context(), id); err != nil {
		s.storeError(w, err, "Failed to delete enrollment")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCancelEnrollment handles POST /api/v1/enrollments/{id}/cancel
func (s *Server) handleCancelEnrollment(w http.ResponseWriter, r *http.Request) {
	en, err := s.cancelEnrollment(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, errEnrollmentClosed) {
		s.sendError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.storeError(w, err, "Failed to cancel enrollment")
		return
	}
	s.sendJSON(w, http.StatusOK, en)
}

// cancelEnrollment stops an active enrollment. A step being sent right now
// holds a claim and cannot be cancelled until it finishes.
func (s *Server) cancelEnrollment(ctx context.Context, id string) (*models.SeriesEnrollment, error) {
	en, err := s.deps.Store.UpdateEnrollment(ctx, id, func(cur *models.SeriesEnrollment) error {
		if cur.Status != models.EnrollmentActive {
			return errEnrollmentClosed
		}
		if cur.ClaimedAt != nil {
			return store.ErrClaimConflict
		}
		cur.Status = models.EnrollmentCancelled
		cur.NextStepAt = nil
		cur.LastError = "cancelled"
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("enrollment cancelled", "id", id)
	return en, nil
}
