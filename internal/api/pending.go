package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/foxzi/courier/internal/models"
	"github.com/foxzi/courier/internal/pending"
)

// PendingRequest stages an action for the calling actor
type PendingRequest struct {
	Kind     pending.Kind `json:"kind" validate:"required,oneof=trigger_campaign deactivate_template cancel_enrollment"`
	TargetID string       `json:"target_id" validate:"required"`
}

// PendingResult is the response for a confirmed action
type PendingResult struct {
	Action *pending.Action `json:"action"`
	Result string          `json:"result"`
}

// handleStagePending handles POST /api/v1/pending
func (s *Server) handleStagePending(w http.ResponseWriter, r *http.Request) {
	var req PendingRequest
	if err := decode(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.precheck(r.Context(), req.Kind, req.TargetID); err != nil {
		s.sendPendingError(w, err)
		return
	}

	a := &pending.Action{ActorID: actorID(r), Kind: req.Kind, TargetID: req.TargetID}
	if err := s.deps.Pending.Put(r.Context(), a); err != nil {
		s.storeError(w, err, "Failed to stage action")
		return
	}

	s.logger.Info("action staged", "actor", a.ActorID, "kind", a.Kind, "target", a.TargetID, "expires_at", a.ExpiresAt)
	s.sendJSON(w, http.StatusAccepted, a)
}

// handleConfirmPending handles POST /api/v1/pending/confirm
func (s *Server) handleConfirmPending(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Pending.Take(r.Context(), actorID(r))
	if errors.Is(err, pending.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, "No pending action")
		return
	}
	if err != nil {
		s.storeError(w, err, "Failed to load pending action")
		return
	}

	result, err := s.execute(r.Context(), a)
	if err != nil {
		s.sendPendingError(w, err)
		return
	}

	s.logger.Info("action confirmed", "actor", a.ActorID, "kind", a.Kind, "target", a.TargetID)
	s.sendJSON(w, http.StatusOK, PendingResult{Action: a, Result: result})
}

// handleDiscardPending handles DELETE /api/v1/pending
func (s *Server) handleDiscardPending(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Pending.Discard(r.Context(), actorID(r))
	if errors.Is(err, pending.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, "No pending action")
		return
	}
	if err != nil {
		s.storeError(w, err, "Failed to discard pending action")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type conflictError struct{ msg string }

func (e conflictError) Error() string { return e.msg }

func (s *Server) sendPendingError(w http.ResponseWriter, err error) {
	var ce conflictError
	if errors.As(err, &ce) {
		s.sendError(w, http.StatusConflict, ce.msg)
		return
	}
	if errors.Is(err, errEnrollmentClosed) {
		s.sendError(w, http.StatusConflict, err.Error())
		return
	}
	s.storeError(w, err, "Failed to execute action")
}

// precheck rejects actions whose target cannot accept them
func (s *Server) precheck(ctx context.Context, kind pending.Kind, id string) error {
	switch kind {
	case pending.KindTriggerCampaign:
		c, err := s.deps.Store.GetCampaign(ctx, id)
		if err != nil {
			return err
		}
		if c.IsRecurring || c.Status != models.CampaignPending {
			return conflictError{fmt.Sprintf("campaign %s cannot be triggered while %s", id, c.Status)}
		}
	case pending.KindDeactivateTemplate:
		c, err := s.deps.Store.GetCampaign(ctx, id)
		if err != nil {
			return err
		}
		if !c.IsRecurring {
			return conflictError{fmt.Sprintf("campaign %s is not a recurring template", id)}
		}
	case pending.KindCancelEnrollment:
		en, err := s.deps.Store.GetEnrollment(ctx, id)
		if err != nil {
			return err
		}
		if en.Status != models.EnrollmentActive {
			return errEnrollmentClosed
		}
	}
	return nil
}

// execute performs a confirmed action
func (s *Server) execute(ctx context.Context, a *pending.Action) (string, error) {
	if err := s.precheck(ctx, a.Kind, a.TargetID); err != nil {
		return "", err
	}

	switch a.Kind {
	case pending.KindTriggerCampaign:
		// Claiming first keeps the pollers from starting the same campaign
		if _, err := s.deps.Store.ClaimCampaign(ctx, a.TargetID, time.Now()); err != nil {
			return "", err
		}
		id := a.TargetID
		s.goRun(func(ctx context.Context) {
			if err := s.deps.Runner.Process(ctx, id); err != nil {
				s.logger.Error("confirmed campaign run failed", "id", id, "error", err)
			}
		})
		return "campaign started", nil

	case pending.KindDeactivateTemplate:
		if err := s.deps.Store.SetTemplateStatus(ctx, a.TargetID, models.CampaignInactive); err != nil {
			return "", err
		}
		return "template deactivated", nil

	case pending.KindCancelEnrollment:
		if _, err := s.cancelEnrollment(ctx, a.TargetID); err != nil {
			return "", err
		}
		return "enrollment cancelled", nil
	}
	return "", fmt.Errorf("unknown pending action kind: %s", a.Kind)
}
