package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/foxzi/courier/internal/models"
	bolt "go.etcd.io/bbolt"
)

// AutomationFilter represents filter options for listing lead automations
type AutomationFilter struct {
	Status models.AutomationStatus
	LeadID string
	Limit  int
	Offset int
}

// CreateAutomation stores a new lead automation
func (s *BoltStorage) CreateAutomation(ctx context.Context, a *models.LeadAutomation) error {
	if err := a.Action.Validate(); err != nil {
		return err
	}
	if a.ID == "" {
		a.ID = newID()
	}
	now := time.Now()
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.Status == "" {
		a.Status = models.AutomationScheduled
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketAutomations).Get([]byte(a.ID)) != nil {
			return fmt.Errorf("automation %s already exists", a.ID)
		}
		return put(tx, bucketAutomations, a.ID, a)
	})
}

// GetAutomation retrieves a lead automation by ID
func (s *BoltStorage) GetAutomation(ctx context.Context, id string) (*models.LeadAutomation, error) {
	var a *models.LeadAutomation
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		a, err = get[models.LeadAutomation](tx, bucketAutomations, id)
		return err
	})
	return a, err
}

// UpdateAutomation replaces the definition of an automation that is not processing
func (s *BoltStorage) UpdateAutomation(ctx context.Context, a *models.LeadAutomation) error {
	if err := a.Action.Validate(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		updated, err := mutate(tx, bucketAutomations, a.ID, func(cur *models.LeadAutomation) error {
			if cur.Status == models.AutomationProcessing {
				return fmt.Errorf("automation %s is processing", cur.ID)
			}
			next := *a
			next.CreatedAt = cur.CreatedAt
			next.ClaimedAt = nil
			next.UpdatedAt = time.Now()
			*cur = next
			return nil
		})
		if err != nil {
			return err
		}
		*a = *updated
		return nil
	})
}

// DeleteAutomation removes a lead automation
func (s *BoltStorage) DeleteAutomation(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAutomations)
		if b.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(id))
	})
}

// ListAutomations returns automations ordered by due time
func (s *BoltStorage) ListAutomations(ctx context.Context, filter AutomationFilter) ([]*models.LeadAutomation, error) {
	var all []*models.LeadAutomation
	err := s.db.View(func(tx *bolt.Tx) error {
		scan(tx, bucketAutomations, func(a *models.LeadAutomation) bool {
			if filter.Status != "" && a.Status != filter.Status {
				return true
			}
			if filter.LeadID != "" && a.LeadID != filter.LeadID {
				return true
			}
			all = append(all, a)
			return true
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].DueAt.Before(all[j].DueAt) })
	return paginate(all, filter.Offset, filter.Limit), nil
}

// DueAutomations returns scheduled automations due at now
func (s *BoltStorage) DueAutomations(ctx context.Context, now time.Time) ([]*models.LeadAutomation, error) {
	var out []*models.LeadAutomation
	err := s.db.View(func(tx *bolt.Tx) error {
		scan(tx, bucketAutomations, func(a *models.LeadAutomation) bool {
			if a.Status == models.AutomationScheduled && !a.DueAt.After(now) {
				out = append(out, a)
			}
			return true
		})
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out, err
}

// ClaimAutomation moves a scheduled automation to processing if its due time
// still matches the one read at query time.
func (s *BoltStorage) ClaimAutomation(ctx context.Context, id string, seenDue time.Time, now time.Time) (*models.LeadAutomation, error) {
	var claimed *models.LeadAutomation
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		claimed, err = mutate(tx, bucketAutomations, id, func(a *models.LeadAutomation) error {
			if a.Status != models.AutomationScheduled || !a.DueAt.Equal(seenDue) {
				return ErrClaimConflict
			}
			a.Status = models.AutomationProcessing
			a.ClaimedAt = timePtr(now)
			a.UpdatedAt = now
			return nil
		})
		return err
	})
	return claimed, err
}

// FinishAutomation stores the outcome of a claimed automation. It fails with
// ErrClaimConflict if the automation is no longer processing.
func (s *BoltStorage) FinishAutomation(ctx context.Context, id string, fn func(*models.LeadAutomation)) (*models.LeadAutomation, error) {
	var done *models.LeadAutomation
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		done, err = mutate(tx, bucketAutomations, id, func(a *models.LeadAutomation) error {
			if a.Status != models.AutomationProcessing {
				return ErrClaimConflict
			}
			fn(a)
			a.ClaimedAt = nil
			a.UpdatedAt = time.Now()
			return nil
		})
		return err
	})
	return done, err
}
