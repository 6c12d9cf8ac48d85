package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/foxzi/courier/internal/models"
	bolt "go.etcd.io/bbolt"
)

// EnrollmentFilter represents filter options for listing enrollments
type EnrollmentFilter struct {
	SeriesID string
	Status   models.EnrollmentStatus
	Limit    int
	Offset   int
}

// CreateSeries stores a new series
func (s *BoltStorage) CreateSeries(ctx context.Context, sr *models.Series) error {
	if sr.ID == "" {
		sr.ID = newID()
	}
	now := time.Now()
	sr.CreatedAt = now
	sr.UpdatedAt = now
	sortSteps(sr.Steps)

	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketSeries).Get([]byte(sr.ID)) != nil {
			return fmt.Errorf("series %s already exists", sr.ID)
		}
		return put(tx, bucketSeries, sr.ID, sr)
	})
}

// GetSeries retrieves a series by ID
func (s *BoltStorage) GetSeries(ctx context.Context, id string) (*models.Series, error) {
	var sr *models.Series
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		sr, err = get[models.Series](tx, bucketSeries, id)
		return err
	})
	return sr, err
}

// UpdateSeries replaces name, active flag and steps of a series
func (s *BoltStorage) UpdateSeries(ctx context.Context, sr *models.Series) error {
	sortSteps(sr.Steps)
	return s.db.Update(func(tx *bolt.Tx) error {
		updated, err := mutate(tx, bucketSeries, sr.ID, func(cur *models.Series) error {
			cur.Name = sr.Name
			cur.Active = sr.Active
			cur.Steps = sr.Steps
			if sr.OwnerID != "" {
				cur.OwnerID = sr.OwnerID
			}
			cur.UpdatedAt = time.Now()
			return nil
		})
		if err != nil {
			return err
		}
		*sr = *updated
		return nil
	})
}

// UpsertStep adds a step or replaces the step with the same order
func (s *BoltStorage) UpsertStep(ctx context.Context, seriesID string, step models.SeriesStep) (*models.Series, error) {
	var sr *models.Series
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		sr, err = mutate(tx, bucketSeries, seriesID, func(cur *models.Series) error {
			replaced := false
			for i := range cur.Steps {
				if cur.Steps[i].StepOrder == step.StepOrder {
					cur.Steps[i] = step
					replaced = true
				}
			}
			if !replaced {
				cur.Steps = append(cur.Steps, step)
			}
			sortSteps(cur.Steps)
			cur.UpdatedAt = time.Now()
			return nil
		})
		return err
	})
	return sr, err
}

// DeleteStep removes the step with the given order
func (s *BoltStorage) DeleteStep(ctx context.Context, seriesID string, order int) (*models.Series, error) {
	var sr *models.Series
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		sr, err = mutate(tx, bucketSeries, seriesID, func(cur *models.Series) error {
			steps := cur.Steps[:0]
			for _, st := range cur.Steps {
				if st.StepOrder != order {
					steps = append(steps, st)
				}
			}
			if len(steps) == len(cur.Steps) {
				return ErrNotFound
			}
			cur.Steps = steps
			cur.UpdatedAt = time.Now()
			return nil
		})
		return err
	})
	return sr, err
}

// DeleteSeries removes a series. Its enrollments are cancelled on their next step.
func (s *BoltStorage) DeleteSeries(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSeries)
		if b.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(id))
	})
}

// ListSeries returns all series ordered by name
func (s *BoltStorage) ListSeries(ctx context.Context) ([]*models.Series, error) {
	var all []*models.Series
	err := s.db.View(func(tx *bolt.Tx) error {
		scan(tx, bucketSeries, func(sr *models.Series) bool {
			all = append(all, sr)
			return true
		})
		return nil
	})
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all, err
}

func sortSteps(steps []models.SeriesStep) {
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].StepOrder < steps[j].StepOrder })
}

// CreateEnrollment stores a new enrollment
func (s *BoltStorage) CreateEnrollment(ctx context.Context, e *models.SeriesEnrollment) error {
	if e.ID == "" {
		e.ID = newID()
	}
	if e.EnrolledAt.IsZero() {
		e.EnrolledAt = time.Now()
	}
	e.UpdatedAt = e.EnrolledAt
	if e.Status == "" {
		e.Status = models.EnrollmentActive
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketEnrollments).Get([]byte(e.ID)) != nil {
			return fmt.Errorf("enrollment %s already exists", e.ID)
		}
		return put(tx, bucketEnrollments, e.ID, e)
	})
}

// GetEnrollment retrieves an enrollment by ID
func (s *BoltStorage) GetEnrollment(ctx context.Context, id string) (*models.SeriesEnrollment, error) {
	var e *models.SeriesEnrollment
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		e, err = get[models.SeriesEnrollment](tx, bucketEnrollments, id)
		return err
	})
	return e, err
}

// UpdateEnrollment applies fn to an enrollment in one transaction
func (s *BoltStorage) UpdateEnrollment(ctx context.Context, id string, fn func(*models.SeriesEnrollment) error) (*models.SeriesEnrollment, error) {
	var e *models.SeriesEnrollment
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		e, err = mutate(tx, bucketEnrollments, id, func(cur *models.SeriesEnrollment) error {
			if err := fn(cur); err != nil {
				return err
			}
			cur.UpdatedAt = time.Now()
			return nil
		})
		return err
	})
	return e, err
}

// DeleteEnrollment removes an enrollment
func (s *BoltStorage) DeleteEnrollment(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEnrollments)
		if b.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(id))
	})
}

// ListEnrollments returns enrollments ordered by enrollment time
func (s *BoltStorage) ListEnrollments(ctx context.Context, filter EnrollmentFilter) ([]*models.SeriesEnrollment, error) {
	var all []*models.SeriesEnrollment
	err := s.db.View(func(tx *bolt.Tx) error {
		scan(tx, bucketEnrollments, func(e *models.SeriesEnrollment) bool {
			if filter.SeriesID != "" && e.SeriesID != filter.SeriesID {
				return true
			}
			if filter.Status != "" && e.Status != filter.Status {
				return true
			}
			all = append(all, e)
			return true
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].EnrolledAt.Before(all[j].EnrolledAt) })
	return paginate(all, filter.Offset, filter.Limit), nil
}

// DueEnrollments returns active, unclaimed enrollments whose next step is due at now
func (s *BoltStorage) DueEnrollments(ctx context.Context, now time.Time) ([]*models.SeriesEnrollment, error) {
	var out []*models.SeriesEnrollment
	err := s.db.View(func(tx *bolt.Tx) error {
		scan(tx, bucketEnrollments, func(e *models.SeriesEnrollment) bool {
			if e.Status == models.EnrollmentActive && e.ClaimedAt == nil && e.NextStepAt != nil && !e.NextStepAt.After(now) {
				out = append(out, e)
			}
			return true
		})
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].NextStepAt.Before(*out[j].NextStepAt) })
	return out, err
}

// ClaimEnrollment marks an enrollment as claimed if it is still active,
// unclaimed and at the step read at query time.
func (s *BoltStorage) ClaimEnrollment(ctx context.Context, id string, seenStep int, now time.Time) (*models.SeriesEnrollment, error) {
	return s.UpdateEnrollment(ctx, id, func(e *models.SeriesEnrollment) error {
		if e.Status != models.EnrollmentActive || e.ClaimedAt != nil || e.CurrentStep != seenStep {
			return ErrClaimConflict
		}
		e.ClaimedAt = timePtr(now)
		return nil
	})
}
