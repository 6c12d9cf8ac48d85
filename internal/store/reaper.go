package store

import (
	"context"
	"time"

	"github.com/foxzi/courier/internal/models"
	bolt "go.etcd.io/bbolt"
)

// ReleaseStats counts claims returned to their pre-claim state
type ReleaseStats struct {
	Campaigns   int `json:"campaigns"`
	Automations int `json:"automations"`
	Enrollments int `json:"enrollments"`
}

// Total returns the number of released claims
func (r ReleaseStats) Total() int {
	return r.Campaigns + r.Automations + r.Enrollments
}

// ReleaseStale returns items claimed before cutoff to their pre-claim state so a
// poller picks them up again after a crash. Released campaigns resume and skip
// recipients already present in the ledger.
func (s *BoltStorage) ReleaseStale(ctx context.Context, cutoff time.Time) (ReleaseStats, error) {
	var stats ReleaseStats
	now := time.Now()

	err := s.db.Update(func(tx *bolt.Tx) error {
		var campaigns []*models.Campaign
		scan(tx, bucketCampaigns, func(c *models.Campaign) bool {
			if c.Status == models.CampaignSending && c.ClaimedAt != nil && c.ClaimedAt.Before(cutoff) {
				campaigns = append(campaigns, c)
			}
			return true
		})
		for _, c := range campaigns {
			c.Status = models.CampaignPending
			c.ClaimedAt = nil
			c.UpdatedAt = now
			if err := put(tx, bucketCampaigns, c.ID, c); err != nil {
				return err
			}
			stats.Campaigns++
		}

		var automations []*models.LeadAutomation
		scan(tx, bucketAutomations, func(a *models.LeadAutomation) bool {
			if a.Status == models.AutomationProcessing && a.ClaimedAt != nil && a.ClaimedAt.Before(cutoff) {
				automations = append(automations, a)
			}
			return true
		})
		for _, a := range automations {
			a.Status = models.AutomationScheduled
			a.ClaimedAt = nil
			a.UpdatedAt = now
			if err := put(tx, bucketAutomations, a.ID, a); err != nil {
				return err
			}
			stats.Automations++
		}

		var enrollments []*models.SeriesEnrollment
		scan(tx, bucketEnrollments, func(e *models.SeriesEnrollment) bool {
			if e.ClaimedAt != nil && e.ClaimedAt.Before(cutoff) {
				enrollments = append(enrollments, e)
			}
			return true
		})
		for _, e := range enrollments {
			e.ClaimedAt = nil
			e.UpdatedAt = now
			if err := put(tx, bucketEnrollments, e.ID, e); err != nil {
				return err
			}
			stats.Enrollments++
		}
		return nil
	})

	return stats, err
}
