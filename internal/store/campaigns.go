package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/foxzi/courier/internal/models"
	bolt "go.etcd.io/bbolt"
)

// CreateCampaign stores a new campaign, assigning an ID when empty
func (s *BoltStorage) CreateCampaign(ctx context.Context, c *models.Campaign) error {
	if c.ID == "" {
		c.ID = newID()
	}
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = models.CampaignPending
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketCampaigns).Get([]byte(c.ID)) != nil {
			return fmt.Errorf("campaign %s already exists", c.ID)
		}
		return put(tx, bucketCampaigns, c.ID, c)
	})
}

// GetCampaign retrieves a campaign by ID
func (s *BoltStorage) GetCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	var c *models.Campaign
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		c, err = get[models.Campaign](tx, bucketCampaigns, id)
		return err
	})
	return c, err
}

// UpdateCampaign replaces the editable definition of a campaign.
// Status, counters, claim fields and the schedule of a recurring template are
// kept from the stored record. A kept next run past a new end date lapses the template.
func (s *BoltStorage) UpdateCampaign(ctx context.Context, c *models.Campaign) error {
	return s.updateCampaign(c, false, nil)
}

// RescheduleCampaign replaces the definition like UpdateCampaign and also takes
// the next run and anchor from c. It returns ErrClaimConflict when the stored
// next run is no longer expected, so an occurrence spawned since the caller
// read the template cannot be scheduled again.
func (s *BoltStorage) RescheduleCampaign(ctx context.Context, c *models.Campaign, expected *time.Time) error {
	return s.updateCampaign(c, true, expected)
}

func (s *BoltStorage) updateCampaign(c *models.Campaign, reschedule bool, expected *time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		updated, err := mutate(tx, bucketCampaigns, c.ID, func(cur *models.Campaign) error {
			if cur.Status == models.CampaignSending {
				return fmt.Errorf("campaign %s is sending", cur.ID)
			}
			if reschedule && !sameTime(cur.NextRunAt, expected) {
				return ErrClaimConflict
			}
			next := *c
			next.Status = cur.Status
			next.TotalRecipients = cur.TotalRecipients
			next.SuccessCount = cur.SuccessCount
			next.FailedCount = cur.FailedCount
			next.ParentCampaignID = cur.ParentCampaignID
			next.ClaimedAt = cur.ClaimedAt
			next.StartedAt = cur.StartedAt
			next.CompletedAt = cur.CompletedAt
			next.CreatedAt = cur.CreatedAt
			if !reschedule {
				next.NextRunAt = cur.NextRunAt
				next.RecurringAnchor = cur.RecurringAnchor
				if next.NextRunAt != nil && next.RecurringEndDate != nil && next.NextRunAt.After(*next.RecurringEndDate) {
					next.NextRunAt = nil
				}
			}
			next.UpdatedAt = time.Now()
			*cur = next
			return nil
		})
		if err != nil {
			return err
		}
		*c = *updated
		return nil
	})
}

// DeleteCampaign removes a campaign and its ledger. Children of a template are kept.
func (s *BoltStorage) DeleteCampaign(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCampaigns)
		if b.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		if err := deleteLedger(tx, id); err != nil {
			return err
		}
		return b.Delete([]byte(id))
	})
}

// ListCampaigns returns campaigns ordered by creation time, newest first
func (s *BoltStorage) ListCampaigns(ctx context.Context, filter models.CampaignFilter) ([]*models.Campaign, error) {
	var all []*models.Campaign
	err := s.db.View(func(tx *bolt.Tx) error {
		scan(tx, bucketCampaigns, func(c *models.Campaign) bool {
			if filter.Status != "" && c.Status != filter.Status {
				return true
			}
			if filter.ParentID != "" && c.ParentCampaignID != filter.ParentID {
				return true
			}
			all = append(all, c)
			return true
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return paginate(all, filter.Offset, filter.Limit), nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// DueCampaigns returns pending one-shot campaigns due at now, oldest first.
// broadcast selects chat-broadcast campaigns or everything else.
func (s *BoltStorage) DueCampaigns(ctx context.Context, now time.Time, broadcast bool) ([]*models.Campaign, error) {
	var out []*models.Campaign
	err := s.db.View(func(tx *bolt.Tx) error {
		scan(tx, bucketCampaigns, func(c *models.Campaign) bool {
			if c.IsRecurring || c.Status != models.CampaignPending || c.IsBroadcast() != broadcast {
				return true
			}
			if due(c.ScheduledAt, now) {
				out = append(out, c)
			}
			return true
		})
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

// DueTemplates returns active recurring templates whose next run is at or before now
func (s *BoltStorage) DueTemplates(ctx context.Context, now time.Time) ([]*models.Campaign, error) {
	var out []*models.Campaign
	err := s.db.View(func(tx *bolt.Tx) error {
		scan(tx, bucketCampaigns, func(c *models.Campaign) bool {
			if c.IsRecurring && c.Status == models.CampaignPending && c.NextRunAt != nil && !c.NextRunAt.After(now) {
				out = append(out, c)
			}
			return true
		})
		return nil
	})
	return out, err
}

// ClaimCampaign moves a pending one-shot campaign to sending.
// It returns ErrClaimConflict when the campaign is no longer pending.
func (s *BoltStorage) ClaimCampaign(ctx context.Context, id string, now time.Time) (*models.Campaign, error) {
	var claimed *models.Campaign
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		claimed, err = mutate(tx, bucketCampaigns, id, func(c *models.Campaign) error {
			if c.IsRecurring || c.Status != models.CampaignPending {
				return ErrClaimConflict
			}
			c.Status = models.CampaignSending
			c.ClaimedAt = timePtr(now)
			if c.StartedAt == nil {
				c.StartedAt = timePtr(now)
			}
			c.UpdatedAt = now
			return nil
		})
		return err
	})
	return claimed, err
}

// SpawnOccurrence advances a recurring template from expected to next and stores
// child already claimed, all in one transaction. A nil next lapses the template.
// It returns ErrClaimConflict if the template's next run is no longer expected.
func (s *BoltStorage) SpawnOccurrence(ctx context.Context, templateID string, expected time.Time, next *time.Time, child *models.Campaign) error {
	now := time.Now()
	if child.ID == "" {
		child.ID = newID()
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := mutate(tx, bucketCampaigns, templateID, func(c *models.Campaign) error {
			if !c.IsRecurring || c.Status != models.CampaignPending || !sameTime(c.NextRunAt, &expected) {
				return ErrClaimConflict
			}
			if c.RecurringAnchor == nil {
				c.RecurringAnchor = timePtr(expected)
			}
			c.NextRunAt = next
			c.UpdatedAt = now
			return nil
		})
		if err != nil {
			return err
		}

		child.Status = models.CampaignSending
		child.ClaimedAt = timePtr(now)
		child.StartedAt = timePtr(now)
		child.CreatedAt = now
		child.UpdatedAt = now
		return put(tx, bucketCampaigns, child.ID, child)
	})
}

// SetTemplateStatus activates (pending) or deactivates (inactive) a recurring template
func (s *BoltStorage) SetTemplateStatus(ctx context.Context, id string, status models.CampaignStatus) error {
	if status != models.CampaignPending && status != models.CampaignInactive {
		return fmt.Errorf("invalid template status: %s", status)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := mutate(tx, bucketCampaigns, id, func(c *models.Campaign) error {
			if !c.IsRecurring {
				return fmt.Errorf("campaign %s is not recurring", id)
			}
			c.Status = status
			c.UpdatedAt = time.Now()
			return nil
		})
		return err
	})
}

// BeginRun records the resolved audience size of a claimed campaign
func (s *BoltStorage) BeginRun(ctx context.Context, id string, total int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := mutate(tx, bucketCampaigns, id, func(c *models.Campaign) error {
			// A resumed run may have recorded recipients that are no longer in the audience
			if done := c.SuccessCount + c.FailedCount; total < done {
				total = done
			}
			now := time.Now()
			c.TotalRecipients = total
			if c.Status == models.CampaignSending {
				c.ClaimedAt = &now
			}
			c.UpdatedAt = now
			return nil
		})
		return err
	})
}

// FinishCampaign sets the terminal status of a run
func (s *BoltStorage) FinishCampaign(ctx context.Context, id string, status models.CampaignStatus, lastError string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := mutate(tx, bucketCampaigns, id, func(c *models.Campaign) error {
			now := time.Now()
			c.Status = status
			c.LastError = lastError
			c.ClaimedAt = nil
			c.CompletedAt = &now
			c.UpdatedAt = now
			return nil
		})
		return err
	})
}

// CampaignStats counts campaigns by status
func (s *BoltStorage) CampaignStats(ctx context.Context) (*models.CampaignStats, error) {
	stats := &models.CampaignStats{}
	err := s.db.View(func(tx *bolt.Tx) error {
		scan(tx, bucketCampaigns, func(c *models.Campaign) bool {
			stats.Total++
			switch c.Status {
			case models.CampaignPending:
				stats.Pending++
			case models.CampaignSending:
				stats.Sending++
			case models.CampaignCompleted:
				stats.Completed++
			case models.CampaignFailed:
				stats.Failed++
			case models.CampaignInactive:
				stats.Inactive++
			}
			return true
		})
		return nil
	})
	return stats, err
}

func ledgerPrefix(campaignID string) []byte {
	return []byte(campaignID + "/")
}

func ledgerKey(campaignID string, ref models.RecipientRef) []byte {
	return append(ledgerPrefix(campaignID), ref.Key()...)
}

// RecordDelivery writes the ledger entry for one recipient and increments the
// matching campaign counter in the same transaction. It returns false without
// writing when the recipient already has an entry for the campaign.
func (s *BoltStorage) RecordDelivery(ctx context.Context, entry *models.LedgerEntry) (bool, error) {
	recorded := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		key := ledgerKey(entry.CampaignID, entry.Recipient)
		lb := tx.Bucket(bucketLedger)
		if lb.Get(key) != nil {
			return nil
		}

		now := time.Now()
		_, err := mutate(tx, bucketCampaigns, entry.CampaignID, func(c *models.Campaign) error {
			switch entry.Status {
			case models.DeliverySent:
				c.SuccessCount++
			case models.DeliveryFailed:
				c.FailedCount++
			default:
				return fmt.Errorf("ledger entry must be sent or failed, got %q", entry.Status)
			}
			if c.SuccessCount+c.FailedCount > c.TotalRecipients {
				c.TotalRecipients = c.SuccessCount + c.FailedCount
			}
			// Progress keeps the claim fresh for the stale claim reaper
			if c.Status == models.CampaignSending {
				c.ClaimedAt = &now
			}
			c.UpdatedAt = now
			return nil
		})
		if err != nil {
			return err
		}

		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = now
		}
		entry.UpdatedAt = now
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal ledger entry: %w", err)
		}
		if err := lb.Put(key, data); err != nil {
			return fmt.Errorf("failed to store ledger entry: %w", err)
		}
		recorded = true
		return nil
	})
	return recorded, err
}

// LedgerKeys returns the recipient keys that already have an entry for the campaign
func (s *BoltStorage) LedgerKeys(ctx context.Context, campaignID string) (map[string]bool, error) {
	keys := make(map[string]bool)
	prefix := ledgerPrefix(campaignID)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLedger).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys[string(k[len(prefix):])] = true
		}
		return nil
	})
	return keys, err
}

// ListLedger returns the ledger entries of a campaign
func (s *BoltStorage) ListLedger(ctx context.Context, campaignID string) ([]*models.LedgerEntry, error) {
	var entries []*models.LedgerEntry
	prefix := ledgerPrefix(campaignID)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLedger).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var e models.LedgerEntry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			entries = append(entries, &e)
		}
		return nil
	})
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })
	return entries, err
}

func deleteLedger(tx *bolt.Tx, campaignID string) error {
	prefix := ledgerPrefix(campaignID)
	c := tx.Bucket(bucketLedger).Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Seek(prefix) {
		if err := c.Delete(); err != nil {
			return fmt.Errorf("failed to delete ledger entry: %w", err)
		}
	}
	return nil
}
