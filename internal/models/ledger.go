package models

import "time"

// RecipientType identifies where a recipient came from
type RecipientType string

const (
	RecipientLead    RecipientType = "lead"
	RecipientClient  RecipientType = "client"
	RecipientAddress RecipientType = "address"
)

// RecipientRef identifies a recipient across campaigns
type RecipientRef struct {
	Type    RecipientType `json:"type"`
	ID      string        `json:"id,omitempty"`
	Address string        `json:"address,omitempty"`
}

// Key returns the identity key used for deduplication and ledger uniqueness
func (r RecipientRef) Key() string {
	if r.Type == RecipientAddress || r.ID == "" {
		return string(RecipientAddress) + ":" + r.Address
	}
	return string(r.Type) + ":" + r.ID
}

// DeliveryStatus is the per-recipient outcome
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// LedgerEntry is the durable delivery record for one recipient of one campaign
type LedgerEntry struct {
	CampaignID  string         `json:"campaign_id"`
	Recipient   RecipientRef   `json:"recipient"`
	Destination string         `json:"destination"`
	Status      DeliveryStatus `json:"status"`
	ProviderRef string         `json:"provider_ref,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}
