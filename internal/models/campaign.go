package models

import (
	"strings"
	"time"
)

// Channel is a delivery channel
type Channel string

const (
	ChannelEmail         Channel = "email"
	ChannelSMS           Channel = "sms"
	ChannelChatDirect    Channel = "chat-direct"
	ChannelVoice         Channel = "voice"
	ChannelChatBroadcast Channel = "chat-broadcast"
)

// Valid reports whether c is a known channel
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelChatDirect, ChannelVoice, ChannelChatBroadcast:
		return true
	}
	return false
}

// CampaignStatus represents the lifecycle state of a campaign
type CampaignStatus string

const (
	CampaignPending   CampaignStatus = "pending"
	CampaignSending   CampaignStatus = "sending"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
	// CampaignInactive marks a deactivated recurring template
	CampaignInactive CampaignStatus = "inactive"
)

// Audience kinds
const (
	AudienceAll        = "all"
	AudienceLeads      = "leads"
	AudienceClients    = "clients"
	AudienceGroup      = "group"
	AudienceIndividual = "individual"
)

// AudienceFilter narrows a candidate set. Empty lists match everything.
type AudienceFilter struct {
	Industries []string `json:"industries,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

// IsEmpty returns true if the filter declares no conditions
func (f *AudienceFilter) IsEmpty() bool {
	return f == nil || (len(f.Industries) == 0 && len(f.Tags) == 0)
}

// Audience describes who receives a campaign.
// Kind is one of all, leads, clients, group:<id>, individual:<address>.
type Audience struct {
	Kind   string          `json:"kind"`
	Filter *AudienceFilter `json:"filter,omitempty"`
}

// Parse splits the descriptor into its kind and argument
func (a Audience) Parse() (kind, arg string) {
	kind, arg, _ = strings.Cut(strings.TrimSpace(a.Kind), ":")
	return kind, strings.TrimSpace(arg)
}

// Campaign is a one-shot send or a recurring template
type Campaign struct {
	ID           string   `json:"id"`
	OwnerID      string   `json:"owner_id,omitempty"`
	Name         string   `json:"name"`
	Channel      Channel  `json:"channel"`
	Subject      string   `json:"subject,omitempty"`
	Content      string   `json:"content"`
	AssistantRef string   `json:"assistant_ref,omitempty"`
	Media        []string `json:"media,omitempty"`
	Audience     Audience `json:"audience"`

	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	Recurrence
	NextRunAt *time.Time `json:"next_run_at,omitempty"`

	Status           CampaignStatus `json:"status"`
	TotalRecipients  int            `json:"total_recipients"`
	SuccessCount     int            `json:"success_count"`
	FailedCount      int            `json:"failed_count"`
	ParentCampaignID string         `json:"parent_campaign_id,omitempty"`
	LastError        string         `json:"last_error,omitempty"`

	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Recurrence holds the shared recurrence fields of campaigns and lead automations
type Recurrence struct {
	IsRecurring       bool       `json:"is_recurring"`
	RecurringPattern  string     `json:"recurring_pattern,omitempty"`
	RecurringInterval int        `json:"recurring_interval,omitempty"`
	RecurringEndDate  *time.Time `json:"recurring_end_date,omitempty"`
	// RecurringAnchor is the first occurrence; monthly runs keep its day of month
	RecurringAnchor *time.Time `json:"recurring_anchor,omitempty"`
}

// IsTerminal returns true if the campaign run has finished
func (c *Campaign) IsTerminal() bool {
	return c.Status == CampaignCompleted || c.Status == CampaignFailed
}

// IsBroadcast returns true for chat group broadcasts, which have their own poller
func (c *Campaign) IsBroadcast() bool {
	return c.Channel == ChannelChatBroadcast
}

// DueAt returns the time the campaign becomes eligible for processing.
// Templates use NextRunAt; one-shot campaigns use ScheduledAt, nil meaning now.
func (c *Campaign) DueAt() *time.Time {
	if c.IsRecurring {
		return c.NextRunAt
	}
	return c.ScheduledAt
}

// Spawn creates a one-shot child of a recurring template for one occurrence
func (c *Campaign) Spawn(id string, occurrence time.Time) *Campaign {
	at := occurrence
	return &Campaign{
		ID:               id,
		OwnerID:          c.OwnerID,
		Name:             c.Name,
		Channel:          c.Channel,
		Subject:          c.Subject,
		Content:          c.Content,
		AssistantRef:     c.AssistantRef,
		Media:            append([]string(nil), c.Media...),
		Audience:         c.Audience,
		ScheduledAt:      &at,
		Status:           CampaignPending,
		ParentCampaignID: c.ID,
	}
}

// CampaignFilter represents filter options for listing campaigns
type CampaignFilter struct {
	Status   CampaignStatus
	ParentID string
	Limit    int
	Offset   int
}

// CampaignStats aggregates campaign counts by status
type CampaignStats struct {
	Pending   int64 `json:"pending"`
	Sending   int64 `json:"sending"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Inactive  int64 `json:"inactive"`
	Total     int64 `json:"total"`
}
