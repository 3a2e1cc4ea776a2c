package domain

import (
	"time"
)

// CampaignState enumerates the lifecycle states of a campaign.
type CampaignState string

const (
	CampaignDraft     CampaignState = "draft"
	CampaignScheduled CampaignState = "scheduled"
	CampaignPending   CampaignState = "pending"
	CampaignLoading   CampaignState = "loading"
	CampaignRunning   CampaignState = "running"
	CampaignFinished  CampaignState = "finished"
	CampaignAborting  CampaignState = "aborting"
	CampaignAborted   CampaignState = "aborted"
)

// CampaignType distinguishes one-shot list sends from per-user triggered sends.
type CampaignType string

const (
	CampaignBlast   CampaignType = "blast"
	CampaignTrigger CampaignType = "trigger"
)

// Delivery is the cached aggregate of a campaign's ledger. It is derived
// data: the send ledger is the source of truth.
type Delivery struct {
	Sent    int64 `json:"sent"`
	Pending int64 `json:"pending"`
	Total   int64 `json:"total"`
	Opens   int64 `json:"opens"`
	Clicks  int64 `json:"clicks"`
}

// Template holds the channel-specific Liquid sources for a campaign.
// Only the fields relevant to the campaign's channel are used.
type Template struct {
	Subject string            `json:"subject,omitempty"`
	HTML    string            `json:"html,omitempty"`
	Text    string            `json:"text,omitempty"`
	Title   string            `json:"title,omitempty"`
	Body    string            `json:"body,omitempty"`
	URL     string            `json:"url,omitempty"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	From    string            `json:"from,omitempty"`
	ReplyTo string            `json:"reply_to,omitempty"`
}

// Campaign represents a multi-channel campaign and its delivery configuration.
type Campaign struct {
	ID                 int64         `json:"id" db:"id"`
	ProjectID          int64         `json:"project_id" db:"project_id"`
	Name               string        `json:"name" db:"name"`
	Type               CampaignType  `json:"type" db:"type"`
	Channel            Channel       `json:"channel" db:"channel"`
	State              CampaignState `json:"state" db:"state"`
	ProviderID         int64         `json:"provider_id" db:"provider_id"`
	SubscriptionID     *int64        `json:"subscription_id" db:"subscription_id"`
	ListIDs            []int64       `json:"list_ids" db:"list_ids"`
	ExclusionListIDs   []int64       `json:"exclusion_list_ids" db:"exclusion_list_ids"`
	SendAt             *time.Time    `json:"send_at" db:"send_at"`
	SendInUserTimezone bool          `json:"send_in_user_timezone" db:"send_in_user_timezone"`
	Timezone           string        `json:"timezone" db:"timezone"`
	Template           Template      `json:"template" db:"template"`
	Delivery           Delivery      `json:"delivery" db:"delivery"`
	ListGeneratedAt    *time.Time    `json:"list_generated_at" db:"list_generated_at"`
	CreatedAt          time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at" db:"updated_at"`
}

// IsTrigger reports whether the campaign sends per-user on demand.
func (c *Campaign) IsTrigger() bool {
	return c.Type == CampaignTrigger
}

// IsTerminal returns true if the campaign is in a final state.
func (c *Campaign) IsTerminal() bool {
	return c.State == CampaignFinished || c.State == CampaignAborted
}

// IsAborting returns true while an abort is in progress or complete.
func (c *Campaign) IsAborting() bool {
	return c.State == CampaignAborting || c.State == CampaignAborted
}

// Location returns the campaign's project timezone, defaulting to UTC.
func (c *Campaign) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
