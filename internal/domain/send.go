package domain

import (
	"fmt"
	"time"
)

// SendState enumerates the lifecycle of a single ledger row.
type SendState string

const (
	SendPending   SendState = "pending"
	SendSent      SendState = "sent"
	SendThrottled SendState = "throttled"
	SendFailed    SendState = "failed"
	SendBounced   SendState = "bounced"
	SendAborted   SendState = "aborted"
)

// Ready reports whether a row in this state may still be delivered.
func (s SendState) Ready() bool {
	return s == SendPending || s == SendThrottled
}

// DefaultReferenceID is used when a campaign sends to a user only once.
const DefaultReferenceID = "0"

// SendKey is the composite identity of a ledger row.
type SendKey struct {
	CampaignID  int64  `json:"campaign_id"`
	UserID      int64  `json:"user_id"`
	ReferenceID string `json:"reference_id"`
}

// String renders the key as a deterministic dedupe token.
func (k SendKey) String() string {
	ref := k.ReferenceID
	if ref == "" {
		ref = DefaultReferenceID
	}
	return fmt.Sprintf("send:%d:%d:%s", k.CampaignID, k.UserID, ref)
}

// CampaignSend is one row of the per-recipient send ledger.
type CampaignSend struct {
	CampaignID  int64      `json:"campaign_id" db:"campaign_id"`
	UserID      int64      `json:"user_id" db:"user_id"`
	ReferenceID string     `json:"reference_id" db:"reference_id"`
	State       SendState  `json:"state" db:"state"`
	SendAt      time.Time  `json:"send_at" db:"send_at"`
	OpenedAt    *time.Time `json:"opened_at" db:"opened_at"`
	Clicks      int        `json:"clicks" db:"clicks"`
}

// Key returns the composite identity of the row.
func (s CampaignSend) Key() SendKey {
	return SendKey{CampaignID: s.CampaignID, UserID: s.UserID, ReferenceID: s.ReferenceID}
}

// Interaction enumerates engagement events recorded against a ledger row.
type Interaction string

const (
	InteractionOpen        Interaction = "open"
	InteractionClick       Interaction = "click"
	InteractionUnsubscribe Interaction = "unsubscribe"
)
