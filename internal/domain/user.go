package domain

import (
	"errors"
	"time"
)

// ErrUserNotFound is returned by user stores for unknown ids.
var ErrUserNotFound = errors.New("user not found")

// Device is a registered push destination for a user.
type Device struct {
	Token string `json:"token"`
	OS    string `json:"os,omitempty"`
}

// User is a message recipient within a project.
type User struct {
	ID         int64          `json:"id" db:"id"`
	ProjectID  int64          `json:"project_id" db:"project_id"`
	ExternalID string         `json:"external_id" db:"external_id"`
	Email      string         `json:"email,omitempty" db:"email"`
	Phone      string         `json:"phone,omitempty" db:"phone"`
	Timezone   string         `json:"timezone,omitempty" db:"timezone"`
	Locale     string         `json:"locale,omitempty" db:"locale"`
	Data       map[string]any `json:"data,omitempty" db:"data"`
	Devices    []Device       `json:"devices,omitempty" db:"devices"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
}

// Reachable reports whether the user has the contact method a channel needs.
func (u *User) Reachable(ch Channel) bool {
	switch ch {
	case ChannelEmail:
		return u.Email != ""
	case ChannelText:
		return u.Phone != ""
	case ChannelPush:
		return len(u.Devices) > 0
	case ChannelWebhook:
		return true
	}
	return false
}

// Recipient is a streamed row of the recipient query: the minimum needed to
// materialize a ledger row.
type Recipient struct {
	UserID   int64  `db:"user_id"`
	Timezone string `db:"timezone"`
}

// UserEvent is a diagnostic or behavioral event recorded against a user.
type UserEvent struct {
	ProjectID int64          `json:"project_id"`
	UserID    int64          `json:"user_id"`
	Name      string         `json:"name"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
