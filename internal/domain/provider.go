package domain

import "time"

// ProviderType identifies the adapter used to deliver through a provider.
type ProviderType string

const (
	ProviderSES      ProviderType = "ses"
	ProviderHTTPText ProviderType = "http_text"
	ProviderHTTPPush ProviderType = "http_push"
	ProviderWebhook  ProviderType = "webhook"
	ProviderLogger   ProviderType = "logger"
)

// Provider holds the credentials and configuration for a channel provider.
type Provider struct {
	ID        int64             `json:"id" db:"id"`
	ProjectID int64             `json:"project_id" db:"project_id"`
	Name      string            `json:"name" db:"name"`
	Type      ProviderType      `json:"type" db:"type"`
	Group     Channel           `json:"group" db:"group"`
	RateLimit int               `json:"rate_limit" db:"rate_limit"`
	Data      map[string]string `json:"-" db:"data"`
	UpdatedAt time.Time         `json:"updated_at" db:"updated_at"`
}
