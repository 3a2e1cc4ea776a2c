// Package sending defines how rendered campaign messages reach channel
// providers.
//
// Each provider type (SES, HTTP text gateway, HTTP push gateway, webhook)
// implements the Provider interface. The worker resolves a Provider for a
// campaign through the Registry, which caches constructed providers by id.
package sending

import (
	"context"
	"errors"
	"fmt"

	"github.com/ignite/relay/internal/domain"
)

// ErrProviderNotFound is returned when a provider id has no row.
var ErrProviderNotFound = errors.New("provider not found")

// Message is a fully rendered message for one recipient.
type Message struct {
	Channel domain.Channel
	Key     domain.SendKey

	// To is the email address or phone number. Push messages use Tokens.
	To     string
	Tokens []string

	From    string
	ReplyTo string
	Subject string
	HTML    string
	Text    string

	Title string
	Body  string

	URL     string
	Method  string
	Headers map[string]string
	Payload []byte
}

// Result is what a provider reports for an accepted message.
type Result struct {
	MessageID string
}

// Provider delivers messages for one configured provider. Implementations
// must be safe for concurrent use.
type Provider interface {
	Send(ctx context.Context, msg *Message) (*Result, error)
}

// Factory builds a Provider from its stored configuration.
type Factory func(p *domain.Provider) (Provider, error)

// ProviderStore loads provider configuration.
type ProviderStore interface {
	GetProvider(ctx context.Context, id int64) (*domain.Provider, error)
}

// SendError classifies a provider failure.
type SendError struct {
	Err       error
	Retryable bool
}

func (e *SendError) Error() string { return e.Err.Error() }

func (e *SendError) Unwrap() error { return e.Err }

// Temporary marks err as worth retrying, e.g. throttling or a 5xx.
func Temporary(err error) error {
	return &SendError{Err: err, Retryable: true}
}

// Permanent marks err as final, e.g. an invalid address.
func Permanent(err error) error {
	return &SendError{Err: err}
}

// Temporaryf formats a retryable error.
func Temporaryf(format string, args ...any) error {
	return Temporary(fmt.Errorf(format, args...))
}

// IsRetryable reports whether err was marked Temporary. Unclassified errors
// are treated as retryable.
func IsRetryable(err error) bool {
	var se *SendError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return err != nil
}
