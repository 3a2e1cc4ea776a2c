package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/ignite/relay/internal/domain"
	"github.com/ignite/relay/internal/pkg/httpretry"
	"github.com/ignite/relay/internal/pkg/logger"
	"github.com/ignite/relay/internal/service/sending"
)

// maxErrorBody bounds how much of a failed response is kept in the error.
const maxErrorBody = 512

// HTTPProvider delivers text, push and webhook messages over HTTP.
//
// Text and push providers POST a JSON document to the row's url with the
// row's api_key as a bearer token. Webhook providers call the rendered URL
// with the rendered method, headers and body.
type HTTPProvider struct {
	client httpretry.HTTPDoer
	kind   domain.ProviderType
	url    string
	apiKey string
}

type textRequest struct {
	To   string `json:"to"`
	From string `json:"from,omitempty"`
	Body string `json:"body"`
}

type pushRequest struct {
	Tokens []string `json:"tokens"`
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	URL    string   `json:"url,omitempty"`
}

type gatewayResponse struct {
	ID        string `json:"id"`
	MessageID string `json:"message_id"`
}

// NewHTTPProvider builds an HTTP provider for p.
func NewHTTPProvider(p *domain.Provider, client httpretry.HTTPDoer) (*HTTPProvider, error) {
	h := &HTTPProvider{client: client, kind: p.Type, url: p.Data["url"], apiKey: p.Data["api_key"]}
	if p.Type != domain.ProviderWebhook && h.url == "" {
		return nil, fmt.Errorf("%s provider %d has no url", p.Type, p.ID)
	}
	return h, nil
}

// HTTPFactory builds HTTP providers sharing one retrying client.
func HTTPFactory(client httpretry.HTTPDoer) sending.Factory {
	return func(p *domain.Provider) (sending.Provider, error) {
		return NewHTTPProvider(p, client)
	}
}

// Send performs the request. 2xx is success, transient statuses and
// network errors are retryable and anything else is permanent.
func (h *HTTPProvider) Send(ctx context.Context, msg *sending.Message) (*sending.Result, error) {
	req, err := h.request(ctx, msg)
	if err != nil {
		return nil, sending.Permanent(err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, sending.Temporary(fmt.Errorf("%s: %w", h.kind, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &sending.Result{MessageID: messageID(resp)}, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	err = fmt.Errorf("%s: status %d: %s", h.kind, resp.StatusCode, strings.TrimSpace(string(body)))
	if httpretry.RetryableStatus(resp.StatusCode) {
		return nil, sending.Temporary(err)
	}
	return nil, sending.Permanent(err)
}

func (h *HTTPProvider) request(ctx context.Context, msg *sending.Message) (*http.Request, error) {
	var (
		method  = http.MethodPost
		target  = h.url
		payload []byte
		err     error
	)
	switch h.kind {
	case domain.ProviderHTTPText:
		payload, err = json.Marshal(textRequest{To: msg.To, From: msg.From, Body: msg.Text})
	case domain.ProviderHTTPPush:
		payload, err = json.Marshal(pushRequest{Tokens: msg.Tokens, Title: msg.Title, Body: msg.Body, URL: msg.URL})
	case domain.ProviderWebhook:
		method, target, payload = msg.Method, msg.URL, msg.Payload
	default:
		return nil, fmt.Errorf("http provider cannot send %s", h.kind)
	}
	if err != nil {
		return nil, err
	}
	if target == "" {
		return nil, errors.New("webhook has no url")
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", msg.Key.String())
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}
	for k, v := range msg.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func messageID(resp *http.Response) string {
	if id := resp.Header.Get("X-Message-Id"); id != "" {
		return id
	}
	var gr gatewayResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&gr); err == nil {
		if gr.MessageID != "" {
			return gr.MessageID
		}
		return gr.ID
	}
	return ""
}

// LoggerProvider accepts every message and logs it. It backs local
// development and load tests.
type LoggerProvider struct {
	name string
}

// LoggerFactory builds logger providers.
func LoggerFactory(p *domain.Provider) (sending.Provider, error) {
	return &LoggerProvider{name: p.Name}, nil
}

// Send logs msg and returns a random message id.
func (l *LoggerProvider) Send(_ context.Context, msg *sending.Message) (*sending.Result, error) {
	id := uuid.New().String()
	logger.Info("message delivered to log", "provider", l.name, "channel", msg.Channel,
		"campaign_id", msg.Key.CampaignID, "user_id", msg.Key.UserID, "to", msg.To, "message_id", id)
	return &sending.Result{MessageID: id}, nil
}

// Factories returns the provider constructors for every provider type.
func Factories(ses SESDefaults, client httpretry.HTTPDoer) map[domain.ProviderType]sending.Factory {
	httpFactory := HTTPFactory(client)
	return map[domain.ProviderType]sending.Factory{
		domain.ProviderSES:      SESFactory(ses),
		domain.ProviderHTTPText: httpFactory,
		domain.ProviderHTTPPush: httpFactory,
		domain.ProviderWebhook:  httpFactory,
		domain.ProviderLogger:   LoggerFactory,
	}
}
