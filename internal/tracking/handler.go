package tracking

import (
	"context"
	"encoding/base64"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ignite/relay/internal/domain"
	"github.com/ignite/relay/internal/pkg/logger"
)

// transparent 1x1 GIF
var pixel, _ = base64.StdEncoding.DecodeString("R0lGODlhAQABAIAAAP///wAAACwAAAAAAQABAAACAkQBADs=")

const unsubscribedPage = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Unsubscribed</title></head>
<body style="font-family:sans-serif;text-align:center;padding:48px">
<h1>You have been unsubscribed</h1>
<p>You will no longer receive these messages.</p>
</body></html>`

// EventPublisher records interactions asynchronously.
type EventPublisher interface {
	Publish(ctx context.Context, key domain.SendKey, kind domain.Interaction) error
}

// Handler serves the signed open, click and unsubscribe links embedded in
// rendered messages.
type Handler struct {
	signer *Signer
	pub    EventPublisher
}

func NewHandler(signer *Signer, pub EventPublisher) *Handler {
	return &Handler{signer: signer, pub: pub}
}

// Routes returns a standalone router for the tracking edge server.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/track/open/{data}/{sig}", h.HandleOpen)
	r.Get("/track/click/{data}/{sig}", h.HandleClick)
	r.Get("/track/unsubscribe/{data}/{sig}", h.HandleUnsubscribe)
	r.Post("/track/unsubscribe/{data}/{sig}", h.HandleUnsubscribe)
	return r
}

func (h *Handler) link(r *http.Request) (Link, error) {
	return h.signer.Verify(chi.URLParam(r, "data"), chi.URLParam(r, "sig"))
}

func (h *Handler) publish(r *http.Request, key domain.SendKey, kind domain.Interaction) error {
	err := h.pub.Publish(r.Context(), key, kind)
	if err != nil {
		logger.Warn("tracking publish failed", "kind", string(kind), "campaign_id", key.CampaignID,
			"user_id", key.UserID, "error", err)
		return err
	}
	logger.Debug("tracking event", "kind", string(kind), "campaign_id", key.CampaignID,
		"user_id", key.UserID, "ip", r.RemoteAddr)
	return nil
}

// HandleOpen serves the pixel for every request; only valid links are recorded.
func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	if l, err := h.link(r); err == nil {
		_ = h.publish(r, l.Key, domain.InteractionOpen)
	}
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Expires", "0")
	_, _ = w.Write(pixel)
}

// HandleClick redirects to the signed target. A lost click event never
// blocks the redirect.
func (h *Handler) HandleClick(w http.ResponseWriter, r *http.Request) {
	l, err := h.link(r)
	if err != nil || l.Target == "" {
		http.Error(w, "bad link", http.StatusBadRequest)
		return
	}
	_ = h.publish(r, l.Key, domain.InteractionClick)
	http.Redirect(w, r, l.Target, http.StatusTemporaryRedirect)
}

// HandleUnsubscribe confirms only once the event is queued, so the user can
// retry on failure.
func (h *Handler) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	l, err := h.link(r)
	if err != nil {
		http.Error(w, "bad link", http.StatusBadRequest)
		return
	}
	if err := h.publish(r, l.Key, domain.InteractionUnsubscribe); err != nil {
		http.Error(w, "try again later", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(unsubscribedPage))
}
