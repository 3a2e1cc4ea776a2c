package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/ignite/relay/internal/domain"
	"github.com/ignite/relay/internal/pkg/httputil"
	"github.com/ignite/relay/internal/pkg/logger"
	"github.com/ignite/relay/internal/service/sending"
)

// ProviderStore reads and writes provider rows.
type ProviderStore interface {
	GetProvider(ctx context.Context, id int64) (*domain.Provider, error)
	UpdateProvider(ctx context.Context, p *domain.Provider) error
}

// ProviderCache drops a provider's cached adapter after its row changes.
type ProviderCache interface {
	Invalidate(id int64)
}

// ProviderHandlers serves provider configuration endpoints.
type ProviderHandlers struct {
	store ProviderStore
	cache ProviderCache
}

type providerUpdate struct {
	Name      *string           `json:"name"`
	RateLimit *int              `json:"rate_limit"`
	Data      map[string]string `json:"data"`
}

// Get handles GET /api/providers/{id}. Credentials in data are never
// returned.
func (h *ProviderHandlers) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, err := h.store.GetProvider(r.Context(), id)
	if errors.Is(err, sending.ErrProviderNotFound) {
		httputil.ErrorCode(w, http.StatusNotFound, "provider_not_found", "provider not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, p)
}

// Update handles PUT /api/providers/{id}. Omitted fields keep their value;
// a data object replaces the stored one. The cached adapter is dropped so
// the next send rebuilds it from the new row.
func (h *ProviderHandlers) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req providerUpdate
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.RateLimit != nil && *req.RateLimit < 0 {
		httputil.BadRequest(w, "rate_limit must not be negative")
		return
	}

	p, err := h.store.GetProvider(r.Context(), id)
	if errors.Is(err, sending.ErrProviderNotFound) {
		httputil.ErrorCode(w, http.StatusNotFound, "provider_not_found", "provider not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if req.Name != nil {
		p.Name = *req.Name
	}
	if req.RateLimit != nil {
		p.RateLimit = *req.RateLimit
	}
	if req.Data != nil {
		p.Data = req.Data
	}

	if err := h.store.UpdateProvider(r.Context(), p); err != nil {
		if errors.Is(err, sending.ErrProviderNotFound) {
			httputil.ErrorCode(w, http.StatusNotFound, "provider_not_found", "provider not found")
			return
		}
		httputil.InternalError(w, err)
		return
	}
	if h.cache != nil {
		h.cache.Invalidate(id)
	}
	logger.Info("provider updated", "provider_id", id, "rate_limit", p.RateLimit)
	httputil.OK(w, p)
}
