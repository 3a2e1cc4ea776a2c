package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/relay/internal/domain"
	"github.com/ignite/relay/internal/pkg/httputil"
	"github.com/ignite/relay/internal/pkg/logger"
	"github.com/ignite/relay/internal/service/campaign"
)

// CampaignService is the slice of the campaign service exposed over HTTP.
type CampaignService interface {
	Schedule(ctx context.Context, id int64, sendAt time.Time) error
	Launch(ctx context.Context, id int64) error
	Abort(ctx context.Context, id int64) error
	EnqueueGenerate(ctx context.Context, id int64) error
	EnqueueSendsJob(ctx context.Context, id int64) error
	Progress(ctx context.Context, id int64) (campaign.ProgressReport, error)
	TriggerSend(ctx context.Context, campaignID, userID int64, referenceID string) (domain.SendKey, error)
}

// CampaignHandlers serves the campaign pipeline entry points.
type CampaignHandlers struct {
	svc CampaignService
}

type scheduleRequest struct {
	SendAt time.Time `json:"send_at"`
}

type triggerRequest struct {
	UserID      int64  `json:"user_id"`
	ReferenceID string `json:"reference_id"`
}

type statusResponse struct {
	CampaignID int64  `json:"campaign_id"`
	Status     string `json:"status"`
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httputil.BadRequest(w, "invalid id")
		return 0, false
	}
	return id, true
}

// writeError maps service errors onto HTTP responses. Anything that is not
// a RequestError is a 500 with the cause logged.
func writeError(w http.ResponseWriter, err error) {
	var re *campaign.RequestError
	if errors.As(err, &re) {
		httputil.ErrorCode(w, re.Status, re.Code, re.Message)
		return
	}
	httputil.InternalError(w, err)
}

// Schedule handles POST /api/campaigns/{id}/schedule
func (h *CampaignHandlers) Schedule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req scheduleRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.SendAt.IsZero() {
		httputil.BadRequest(w, "send_at is required")
		return
	}
	if err := h.svc.Schedule(r.Context(), id, req.SendAt); err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, statusResponse{CampaignID: id, Status: string(domain.CampaignScheduled)})
}

// Launch handles POST /api/campaigns/{id}/launch
func (h *CampaignHandlers) Launch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.svc.Launch(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	httputil.Accepted(w, statusResponse{CampaignID: id, Status: string(domain.CampaignPending)})
}

// Abort handles POST /api/campaigns/{id}/abort. Aborting an already aborted
// campaign succeeds.
func (h *CampaignHandlers) Abort(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.svc.Abort(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	logger.Info("campaign abort requested", "campaign_id", id)
	httputil.Accepted(w, statusResponse{CampaignID: id, Status: string(domain.CampaignAborting)})
}

// Generate handles POST /api/campaigns/{id}/generate
func (h *CampaignHandlers) Generate(w http.ResponseWriter, r *http.Request) {
	h.enqueue(w, r, h.svc.EnqueueGenerate, "generating")
}

// Enqueue handles POST /api/campaigns/{id}/enqueue
func (h *CampaignHandlers) Enqueue(w http.ResponseWriter, r *http.Request) {
	h.enqueue(w, r, h.svc.EnqueueSendsJob, "enqueueing")
}

func (h *CampaignHandlers) enqueue(w http.ResponseWriter, r *http.Request, fn func(context.Context, int64) error, status string) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := fn(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	httputil.Accepted(w, statusResponse{CampaignID: id, Status: status})
}

// Progress handles GET /api/campaigns/{id}/progress
func (h *CampaignHandlers) Progress(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	report, err := h.svc.Progress(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, report)
}

// Trigger handles POST /api/campaigns/{id}/trigger
func (h *CampaignHandlers) Trigger(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req triggerRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.UserID <= 0 {
		httputil.BadRequest(w, "user_id is required")
		return
	}
	key, err := h.svc.TriggerSend(r.Context(), id, req.UserID, req.ReferenceID)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.Accepted(w, map[string]any{
		"campaign_id":  key.CampaignID,
		"user_id":      key.UserID,
		"reference_id": key.ReferenceID,
	})
}
