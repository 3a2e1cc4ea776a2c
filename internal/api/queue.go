package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/ignite/relay/internal/pkg/httputil"
	"github.com/ignite/relay/internal/queue"
)

const (
	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 500
)

// DeadLetterReader lists jobs that exhausted their attempts. Only the Redis
// broker keeps a dead-letter list.
type DeadLetterReader interface {
	DeadLetters(ctx context.Context, limit int64) ([]*queue.Job, error)
}

// QueueHandlers serves queue inspection endpoints.
type QueueHandlers struct {
	dead DeadLetterReader
}

type deadLettersResponse struct {
	Jobs  []*queue.Job `json:"jobs"`
	Count int          `json:"count"`
}

// DeadLetters handles GET /api/queue/dead?limit=N, newest first.
func (h *QueueHandlers) DeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := int64(defaultDeadLetterLimit)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(n, maxDeadLetterLimit)
	}

	jobs, err := h.dead.DeadLetters(r.Context(), limit)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, deadLettersResponse{Jobs: jobs, Count: len(jobs)})
}
