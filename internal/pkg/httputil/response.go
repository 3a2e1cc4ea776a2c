package httputil

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/ignite/relay/internal/pkg/logger"
)

// MaxBodyBytes caps request bodies accepted by Decode.
const MaxBodyBytes = 1 << 20

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// JSON writes data with the given status. Encoding failures are logged; the
// status line has already been sent by then.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("http response encode failed", "status", status, "error", err)
	}
}

func OK(w http.ResponseWriter, data any) { JSON(w, http.StatusOK, data) }

// Accepted answers requests whose work was handed to the queue.
func Accepted(w http.ResponseWriter, data any) { JSON(w, http.StatusAccepted, data) }

// ErrorCode writes an error carrying a machine-readable code.
func ErrorCode(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, ErrorResponse{Error: message, Code: code})
}

func BadRequest(w http.ResponseWriter, message string) {
	ErrorCode(w, http.StatusBadRequest, "bad_request", message)
}

// InternalError logs err and answers with a generic 500 so driver and
// queue details never reach the client.
func InternalError(w http.ResponseWriter, err error) {
	logger.Error("http internal error", "error", err)
	ErrorCode(w, http.StatusInternalServerError, "internal", "internal server error")
}

// Decode reads exactly one JSON object from the body into dst. Unknown
// fields, empty bodies, trailing data and bodies over MaxBodyBytes are
// rejected with a 400. It reports whether dst was filled.
func Decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			BadRequest(w, "request body is required")
		case errors.As(err, &tooLarge):
			ErrorCode(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large")
		default:
			BadRequest(w, "invalid JSON: "+err.Error())
		}
		return false
	}
	if dec.More() {
		BadRequest(w, "request body must contain a single JSON object")
		return false
	}
	return true
}
