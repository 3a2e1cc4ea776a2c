package campaign

import (
	"errors"
	"fmt"
	"net/http"
)

// RequestError is a domain error that maps onto an HTTP status. Errors with
// the same Code match under errors.Is.
type RequestError struct {
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *RequestError) Unwrap() error { return e.Err }

// Is matches on Code so wrapped copies compare equal to the sentinels.
func (e *RequestError) Is(target error) bool {
	var t *RequestError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// With returns a copy of e carrying detail.
func (e *RequestError) With(detail error) *RequestError {
	cp := *e
	cp.Err = detail
	return &cp
}

// Sentinel errors for the campaign service layer.
var (
	ErrNotFound = &RequestError{Status: http.StatusNotFound, Code: "campaign_not_found", Message: "campaign not found"}

	ErrSendNotFound = &RequestError{Status: http.StatusNotFound, Code: "send_not_found", Message: "campaign send not found"}

	ErrAlreadyFinished = &RequestError{Status: http.StatusConflict, Code: "campaign_finished", Message: "campaign has already finished"}

	ErrInvalidState = &RequestError{Status: http.StatusConflict, Code: "invalid_state", Message: "campaign cannot change state from its current state"}

	ErrNotTrigger = &RequestError{Status: http.StatusBadRequest, Code: "not_trigger", Message: "campaign is not a trigger campaign"}

	ErrTriggerCampaign = &RequestError{Status: http.StatusBadRequest, Code: "trigger_campaign", Message: "trigger campaigns cannot be scheduled"}

	ErrProviderMissing = &RequestError{Status: http.StatusUnprocessableEntity, Code: "provider_missing", Message: "campaign has no provider"}
)

// ErrSendNotReady is returned by LoadSend when a send must be skipped: its
// row left pending/throttled or its campaign is being aborted.
var ErrSendNotReady = errors.New("campaign send is not ready")
