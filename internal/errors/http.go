// Package errors maps domain errors onto the HTTP error envelope.
//
// Every non-2xx JSON response has the shape
//
//	{"error":{"code":"NOT_FOUND","message":"...","request_id":"...","details":{...}}}
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/3leaps/goscribe/pkg/brief"
	"github.com/3leaps/goscribe/pkg/orchestrator"
	"github.com/3leaps/goscribe/pkg/store"
)

// Error codes used in envelopes.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeValidation         = "VALIDATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeConflict           = "CONFLICT"
	CodeJobLocked          = "JOB_LOCKED"
	CodeNotResumable       = "NOT_RESUMABLE"
	CodeBudgetNotRaised    = "BUDGET_NOT_RAISED"
	CodeInvalidBudget      = "INVALID_BUDGET"
	CodeQuotaExceeded      = "QUOTA_EXCEEDED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
)

// HTTPError is the body of the envelope.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HTTPErrorResponse is the error envelope.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// BadRequestError marks a malformed request.
type BadRequestError struct {
	Message string
	Err     error
}

func (e *BadRequestError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *BadRequestError) Unwrap() error { return e.Err }

// BadRequest wraps err as a 400.
func BadRequest(message string, err error) error {
	return &BadRequestError{Message: message, Err: err}
}

type requestIDKey struct{}

// WithRequestID stores the request id on ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Classify returns the status and code for err.
func Classify(err error) (int, string) {
	var bad *BadRequestError
	switch {
	case stderrors.As(err, &bad):
		return http.StatusBadRequest, CodeBadRequest
	case stderrors.Is(err, brief.ErrValidationFailed):
		return http.StatusBadRequest, CodeValidation
	case stderrors.Is(err, orchestrator.ErrInvalidBudget):
		return http.StatusBadRequest, CodeInvalidBudget
	case stderrors.Is(err, orchestrator.ErrJobNotFound), stderrors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case stderrors.Is(err, orchestrator.ErrJobLocked), stderrors.Is(err, store.ErrLocked):
		return http.StatusConflict, CodeJobLocked
	case stderrors.Is(err, orchestrator.ErrBudgetNotRaised):
		return http.StatusConflict, CodeBudgetNotRaised
	case stderrors.Is(err, orchestrator.ErrNotResumable), stderrors.Is(err, orchestrator.ErrJobFinished):
		return http.StatusConflict, CodeNotResumable
	case stderrors.Is(err, store.ErrConflict):
		return http.StatusConflict, CodeConflict
	case stderrors.Is(err, orchestrator.ErrQuotaExceeded):
		return http.StatusTooManyRequests, CodeQuotaExceeded
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// RespondWithError writes the envelope for err. Internal errors are not
// echoed to the client.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := Classify(err)
	msg := err.Error()
	var details map[string]any
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	}
	var verrs brief.ValidationErrors
	if stderrors.As(err, &verrs) {
		msg = "brief failed validation"
		items := make([]map[string]string, 0, len(verrs))
		for _, v := range verrs {
			items = append(items, map[string]string{"path": v.Path, "message": v.Message})
		}
		details = map[string]any{"errors": items}
	}
	WriteError(w, r, status, code, msg, details)
}

// WriteError writes an envelope with an explicit status and code.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	resp := HTTPErrorResponse{Error: HTTPError{
		Code:    code,
		Message: message,
		Details: details,
	}}
	if r != nil {
		resp.Error.RequestID = RequestIDFromContext(r.Context())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
