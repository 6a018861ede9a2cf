package response

import (
	"context"
	"errors"
	"net/http"

	"github.com/goclaw/mnemo/pkg/packet"
	"github.com/goclaw/mnemo/pkg/pipeline"
	"github.com/goclaw/mnemo/pkg/search"
	"github.com/goclaw/mnemo/pkg/storage"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error information.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

// Error codes
const (
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodePayloadTooLarge    = "PAYLOAD_TOO_LARGE"
	ErrCodeInternalServer     = "INTERNAL_SERVER_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeGatewayTimeout     = "GATEWAY_TIMEOUT"
	ErrCodeClientClosed       = "CLIENT_CLOSED_REQUEST"
)

// StatusClientClosedRequest is reported when the caller went away before
// the packet was persisted.
const StatusClientClosedRequest = 499

// Sentinel errors raised by the HTTP layer itself.
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrTooLarge     = errors.New("request body too large")
	ErrTimeout      = errors.New("request timeout")
)

// HTTPStatusFromError maps domain errors to HTTP status codes.
func HTTPStatusFromError(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case packet.IsValidationError(err), errors.Is(err, ErrInvalidInput), errors.Is(err, search.ErrInvalidQuery):
		return http.StatusBadRequest
	case errors.Is(err, ErrTooLarge), errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case storage.IsNotFound(err):
		return http.StatusNotFound
	case storage.IsConflict(err):
		return http.StatusConflict
	case storage.IsUnavailable(err), errors.Is(err, pipeline.ErrShutdown), errors.Is(err, pipeline.ErrSearchDisabled):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCodeFromError returns the error code for err. Validation failures get
// their own code so clients can tell them from malformed JSON.
func ErrorCodeFromError(err error) string {
	if packet.IsValidationError(err) {
		return ErrCodeValidationFailed
	}
	return ErrorCodeFromStatus(HTTPStatusFromError(err))
}

// ErrorCodeFromStatus returns an error code for the given HTTP status.
func ErrorCodeFromStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return ErrCodeBadRequest
	case http.StatusNotFound:
		return ErrCodeNotFound
	case http.StatusMethodNotAllowed:
		return ErrCodeMethodNotAllowed
	case http.StatusConflict:
		return ErrCodeConflict
	case http.StatusRequestEntityTooLarge:
		return ErrCodePayloadTooLarge
	case http.StatusServiceUnavailable:
		return ErrCodeServiceUnavailable
	case http.StatusGatewayTimeout:
		return ErrCodeGatewayTimeout
	case StatusClientClosedRequest:
		return ErrCodeClientClosed
	default:
		return ErrCodeInternalServer
	}
}

// ErrorDetails extracts structured details from typed errors.
func ErrorDetails(err error) map[string]any {
	var (
		verr     *packet.ValidationError
		conflict *storage.ConflictError
	)
	switch {
	case errors.As(err, &verr):
		return map[string]any{"field": verr.Field, "reason": verr.Reason}
	case errors.As(err, &conflict):
		return map[string]any{"packet_id": conflict.PacketID}
	}
	return nil
}

// HandleError writes the error response matching err.
func HandleError(w http.ResponseWriter, err error, requestID string) {
	status := HTTPStatusFromError(err)
	ErrorWithDetails(w, status, ErrorCodeFromError(err), err.Error(), ErrorDetails(err), requestID)
}
