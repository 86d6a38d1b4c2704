package response

import (
	"context"
	"errors"
	"net/http"

	"github.com/goclaw/sagaflow/pkg/saga"
)

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

// Machine-readable error codes.
const (
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodeInternalServer     = "INTERNAL_SERVER_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeGatewayTimeout     = "GATEWAY_TIMEOUT"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrInternalServer     = errors.New("internal server error")
)

// errorStatuses is checked in order; the first errors.Is match wins.
var errorStatuses = []struct {
	target error
	status int
}{
	{saga.ErrSagaNotFound, http.StatusNotFound},
	{saga.ErrStepLogNotFound, http.StatusNotFound},
	{saga.ErrSagaExists, http.StatusConflict},
	{saga.ErrInvalidTransition, http.StatusConflict},
	{ErrInvalidInput, http.StatusBadRequest},
	{ErrServiceUnavailable, http.StatusServiceUnavailable},
	{context.DeadlineExceeded, http.StatusGatewayTimeout},
}

var statusCodes = map[int]string{
	http.StatusBadRequest:         ErrCodeBadRequest,
	http.StatusNotFound:           ErrCodeNotFound,
	http.StatusMethodNotAllowed:   ErrCodeMethodNotAllowed,
	http.StatusConflict:           ErrCodeConflict,
	http.StatusServiceUnavailable: ErrCodeServiceUnavailable,
	http.StatusGatewayTimeout:     ErrCodeGatewayTimeout,
}

// HTTPStatusFromError maps store and engine errors to HTTP status codes.
// Unknown errors are 500.
func HTTPStatusFromError(err error) int {
	if err == nil {
		return http.StatusOK
	}
	for _, m := range errorStatuses {
		if errors.Is(err, m.target) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}

// ErrorCodeFromStatus returns the error code for status, INTERNAL_SERVER_ERROR if none.
func ErrorCodeFromStatus(status int) string {
	if code, ok := statusCodes[status]; ok {
		return code
	}
	return ErrCodeInternalServer
}

// HandleError writes err with its mapped status and returns that status.
// 5xx messages are replaced by the status text so store internals never reach clients.
func HandleError(w http.ResponseWriter, err error, requestID string) int {
	status := HTTPStatusFromError(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		message = http.StatusText(status)
	}
	Error(w, status, ErrorCodeFromStatus(status), message, requestID)
	return status
}
