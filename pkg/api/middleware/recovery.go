package middleware

import (
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/goclaw/sagaflow/pkg/api/response"
	"github.com/goclaw/sagaflow/pkg/logger"
)

// Recovery converts a handler panic into a 500 with the standard error body.
// The panic value goes to the log with its stack, never to the client.
// http.ErrAbortHandler is re-raised so net/http can drop the connection.
func Recovery(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer recoverPanic(log, w, r)
			next.ServeHTTP(w, r)
		})
	}
}

func recoverPanic(log logger.Logger, w http.ResponseWriter, r *http.Request) {
	p := recover()
	if p == nil {
		return
	}
	if err, ok := p.(error); ok && errors.Is(err, http.ErrAbortHandler) {
		panic(p)
	}

	requestID := GetRequestID(r.Context())
	if requestID == "" {
		requestID = "unknown"
	}
	log.ErrorContext(r.Context(), "Panic recovered",
		"panic", p,
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", requestID,
		"stack", string(debug.Stack()),
	)
	response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer,
		http.StatusText(http.StatusInternalServerError), requestID)
}
