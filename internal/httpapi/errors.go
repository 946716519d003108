package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/llmrouter/llmrouter/internal/metrics"
	"github.com/llmrouter/llmrouter/internal/rerrors"
)

// APIError is the structured error every handler returns for consistent
// logging and client responses, grounded on the teacher's admin.go
// APIError{HTTPStatus, Err, Message} convention.
type APIError struct {
	HTTPStatus int
	Err        error
	Message    string
}

func (e APIError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

// kindStatus maps each rerrors.Kind to the fixed HTTP status spec.md §7
// assigns it.
var kindStatus = map[rerrors.Kind]int{
	rerrors.NoAvailableWorkers:    http.StatusServiceUnavailable,
	rerrors.PolicySelectionFailed: http.StatusServiceUnavailable,
	rerrors.UpstreamNetworkError:  http.StatusBadGateway,
	rerrors.UpstreamServerError:   http.StatusBadGateway,
	rerrors.UpstreamClientError:   http.StatusBadRequest,
	rerrors.BadRequest:            http.StatusBadRequest,
	rerrors.RateLimited:           http.StatusTooManyRequests,
	rerrors.QueueFull:             http.StatusServiceUnavailable,
}

// statusFor resolves err to an HTTP status, defaulting to 500 for an
// untyped error — the same fallback the teacher's handleError applies to
// anything that isn't an APIError.
func statusFor(err error) int {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatus != 0 {
			return apiErr.HTTPStatus
		}
	}
	if kind, ok := rerrors.KindOf(err); ok {
		if status, ok := kindStatus[kind]; ok {
			return status
		}
	}
	return http.StatusInternalServerError
}

// handleError writes a JSON error body with the resolved status and logs
// it, mirroring the teacher's adminHandler.handleError.
func handleError(log *zap.Logger, w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}
	status := statusFor(err)
	msg := err.Error()

	log.Error("request error",
		zap.Error(err),
		zap.String("status_code", metrics.SanitizeCode(status)),
		zap.String("method", metrics.SanitizeMethod(r.Method)),
		zap.String("path", r.URL.Path))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
