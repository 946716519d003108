package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/llmrouter/llmrouter/internal/rerrors"
)

func TestStatusForMapsRerrorsKinds(t *testing.T) {
	cases := []struct {
		kind rerrors.Kind
		want int
	}{
		{rerrors.NoAvailableWorkers, http.StatusServiceUnavailable},
		{rerrors.UpstreamNetworkError, http.StatusBadGateway},
		{rerrors.UpstreamClientError, http.StatusBadRequest},
		{rerrors.RateLimited, http.StatusTooManyRequests},
		{rerrors.QueueFull, http.StatusServiceUnavailable},
	}
	for _, c := range cases {
		err := rerrors.New("op", c.kind)
		assert.Equal(t, c.want, statusFor(err), "kind %v", c.kind)
	}
}

func TestStatusForDefaultsTo500ForUntypedError(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}

func TestStatusForHonorsAPIErrorStatus(t *testing.T) {
	err := APIError{HTTPStatus: http.StatusTeapot, Message: "nope"}
	assert.Equal(t, http.StatusTeapot, statusFor(err))
}

func TestHandleErrorWritesJSONBody(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/completions", nil)

	handleError(zap.NewNop(), rec, req, rerrors.New("op", rerrors.RateLimited))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	var body map[string]string
	require := assert.New(t)
	require.NoError(json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(body["error"])
}

func TestHandleErrorNilIsNoop(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	handleError(zap.NewNop(), rec, req, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
