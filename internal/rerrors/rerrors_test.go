package rerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	err := New("dispatch.Regular", NoAvailableWorkers)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, NoAvailableWorkers, kind)
}

func TestKindOfUnwrapsThroughFmtErrorf(t *testing.T) {
	inner := New("worker.Parse", BadRequest)
	wrapped := fmt.Errorf("outer context: %w", inner)

	kind, ok := KindOf(wrapped)
	require.True(t, ok)
	assert.Equal(t, BadRequest, kind)
}

func TestKindOfReturnsFalseForPlainError(t *testing.T) {
	_, ok := KindOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestKindOfNil(t *testing.T) {
	_, ok := KindOf(nil)
	assert.False(t, ok)
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Wrap("dispatch.attempt", UpstreamNetworkError, cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "dispatch.attempt")
	assert.Contains(t, err.Error(), string(UpstreamNetworkError))
	assert.Contains(t, err.Error(), cause.Error())
}

func TestErrorStringWithoutCause(t *testing.T) {
	err := New("httpapi.handleDispatch", BadRequest)
	assert.Equal(t, "httpapi.handleDispatch: bad_request", err.Error())
}
