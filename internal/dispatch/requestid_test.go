package dispatch

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildRequestIDFormat(t *testing.T) {
	id := buildRequestID("10.0.0.1:9000", "10.0.0.2:9001")
	re := regexp.MustCompile(`^___prefill_addr_10\.0\.0\.1:9000___decode_addr_10\.0\.0\.2:9001_[0-9a-f]{32}$`)
	assert.Regexp(t, re, id)
}

func TestBuildRequestIDUnique(t *testing.T) {
	a := buildRequestID("p", "d")
	b := buildRequestID("p", "d")
	assert.NotEqual(t, a, b)
}
