package applog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	log, err := New(DefaultConfig())
	require.NoError(t, err)
	assert.NotNil(t, log)
}

func TestNewFallsBackToInfoOnInvalidLevel(t *testing.T) {
	log, err := New(Config{Level: "not-a-level", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, log)
}

func TestNewConsoleFormat(t *testing.T) {
	log, err := New(Config{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, log)
}

func TestNop(t *testing.T) {
	assert.NotNil(t, Nop())
}
