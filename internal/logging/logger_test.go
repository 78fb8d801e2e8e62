package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "chatty"})
	require.Error(t, err)
}

func TestNewDevelopment(t *testing.T) {
	logger, err := New(Config{Level: "debug", Development: true})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(-1))
}

func TestNewDefaultIsUsable(t *testing.T) {
	logger := NewDefault()
	require.NotNil(t, logger)
	assert.False(t, logger.Core().Enabled(-1))
}
