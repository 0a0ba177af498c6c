package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseStatus(t *testing.T) {
	for _, st := range AllStatuses {
		got, err := ParseStatus(string(st))
		assert.NoError(t, err)
		assert.Equal(t, st, got)
	}
	_, err := ParseStatus("running")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

func TestParsePriority(t *testing.T) {
	cases := map[string]Priority{
		"low":    PriorityLow,
		"normal": PriorityNormal,
		"":       PriorityNormal,
		"high":   PriorityHigh,
		"urgent": PriorityUrgent,
	}
	for in, want := range cases {
		got, err := ParsePriority(in)
		assert.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParsePriority("critical")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestPriorityOrdering(t *testing.T) {
	assert.Greater(t, int(PriorityUrgent), int(PriorityHigh))
	assert.Greater(t, int(PriorityHigh), int(PriorityNormal))
	assert.Greater(t, int(PriorityNormal), int(PriorityLow))
}
