package shell

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleSuccess(t *testing.T) {
	err := Shell{}.Handle(context.Background(), json.RawMessage(`{"command":"true"}`))
	assert.NoError(t, err)
}

func TestHandleValidation(t *testing.T) {
	err := Shell{}.Handle(context.Background(), json.RawMessage(`{}`))
	assert.EqualError(t, err, "command is required")

	err = Shell{}.Handle(context.Background(), json.RawMessage(`not json`))
	assert.Error(t, err)
}

func TestHandleSurfacesExitCodeAndOutput(t *testing.T) {
	payload := `{"command":"sh","args":["-c","echo boom >&2; exit 3"]}`
	err := Shell{}.Handle(context.Background(), json.RawMessage(payload))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited 3")
	assert.Contains(t, err.Error(), "boom")
}

func TestHandleTimeout(t *testing.T) {
	payload := `{"command":"sleep","args":["5"],"timeout":1}`
	err := Shell{}.Handle(context.Background(), json.RawMessage(payload))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
