package status

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCode_String(t *testing.T) {
	tests := []struct {
		code     Code
		expected string
	}{
		{Success, "success"},
		{InvalidArgument, "invalid_argument"},
		{NotSupported, "not_supported"},
		{AlreadyExist, "already_exist"},
		{NotFound, "not_found"},
		{NotAllowed, "not_allowed"},
		{Timeout, "timeout"},
		{PauseRequested, "pause_requested"},
		{Code(99), "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.code.String())
	}
}

func TestCode_ErrorsIs(t *testing.T) {
	err := fmt.Errorf("cancel work 42: %w", NotFound)

	assert.True(t, errors.Is(err, NotFound))
	assert.False(t, errors.Is(err, NotAllowed))
	assert.Equal(t, "mqmx: not_found", NotFound.Error())
}

func TestCode_Err(t *testing.T) {
	assert.NoError(t, Success.Err())
	assert.ErrorIs(t, Timeout.Err(), Timeout)
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, Success, CodeOf(nil))
	assert.Equal(t, AlreadyExist, CodeOf(AlreadyExist))
	assert.Equal(t, NotFound, CodeOf(fmt.Errorf("wrapped: %w", NotFound)))
	assert.Equal(t, NotSupported, CodeOf(errors.New("plain")))
}
