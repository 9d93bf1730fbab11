package types

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExecutionResultPrimary(t *testing.T) {
	tests := []struct {
		name   string
		result ExecutionResult
		want   string
	}{
		{
			name:   "output only",
			result: ExecutionResult{Output: "hello\n"},
			want:   "hello\n",
		},
		{
			name:   "value only",
			result: ExecutionResult{Value: "42", HasValue: true},
			want:   "42",
		},
		{
			name:   "output and value",
			result: ExecutionResult{Output: "scanning", Value: "42", HasValue: true},
			want:   "scanning\n42",
		},
		{
			name: "fault wins over output",
			result: ExecutionResult{
				Output: "partial",
				Fault:  &FragmentFault{Kind: "NameError", Message: "name 'x' is not defined"},
			},
			want: "NameError: name 'x' is not defined",
		},
		{
			name:   "empty",
			result: ExecutionResult{},
			want:   "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.result.Primary())
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusInit.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusExhausted.Terminal())
	assert.True(t, StatusFailed.Terminal())
}

func TestCompletionErr(t *testing.T) {
	cause := errors.New("boom")

	failed := &RLMChatCompletion{Status: StatusFailed, Cause: cause}
	assert.ErrorIs(t, failed.Err(), cause)

	exhausted := &RLMChatCompletion{Status: StatusExhausted, Cause: cause}
	assert.NoError(t, exhausted.Err())

	var nilCompletion *RLMChatCompletion
	assert.NoError(t, nilCompletion.Err())
}
