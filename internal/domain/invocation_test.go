package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInvocationStatusTerminal(t *testing.T) {
	assert.False(t, InvocationQueued.Terminal())
	assert.False(t, InvocationRunning.Terminal())
	assert.True(t, InvocationSucceeded.Terminal())
	assert.True(t, InvocationFailed.Terminal())
	assert.True(t, InvocationCancelled.Terminal())
}

func TestInvocationStatusCanTransition(t *testing.T) {
	// Forward steps.
	assert.True(t, InvocationQueued.CanTransition(InvocationRunning))
	assert.True(t, InvocationRunning.CanTransition(InvocationSucceeded))
	// Running is optional: queued may jump straight to terminal.
	assert.True(t, InvocationQueued.CanTransition(InvocationSucceeded))
	assert.True(t, InvocationQueued.CanTransition(InvocationFailed))

	// No regressions.
	assert.False(t, InvocationRunning.CanTransition(InvocationQueued))
	assert.False(t, InvocationRunning.CanTransition(InvocationRunning))

	// At most one terminal transition.
	assert.False(t, InvocationSucceeded.CanTransition(InvocationFailed))
	assert.False(t, InvocationFailed.CanTransition(InvocationSucceeded))
	assert.False(t, InvocationCancelled.CanTransition(InvocationSucceeded))
}

func TestTurnStateContract(t *testing.T) {
	assert.True(t, TurnIdle.InputEnabled())
	assert.True(t, TurnError.InputEnabled())
	assert.False(t, TurnThinking.InputEnabled())
	assert.False(t, TurnWorking.InputEnabled())
	assert.False(t, TurnStreaming.InputEnabled())

	assert.True(t, TurnThinking.CancelVisible())
	assert.True(t, TurnWorking.CancelVisible())
	assert.False(t, TurnIdle.CancelVisible())

	assert.Equal(t, "Thinking...", TurnThinking.StatusText())
	assert.Equal(t, "Working on it...", TurnWorking.StatusText())
	assert.Equal(t, "", TurnStreaming.StatusText())
}

func TestServerEventKindTerminal(t *testing.T) {
	assert.True(t, KindGenerated.Terminal())
	assert.True(t, KindToolError.Terminal())
	assert.False(t, KindTaskQueued.Terminal())
	assert.False(t, KindGenerating.Terminal())
	assert.False(t, KindUnknown.Terminal())
}
