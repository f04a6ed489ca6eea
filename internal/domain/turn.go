package domain

// TurnState is the UI-visible state of the current turn.
//
// Valid flow: idle → thinking → (working)? → streaming → idle, with error
// reachable from any non-idle state. Input is enabled only in idle and error.
type TurnState string

const (
	TurnIdle      TurnState = "idle"
	TurnThinking  TurnState = "thinking"
	TurnWorking   TurnState = "working"
	TurnStreaming TurnState = "streaming"
	TurnError     TurnState = "error"
)

// InputEnabled reports whether the composer accepts input in this state.
func (s TurnState) InputEnabled() bool {
	return s == TurnIdle || s == TurnError
}

// CancelVisible reports whether the cancel affordance must be shown.
func (s TurnState) CancelVisible() bool {
	return s == TurnThinking || s == TurnWorking || s == TurnStreaming
}

// StatusText returns the indicator text the renderer must show, or "" when
// no indicator applies.
func (s TurnState) StatusText() string {
	switch s {
	case TurnThinking:
		return "Thinking..."
	case TurnWorking:
		return "Working on it..."
	default:
		return ""
	}
}
