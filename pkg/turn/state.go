package turn

// State is the lifecycle state of a turn handler.
type State string

const (
	// StateIdle: handler created, turn not started.
	StateIdle State = "idle"
	// StateGenerating: consuming the backend token stream.
	StateGenerating State = "generating"
	// StateToolPending: a tool-call request was detected in the stream.
	StateToolPending State = "tool_pending"
	// StateToolRunning: one or more tool invocations are in flight.
	StateToolRunning State = "tool_running"
	// StateCompleted: turn finished normally. Terminal.
	StateCompleted State = "completed"
	// StateAborted: turn ended on an unrecoverable error or cancellation. Terminal.
	StateAborted State = "aborted"
)

// Terminal reports whether the state ends the turn.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}

// validTransitions defines the turn state machine. Tool calls detected while
// earlier ones are in flight bounce ToolRunning -> ToolPending -> ToolRunning.
var validTransitions = map[State][]State{
	StateIdle:        {StateGenerating, StateAborted},
	StateGenerating:  {StateToolPending, StateCompleted, StateAborted},
	StateToolPending: {StateToolRunning, StateAborted},
	StateToolRunning: {StateToolPending, StateGenerating, StateAborted},
}

func transitionValid(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
