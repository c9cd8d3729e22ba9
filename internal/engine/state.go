package engine

// State is the lifecycle state of the server. Transitions within one run are
// monotone: Stopped → Starting → Running → Stopping → Stopped. Error is
// terminal for the run that produced it; the next Start begins a new run.
type State int32

const (
	StateUnknown State = iota
	StateInitializing
	StateStarting
	StateRunning
	StateStopping
	StateStopped
	StateError
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "Initializing"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}
