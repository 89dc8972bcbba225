package connection

// State is the lifecycle state of a Service.
type State int

const (
	StateUninitialized State = iota
	StateStarting
	StateActive
	StateStopping
	StateStopped
	// StateFailed is reachable only from StateStarting.
	StateFailed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// canStart reports whether Start is allowed from s. Stopped profiles can be
// started again; Failed ones must be stopped first.
func (s State) canStart() bool {
	return s == StateUninitialized || s == StateStopped
}

// canStop reports whether Stop has work to do from s.
func (s State) canStop() bool {
	return s == StateActive || s == StateFailed
}
