package offline

// State is a worker's lifecycle state.
type State int32

// Worker lifecycle states, in the order a successful version passes through them.
const (
	StateRegistering State = iota
	StateInstalling
	// StateInstalled means installed and waiting for the previous version's
	// requests to drain.
	StateInstalled
	StateActivating
	StateActivated
	// StateRedundant is terminal: the install failed or a newer version took over.
	StateRedundant
)

var stateNames = [...]string{
	StateRegistering: "registering",
	StateInstalling:  "installing",
	StateInstalled:   "installed",
	StateActivating:  "activating",
	StateActivated:   "activated",
	StateRedundant:   "redundant",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// validTransition reports whether a worker may move from one state to another.
func validTransition(from, to State) bool {
	if to == StateRedundant {
		return from != StateRedundant
	}
	return to == from+1 && from != StateRedundant
}
