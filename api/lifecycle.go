package api

// State is the coarse lifecycle state of a migration attempt. The migration
// framework owns the transitions; the dump path only ever forces StateActive.
type State int

const (
	StateError State = iota
	StateSetup
	StateCancelled
	StateActive
	StateCompleted
)

var stateNames = [...]string{
	StateError:     "error",
	StateSetup:     "setup",
	StateCancelled: "cancelled",
	StateActive:    "active",
	StateCompleted: "completed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transitions are expected.
func (s State) Terminal() bool {
	return s == StateError || s == StateCancelled || s == StateCompleted
}
