package rotation

import "github.com/keywheel/keywheel/internal/store"

// ValidTransitions defines the allowed session state transitions. A rotation
// can only fail out of its grace period, when restoration itself breaks.
var ValidTransitions = map[store.SessionState][]store.SessionState{
	store.SessionInitiated: {
		store.SessionGracePeriod,
		store.SessionCancelled,
	},
	store.SessionGracePeriod: {
		store.SessionCompleted,
		store.SessionRolledBack,
		store.SessionCancelled,
		store.SessionFailed,
	},
	store.SessionCompleted:  {},
	store.SessionRolledBack: {},
	store.SessionCancelled:  {},
	store.SessionFailed:     {},
}

// CanTransition reports whether moving from one state to another is allowed.
func CanTransition(from, to store.SessionState) bool {
	for _, valid := range ValidTransitions[from] {
		if valid == to {
			return true
		}
	}
	return false
}
