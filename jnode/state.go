package jnode

// State is the activation state of a jnode entry.
type State int32

// Entry states.  The numeric values are persisted.
const (
	StatePreEnabled State = iota
	StateEnabled
	StateExpired
	StateOutpointSpent
	StateUpdateRequired
	StateWatchdogExpired
	StateNewStartRequired
	StatePoSeBan
)

var stateStrings = map[State]string{
	StatePreEnabled:       "PRE_ENABLED",
	StateEnabled:          "ENABLED",
	StateExpired:          "EXPIRED",
	StateOutpointSpent:    "OUTPOINT_SPENT",
	StateUpdateRequired:   "UPDATE_REQUIRED",
	StateWatchdogExpired:  "WATCHDOG_EXPIRED",
	StateNewStartRequired: "NEW_START_REQUIRED",
	StatePoSeBan:          "POSE_BAN",
}

// String returns the state name.
func (s State) String() string {
	if str, ok := stateStrings[s]; ok {
		return str
	}
	return "UNKNOWN"
}

// ParseState returns the state named by str.
func ParseState(str string) (State, bool) {
	for s, name := range stateStrings {
		if name == str {
			return s, true
		}
	}
	return 0, false
}

// IsValidStateForAutoStart reports whether a remotely started jnode in state
// s may begin pinging.
func IsValidStateForAutoStart(s State) bool {
	switch s {
	case StateEnabled, StatePreEnabled, StateExpired, StateWatchdogExpired:
		return true
	}
	return false
}
