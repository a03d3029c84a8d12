package vmm

import "slices"

// State is the lifecycle state of a build VM.
type State string

const (
	StateGotIP             State = "got_ip"
	StateCheckHealth       State = "check_health"
	StateCheckHealthFailed State = "check_health_failed"
	StateReady             State = "ready"
	StateInUse             State = "in_use"
	StateTerminating       State = "terminating"
)

// AllStates lists every state a stored descriptor can be in.
var AllStates = []State{
	StateGotIP,
	StateCheckHealth,
	StateCheckHealthFailed,
	StateReady,
	StateInUse,
	StateTerminating,
}

// ActiveStates are the states counted against a group's capacity when
// deciding whether to spawn.
var ActiveStates = []State{
	StateGotIP,
	StateReady,
	StateInUse,
	StateCheckHealth,
}

// HealthSweepStates are the states the control loop probes periodically.
var HealthSweepStates = []State{
	StateReady,
	StateGotIP,
	StateInUse,
	StateCheckHealthFailed,
}

func (s State) Valid() bool {
	return slices.Contains(AllStates, s)
}

func (s State) String() string {
	return string(s)
}

// In reports whether s is one of states.
func (s State) In(states ...State) bool {
	return slices.Contains(states, s)
}
