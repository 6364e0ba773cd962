package orchestrator

import (
	"encoding/json"
	"fmt"
)

// State is the lifecycle state of the daemon that owns a coordinator.
type State int

const (
	StateNotRunning State = iota
	StateStarting
	StateRunning
	StatePaused
	StateStopping
	StateStopped
)

var stateNames = map[State]string{
	StateNotRunning: "not-running",
	StateStarting:   "starting",
	StateRunning:    "running",
	StatePaused:     "paused",
	StateStopping:   "stopping",
	StateStopped:    "stopped",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ParseState converts a state name back into a State.
func ParseState(name string) (State, error) {
	for s, n := range stateNames {
		if n == name {
			return s, nil
		}
	}
	return StateNotRunning, fmt.Errorf("unknown daemon state %q", name)
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	v, err := ParseState(name)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// stateTransitions lists the lifecycle moves the coordinator accepts.
var stateTransitions = map[State][]State{
	StateNotRunning: {StateStarting},
	StateStarting:   {StateRunning, StateStopping},
	StateRunning:    {StatePaused, StateStopping},
	StatePaused:     {StateRunning, StateStopping},
	StateStopping:   {StateStopped},
}

func canMove(from, to State) bool {
	for _, s := range stateTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
