package session

import (
	"fmt"

	"github.com/remote-agent-terminal/agentrelay/internal/model"
)

// State is a session manager lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateActive
	StateEnding
	StateCompleted
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	case StateCompleted:
		return "completed"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Trigger drives a state transition.
type Trigger int

const (
	TriggerStart Trigger = iota
	TriggerAbort
	TriggerSpawned
	TriggerEnd
	TriggerComplete
	TriggerTerminate
	TriggerReset
)

func (t Trigger) String() string {
	switch t {
	case TriggerStart:
		return "start"
	case TriggerAbort:
		return "abort"
	case TriggerSpawned:
		return "spawned"
	case TriggerEnd:
		return "end"
	case TriggerComplete:
		return "complete"
	case TriggerTerminate:
		return "terminate"
	case TriggerReset:
		return "reset"
	default:
		return fmt.Sprintf("trigger(%d)", int(t))
	}
}

// transition is the lifecycle state machine. It has no side effects.
func transition(from State, t Trigger) (State, error) {
	switch t {
	case TriggerStart:
		if from != StateIdle {
			return from, model.ErrAlreadyRunning
		}
		return StateStarting, nil
	case TriggerEnd:
		if from != StateActive {
			return from, model.ErrNoActiveSession
		}
		return StateEnding, nil
	}

	switch {
	case from == StateStarting && t == TriggerAbort:
		return StateIdle, nil
	case from == StateStarting && t == TriggerSpawned:
		return StateActive, nil
	case from == StateEnding && t == TriggerComplete:
		return StateCompleted, nil
	case from == StateEnding && t == TriggerTerminate:
		return StateTerminated, nil
	case (from == StateCompleted || from == StateTerminated) && t == TriggerReset:
		return StateIdle, nil
	}
	return from, fmt.Errorf("invalid transition %s on %s", from, t)
}
