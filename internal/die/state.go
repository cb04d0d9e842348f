package die

import (
	"fmt"

	"github.com/chaz8081/pixels-central/internal/ble/protocol"
)

// State is the connection state of a Session.
type State int

const (
	StateUnknown State = iota
	StateAvailable
	StateConnecting
	StateIdentifying
	StateReady
	StateDisconnecting
	StateCommError
	StateMissing
	StateRemoved
)

var stateNames = [...]string{
	StateUnknown:       "unknown",
	StateAvailable:     "available",
	StateConnecting:    "connecting",
	StateIdentifying:   "identifying",
	StateReady:         "ready",
	StateDisconnecting: "disconnecting",
	StateCommError:     "comm_error",
	StateMissing:       "missing",
	StateRemoved:       "removed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Active reports whether a connection is being made or is up.
func (s State) Active() bool {
	return s == StateConnecting || s == StateIdentifying || s == StateReady
}

// linked reports whether operations may run.
func (s State) linked() bool {
	return s == StateIdentifying || s == StateReady
}

// LastError records why a session last left the active states.
type LastError int

const (
	ErrorNone LastError = iota
	ErrorConnection
	ErrorDisconnected
)

func (e LastError) String() string {
	switch e {
	case ErrorNone:
		return "none"
	case ErrorConnection:
		return "connection"
	case ErrorDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("LastError(%d)", int(e))
	}
}

// StateChange is emitted on every state transition.
type StateChange struct {
	Old, New State
}

// Roll is the die's reported roll state and face, zero based.
type Roll struct {
	State protocol.RollState
	Face  int
}
