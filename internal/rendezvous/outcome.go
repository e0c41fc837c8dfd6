package rendezvous

import (
	"errors"
	"fmt"
	"net"

	"github.com/1ureka/v3xlink/internal/protocol"
)

// ErrUnauthorized is reported when the relay rejects the session id.
var ErrUnauthorized = errors.New("session id not authorized by relay")

// errExhausted means every announcement attempt went unanswered.
var errExhausted = errors.New("announcement attempts exhausted")

// State is a step of the handshake state machine.
type State int32

const (
	StateIdle State = iota
	StateResolving
	StateAnnouncing
	StatePeered
	StateUnauthorized
	StateTimedOut
	StateCancelled
	StateError
)

var stateNames = map[State]string{
	StateIdle:         "idle",
	StateResolving:    "resolving",
	StateAnnouncing:   "announcing",
	StatePeered:       "peered",
	StateUnauthorized: "unauthorized",
	StateTimedOut:     "timed out",
	StateCancelled:    "cancelled",
	StateError:        "error",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Terminal reports whether s ends a handshake.
func (s State) Terminal() bool {
	return s >= StatePeered
}

// Outcome is the terminal result of a handshake.
type Outcome struct {
	State State

	// Set when State is StatePeered. Peer is the address the relay told us
	// to talk to; the local ports are the ones the relay now maps.
	Peer        protocol.PeerInfo
	VideoPort   int
	ControlPort int
	Relay       *net.UDPAddr

	// Err carries the cause for StateError, and the last failure for
	// StateTimedOut when there was one.
	Err error
}

func (o Outcome) String() string {
	switch o.State {
	case StatePeered:
		return fmt.Sprintf("peered with %s (local video %d, control %d)", o.Peer.IP, o.VideoPort, o.ControlPort)
	case StateError:
		return fmt.Sprintf("error: %v", o.Err)
	}
	return o.State.String()
}
