// Package statusfeed serves a local, PIN-gated WebSocket that pushes the
// connection status and accepts operator input (control values, pause and
// streamer commands).
package statusfeed

import (
	"github.com/1ureka/v3xlink/internal/state"
)

// MessageType identifies the kind of feed message.
type MessageType string

const (
	MsgTypeStatus  MessageType = "status"  // server → client
	MsgTypeResult  MessageType = "result"  // server → client
	MsgTypeControl MessageType = "control" // client → server
	MsgTypePause   MessageType = "pause"   // client → server
	MsgTypeCommand MessageType = "command" // client → server
)

// Message is the JSON structure exchanged over the WebSocket.
type Message struct {
	Type MessageType `json:"type"`

	Status *state.Snapshot `json:"status,omitempty"`

	Throttle *float64 `json:"throttle,omitempty"`
	Steering *float64 `json:"steering,omitempty"`
	Paused   *bool    `json:"paused,omitempty"`

	Command string `json:"command,omitempty"` // a protocol.Catalogue name
	OK      *bool  `json:"ok,omitempty"`
	Error   string `json:"error,omitempty"`
}
