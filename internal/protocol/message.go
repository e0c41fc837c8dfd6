package protocol

import (
	"time"
)

// Type names as they appear in the envelope "t" field.
const (
	TypePeerAnnouncement = "PeerAnnouncement"
	TypePeerInfo         = "PeerInfo"
	TypeError            = "Error"
	TypeSyn              = "Syn"
	TypeAck              = "Ack"
	TypeHeartbeat        = "Heartbeat"
	TypeControl          = "Control"
	TypeTelemetry        = "Telemetry"
	TypeCommand          = "Command"
	TypeCommandAck       = "CommandAck"
	TypeLatency          = "Latency"

	// TypeUnknown is what PeekType reports for bytes it cannot read.
	TypeUnknown = "Unknown"
)

// Role is the part a peer plays in a session.
type Role string

const (
	RoleViewer    Role = "viewer"
	RoleStreamer  Role = "streamer"
	RoleSpectator Role = "spectator"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleViewer, RoleStreamer, RoleSpectator:
		return true
	}
	return false
}

// PortType names one of the two channels a peer announces.
type PortType string

const (
	PortVideo   PortType = "video"
	PortControl PortType = "control"
)

// Valid reports whether p is video or control.
func (p PortType) Valid() bool {
	return p == PortVideo || p == PortControl
}

// UnauthorizedCode is the Error code the relay uses for unknown session ids.
const UnauthorizedCode = "403"

// Payload is one of the closed set of message bodies defined in this package.
type Payload interface {
	Type() string
	payload() Map
}

// Message is the wire envelope: a typed payload stamped with the producer's
// wall-clock time in seconds.
type Message struct {
	Timestamp float64
	Payload   Payload
}

// Type returns the payload's type name, or TypeUnknown for an empty message.
func (m Message) Type() string {
	if m.Payload == nil {
		return TypeUnknown
	}
	return m.Payload.Type()
}

// Time converts the timestamp back to a time.Time.
func (m Message) Time() time.Time {
	sec := int64(m.Timestamp)
	nsec := int64((m.Timestamp - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// New wraps p in a Message stamped with the current time.
func New(p Payload) Message {
	return Message{Timestamp: Now(), Payload: p}
}

// Now returns the current wall-clock time as float seconds since the epoch.
func Now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// ──────────────────────────────────────────────────────────────────────────────
// Relay messages
// ──────────────────────────────────────────────────────────────────────────────

// PeerAnnouncement registers a peer's endpoint for one port type of a session.
type PeerAnnouncement struct {
	Role      Role
	SessionID string
	PortType  PortType
}

func (PeerAnnouncement) Type() string { return TypePeerAnnouncement }

func (p PeerAnnouncement) payload() Map {
	return Map{
		"r": StringValue(string(p.Role)),
		"i": StringValue(p.SessionID),
		"p": StringValue(string(p.PortType)),
	}
}

// PeerInfo is the relay's answer once a session is ready.
type PeerInfo struct {
	IP          string
	VideoPort   int
	ControlPort int
}

func (PeerInfo) Type() string { return TypePeerInfo }

func (p PeerInfo) payload() Map {
	return Map{
		"ip":           StringValue(p.IP),
		"video_port":   IntValue(int64(p.VideoPort)),
		"control_port": IntValue(int64(p.ControlPort)),
	}
}

// ErrorMsg is the relay's rejection.
type ErrorMsg struct {
	Code string
}

func (ErrorMsg) Type() string { return TypeError }

func (e ErrorMsg) payload() Map {
	return Map{"e": StringValue(e.Code)}
}

// Unauthorized reports whether the relay rejected the session id.
func (e ErrorMsg) Unauthorized() bool { return e.Code == UnauthorizedCode }

// ──────────────────────────────────────────────────────────────────────────────
// Peer messages
// ──────────────────────────────────────────────────────────────────────────────

// Syn opens the peer-to-peer channel. The streamer sends it, the viewer acks.
type Syn struct {
	Version int
}

func (Syn) Type() string { return TypeSyn }

func (s Syn) payload() Map {
	return Map{"v": IntValue(int64(s.Version))}
}

// Ack answers a Syn.
type Ack struct{}

func (Ack) Type() string { return TypeAck }
func (Ack) payload() Map { return Map{} }

// Heartbeat keeps NAT mappings alive; receivers ignore it.
type Heartbeat struct{}

func (Heartbeat) Type() string { return TypeHeartbeat }
func (Heartbeat) payload() Map { return Map{} }

// Latency is an echo probe. The peer sends it back unchanged and the
// original timestamp yields the round-trip time.
type Latency struct{}

func (Latency) Type() string { return TypeLatency }
func (Latency) payload() Map { return Map{} }

// Control carries the viewer's drive intent.
type Control struct {
	Values Map
}

// NewControl builds a Control frame from throttle and steering.
func NewControl(throttle, steering float64) Control {
	return Control{Values: Map{
		"throttle": FloatValue(throttle),
		"steering": FloatValue(steering),
	}}
}

func (Control) Type() string { return TypeControl }

func (c Control) payload() Map {
	return Map{"v": MapValue(nonNil(c.Values))}
}

// Throttle returns the throttle value, 0 when absent.
func (c Control) Throttle() float64 { return c.Values.Float("throttle") }

// Steering returns the steering value, 0 when absent.
func (c Control) Steering() float64 { return c.Values.Float("steering") }

// Telemetry is the streamer's status snapshot.
type Telemetry struct {
	Values Map
}

func (Telemetry) Type() string { return TypeTelemetry }

func (t Telemetry) payload() Map {
	return Map{"v": MapValue(nonNil(t.Values))}
}

// Command asks the streamer to perform a one-shot action. The streamer
// replies with a CommandAck carrying the same ID.
type Command struct {
	Name   string
	Params Map
	ID     string
}

func (Command) Type() string { return TypeCommand }

func (c Command) payload() Map {
	return Map{
		"c": StringValue(c.Name),
		"p": MapValue(nonNil(c.Params)),
		"i": StringValue(c.ID),
	}
}

// CommandAck confirms a Command.
type CommandAck struct {
	ID string
}

func (CommandAck) Type() string { return TypeCommandAck }

func (a CommandAck) payload() Map {
	return Map{"i": StringValue(a.ID)}
}

func nonNil(m Map) Map {
	if m == nil {
		return Map{}
	}
	return m
}
