package state

import (
	"sync/atomic"
	"time"

	"github.com/1ureka/v3xlink/internal/protocol"
)

// DefaultConnectionTimeout is how long the link may stay silent after the
// first accepted message before it counts as lost.
const DefaultConnectionTimeout = 5 * time.Second

// Telemetry bit flags.
const (
	svcVideoBit     = 0x01
	gstRecordingBit = 0x01
)

// LatencyStatus grades the one-way latency estimate.
type LatencyStatus int

const (
	LatencyUnknown LatencyStatus = iota
	LatencyGood
	LatencyAcceptable
	LatencyPoor
)

func (s LatencyStatus) String() string {
	switch s {
	case LatencyGood:
		return "good"
	case LatencyAcceptable:
		return "acceptable"
	case LatencyPoor:
		return "poor"
	}
	return "unknown"
}

// MarshalText makes the status render as its name in JSON.
func (s LatencyStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// GradeLatency maps a one-way latency in milliseconds to a status.
func GradeLatency(oneWayMs int64) LatencyStatus {
	switch {
	case oneWayMs <= 40:
		return LatencyGood
	case oneWayMs <= 75:
		return LatencyAcceptable
	default:
		return LatencyPoor
	}
}

// ViewerState is the observed status of one connection.
type ViewerState struct {
	connected   atomic.Bool
	video       atomic.Bool
	recording   atomic.Bool
	latencyMs   atomic.Int64 // -1 until the first sample
	lastMessage atomic.Int64 // unix nanos, 0 until the first accepted message

	timeout time.Duration
	now     func() time.Time
}

// NewViewerState returns a disconnected ViewerState with no latency sample.
func NewViewerState() *ViewerState {
	v := &ViewerState{timeout: DefaultConnectionTimeout, now: time.Now}
	v.latencyMs.Store(-1)
	return v
}

func (v *ViewerState) SetConnected(c bool) { v.connected.Store(c) }
func (v *ViewerState) Connected() bool     { return v.connected.Load() }
func (v *ViewerState) VideoRunning() bool  { return v.video.Load() }
func (v *ViewerState) Recording() bool     { return v.recording.Load() }

// Latency returns the one-way latency estimate in milliseconds and whether
// a sample exists.
func (v *ViewerState) Latency() (int64, bool) {
	ms := v.latencyMs.Load()
	return ms, ms >= 0
}

// LatencyStatus grades the current latency sample.
func (v *ViewerState) LatencyStatus() LatencyStatus {
	ms, ok := v.Latency()
	if !ok {
		return LatencyUnknown
	}
	return GradeLatency(ms)
}

// UpdateLatency records a sample from an echoed probe sent at sentAt
// (float seconds). The stored value is half the round trip.
func (v *ViewerState) UpdateLatency(sentAt float64) int64 {
	now := float64(v.now().UnixNano()) / 1e9
	rttMs := int64((now - sentAt) * 1000)
	if rttMs < 0 {
		rttMs = 0
	}
	oneWay := rttMs / 2
	v.latencyMs.Store(oneWay)
	return oneWay
}

// UpdateTelemetry reads the svc and gst bit fields. Missing or
// non-numeric fields count as 0.
func (v *ViewerState) UpdateTelemetry(values protocol.Map) {
	v.video.Store(values.Int("svc")&svcVideoBit != 0)
	v.recording.Store(values.Int("gst")&gstRecordingBit != 0)
}

// Touch refreshes the liveness clock.
func (v *ViewerState) Touch() {
	v.lastMessage.Store(v.now().UnixNano())
}

// LastMessage returns when the last accepted message arrived, or the zero
// time if none has.
func (v *ViewerState) LastMessage() time.Time {
	ns := v.lastMessage.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// SetTimeout changes the silence allowed before TimedOut reports true. It
// must be called before the state is shared.
func (v *ViewerState) SetTimeout(d time.Duration) {
	if d > 0 {
		v.timeout = d
	}
}

// TimedOut reports whether the link has been silent longer than the
// timeout. It is always false before the first accepted message.
func (v *ViewerState) TimedOut() bool {
	ns := v.lastMessage.Load()
	if ns == 0 {
		return false
	}
	return v.now().Sub(time.Unix(0, ns)) > v.timeout
}

// Reset returns the record to its initial disconnected values.
func (v *ViewerState) Reset() {
	v.connected.Store(false)
	v.video.Store(false)
	v.recording.Store(false)
	v.latencyMs.Store(-1)
	v.lastMessage.Store(0)
}

// Snapshot is a read-only copy of a ViewerState.
type Snapshot struct {
	ControlConnected bool          `json:"controlConnected"`
	VideoRunning     bool          `json:"videoRunning"`
	Recording        bool          `json:"recording"`
	LatencyMs        *int64        `json:"latencyMs"`
	LatencyStatus    LatencyStatus `json:"latencyStatus"`
	LastMessageTime  time.Time     `json:"lastMessageTime"`
}

// Snapshot copies the current values.
func (v *ViewerState) Snapshot() Snapshot {
	s := Snapshot{
		ControlConnected: v.Connected(),
		VideoRunning:     v.VideoRunning(),
		Recording:        v.Recording(),
		LatencyStatus:    v.LatencyStatus(),
		LastMessageTime:  v.LastMessage(),
	}
	if ms, ok := v.Latency(); ok {
		s.LatencyMs = &ms
	}
	return s
}
