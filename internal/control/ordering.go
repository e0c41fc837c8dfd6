package control

import (
	"github.com/1ureka/v3xlink/internal/protocol"
)

// orderAgnostic types bypass the timestamp watermark: latency probes are
// self-contained samples and commands are matched by id.
var orderAgnostic = map[string]bool{
	protocol.TypeLatency:    true,
	protocol.TypeCommand:    true,
	protocol.TypeCommandAck: true,
}

// watermark drops messages stamped earlier than the last accepted one.
// Timestamps are the sender's wall clock, so skew between peers is not
// corrected. Only the receive loop touches it.
type watermark struct {
	last float64
}

// accept reports whether msg is in order, advancing the watermark when it
// is and the type is subject to ordering.
func (w *watermark) accept(msg protocol.Message) bool {
	if orderAgnostic[msg.Type()] {
		return true
	}
	if msg.Timestamp < w.last {
		return false
	}
	w.last = msg.Timestamp
	return true
}

func (w *watermark) reset() {
	w.last = 0
}
