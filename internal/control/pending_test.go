package control

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/1ureka/v3xlink/internal/protocol"
)

func TestPendingResolveOnce(t *testing.T) {
	p := newPendingTable()

	var calls atomic.Int32
	p.add("a", func(ok bool) {
		calls.Add(1)
		assert.True(t, ok)
	})

	assert.True(t, p.has("a"))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.resolve("a", true)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, p.has("a"))
	assert.False(t, p.resolve("a", true))
}

func TestPendingFailAll(t *testing.T) {
	p := newPendingTable()

	var results []bool
	for _, id := range []string{"a", "b", "c"} {
		p.add(id, func(ok bool) { results = append(results, ok) })
	}

	assert.Equal(t, 3, p.failAll())
	assert.Equal(t, []bool{false, false, false}, results)
	assert.Zero(t, p.len())
	assert.Zero(t, p.failAll())
}

func TestWatermark(t *testing.T) {
	msg := func(ts float64, p protocol.Payload) protocol.Message {
		return protocol.Message{Timestamp: ts, Payload: p}
	}

	testCases := []struct {
		name string
		msg  protocol.Message
		want bool
	}{
		{"newer telemetry", msg(100, protocol.Telemetry{}), true},
		{"equal timestamp", msg(100, protocol.Heartbeat{}), true},
		{"older telemetry", msg(99, protocol.Telemetry{}), false},
		{"older syn", msg(50, protocol.Syn{Version: 1}), false},
		{"older latency", msg(1, protocol.Latency{}), true},
		{"older command", msg(1, protocol.Command{ID: "x"}), true},
		{"older command ack", msg(1, protocol.CommandAck{ID: "x"}), true},
		{"still at 100", msg(99.5, protocol.Control{}), false},
		{"advance", msg(101, protocol.Control{}), true},
		{"below new mark", msg(100.5, protocol.PeerInfo{}), false},
	}

	var w watermark
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, w.accept(tc.msg))
		})
	}

	// Exempt types never move the watermark.
	w.reset()
	assert.True(t, w.accept(msg(500, protocol.Latency{})))
	assert.True(t, w.accept(msg(10, protocol.Telemetry{})))
}
