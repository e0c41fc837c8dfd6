package control

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/1ureka/v3xlink/internal/protocol"
	"github.com/1ureka/v3xlink/internal/state"
	"github.com/1ureka/v3xlink/internal/util"
)

func fastConfig() Config {
	return Config{
		SessionID:         "abc",
		ControlHz:         100,
		AnnounceInterval:  30 * time.Millisecond,
		LatencyInterval:   30 * time.Millisecond,
		ReadTimeout:       50 * time.Millisecond,
		CommandRetryDelay: 10 * time.Millisecond,
	}
}

// startRuntime starts a runtime on an ephemeral port and stops it at cleanup.
func startRuntime(t *testing.T, cfg Config, cs *state.ControlState, vs *state.ViewerState) *Runtime {
	t.Helper()
	rt := New(cfg, cs, vs)
	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(rt.Stop)
	return rt
}

func TestClampHz(t *testing.T) {
	testCases := []struct {
		in, want int
	}{
		{0, 30}, {-5, 30}, {1, 1}, {30, 30}, {100, 100}, {250, 100},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, ClampHz(tc.in), "ClampHz(%d)", tc.in)
	}
}

// TestPacing covers the outgoing Control values for scaled and paused input.
func TestPacing(t *testing.T) {
	testCases := []struct {
		name         string
		throttle     float64
		steering     float64
		paused       bool
		scales       *state.Scales
		wantThrottle float64
		wantSteering float64
	}{
		{
			name:         "forward scale",
			throttle:     0.5,
			steering:     -0.2,
			scales:       &state.Scales{Forward: 0.8, Backward: 1, Steering: 1},
			wantThrottle: 0.4,
			wantSteering: -0.2,
		},
		{
			name:         "backward scale",
			throttle:     -0.5,
			steering:     0.5,
			scales:       &state.Scales{Forward: 1, Backward: 0.6, Steering: 0.5},
			wantThrottle: -0.3,
			wantSteering: 0.25,
		},
		{
			name:         "paused sends zeros",
			throttle:     0.9,
			steering:     0.9,
			paused:       true,
			wantThrottle: 0,
			wantSteering: 0,
		},
		{
			name:         "zero scales stop the vehicle",
			throttle:     0.5,
			steering:     -0.2,
			scales:       &state.Scales{},
			wantThrottle: 0,
			wantSteering: 0,
		},
		{
			name:         "unset scales pass input through",
			throttle:     0.5,
			steering:     -0.2,
			wantThrottle: 0.5,
			wantSteering: -0.2,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cs := state.NewControlState()
			cs.Set(tc.throttle, tc.steering)
			cs.SetPaused(tc.paused)

			cfg := fastConfig()
			cfg.ControlHz = 30
			cfg.Scales = tc.scales
			rt := startRuntime(t, cfg, cs, nil)
			streamer := newFakeStreamer(t, rt.LocalAddr())

			// Nothing is paced before the streamer says hello.
			time.Sleep(100 * time.Millisecond)
			assert.Zero(t, streamer.count(protocol.TypeControl))

			streamer.connect(rt)
			require.Eventually(t, func() bool { return streamer.count(protocol.TypeControl) >= 3 }, 2*time.Second, 10*time.Millisecond)

			for _, m := range streamer.messages(protocol.TypeControl) {
				c := m.Payload.(protocol.Control)
				assert.InDelta(t, tc.wantThrottle, c.Throttle(), 1e-9)
				assert.InDelta(t, tc.wantSteering, c.Steering(), 1e-9)
			}
		})
	}
}

func TestPacingRate(t *testing.T) {
	cfg := fastConfig()
	cfg.ControlHz = 20
	rt := startRuntime(t, cfg, nil, nil)
	streamer := newFakeStreamer(t, rt.LocalAddr())
	streamer.connect(rt)

	before := streamer.count(protocol.TypeControl)
	time.Sleep(500 * time.Millisecond)
	sent := streamer.count(protocol.TypeControl) - before

	// 20 Hz over half a second, with generous slack for scheduling.
	assert.GreaterOrEqual(t, sent, 5)
	assert.LessOrEqual(t, sent, 15)
}

func TestSpectatorNeverDrives(t *testing.T) {
	cfg := fastConfig()
	cfg.Spectator = true
	cs := state.NewControlState()
	cs.Set(1, 1)

	rt := startRuntime(t, cfg, cs, nil)
	streamer := newFakeStreamer(t, rt.LocalAddr())
	streamer.connect(rt)

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, streamer.count(protocol.TypeControl))
	assert.NotZero(t, streamer.count(protocol.TypeLatency), "spectators still probe latency")
}

func TestSynMarksConnected(t *testing.T) {
	vs := state.NewViewerState()
	rt := startRuntime(t, fastConfig(), nil, vs)
	assert.False(t, rt.Connected())
	assert.Nil(t, rt.Peer())

	streamer := newFakeStreamer(t, rt.LocalAddr())
	streamer.connect(rt)

	assert.True(t, vs.Connected())
	require.NotNil(t, rt.Peer())
	assert.Equal(t, streamer.conn.LocalAddr().(*net.UDPAddr).Port, rt.Peer().Port)
	assert.False(t, vs.LastMessage().IsZero())
}

func TestTelemetryUpdatesViewerState(t *testing.T) {
	vs := state.NewViewerState()
	rt := startRuntime(t, fastConfig(), nil, vs)
	streamer := newFakeStreamer(t, rt.LocalAddr())
	streamer.connect(rt)

	streamer.send(protocol.Telemetry{Values: protocol.Map{
		"svc": protocol.IntValue(1),
		"gst": protocol.IntValue(1),
		"sig": protocol.MapValue(protocol.Map{"rsrp": protocol.IntValue(-90)}),
	}})
	require.Eventually(t, func() bool { return vs.VideoRunning() && vs.Recording() }, time.Second, 10*time.Millisecond)

	streamer.send(protocol.Telemetry{Values: protocol.Map{"svc": protocol.IntValue(0)}})
	require.Eventually(t, func() bool { return !vs.VideoRunning() && !vs.Recording() }, time.Second, 10*time.Millisecond)
}

func TestLatencyProbe(t *testing.T) {
	vs := state.NewViewerState()
	rt := startRuntime(t, fastConfig(), nil, vs)
	streamer := newFakeStreamer(t, rt.LocalAddr())
	streamer.connect(rt)

	require.Eventually(t, func() bool {
		_, ok := vs.Latency()
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	ms, _ := vs.Latency()
	assert.Less(t, ms, int64(100))
	assert.Equal(t, state.LatencyGood, vs.LatencyStatus())
}

// TestOrderingDropsStale sends a telemetry frame stamped in the past after a
// newer one and checks it is ignored, while exempt types still get through.
func TestOrderingDropsStale(t *testing.T) {
	vs := state.NewViewerState()
	rt := startRuntime(t, fastConfig(), nil, vs)
	streamer := newFakeStreamer(t, rt.LocalAddr())
	streamer.connect(rt)

	now := protocol.Now()
	streamer.sendMessage(protocol.Message{Timestamp: now + 10, Payload: protocol.Telemetry{Values: protocol.Map{"svc": protocol.IntValue(1)}}})
	require.Eventually(t, vs.VideoRunning, time.Second, 10*time.Millisecond)

	streamer.sendMessage(protocol.Message{Timestamp: now + 5, Payload: protocol.Telemetry{Values: protocol.Map{"svc": protocol.IntValue(0)}}})

	// An old-stamped ack is still honored.
	acked := make(chan bool, 1)
	streamer.setAckAfter(0)
	rt.SendCommand(protocol.Command{Name: "trim", ID: "old-ack"}, func(ok bool) { acked <- ok })
	streamer.sendMessage(protocol.Message{Timestamp: now - 100, Payload: protocol.CommandAck{ID: "old-ack"}})

	select {
	case ok := <-acked:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("stale-stamped CommandAck was not accepted")
	}
	assert.True(t, vs.VideoRunning(), "stale telemetry must not overwrite newer state")
}

func TestMalformedDatagramsAreDropped(t *testing.T) {
	vs := state.NewViewerState()
	rt := startRuntime(t, fastConfig(), nil, vs)
	streamer := newFakeStreamer(t, rt.LocalAddr())
	before := util.Stats.Malformed.Load()

	unknown, err := msgpack.Marshal(map[string]any{"t": "Bogus", "p": map[string]any{}, "d": 1.0})
	require.NoError(t, err)
	mistyped, err := msgpack.Marshal(map[string]any{"t": protocol.TypeCommandAck, "p": map[string]any{"i": 7}, "d": 1.0})
	require.NoError(t, err)

	streamer.sendRaw([]byte{0xde, 0xad, 0xbe, 0xef})
	streamer.sendRaw(nil)
	streamer.sendRaw(unknown)
	streamer.sendRaw(mistyped)

	streamer.connect(rt)
	assert.True(t, rt.Connected())
	assert.GreaterOrEqual(t, util.Stats.Malformed.Load()-before, int64(3))
}

func TestAnnouncementsUntilPeerInfo(t *testing.T) {
	relay, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer relay.Close()

	var count atomic.Int32
	var from atomic.Pointer[net.UDPAddr]
	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := relay.ReadFromUDP(buf)
			if err != nil {
				return
			}
			msg, err := protocol.Decode(buf[:n])
			if err != nil {
				continue
			}
			if a, ok := msg.Payload.(protocol.PeerAnnouncement); ok && a.PortType == protocol.PortControl && a.SessionID == "abc" {
				from.Store(addr)
				count.Add(1)
			}
		}
	}()

	cfg := fastConfig()
	cfg.Relay = relay.LocalAddr().(*net.UDPAddr)
	rt := startRuntime(t, cfg, nil, nil)

	require.Eventually(t, func() bool { return count.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)

	data, err := protocol.Encode(protocol.New(protocol.PeerInfo{IP: "127.0.0.1", VideoPort: 1, ControlPort: 2}))
	require.NoError(t, err)
	relay.WriteToUDP(data, from.Load())

	require.Eventually(t, rt.PeerInfoSeen, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	settled := count.Load()
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, settled, count.Load(), "announcements continue after PeerInfo")
}

// ──────────────────────────────────────────────────────────────────────────────
// Commands
// ──────────────────────────────────────────────────────────────────────────────

// callbackRecorder counts callback invocations.
type callbackRecorder struct {
	mu      sync.Mutex
	results []bool
}

func (c *callbackRecorder) cb(ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, ok)
}

func (c *callbackRecorder) get() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bool(nil), c.results...)
}

func TestCommandNotConnected(t *testing.T) {
	rt := startRuntime(t, fastConfig(), nil, nil)

	var rec callbackRecorder
	rt.SendCommand(protocol.VideoStart(), rec.cb)
	assert.Equal(t, []bool{false}, rec.get(), "callback must fire synchronously")

	assert.ErrorIs(t, rt.Exec(context.Background(), protocol.VideoStart()), ErrNotRunning)
}

func TestCommandAcknowledged(t *testing.T) {
	cfg := fastConfig()
	cfg.CommandRetryDelay = 50 * time.Millisecond
	rt := startRuntime(t, cfg, nil, nil)
	streamer := newFakeStreamer(t, rt.LocalAddr())
	streamer.setAckAfter(3)
	streamer.connect(rt)

	var rec callbackRecorder
	cmd := protocol.RecordingStart()
	rt.SendCommand(cmd, rec.cb)

	require.Eventually(t, func() bool { return len(rec.get()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{true}, rec.get())

	// Retries stop once acknowledged, and a duplicate ack changes nothing.
	streamer.send(protocol.CommandAck{ID: cmd.ID})
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 3, streamer.commandAttempts(cmd.ID))
	assert.Equal(t, []bool{true}, rec.get())
}

func TestCommandExhausted(t *testing.T) {
	rt := startRuntime(t, fastConfig(), nil, nil)
	streamer := newFakeStreamer(t, rt.LocalAddr())
	streamer.setAckAfter(0)
	streamer.connect(rt)

	var rec callbackRecorder
	cmd := protocol.Shutdown()
	start := time.Now()
	rt.SendCommand(cmd, rec.cb)

	require.Eventually(t, func() bool { return len(rec.get()) == 1 }, 2*time.Second, 5*time.Millisecond)
	elapsed := time.Since(start)

	assert.Equal(t, []bool{false}, rec.get())
	// Nine waits between ten attempts.
	assert.GreaterOrEqual(t, elapsed, 9*fastConfig().CommandRetryDelay)

	require.Eventually(t, func() bool { return streamer.commandAttempts(cmd.ID) == DefaultCommandAttempts }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, DefaultCommandAttempts, streamer.commandAttempts(cmd.ID))

	// A late ack must not fire the callback again.
	streamer.send(protocol.CommandAck{ID: cmd.ID})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []bool{false}, rec.get())

	assert.ErrorIs(t, rt.Exec(context.Background(), protocol.Restart()), ErrCommandFailed)
}

func TestStopFailsPendingCommands(t *testing.T) {
	cfg := fastConfig()
	cfg.CommandRetryDelay = time.Second
	vs := state.NewViewerState()

	rt := New(cfg, nil, vs)
	require.NoError(t, rt.Start(context.Background()))
	streamer := newFakeStreamer(t, rt.LocalAddr())
	streamer.setAckAfter(0)
	streamer.connect(rt)

	recs := make([]*callbackRecorder, 3)
	for i := range recs {
		recs[i] = &callbackRecorder{}
		rt.SendCommand(protocol.TrimIncrease(), recs[i].cb)
	}

	rt.Stop()

	for i, rec := range recs {
		assert.Equal(t, []bool{false}, rec.get(), "command %d", i)
	}
	assert.Zero(t, rt.pending.len())
	assert.False(t, rt.Connected())
	assert.Nil(t, rt.Peer())
	assert.False(t, vs.Connected())

	select {
	case <-rt.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}

	// After Stop everything fails immediately and Stop is idempotent.
	var rec callbackRecorder
	rt.SendCommand(protocol.TrimDecrease(), rec.cb)
	assert.Equal(t, []bool{false}, rec.get())
	rt.Stop()
}

func TestStartTwice(t *testing.T) {
	rt := startRuntime(t, fastConfig(), nil, nil)
	assert.Error(t, rt.Start(context.Background()))
}

func TestStartBindFailure(t *testing.T) {
	held, err := net.ListenUDP("udp4", &net.UDPAddr{})
	require.NoError(t, err)
	defer held.Close()

	cfg := fastConfig()
	cfg.Port = held.LocalAddr().(*net.UDPAddr).Port
	rt := New(cfg, nil, nil)

	assert.Error(t, rt.Start(context.Background()))
	select {
	case <-rt.Done():
	default:
		t.Fatal("Done not closed after failed Start")
	}
	rt.Stop()
}
