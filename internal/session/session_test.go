package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/v3xlink/internal/control"
	"github.com/1ureka/v3xlink/internal/protocol"
	"github.com/1ureka/v3xlink/internal/rendezvous"
)

var loopback = net.IPv4(127, 0, 0, 1)

// startRelay answers every announcement with reply(announcement).
func startRelay(t *testing.T, reply func(protocol.PeerAnnouncement) protocol.Payload) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: loopback})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 2048)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			msg, err := protocol.Decode(buf[:n])
			if err != nil {
				continue
			}
			a, ok := msg.Payload.(protocol.PeerAnnouncement)
			if !ok {
				continue
			}
			data, _ := protocol.Encode(protocol.New(reply(a)))
			conn.WriteToUDP(data, from)
		}
	}()
	return conn
}

func testConfig(relay *net.UDPConn) Config {
	return Config{
		RelayAddr: relay.LocalAddr().String(),
		SessionID: "abc",
		Handshake: rendezvous.Config{
			MaxAttempts: 5,
			AttemptWait: 200 * time.Millisecond,
			RetryDelay:  20 * time.Millisecond,
		},
		Control: control.Config{
			AnnounceInterval:  50 * time.Millisecond,
			LatencyInterval:   50 * time.Millisecond,
			ReadTimeout:       50 * time.Millisecond,
			CommandRetryDelay: 20 * time.Millisecond,
		},
		ConnectionTimeout: 300 * time.Millisecond,
		WatchInterval:     50 * time.Millisecond,
	}
}

func peerInfoRelay(relay **net.UDPConn) func(protocol.PeerAnnouncement) protocol.Payload {
	return func(protocol.PeerAnnouncement) protocol.Payload {
		port := (*relay).LocalAddr().(*net.UDPAddr).Port
		return protocol.PeerInfo{IP: "127.0.0.1", VideoPort: port, ControlPort: port}
	}
}

// streamerSyn sends a Syn to the control port and acks any command.
func streamerSyn(t *testing.T, controlPort int) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: loopback})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	dst := &net.UDPAddr{IP: loopback, Port: controlPort}
	syn, err := protocol.Encode(protocol.New(protocol.Syn{Version: 1}))
	require.NoError(t, err)
	conn.WriteToUDP(syn, dst)

	go func() {
		buf := make([]byte, 65535)
		for {
			n, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			msg, err := protocol.Decode(buf[:n])
			if err != nil {
				continue
			}
			if cmd, ok := msg.Payload.(protocol.Command); ok {
				data, _ := protocol.Encode(protocol.New(protocol.CommandAck{ID: cmd.ID}))
				conn.WriteToUDP(data, dst)
			}
		}
	}()
	return conn
}

func TestConnectAndLoseStreamer(t *testing.T) {
	var relay *net.UDPConn
	relay = startRelay(t, peerInfoRelay(&relay))

	s := New(testConfig(relay))
	defer s.Stop()

	out := s.Connect(context.Background(), 5*time.Second)
	require.Equal(t, rendezvous.StatePeered, out.State, "outcome: %s", out)
	require.NotNil(t, s.Runtime())
	assert.Equal(t, out.ControlPort, s.Runtime().LocalAddr().Port)

	// The runtime re-announces and the relay confirms.
	require.Eventually(t, s.Runtime().PeerInfoSeen, 2*time.Second, 10*time.Millisecond)

	streamer := streamerSyn(t, out.ControlPort)
	require.Eventually(t, func() bool { return s.Snapshot().ControlConnected }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Exec(context.Background(), protocol.VideoStart()))

	acked := make(chan bool, 1)
	s.Command("trim", protocol.Map{"action": protocol.StringValue("increase")}, func(ok bool) { acked <- ok })
	select {
	case ok := <-acked:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("command callback never fired")
	}

	// Silence the streamer; the watchdog ends the session.
	streamer.Close()
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("watchdog did not close the session")
	}
	assert.ErrorIs(t, s.Err(), ErrConnectionLost)
	assert.False(t, s.Snapshot().ControlConnected)
	assert.ErrorIs(t, s.Exec(context.Background(), protocol.VideoStop()), control.ErrNotRunning)
}

func TestConnectUnauthorized(t *testing.T) {
	relay := startRelay(t, func(protocol.PeerAnnouncement) protocol.Payload {
		return protocol.ErrorMsg{Code: protocol.UnauthorizedCode}
	})

	s := New(testConfig(relay))
	out := s.Connect(context.Background(), 5*time.Second)

	assert.Equal(t, rendezvous.StateUnauthorized, out.State)
	assert.ErrorIs(t, s.Err(), rendezvous.ErrUnauthorized)
	assert.Nil(t, s.Runtime())

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after failed handshake")
	}

	second := s.Connect(context.Background(), time.Second)
	assert.Equal(t, rendezvous.StateError, second.State)
}

func TestStopDuringHandshake(t *testing.T) {
	relay, err := net.ListenUDP("udp4", &net.UDPAddr{IP: loopback})
	require.NoError(t, err)
	defer relay.Close()

	s := New(testConfig(relay))

	result := make(chan rendezvous.Outcome, 1)
	go func() { result <- s.Connect(context.Background(), 10*time.Second) }()

	time.Sleep(100 * time.Millisecond)
	s.Stop()

	select {
	case out := <-result:
		assert.Equal(t, rendezvous.StateCancelled, out.State)
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return after Stop")
	}
	assert.NoError(t, s.Err())
}

func TestCommandWithoutChannel(t *testing.T) {
	s := New(Config{})
	defer s.Stop()

	var got []bool
	s.SendCommand(protocol.Shutdown(), func(ok bool) { got = append(got, ok) })
	s.Command("restart", nil, func(ok bool) { got = append(got, ok) })
	assert.Equal(t, []bool{false, false}, got)
	assert.ErrorIs(t, s.Exec(context.Background(), protocol.Restart()), ErrNotPeered)
}
