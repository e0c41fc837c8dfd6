package control

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/1ureka/v3xlink/internal/protocol"
)

// fakeStreamer plays the vehicle side of the control channel on loopback:
// it opens with Syn, echoes Latency probes and acks Commands.
type fakeStreamer struct {
	t    *testing.T
	conn *net.UDPConn
	dst  *net.UDPAddr

	mu       sync.Mutex
	received []protocol.Message
	ackAfter int // ack a command on this attempt; 0 never acks
	attempts map[string]int
}

func newFakeStreamer(t *testing.T, dst *net.UDPAddr) *fakeStreamer {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	s := &fakeStreamer{
		t:        t,
		conn:     conn,
		dst:      &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: dst.Port},
		ackAfter: 1,
		attempts: make(map[string]int),
	}
	go s.serve()
	t.Cleanup(func() { conn.Close() })
	return s
}

func (s *fakeStreamer) serve() {
	buf := make([]byte, 65535)
	for {
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		msg, err := protocol.Decode(buf[:n])
		if err != nil {
			continue
		}

		s.mu.Lock()
		s.received = append(s.received, msg)
		ackAfter := s.ackAfter
		var attempt int
		if cmd, ok := msg.Payload.(protocol.Command); ok {
			s.attempts[cmd.ID]++
			attempt = s.attempts[cmd.ID]
		}
		s.mu.Unlock()

		switch p := msg.Payload.(type) {
		case protocol.Latency:
			s.sendMessage(msg)
		case protocol.Command:
			if ackAfter > 0 && attempt == ackAfter {
				s.send(protocol.CommandAck{ID: p.ID})
			}
		}
	}
}

func (s *fakeStreamer) setAckAfter(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ackAfter = n
}

func (s *fakeStreamer) send(p protocol.Payload) {
	s.sendMessage(protocol.New(p))
}

func (s *fakeStreamer) sendMessage(m protocol.Message) {
	data, err := protocol.Encode(m)
	if err != nil {
		return
	}
	s.conn.WriteToUDP(data, s.dst)
}

func (s *fakeStreamer) sendRaw(data []byte) {
	s.conn.WriteToUDP(data, s.dst)
}

// messages returns everything received of the given type.
func (s *fakeStreamer) messages(typ string) []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Message
	for _, m := range s.received {
		if m.Type() == typ {
			out = append(out, m)
		}
	}
	return out
}

func (s *fakeStreamer) count(typ string) int {
	return len(s.messages(typ))
}

func (s *fakeStreamer) commandAttempts(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[id]
}

// connect sends Syn and waits for the Ack.
func (s *fakeStreamer) connect(rt *Runtime) {
	s.t.Helper()
	require.Eventually(s.t, func() bool {
		if s.count(protocol.TypeAck) > 0 && rt.Connected() {
			return true
		}
		s.send(protocol.Syn{Version: 1})
		return false
	}, 2*time.Second, 20*time.Millisecond)
}
