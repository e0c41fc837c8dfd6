package statusfeed

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/v3xlink/internal/protocol"
	"github.com/1ureka/v3xlink/internal/state"
	"github.com/1ureka/v3xlink/internal/util"
)

const DefaultInterval = 500 * time.Millisecond

// resultBuffer is how many command results may wait for a slow client
// before new ones are dropped.
const resultBuffer = 16

var log = util.NewLogger("statusfeed")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Backend is what the feed reports on and drives.
type Backend interface {
	Snapshot() state.Snapshot
	Control() *state.ControlState
	SendCommand(cmd protocol.Command, cb func(bool))
}

// Server is the local status WebSocket server.
type Server struct {
	pin      string
	backend  Backend
	interval time.Duration

	listener net.Listener
	http     *http.Server

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// NewServer creates a feed for backend guarded by pin. An interval of zero
// or less selects DefaultInterval.
func NewServer(pin string, backend Backend, interval time.Duration) *Server {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Server{
		pin:      pin,
		backend:  backend,
		interval: interval,
		clients:  make(map[*client]struct{}),
	}
}

// Start begins listening on addr ("127.0.0.1:0" when empty) and returns the
// assigned port.
func (s *Server) Start(addr string) (int, error) {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to start status feed: %w", err)
	}
	s.listener = listener
	port := listener.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warning("serve: %v", err)
		}
	}()

	log.Info("status feed on ws://%s/ws", listener.Addr())
	return port, nil
}

// Close stops accepting clients and disconnects the current ones.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	if s.http != nil {
		s.http.Close()
	}
	for _, c := range clients {
		c.close()
	}
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	pin := r.URL.Query().Get("pin")
	if pin != s.pin {
		http.Error(w, "Invalid PIN", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := newClient(conn)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	log.Info("client %s connected", conn.RemoteAddr())

	go s.push(c)
	s.read(c)

	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.close()
	log.Info("client %s disconnected", conn.RemoteAddr())
}

// push is the client's only writer. It sends a status message immediately
// and then every interval, interleaved with queued command results.
func (s *Server) push(c *client) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	snap := s.backend.Snapshot()
	msg := Message{Type: MsgTypeStatus, Status: &snap}
	for {
		if err := c.send(msg); err != nil {
			c.close()
			return
		}

		select {
		case <-ticker.C:
			snap := s.backend.Snapshot()
			msg = Message{Type: MsgTypeStatus, Status: &snap}
		case msg = <-c.results:
		case <-c.done:
			return
		}
	}
}

// read handles client input until the connection fails.
func (s *Server) read(c *client) {
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case MsgTypeControl:
			ctrl := s.backend.Control()
			if msg.Throttle != nil {
				ctrl.SetThrottle(*msg.Throttle)
			}
			if msg.Steering != nil {
				ctrl.SetSteering(*msg.Steering)
			}

		case MsgTypePause:
			if msg.Paused != nil {
				s.backend.Control().SetPaused(*msg.Paused)
				log.Info("control %s by %s", pausedWord(*msg.Paused), c.conn.RemoteAddr())
			}

		case MsgTypeCommand:
			s.command(c, msg.Command)

		default:
			log.Debug("ignoring %q from %s", msg.Type, c.conn.RemoteAddr())
		}
	}
}

func (s *Server) command(c *client, name string) {
	build, ok := protocol.Catalogue[name]
	if !ok {
		failed := false
		c.deliver(Message{Type: MsgTypeResult, Command: name, OK: &failed, Error: "unknown command"})
		return
	}

	// The callback may run on the control receive loop; it must not write.
	s.backend.SendCommand(build(), func(ok bool) {
		c.deliver(Message{Type: MsgTypeResult, Command: name, OK: &ok})
	})
}

func pausedWord(p bool) string {
	if p {
		return "paused"
	}
	return "resumed"
}

// client is one feed connection. Writes are serialized by mu.
type client struct {
	conn    *websocket.Conn
	results chan Message

	mu        sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		conn:    conn,
		results: make(chan Message, resultBuffer),
		done:    make(chan struct{}),
	}
}

// deliver queues msg for the push goroutine without blocking.
func (c *client) deliver(msg Message) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.results <- msg:
	default:
		log.Warning("dropping %s result for slow client", msg.Command)
	}
}

func (c *client) send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(msg)
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// Dial connects to a feed at url (ws://host:port/ws?pin=...).
func Dial(ctx context.Context, url string) (*websocket.Conn, error) {
	dialer := websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to status feed: %w", err)
	}
	return conn, nil
}

// GeneratePIN returns a random numeric PIN of the specified length.
func GeneratePIN(length int) string {
	digits := make([]byte, length)
	for i := range digits {
		n, _ := rand.Int(rand.Reader, big.NewInt(10))
		digits[i] = byte('0') + byte(n.Int64())
	}
	return string(digits)
}
