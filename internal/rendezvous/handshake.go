// Package rendezvous performs the relay handshake: it announces this peer's
// video and control endpoints for a session until the relay answers with
// the counterpart's address, rejects the session, or time runs out.
package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/1ureka/v3xlink/internal/protocol"
	"github.com/1ureka/v3xlink/internal/util"
)

const (
	DefaultMaxAttempts = 60
	DefaultAttemptWait = 5 * time.Second
	DefaultRetryDelay  = 500 * time.Millisecond
	DefaultTimeout     = 30 * time.Second

	receiveBufferSize = 1024
)

var log = util.NewLogger("rendezvous")

// Config describes one handshake attempt.
type Config struct {
	RelayAddr string // host:port
	SessionID string
	Role      protocol.Role

	MaxAttempts int
	AttemptWait time.Duration // how long to wait for a reply per attempt
	RetryDelay  time.Duration // pause between unanswered attempts

	// STUNServer, when set, is queried once from the control socket before
	// announcing so the public mapping shows up in the logs.
	STUNServer string
}

func (c *Config) applyDefaults() {
	if c.Role == "" {
		c.Role = protocol.RoleViewer
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.AttemptWait <= 0 {
		c.AttemptWait = DefaultAttemptWait
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
}

// Handshake runs the relay handshake once. It is safe to call State and
// Cancel from other goroutines while Run is in progress.
type Handshake struct {
	cfg Config

	state     atomic.Int32
	cancelled atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New creates a Handshake in the idle state.
func New(cfg Config) *Handshake {
	cfg.applyDefaults()
	return &Handshake{cfg: cfg}
}

// State returns the current step.
func (h *Handshake) State() State {
	return State(h.state.Load())
}

func (h *Handshake) setState(s State) {
	h.state.Store(int32(s))
	log.Debug("state → %s", s)
}

// Cancel requests the handshake to stop. It is observed between attempts
// and also interrupts a pending wait so sockets are released promptly.
func (h *Handshake) Cancel() {
	h.cancelled.Store(true)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
	}
}

// Run executes the handshake:
//  1. Resolve the relay address
//  2. Bind two ephemeral UDP sockets (video, control) and record their ports
//  3. Optionally probe the control socket's public mapping over STUN
//  4. Announce both port types concurrently until each gets a PeerInfo
//  5. Close both sockets so the ports can be rebound by their new owners
//  6. Return the terminal Outcome
//
// timeout bounds the whole run; zero or less selects DefaultTimeout.
func (h *Handshake) Run(ctx context.Context, timeout time.Duration) Outcome {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()

	if h.cancelled.Load() {
		return h.finish(Outcome{State: StateCancelled})
	}

	// 1. Resolve.
	h.setState(StateResolving)
	relay, err := resolve(runCtx, h.cfg.RelayAddr)
	if err != nil {
		if o, ok := h.interrupted(ctx, runCtx); ok {
			return h.finish(o)
		}
		return h.finish(Outcome{State: StateError, Err: err})
	}

	// 2. Bind.
	videoConn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return h.finish(Outcome{State: StateError, Err: fmt.Errorf("failed to bind video socket: %w", err)})
	}
	controlConn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		videoConn.Close()
		return h.finish(Outcome{State: StateError, Err: fmt.Errorf("failed to bind control socket: %w", err)})
	}

	out := Outcome{
		Relay:       relay,
		VideoPort:   videoConn.LocalAddr().(*net.UDPAddr).Port,
		ControlPort: controlConn.LocalAddr().(*net.UDPAddr).Port,
	}
	log.Info("announcing to relay %s (session %s, local video %d, control %d)",
		relay, util.Fingerprint(h.cfg.SessionID), out.VideoPort, out.ControlPort)

	// 5. Sockets are closed on every path out of here.
	defer func() {
		if err := errors.Join(videoConn.Close(), controlConn.Close()); err != nil {
			log.Debug("closing handshake sockets: %v", err)
		}
	}()

	// 3. STUN probe, best effort.
	if h.cfg.STUNServer != "" {
		if mapped, err := ProbeMapping(runCtx, controlConn, h.cfg.STUNServer, h.cfg.AttemptWait); err != nil {
			log.Warning("STUN probe via %s failed: %v", h.cfg.STUNServer, err)
		} else {
			log.Info("public control mapping %s", mapped)
		}
		if o, ok := h.interrupted(ctx, runCtx); ok {
			return h.finish(o)
		}
	}

	// 4. Announce.
	h.setState(StateAnnouncing)
	g, gctx := errgroup.WithContext(runCtx)

	var videoInfo, controlInfo protocol.PeerInfo
	g.Go(func() error {
		info, err := h.announce(gctx, videoConn, relay, protocol.PortVideo)
		videoInfo = info
		return err
	})
	g.Go(func() error {
		info, err := h.announce(gctx, controlConn, relay, protocol.PortControl)
		controlInfo = info
		return err
	})

	err = g.Wait()
	switch {
	case err == nil:
		out.State = StatePeered
		out.Peer = controlInfo
		if out.Peer.IP == "" {
			out.Peer.IP = videoInfo.IP
		}
		return h.finish(out)
	case errors.Is(err, ErrUnauthorized):
		return h.finish(Outcome{State: StateUnauthorized, Err: err})
	}

	if o, ok := h.interrupted(ctx, runCtx); ok {
		return h.finish(o)
	}
	if errors.Is(err, errExhausted) {
		return h.finish(Outcome{State: StateTimedOut, Err: err})
	}
	return h.finish(Outcome{State: StateError, Err: err})
}

// interrupted classifies a stop caused by Cancel, the caller's context, or
// the overall timeout.
func (h *Handshake) interrupted(parent, run context.Context) (Outcome, bool) {
	switch {
	case h.cancelled.Load() || parent.Err() != nil:
		return Outcome{State: StateCancelled}, true
	case errors.Is(run.Err(), context.DeadlineExceeded):
		return Outcome{State: StateTimedOut, Err: run.Err()}, true
	}
	return Outcome{}, false
}

func (h *Handshake) finish(o Outcome) Outcome {
	h.setState(o.State)
	switch o.State {
	case StatePeered:
		log.Success("%s", o)
	case StateUnauthorized:
		log.Error("relay rejected session %s", util.Fingerprint(h.cfg.SessionID))
	default:
		log.Warning("handshake ended: %s", o)
	}
	return o
}

// announce repeats the announcement for one port type until the relay
// answers with a PeerInfo or an unauthorized error.
func (h *Handshake) announce(ctx context.Context, conn *net.UDPConn, relay *net.UDPAddr, portType protocol.PortType) (protocol.PeerInfo, error) {
	data, err := protocol.Encode(protocol.New(protocol.PeerAnnouncement{
		Role:      h.cfg.Role,
		SessionID: h.cfg.SessionID,
		PortType:  portType,
	}))
	if err != nil {
		return protocol.PeerInfo{}, err
	}

	// Unblock a pending read as soon as the run is over.
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	buf := make([]byte, receiveBufferSize)
	for attempt := 1; attempt <= h.cfg.MaxAttempts; attempt++ {
		if h.cancelled.Load() {
			return protocol.PeerInfo{}, context.Canceled
		}
		if err := ctx.Err(); err != nil {
			return protocol.PeerInfo{}, err
		}

		if _, err := conn.WriteToUDP(data, relay); err != nil {
			log.Warning("%s announcement failed: %v", portType, err)
		} else {
			util.Stats.AddSent(len(data))
			log.Debug("sent %s announcement (attempt %d)", portType, attempt)
		}

		msg, ok := h.receive(ctx, conn, buf)
		if ok {
			switch p := msg.Payload.(type) {
			case protocol.PeerInfo:
				log.Info("%s port peered (peer %s)", portType, p.IP)
				return p, nil
			case protocol.ErrorMsg:
				if p.Unauthorized() {
					return protocol.PeerInfo{}, ErrUnauthorized
				}
				log.Warning("relay error on %s port: %s", portType, p.Code)
			default:
				log.Debug("ignoring %s on %s port", msg.Type(), portType)
			}
		}

		if attempt == h.cfg.MaxAttempts {
			break
		}
		select {
		case <-time.After(h.cfg.RetryDelay):
		case <-ctx.Done():
			return protocol.PeerInfo{}, ctx.Err()
		}
	}

	return protocol.PeerInfo{}, fmt.Errorf("%s port: %w", portType, errExhausted)
}

// receive waits up to AttemptWait for one decodable datagram.
func (h *Handshake) receive(ctx context.Context, conn *net.UDPConn, buf []byte) (protocol.Message, bool) {
	if ctx.Err() != nil {
		return protocol.Message{}, false
	}
	if err := conn.SetReadDeadline(time.Now().Add(h.cfg.AttemptWait)); err != nil {
		return protocol.Message{}, false
	}
	if ctx.Err() != nil {
		return protocol.Message{}, false
	}

	n, from, err := conn.ReadFromUDP(buf)
	if err != nil {
		var ne net.Error
		if !errors.As(err, &ne) || !ne.Timeout() {
			log.Debug("receive failed: %v", err)
		}
		return protocol.Message{}, false
	}
	util.Stats.AddRecv(n)

	msg, err := protocol.Decode(buf[:n])
	if err != nil {
		util.Stats.AddMalformed()
		log.Debug("dropping %d bytes from %s: %v", n, from, err)
		return protocol.Message{}, false
	}
	return msg, true
}

// resolve looks up the relay host and returns its first IPv4 address.
func resolve(ctx context.Context, hostport string) (*net.UDPAddr, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, fmt.Errorf("invalid relay address %q: %w", hostport, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("invalid relay port %q", portStr)
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve relay host %q: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("relay host %q has no IPv4 address", host)
	}

	return &net.UDPAddr{IP: ips[0], Port: port}, nil
}
