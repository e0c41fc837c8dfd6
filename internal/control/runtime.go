// Package control runs the viewer side of the control channel once the relay
// handshake is done. A Runtime owns the control socket and drives four loops
// under one errgroup: relay re-announcement, control pacing, latency probing
// and the receive/dispatch loop. Commands are retried until acknowledged.
package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/1ureka/v3xlink/internal/protocol"
	"github.com/1ureka/v3xlink/internal/state"
	"github.com/1ureka/v3xlink/internal/transport"
	"github.com/1ureka/v3xlink/internal/util"
)

const (
	DefaultControlHz = 30
	MinControlHz     = 1
	MaxControlHz     = 100

	DefaultAnnounceInterval  = 1 * time.Second
	DefaultLatencyInterval   = 1 * time.Second
	DefaultReadTimeout       = 1 * time.Second
	DefaultCommandAttempts   = 10
	DefaultCommandRetryDelay = 200 * time.Millisecond

	receiveBufferSize = 65535
)

var (
	// ErrNotRunning means the runtime is stopped or has no streamer yet.
	ErrNotRunning = errors.New("control runtime not running")
	// ErrCommandFailed means a command was never acknowledged.
	ErrCommandFailed = errors.New("command not acknowledged")

	errAlreadyStarted = errors.New("control runtime already started")
)

var log = util.NewLogger("control")

// Config describes one control channel.
type Config struct {
	Port      int          // local port to bind; 0 picks one
	Relay     *net.UDPAddr // where to re-announce; nil disables announcing
	SessionID string
	Spectator bool

	ControlHz int
	Scales    *state.Scales // nil selects state.DefaultScales; zero axes stay zero
	TTL       time.Duration

	AnnounceInterval  time.Duration
	LatencyInterval   time.Duration
	ReadTimeout       time.Duration
	CommandAttempts   int
	CommandRetryDelay time.Duration
}

// ClampHz limits a control rate to [MinControlHz, MaxControlHz]; zero or
// less selects DefaultControlHz.
func ClampHz(hz int) int {
	switch {
	case hz <= 0:
		return DefaultControlHz
	case hz < MinControlHz:
		return MinControlHz
	case hz > MaxControlHz:
		return MaxControlHz
	}
	return hz
}

func (c *Config) applyDefaults() {
	c.ControlHz = ClampHz(c.ControlHz)
	scales := state.DefaultScales
	if c.Scales != nil {
		scales = *c.Scales
	}
	c.Scales = &scales
	if c.AnnounceInterval <= 0 {
		c.AnnounceInterval = DefaultAnnounceInterval
	}
	if c.LatencyInterval <= 0 {
		c.LatencyInterval = DefaultLatencyInterval
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.CommandAttempts <= 0 {
		c.CommandAttempts = DefaultCommandAttempts
	}
	if c.CommandRetryDelay <= 0 {
		c.CommandRetryDelay = DefaultCommandRetryDelay
	}
}

func (c *Config) role() protocol.Role {
	if c.Spectator {
		return protocol.RoleSpectator
	}
	return protocol.RoleViewer
}

// Runtime is one control channel session.
type Runtime struct {
	cfg     Config
	control *state.ControlState
	viewer  *state.ViewerState

	conn   *net.UDPConn
	queue  *transport.Queue
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	done   chan struct{}

	mu      sync.Mutex
	started bool
	running bool
	tasks   sync.WaitGroup // command retry tasks

	peer      atomic.Pointer[net.UDPAddr]
	connected atomic.Bool
	peerInfo  atomic.Bool // a PeerInfo arrived on this channel

	order   watermark
	pending *pendingTable
}

// New creates a Runtime. control is read by the pacing loop; viewer is
// written by the receive loop. Either may be shared with other components.
func New(cfg Config, control *state.ControlState, viewer *state.ViewerState) *Runtime {
	cfg.applyDefaults()
	if control == nil {
		control = state.NewControlState()
	}
	if viewer == nil {
		viewer = state.NewViewerState()
	}
	return &Runtime{
		cfg:     cfg,
		control: control,
		viewer:  viewer,
		done:    make(chan struct{}),
		pending: newPendingTable(),
	}
}

// Start binds the control port and launches the loops. A Runtime can be
// started once.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errAlreadyStarted
	}
	r.started = true

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: r.cfg.Port})
	if err != nil {
		close(r.done)
		return fmt.Errorf("failed to bind control port %d: %w", r.cfg.Port, err)
	}
	r.conn = conn

	runCtx, cancel := context.WithCancel(ctx)
	r.ctx = runCtx
	r.cancel = cancel
	r.queue = transport.NewQueue(runCtx, conn, r.cfg.TTL)

	g, gctx := errgroup.WithContext(runCtx)
	r.group = g
	r.running = true

	g.Go(func() error { return r.receiveLoop(gctx) })
	if r.cfg.Relay != nil {
		g.Go(func() error { return r.announceLoop(gctx) })
	}
	if !r.cfg.Spectator {
		g.Go(func() error { return r.pacingLoop(gctx) })
	}
	g.Go(func() error { return r.latencyLoop(gctx) })

	log.Info("listening on %s (%s, %d Hz)", conn.LocalAddr(), r.cfg.role(), r.cfg.ControlHz)
	return nil
}

// Stop cancels every loop, fails all pending commands, closes the socket
// and resets the connection state. No command callback fires after Stop
// returns. Stop must not be called from a command callback.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	r.cancel()
	if err := r.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Warning("loop exited with error: %v", err)
	}
	r.tasks.Wait()

	if n := r.pending.failAll(); n > 0 {
		log.Info("failed %d pending command(s) on stop", n)
	}

	r.queue.Close()
	if err := r.conn.Close(); err != nil {
		log.Debug("closing socket: %v", err)
	}

	r.peer.Store(nil)
	r.connected.Store(false)
	r.peerInfo.Store(false)
	r.order.reset()
	r.viewer.SetConnected(false)

	close(r.done)
	log.Info("stopped")
}

// Done is closed once Stop has finished (or Start failed).
func (r *Runtime) Done() <-chan struct{} {
	return r.done
}

// LocalAddr returns the bound control socket address, or nil before Start.
func (r *Runtime) LocalAddr() *net.UDPAddr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr().(*net.UDPAddr)
}

// Connected reports whether the streamer's Syn has been seen.
func (r *Runtime) Connected() bool { return r.connected.Load() }

// Peer returns the last known streamer address, or nil.
func (r *Runtime) Peer() *net.UDPAddr { return r.peer.Load() }

// PeerInfoSeen reports whether the relay confirmed this channel.
func (r *Runtime) PeerInfoSeen() bool { return r.peerInfo.Load() }

// ──────────────────────────────────────────────────────────────────────────────
// Commands
// ──────────────────────────────────────────────────────────────────────────────

// SendCommand delivers cmd to the streamer, retrying until a CommandAck
// arrives. cb is invoked exactly once: true on ack, false when not
// connected, when attempts run out, or when the runtime stops.
func (r *Runtime) SendCommand(cmd protocol.Command, cb func(bool)) {
	if cb == nil {
		cb = func(bool) {}
	}

	r.mu.Lock()
	peer := r.peer.Load()
	if !r.running || !r.connected.Load() || peer == nil {
		r.mu.Unlock()
		log.Warning("cannot send command %s: not connected", cmd.Name)
		cb(false)
		return
	}
	if cmd.ID == "" {
		cmd = protocol.NewCommand(cmd.Name, cmd.Params)
	}
	r.pending.add(cmd.ID, cb)
	r.tasks.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.tasks.Done()
		r.retryCommand(r.ctx, cmd)
	}()
}

// Exec sends cmd and blocks until it is acknowledged or fails.
func (r *Runtime) Exec(ctx context.Context, cmd protocol.Command) error {
	if !r.Connected() {
		return ErrNotRunning
	}

	result := make(chan bool, 1)
	r.SendCommand(cmd, func(ok bool) { result <- ok })

	select {
	case ok := <-result:
		if !ok {
			return fmt.Errorf("%s: %w", cmd.Name, ErrCommandFailed)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runtime) retryCommand(ctx context.Context, cmd protocol.Command) {
	attempts := r.cfg.CommandAttempts
	for attempt := 1; attempt <= attempts; attempt++ {
		if !r.pending.has(cmd.ID) {
			return
		}

		log.Debug("sending command %s (attempt %d/%d)", cmd.Name, attempt, attempts)
		if peer := r.peer.Load(); peer != nil {
			r.send(cmd, peer)
		}

		if attempt < attempts {
			select {
			case <-time.After(r.cfg.CommandRetryDelay):
			case <-ctx.Done():
				// Stop fails whatever is still pending.
				return
			}
		}
	}

	if r.pending.resolve(cmd.ID, false) {
		log.Warning("command %s (%s) timed out after %d attempts", cmd.Name, cmd.ID, attempts)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Send loops
// ──────────────────────────────────────────────────────────────────────────────

func (r *Runtime) send(p protocol.Payload, dst *net.UDPAddr) {
	data, err := protocol.Encode(protocol.New(p))
	if err != nil {
		log.Error("encode %s: %v", p.Type(), err)
		return
	}
	r.queue.Enqueue(data, dst)
}

// announceLoop re-announces the control port to the relay until a PeerInfo
// shows up on this channel.
func (r *Runtime) announceLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.AnnounceInterval)
	defer ticker.Stop()

	announcement := protocol.PeerAnnouncement{
		Role:      r.cfg.role(),
		SessionID: r.cfg.SessionID,
		PortType:  protocol.PortControl,
	}

	for {
		if r.peerInfo.Load() {
			log.Debug("relay confirmed control channel, announcements stopped")
			return nil
		}
		r.send(announcement, r.cfg.Relay)

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}

// pacingLoop sends the current control intent at the configured rate.
func (r *Runtime) pacingLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Second / time.Duration(r.cfg.ControlHz))
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			peer := r.peer.Load()
			if peer == nil || !r.connected.Load() {
				continue
			}
			throttle, steering := r.control.Output(*r.cfg.Scales)
			r.send(protocol.NewControl(throttle, steering), peer)

		case <-ctx.Done():
			return nil
		}
	}
}

// latencyLoop probes the round trip to the streamer, which echoes the probe.
func (r *Runtime) latencyLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.LatencyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if peer := r.peer.Load(); peer != nil && r.connected.Load() {
				r.send(protocol.Latency{}, peer)
			}

		case <-ctx.Done():
			return nil
		}
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Receive loop
// ──────────────────────────────────────────────────────────────────────────────

func (r *Runtime) receiveLoop(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		r.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	buf := make([]byte, receiveBufferSize)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := r.conn.SetReadDeadline(time.Now().Add(r.cfg.ReadTimeout)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}

		n, from, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Warning("receive failed: %v", err)
			continue
		}

		util.Stats.AddRecv(n)
		r.process(buf[:n], from)
	}
}

// process decodes one datagram, applies the ordering policy and dispatches.
func (r *Runtime) process(data []byte, from *net.UDPAddr) {
	msg, err := protocol.Decode(data)
	if err != nil {
		util.Stats.AddMalformed()
		if typ := protocol.PeekType(data); protocol.Registered(typ) {
			log.Debug("dropping malformed %s (%d bytes) from %s: %v", typ, len(data), from, err)
		} else {
			log.Debug("dropping %d bytes of unknown type %q from %s", len(data), typ, from)
		}
		return
	}

	if !r.order.accept(msg) {
		log.Debug("skipping out-of-order %s from %s", msg.Type(), from)
		return
	}

	r.viewer.Touch()
	r.handle(msg, from)
}

func (r *Runtime) handle(msg protocol.Message, from *net.UDPAddr) {
	switch p := msg.Payload.(type) {
	case protocol.PeerInfo:
		log.Info("relay sent PeerInfo %s:%d/%d", p.IP, p.VideoPort, p.ControlPort)
		r.peerInfo.Store(true)

	case protocol.Syn:
		r.peer.Store(from)
		log.Debug("Syn v%d from %s, sending Ack", p.Version, from)
		r.send(protocol.Ack{}, from)
		if r.connected.CompareAndSwap(false, true) {
			r.viewer.SetConnected(true)
			log.Success("connected to %s", from)
		}

	case protocol.Heartbeat:
		// keepalive only

	case protocol.Telemetry:
		log.Debug("telemetry: %s", p.Values)
		r.viewer.UpdateTelemetry(p.Values)

	case protocol.CommandAck:
		if r.pending.resolve(p.ID, true) {
			log.Debug("command %s acknowledged", p.ID)
		}

	case protocol.Latency:
		ms := r.viewer.UpdateLatency(msg.Timestamp)
		log.Debug("latency %d ms (%s)", ms, state.GradeLatency(ms))

	default:
		log.Debug("received %s from %s", msg.Type(), from)
	}
}
