// Package session ties the relay handshake, the control runtime and the
// liveness watchdog into one viewer connection.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/1ureka/v3xlink/internal/control"
	"github.com/1ureka/v3xlink/internal/protocol"
	"github.com/1ureka/v3xlink/internal/rendezvous"
	"github.com/1ureka/v3xlink/internal/state"
	"github.com/1ureka/v3xlink/internal/util"
)

const DefaultWatchInterval = 1 * time.Second

var (
	// ErrConnectionLost means the streamer went silent for longer than the
	// connection timeout.
	ErrConnectionLost = errors.New("connection lost")
	// ErrNotPeered is returned by operations that need a running channel.
	ErrNotPeered = errors.New("session not connected")
)

var log = util.NewLogger("session")

// Config combines the handshake and control channel settings.
type Config struct {
	RelayAddr  string
	SessionID  string
	Spectator  bool
	STUNServer string

	Handshake rendezvous.Config // RelayAddr, SessionID and Role are filled in
	Control   control.Config    // Port, Relay, SessionID and Spectator are filled in

	ConnectionTimeout time.Duration
	WatchInterval     time.Duration
}

// Session is one viewer (or spectator) connection. Connect runs once; Stop
// may be called at any time and is idempotent.
type Session struct {
	cfg     Config
	control *state.ControlState
	viewer  *state.ViewerState

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	hs      *rendezvous.Handshake
	rt      *control.Runtime
	outcome rendezvous.Outcome
	err     error
	closed  bool
}

// New creates an idle session with fresh control and viewer state.
func New(cfg Config) *Session {
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = DefaultWatchInterval
	}

	viewer := state.NewViewerState()
	viewer.SetTimeout(cfg.ConnectionTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:     cfg,
		control: state.NewControlState(),
		viewer:  viewer,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Control returns the shared control intent written by the operator.
func (s *Session) Control() *state.ControlState { return s.control }

// Viewer returns the observed connection state.
func (s *Session) Viewer() *state.ViewerState { return s.viewer }

// Snapshot copies the observed connection state.
func (s *Session) Snapshot() state.Snapshot { return s.viewer.Snapshot() }

// Connect performs the full viewer lifecycle up to a running channel:
//  1. Run the relay handshake (bounded by timeout)
//  2. Rebind the announced control port and start the control runtime
//  3. Start the watchdog that tears the session down on silence
//
// The returned Outcome is the handshake's; when it is not StatePeered the
// session is finished and Done is closed.
func (s *Session) Connect(ctx context.Context, timeout time.Duration) rendezvous.Outcome {
	s.mu.Lock()
	if s.hs != nil || s.closed {
		s.mu.Unlock()
		return rendezvous.Outcome{State: rendezvous.StateError, Err: errors.New("session already used")}
	}

	role := protocol.RoleViewer
	if s.cfg.Spectator {
		role = protocol.RoleSpectator
	}
	hcfg := s.cfg.Handshake
	hcfg.RelayAddr = s.cfg.RelayAddr
	hcfg.SessionID = s.cfg.SessionID
	hcfg.Role = role
	if hcfg.STUNServer == "" {
		hcfg.STUNServer = s.cfg.STUNServer
	}
	s.hs = rendezvous.New(hcfg)
	hs := s.hs
	s.mu.Unlock()

	// ── 1. Handshake ───────────────────────────────────────────────────
	out := hs.Run(ctx, timeout)
	s.mu.Lock()
	s.outcome = out
	s.mu.Unlock()

	if out.State != rendezvous.StatePeered {
		log.Warning("handshake finished: %s", out)
		s.finish(out.Err)
		return out
	}
	log.Success("%s", out)

	// ── 2. Control runtime ─────────────────────────────────────────────
	ccfg := s.cfg.Control
	ccfg.Port = out.ControlPort
	ccfg.Relay = out.Relay
	ccfg.SessionID = s.cfg.SessionID
	ccfg.Spectator = s.cfg.Spectator

	rt := control.New(ccfg, s.control, s.viewer)

	s.mu.Lock()
	if s.closed {
		// Stop raced the handshake.
		s.mu.Unlock()
		return rendezvous.Outcome{State: rendezvous.StateCancelled}
	}
	if err := rt.Start(s.ctx); err != nil {
		s.mu.Unlock()
		s.finish(err)
		return rendezvous.Outcome{State: rendezvous.StateError, Err: err}
	}
	s.rt = rt
	s.mu.Unlock()

	// ── 3. Watchdog ────────────────────────────────────────────────────
	go s.watch(rt)

	return out
}

// Cancel interrupts a handshake in progress. It has no effect once the
// control runtime is up; use Stop for that.
func (s *Session) Cancel() {
	s.mu.Lock()
	hs := s.hs
	s.mu.Unlock()
	if hs != nil {
		hs.Cancel()
	}
}

// Stop tears the session down: cancels any handshake and stops the control
// runtime, failing pending commands.
func (s *Session) Stop() {
	s.Cancel()
	s.finish(nil)
}

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why the session ended: ErrConnectionLost after a watchdog
// teardown, the startup error, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Outcome returns the handshake result, zero before Connect returns.
func (s *Session) Outcome() rendezvous.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// Runtime returns the control runtime, or nil when not peered.
func (s *Session) Runtime() *control.Runtime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rt
}

// SendCommand sends a command to the streamer. cb gets false right away
// when the session has no running channel.
func (s *Session) SendCommand(cmd protocol.Command, cb func(bool)) {
	rt := s.Runtime()
	if rt == nil {
		log.Warning("cannot send command %s: %v", cmd.Name, ErrNotPeered)
		if cb != nil {
			cb(false)
		}
		return
	}
	rt.SendCommand(cmd, cb)
}

// Command builds a command with a fresh id and sends it; see SendCommand.
func (s *Session) Command(name string, params protocol.Map, cb func(bool)) {
	s.SendCommand(protocol.NewCommand(name, params), cb)
}

// Exec sends cmd and waits for the outcome.
func (s *Session) Exec(ctx context.Context, cmd protocol.Command) error {
	rt := s.Runtime()
	if rt == nil {
		return ErrNotPeered
	}
	return rt.Exec(ctx, cmd)
}

// finish ends the session once, recording cause.
func (s *Session) finish(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = cause
	rt := s.rt
	s.mu.Unlock()

	s.cancel()
	if rt != nil {
		rt.Stop()
	}
	s.viewer.SetConnected(false)
	s.control.Reset()
	close(s.done)
}

// watch checks the liveness clock until the runtime stops.
func (s *Session) watch(rt *control.Runtime) {
	ticker := time.NewTicker(s.cfg.WatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.viewer.TimedOut() {
				log.Error("no message from streamer since %s, closing session",
					s.viewer.LastMessage().Format(time.TimeOnly))
				s.finish(ErrConnectionLost)
				return
			}
		case <-rt.Done():
			return
		case <-s.ctx.Done():
			return
		}
	}
}
