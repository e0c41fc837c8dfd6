// Package relay is the UDP rendezvous relay. Peers announce their video and
// control ports for a session id; once a streamer and a viewer have both
// announced, the relay answers with its own address and forwards datagrams
// between the paired ports verbatim. Spectators receive a one-way copy of
// everything the streamer sends.
package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/1ureka/v3xlink/internal/protocol"
	"github.com/1ureka/v3xlink/internal/transport"
	"github.com/1ureka/v3xlink/internal/util"
)

const (
	DefaultListen          = ":8888"
	DefaultTimeout         = 10 * time.Second
	DefaultCleanupInterval = 5 * time.Second
	DefaultErrorBurst      = 3

	receiveBufferSize = 65535
)

// DefaultErrorRate bounds how often one source IP is told its session is
// unknown.
var DefaultErrorRate = rate.Every(time.Second)

var log = util.NewLogger("relay")

// Config describes one relay instance.
type Config struct {
	Listen string // host:port to bind

	// PublicIP is advertised in PeerInfo. When empty the listen host is
	// used, or 127.0.0.1 if that is unspecified.
	PublicIP string

	Timeout         time.Duration // idle time before a role expires
	CleanupInterval time.Duration
	TTL             time.Duration // outbound queue staleness bound

	ErrorRate  rate.Limit
	ErrorBurst int
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.ErrorRate <= 0 {
		c.ErrorRate = DefaultErrorRate
	}
	if c.ErrorBurst <= 0 {
		c.ErrorBurst = DefaultErrorBurst
	}
}

// mapping is a forwarding entry keyed by source address.
type mapping struct {
	targets []netip.AddrPort
	seen    time.Time
	session string
}

// Server is a relay bound to one UDP socket.
type Server struct {
	cfg   Config
	store SessionStore

	conn  *net.UDPConn
	queue *transport.Queue
	ip    string
	port  int

	// mu guards sessions and limiters and is taken before mapMu.
	mu       sync.Mutex
	sessions map[string]*session
	limiters map[netip.Addr]*rate.Limiter

	mapMu    sync.Mutex
	mappings map[netip.AddrPort]*mapping

	now func() time.Time
}

// NewServer creates a relay that accepts the ids in store.
func NewServer(cfg Config, store SessionStore) *Server {
	cfg.applyDefaults()
	return &Server{
		cfg:      cfg,
		store:    store,
		sessions: make(map[string]*session),
		limiters: make(map[netip.Addr]*rate.Limiter),
		mappings: make(map[netip.AddrPort]*mapping),
		now:      time.Now,
	}
}

// Listen binds the relay socket. Serve calls it when needed.
func (s *Server) Listen() error {
	if s.conn != nil {
		return nil
	}

	addr, err := net.ResolveUDPAddr("udp4", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", s.cfg.Listen, err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("failed to bind relay socket: %w", err)
	}

	s.conn = conn
	local := conn.LocalAddr().(*net.UDPAddr)
	s.port = local.Port
	s.ip = s.cfg.PublicIP
	if s.ip == "" {
		s.ip = "127.0.0.1"
		if !local.IP.IsUnspecified() {
			s.ip = local.IP.String()
		}
	}
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() *net.UDPAddr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Serve runs the receive and cleanup loops until ctx is cancelled, then
// closes the socket.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.queue = transport.NewQueue(ctx, s.conn, s.cfg.TTL)
	defer s.queue.Close()

	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	log.Info("listening on %s, advertising %s:%d", s.conn.LocalAddr(), s.ip, s.port)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.receiveLoop(gctx) })
	g.Go(func() error { return s.cleanupLoop(gctx) })

	err := g.Wait()
	s.conn.Close()
	log.Info("stopped")
	return err
}

// SessionCount returns the number of tracked sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// MappingCount returns the number of forwarding sources.
func (s *Server) MappingCount() int {
	s.mapMu.Lock()
	defer s.mapMu.Unlock()
	return len(s.mappings)
}

func (s *Server) receiveLoop(ctx context.Context) error {
	buf := make([]byte, receiveBufferSize)
	for {
		n, from, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Warning("receive failed: %v", err)
			continue
		}

		util.Stats.AddRecv(n)
		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		s.handle(buf[:n], from)
	}
}

func (s *Server) cleanupLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup(s.now())
		case <-ctx.Done():
			return nil
		}
	}
}

// handle treats announcements as registrations, even from mapped sources,
// and forwards everything else that has a mapping.
func (s *Server) handle(data []byte, from netip.AddrPort) {
	if protocol.PeekType(data) == protocol.TypePeerAnnouncement {
		msg, err := protocol.Decode(data)
		if err != nil {
			util.Stats.AddMalformed()
			log.Debug("malformed announcement from %s: %v", from, err)
			return
		}
		a, ok := msg.Payload.(protocol.PeerAnnouncement)
		if !ok {
			util.Stats.AddMalformed()
			log.Debug("announcement from %s decoded as %s", from, msg.Type())
			return
		}
		s.register(a, from)
		return
	}

	if !s.forward(data, from) {
		log.Debug("dropping %d bytes from unmapped %s", len(data), from)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Registration
// ──────────────────────────────────────────────────────────────────────────────

func (s *Server) register(a protocol.PeerAnnouncement, from netip.AddrPort) {
	if !a.Role.Valid() || !a.PortType.Valid() {
		log.Debug("ignoring announcement with role %q port %q from %s", a.Role, a.PortType, from)
		return
	}

	tag := util.Fingerprint(a.SessionID)
	if !s.store.Exists(a.SessionID) {
		s.reject(from, tag)
		return
	}

	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[a.SessionID]
	if !ok {
		sess = newSession(a.SessionID, now)
		s.sessions[a.SessionID] = sess
	}

	isNew, changed := sess.register(a.Role, a.PortType, from, now)
	if isNew {
		log.Info("%s: registered %s:%s from %s", tag, a.Role, a.PortType, from)
	} else if changed {
		log.Info("%s: %s:%s moved to %s", tag, a.Role, a.PortType, from)
	}

	if a.Role == protocol.RoleSpectator {
		if !sess.ready() {
			log.Debug("%s: spectator %s waiting for session", tag, from)
			return
		}
		s.mapSpectators(sess, now)
		s.sendPeerInfo(from)
		if isNew {
			log.Info("%s: spectator %s joined", tag, from)
		}
		return
	}

	if !sess.ready() {
		return
	}

	if !changed {
		// Re-announcement from a known endpoint.
		s.sendPeerInfo(from)
		return
	}

	s.pair(sess, now)
	s.mapSpectators(sess, now)
	for _, addr := range sess.endpoints() {
		s.sendPeerInfo(addr)
	}
	log.Success("%s: session ready, peer info sent", tag)
}

// reject answers an unknown session id with a rate-limited 403.
func (s *Server) reject(from netip.AddrPort, tag string) {
	s.mu.Lock()
	lim, ok := s.limiters[from.Addr()]
	if !ok {
		lim = rate.NewLimiter(s.cfg.ErrorRate, s.cfg.ErrorBurst)
		s.limiters[from.Addr()] = lim
	}
	s.mu.Unlock()

	if !lim.Allow() {
		log.Debug("rate limited rejection for %s", from)
		return
	}

	log.Info("ignoring announcement for unknown session %s from %s", tag, from)
	s.send(protocol.ErrorMsg{Code: protocol.UnauthorizedCode}, from)
}

// pair installs the bidirectional streamer/viewer mappings for a ready
// session. Any other session owning one of the new addresses is removed.
// Caller holds mu.
func (s *Server) pair(sess *session, now time.Time) {
	fresh := make(map[netip.AddrPort]*mapping, 2*len(portTypes))
	for _, pt := range portTypes {
		streamer := sess.roles[protocol.RoleStreamer][pt].addr
		viewer := sess.roles[protocol.RoleViewer][pt].addr
		fresh[streamer] = &mapping{targets: []netip.AddrPort{viewer}, seen: now, session: sess.id}
		fresh[viewer] = &mapping{targets: []netip.AddrPort{streamer}, seen: now, session: sess.id}
	}

	overwritten := make(map[string]bool)

	s.mapMu.Lock()
	for _, addr := range sess.mapped {
		delete(s.mappings, addr)
	}
	sess.mapped = sess.mapped[:0]
	for addr, m := range fresh {
		if old, ok := s.mappings[addr]; ok && old.session != sess.id {
			overwritten[old.session] = true
		}
		s.mappings[addr] = m
		sess.mapped = append(sess.mapped, addr)
	}
	s.mapMu.Unlock()

	for id := range overwritten {
		if old, ok := s.sessions[id]; ok {
			s.dropSession(old, sess.id)
			log.Info("%s: removed, addresses taken over by %s", util.Fingerprint(id), util.Fingerprint(sess.id))
		}
	}
}

// mapSpectators adds every complete spectator as a one-way target of the
// streamer's ports. Caller holds mu.
func (s *Server) mapSpectators(sess *session, now time.Time) {
	s.mapMu.Lock()
	defer s.mapMu.Unlock()

	for _, pt := range portTypes {
		ep, ok := sess.roles[protocol.RoleStreamer][pt]
		if !ok {
			continue
		}
		m, ok := s.mappings[ep.addr]
		if !ok {
			continue
		}
		for _, sp := range sess.spectators {
			if !sp.complete() {
				continue
			}
			target := sp.ports[pt]
			if slices.Contains(m.targets, target) {
				continue
			}
			m.targets = append(slices.Clone(m.targets), target)
			m.seen = now
		}
	}
}

// dropSession removes sess and its mappings, leaving mappings now owned by
// keep in place. Caller holds mu.
func (s *Server) dropSession(sess *session, keep string) {
	s.mapMu.Lock()
	for _, addr := range sess.mapped {
		if m, ok := s.mappings[addr]; ok && m.session != keep {
			delete(s.mappings, addr)
		}
	}
	s.mapMu.Unlock()
	delete(s.sessions, sess.id)
}

// ──────────────────────────────────────────────────────────────────────────────
// Forwarding
// ──────────────────────────────────────────────────────────────────────────────

// forward relays data to every target mapped from src and refreshes the
// mapping. It reports whether src was mapped.
func (s *Server) forward(data []byte, src netip.AddrPort) bool {
	s.mapMu.Lock()
	m, ok := s.mappings[src]
	var targets []netip.AddrPort
	if ok {
		m.seen = s.now()
		targets = m.targets
	}
	s.mapMu.Unlock()

	if !ok {
		return false
	}

	payload := bytes.Clone(data)
	for _, t := range targets {
		s.queue.Enqueue(payload, net.UDPAddrFromAddrPort(t))
	}
	return true
}

func (s *Server) sendPeerInfo(dst netip.AddrPort) {
	s.send(protocol.PeerInfo{IP: s.ip, VideoPort: s.port, ControlPort: s.port}, dst)
}

func (s *Server) send(p protocol.Payload, dst netip.AddrPort) {
	data, err := protocol.Encode(protocol.New(p))
	if err != nil {
		log.Error("encode %s: %v", p.Type(), err)
		return
	}
	s.queue.Enqueue(data, net.UDPAddrFromAddrPort(dst))
}

// ──────────────────────────────────────────────────────────────────────────────
// Cleanup
// ──────────────────────────────────────────────────────────────────────────────

// cleanup expires idle roles and removes sessions left without any:
//  1. Sessions announced within the timeout are left alone
//  2. A role is active if any of its ports forwarded within the timeout
//  3. Inactive roles are cleared along with their mappings
//  4. Sessions with no streamer or viewer left are removed, spectators
//     included
func (s *Server) cleanup(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	timeout := s.cfg.Timeout

	for _, sess := range s.sessions {
		if now.Sub(sess.lastAnnouncement) <= timeout {
			continue
		}
		for _, role := range pairedRoles {
			eps := sess.roles[role]
			if len(eps) == 0 || s.roleActive(eps, now) {
				continue
			}

			s.mapMu.Lock()
			for _, ep := range eps {
				if m, ok := s.mappings[ep.addr]; ok && m.session == sess.id {
					delete(s.mappings, ep.addr)
				}
			}
			s.mapMu.Unlock()

			sess.roles[role] = make(map[protocol.PortType]endpoint)
			log.Info("%s: %s expired", util.Fingerprint(sess.id), role)
		}
	}

	for id, sess := range s.sessions {
		if sess.active() {
			continue
		}
		s.dropSession(sess, "")
		log.Info("%s: removed expired session (%d spectator(s))", util.Fingerprint(id), len(sess.spectators))
	}

	for ip, lim := range s.limiters {
		if lim.TokensAt(now) >= float64(s.cfg.ErrorBurst) {
			delete(s.limiters, ip)
		}
	}
}

func (s *Server) roleActive(eps map[protocol.PortType]endpoint, now time.Time) bool {
	s.mapMu.Lock()
	defer s.mapMu.Unlock()
	for _, ep := range eps {
		if m, ok := s.mappings[ep.addr]; ok && now.Sub(m.seen) < s.cfg.Timeout {
			return true
		}
	}
	return false
}
