package relay

import (
	"net/netip"
	"time"

	"github.com/1ureka/v3xlink/internal/protocol"
)

var portTypes = []protocol.PortType{protocol.PortVideo, protocol.PortControl}

// pairedRoles are the roles that make a session ready; spectators only
// ever receive.
var pairedRoles = []protocol.Role{protocol.RoleStreamer, protocol.RoleViewer}

type endpoint struct {
	addr netip.AddrPort
	seen time.Time
}

// spectator groups the two ports announced from one IP.
type spectator struct {
	ip    netip.Addr
	ports map[protocol.PortType]netip.AddrPort
}

func (sp *spectator) complete() bool {
	return len(sp.ports) == len(portTypes)
}

// session is the relay's view of one session id.
type session struct {
	id               string
	roles            map[protocol.Role]map[protocol.PortType]endpoint
	spectators       []*spectator
	mapped           []netip.AddrPort // sources installed by the last pairing
	lastAnnouncement time.Time
}

func newSession(id string, now time.Time) *session {
	roles := make(map[protocol.Role]map[protocol.PortType]endpoint, len(pairedRoles))
	for _, r := range pairedRoles {
		roles[r] = make(map[protocol.PortType]endpoint)
	}
	return &session{id: id, roles: roles, lastAnnouncement: now}
}

// register records addr for role/port. isNew is true the first time the
// port type is seen for that role; changed is true when the stored address
// differs from before.
func (s *session) register(role protocol.Role, pt protocol.PortType, addr netip.AddrPort, now time.Time) (isNew, changed bool) {
	s.lastAnnouncement = now

	if role == protocol.RoleSpectator {
		sp := s.spectatorFor(addr.Addr())
		prev, ok := sp.ports[pt]
		sp.ports[pt] = addr
		return !ok, prev != addr
	}

	prev, ok := s.roles[role][pt]
	s.roles[role][pt] = endpoint{addr: addr, seen: now}
	return !ok, prev.addr != addr
}

func (s *session) spectatorFor(ip netip.Addr) *spectator {
	for _, sp := range s.spectators {
		if sp.ip == ip {
			return sp
		}
	}
	sp := &spectator{ip: ip, ports: make(map[protocol.PortType]netip.AddrPort)}
	s.spectators = append(s.spectators, sp)
	return sp
}

func (s *session) roleReady(role protocol.Role) bool {
	return len(s.roles[role]) == len(portTypes)
}

// ready reports whether both streamer and viewer announced both ports.
func (s *session) ready() bool {
	return s.roleReady(protocol.RoleStreamer) && s.roleReady(protocol.RoleViewer)
}

// active reports whether any streamer or viewer endpoint remains.
func (s *session) active() bool {
	for _, r := range pairedRoles {
		if len(s.roles[r]) > 0 {
			return true
		}
	}
	return false
}

// endpoints lists every registered streamer and viewer address.
func (s *session) endpoints() []netip.AddrPort {
	var out []netip.AddrPort
	for _, r := range pairedRoles {
		for _, pt := range portTypes {
			if ep, ok := s.roles[r][pt]; ok {
				out = append(out, ep.addr)
			}
		}
	}
	return out
}
