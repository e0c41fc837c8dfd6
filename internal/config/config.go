// Package config holds the CLI configuration types. Values come from flags,
// optionally layered over an HJSON file; flags always win.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/hjson/hjson-go/v4"

	"github.com/1ureka/v3xlink/internal/control"
	"github.com/1ureka/v3xlink/internal/relay"
	"github.com/1ureka/v3xlink/internal/rendezvous"
	"github.com/1ureka/v3xlink/internal/session"
	"github.com/1ureka/v3xlink/internal/state"
)

// Role represents the viewer's chosen role.
type Role string

const (
	RoleViewer    Role = "viewer"
	RoleSpectator Role = "spectator"
)

// Viewer stores everything the viewer CLI needs.
type Viewer struct {
	Role      Role   `json:"role"`
	Relay     string `json:"relay"`   // host:port
	SessionID string `json:"session"` // empty triggers the interactive prompt

	ControlHz     int     `json:"controlHz"`
	ForwardScale  float64 `json:"forwardScale"`
	BackwardScale float64 `json:"backwardScale"`
	SteeringScale float64 `json:"steeringScale"`

	HandshakeTimeout  float64 `json:"handshakeTimeout"`  // seconds
	ConnectionTimeout float64 `json:"connectionTimeout"` // seconds
	STUNServer        string  `json:"stun"`

	FeedAddr string `json:"feed"` // status feed listen address; empty disables
	FeedPIN  string `json:"feedPin"`

	Debug bool `json:"debug"`
}

// DefaultViewer returns the built-in viewer settings.
func DefaultViewer() Viewer {
	return Viewer{
		Role:              RoleViewer,
		ControlHz:         control.DefaultControlHz,
		ForwardScale:      1,
		BackwardScale:     1,
		SteeringScale:     1,
		HandshakeTimeout:  rendezvous.DefaultTimeout.Seconds(),
		ConnectionTimeout: state.DefaultConnectionTimeout.Seconds(),
	}
}

// RegisterFlags binds every field to a flag on fs, using the current values
// as defaults.
func (v *Viewer) RegisterFlags(fs *flag.FlagSet) {
	fs.Func("role", "Role: viewer or spectator (default viewer)", func(s string) error {
		v.Role = Role(s)
		return nil
	})
	fs.StringVar(&v.Relay, "relay", v.Relay, "Relay address (host:port)")
	fs.StringVar(&v.SessionID, "session", v.SessionID, "Session id")
	fs.IntVar(&v.ControlHz, "hz", v.ControlHz, "Control send rate, 1~100 Hz")
	fs.Float64Var(&v.ForwardScale, "forward", v.ForwardScale, "Forward throttle scale, 0~1")
	fs.Float64Var(&v.BackwardScale, "backward", v.BackwardScale, "Backward throttle scale, 0~1")
	fs.Float64Var(&v.SteeringScale, "steering", v.SteeringScale, "Steering scale, 0~1")
	fs.Float64Var(&v.HandshakeTimeout, "timeout", v.HandshakeTimeout, "Handshake timeout in seconds")
	fs.Float64Var(&v.ConnectionTimeout, "conn-timeout", v.ConnectionTimeout, "Seconds of silence before the session is dropped")
	fs.StringVar(&v.STUNServer, "stun", v.STUNServer, "STUN server to probe the public mapping (optional)")
	fs.StringVar(&v.FeedAddr, "feed", v.FeedAddr, "Status feed listen address, e.g. 127.0.0.1:8765 (optional)")
	fs.StringVar(&v.FeedPIN, "feed-pin", v.FeedPIN, "Status feed PIN (random when empty)")
	fs.BoolVar(&v.Debug, "debug", v.Debug, "Enable debug logging")
}

// Validate checks the settings and clamps the ranged ones in place.
func (v *Viewer) Validate() error {
	var errs []error

	switch v.Role {
	case "":
		v.Role = RoleViewer
	case RoleViewer, RoleSpectator:
	default:
		errs = append(errs, fmt.Errorf("invalid role %q: must be 'viewer' or 'spectator'", v.Role))
	}

	if err := ValidateHostPort(v.Relay); err != nil {
		errs = append(errs, fmt.Errorf("relay: %w", err))
	}

	v.ControlHz = clampInt(v.ControlHz, control.MinControlHz, control.MaxControlHz)
	v.ForwardScale = clampFloat(v.ForwardScale, 0, 1)
	v.BackwardScale = clampFloat(v.BackwardScale, 0, 1)
	v.SteeringScale = clampFloat(v.SteeringScale, 0, 1)

	if v.HandshakeTimeout <= 0 {
		v.HandshakeTimeout = rendezvous.DefaultTimeout.Seconds()
	}
	if v.ConnectionTimeout <= 0 {
		v.ConnectionTimeout = state.DefaultConnectionTimeout.Seconds()
	}

	if v.FeedAddr != "" {
		if err := ValidateHostPort(v.FeedAddr); err != nil {
			errs = append(errs, fmt.Errorf("feed: %w", err))
		}
	}

	return errors.Join(errs...)
}

// Timeout returns the handshake timeout.
func (v Viewer) Timeout() time.Duration { return seconds(v.HandshakeTimeout) }

// Session converts the settings into a session configuration.
func (v Viewer) Session() session.Config {
	return session.Config{
		RelayAddr:  v.Relay,
		SessionID:  v.SessionID,
		Spectator:  v.Role == RoleSpectator,
		STUNServer: v.STUNServer,
		Control: control.Config{
			ControlHz: v.ControlHz,
			Scales: &state.Scales{
				Forward:  v.ForwardScale,
				Backward: v.BackwardScale,
				Steering: v.SteeringScale,
			},
		},
		ConnectionTimeout: seconds(v.ConnectionTimeout),
	}
}

// Relay stores the relay server settings.
type Relay struct {
	Listen   string  `json:"listen"`
	PublicIP string  `json:"publicIp"`
	DB       string  `json:"db"`       // SQLite allowed_sessions database; overrides Sessions
	Sessions string  `json:"sessions"` // allow-list file, one id per line
	Timeout  float64 `json:"timeout"`  // seconds
	Debug    bool    `json:"debug"`
}

// DefaultRelay returns the built-in relay settings.
func DefaultRelay() Relay {
	return Relay{
		Listen:   relay.DefaultListen,
		Sessions: "sessions.txt",
		Timeout:  relay.DefaultTimeout.Seconds(),
	}
}

func (r *Relay) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&r.Listen, "listen", r.Listen, "UDP listen address")
	fs.StringVar(&r.PublicIP, "public-ip", r.PublicIP, "IP advertised to peers in PeerInfo")
	fs.StringVar(&r.DB, "db", r.DB, "SQLite session database (allowed_sessions table)")
	fs.StringVar(&r.Sessions, "sessions", r.Sessions, "Session allow-list file, used when -db is empty")
	fs.Float64Var(&r.Timeout, "timeout", r.Timeout, "Seconds of inactivity before a peer expires")
	fs.BoolVar(&r.Debug, "debug", r.Debug, "Enable debug logging")
}

func (r *Relay) Validate() error {
	var errs []error
	if _, _, err := net.SplitHostPort(r.Listen); err != nil {
		errs = append(errs, fmt.Errorf("listen: %w", err))
	}
	if r.PublicIP != "" && net.ParseIP(r.PublicIP).To4() == nil {
		errs = append(errs, fmt.Errorf("public-ip: %q is not an IPv4 address", r.PublicIP))
	}
	if r.DB == "" && r.Sessions == "" {
		errs = append(errs, errors.New("sessions: need -db or an allow-list file"))
	}
	if r.Timeout <= 0 {
		r.Timeout = relay.DefaultTimeout.Seconds()
	}
	return errors.Join(errs...)
}

// Server converts the settings into a relay configuration.
func (r Relay) Server() relay.Config {
	return relay.Config{
		Listen:   r.Listen,
		PublicIP: r.PublicIP,
		Timeout:  seconds(r.Timeout),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Loading
// ──────────────────────────────────────────────────────────────────────────────

// Load merges the HJSON file at path into dst. Keys missing from the file
// keep their current values.
func Load(path string, dst any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := hjson.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// Flagged is a settings type that can bind itself to flags.
type Flagged interface {
	RegisterFlags(fs *flag.FlagSet)
}

// Parse fills dst from args. When -config names a file, it is loaded first
// and the flags are applied again on top, so explicit flags override it.
func Parse(fs *flag.FlagSet, dst Flagged, args []string) error {
	configPath := fs.String("config", "", "HJSON config file (optional)")
	dst.RegisterFlags(fs)

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		return nil
	}

	if err := Load(*configPath, dst); err != nil {
		return err
	}
	return fs.Parse(args)
}

// ValidateHostPort checks a host:port string with a port in 1~65535.
func ValidateHostPort(addr string) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if host == "" {
		return fmt.Errorf("invalid address %q: missing host", addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid port in %q: must be 1~65535", addr)
	}
	return nil
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(hi, v))
}

func clampFloat(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
