package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun/v3"
)

// DefaultSTUNServer is used when a probe is requested without a server.
const DefaultSTUNServer = "stun.l.google.com:19302"

// ProbeMapping sends a STUN binding request from conn and returns the
// public address the server saw. It is purely diagnostic: the relay does
// its own address discovery from the announcements.
func ProbeMapping(ctx context.Context, conn *net.UDPConn, server string, timeout time.Duration) (*net.UDPAddr, error) {
	if server == "" {
		server = DefaultSTUNServer
	}
	addr, err := resolve(ctx, server)
	if err != nil {
		return nil, err
	}

	req, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return nil, err
	}
	if _, err := conn.WriteToUDP(req.Raw, addr); err != nil {
		return nil, fmt.Errorf("failed to send binding request: %w", err)
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	defer conn.SetReadDeadline(time.Time{})

	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	buf := make([]byte, 1500)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("no binding response: %w", err)
		}
		if !from.IP.Equal(addr.IP) || !stun.IsMessage(buf[:n]) {
			continue
		}

		res := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := res.Decode(); err != nil {
			continue
		}
		if res.TransactionID != req.TransactionID {
			continue
		}
		if res.Type != stun.BindingSuccess {
			return nil, fmt.Errorf("unexpected STUN response %s", res.Type)
		}

		var xor stun.XORMappedAddress
		if err := xor.GetFrom(res); err != nil {
			return nil, errors.Join(errors.New("binding response has no mapped address"), err)
		}
		return &net.UDPAddr{IP: xor.IP, Port: xor.Port}, nil
	}
}
