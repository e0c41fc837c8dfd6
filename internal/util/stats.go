package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide datagram counter.
var Stats = &stats{}

type stats struct {
	PacketsSent atomic.Int64 // datagrams written to a socket
	PacketsRecv atomic.Int64 // datagrams read from a socket
	BytesSent   atomic.Int64 // cumulative bytes written
	BytesRecv   atomic.Int64 // cumulative bytes read
	Dropped     atomic.Int64 // datagrams discarded unsent because they went stale
	Malformed   atomic.Int64 // inbound datagrams that failed to decode
}

func (s *stats) AddSent(n int) {
	s.PacketsSent.Add(1)
	s.BytesSent.Add(int64(n))
}

func (s *stats) AddRecv(n int) {
	s.PacketsRecv.Add(1)
	s.BytesRecv.Add(int64(n))
}

func (s *stats) AddDropped()   { s.Dropped.Add(1) }
func (s *stats) AddMalformed() { s.Malformed.Add(1) }

// snapshot is a point-in-time copy of the counters.
type snapshot struct {
	pktSent, pktRecv, bytesSent, bytesRecv, dropped, malformed int64
}

func (s *stats) snapshot() snapshot {
	return snapshot{
		pktSent:   s.PacketsSent.Load(),
		pktRecv:   s.PacketsRecv.Load(),
		bytesSent: s.BytesSent.Load(),
		bytesRecv: s.BytesRecv.Load(),
		dropped:   s.Dropped.Load(),
		malformed: s.Malformed.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

const reportInterval = 10 * time.Second

// StartStatsReporter launches a goroutine that logs traffic statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(reportInterval)
		defer ticker.Stop()

		prev := Stats.snapshot()
		for {
			select {
			case <-ticker.C:
				cur := Stats.snapshot()
				secs := reportInterval.Seconds()

				inS := float64(cur.bytesRecv-prev.bytesRecv) / secs
				outS := float64(cur.bytesSent-prev.bytesSent) / secs
				pktIn := cur.pktRecv - prev.pktRecv
				pktOut := cur.pktSent - prev.pktSent
				lost := (cur.dropped - prev.dropped) + (cur.malformed - prev.malformed)

				if pktIn > 0 || pktOut > 0 || lost > 0 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, pktIn, pktOut, cur.dropped-prev.dropped, cur.malformed-prev.malformed))
				}

				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of one reporting window.
func formatStats(inS, outS float64, pktIn, pktOut, dropped, malformed int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Pkt: %4d↓ %4d↑ | Stale: %d | Bad: %d",
		formatBytes(inS),
		formatBytes(outS),
		pktIn,
		pktOut,
		dropped,
		malformed,
	)
}
