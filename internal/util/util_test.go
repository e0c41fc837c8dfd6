package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatBytes(t *testing.T) {
	testCases := []struct {
		in   float64
		want string
	}{
		{0, " 0.0   B"},
		{99, "99.0   B"},
		{1536, " 1.5 KiB"},
		{100 * 1024, " 0.1 MiB"},
	}

	for _, tc := range testCases {
		t.Run(tc.want, func(t *testing.T) {
			got := formatBytes(tc.in)
			assert.Equal(t, tc.want, got)
			assert.Len(t, got, 8)
		})
	}
}

func TestFormatStats(t *testing.T) {
	got := formatStats(1536, 0, 30, 31, 2, 1)
	assert.Equal(t, "In:  1.5 KiB/s | Out:  0.0   B/s | Pkt:   30↓   31↑ | Stale: 2 | Bad: 1", got)
}

func TestStatsCounters(t *testing.T) {
	before := Stats.snapshot()

	Stats.AddSent(10)
	Stats.AddRecv(7)
	Stats.AddDropped()
	Stats.AddMalformed()

	after := Stats.snapshot()
	assert.Equal(t, int64(1), after.pktSent-before.pktSent)
	assert.Equal(t, int64(10), after.bytesSent-before.bytesSent)
	assert.Equal(t, int64(7), after.bytesRecv-before.bytesRecv)
	assert.Equal(t, int64(1), after.dropped-before.dropped)
	assert.Equal(t, int64(1), after.malformed-before.malformed)
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("abc")
	assert.Len(t, a, 8)
	assert.Equal(t, a, Fingerprint("abc"))
	assert.NotEqual(t, a, Fingerprint("abd"))
	assert.NotContains(t, a, "abc")
}
