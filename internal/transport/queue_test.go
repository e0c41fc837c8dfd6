package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingWriter records every datagram and can stall the first write.
type recordingWriter struct {
	mu       sync.Mutex
	written  []string
	attempts int
	stall    chan struct{} // when non-nil, the first write waits on it
	fail     bool
}

func (w *recordingWriter) WriteTo(p []byte, _ net.Addr) (int, error) {
	w.mu.Lock()
	stall := w.stall
	w.stall = nil
	w.mu.Unlock()

	if stall != nil {
		<-stall
	}

	w.mu.Lock()
	w.attempts++
	fail := w.fail
	w.mu.Unlock()
	if fail {
		return 0, errors.New("boom")
	}

	w.mu.Lock()
	w.written = append(w.written, string(p))
	w.mu.Unlock()
	return len(p), nil
}

func (w *recordingWriter) got() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.written...)
}

var testDst = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}

func TestQueueSendsInOrder(t *testing.T) {
	w := &recordingWriter{}
	q := NewQueue(context.Background(), w, time.Second)
	defer q.Close()

	for _, s := range []string{"a", "b", "c", "d"} {
		q.Enqueue([]byte(s), testDst)
	}

	require.Eventually(t, func() bool { return len(w.got()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c", "d"}, w.got())
}

// TestQueueDropsStale verifies an item that waited longer than the TTL is
// never sent, while fresh items behind it still are.
func TestQueueDropsStale(t *testing.T) {
	stall := make(chan struct{})
	w := &recordingWriter{stall: stall}
	q := NewQueue(context.Background(), w, 50*time.Millisecond)
	defer q.Close()

	q.Enqueue([]byte("first"), testDst)
	q.Enqueue([]byte("stale"), testDst)

	time.Sleep(150 * time.Millisecond)
	close(stall)

	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, 5*time.Millisecond)

	q.Enqueue([]byte("fresh"), testDst)
	require.Eventually(t, func() bool { return len(w.got()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"first", "fresh"}, w.got())
}

func TestQueueContinuesAfterSendError(t *testing.T) {
	w := &recordingWriter{fail: true}
	q := NewQueue(context.Background(), w, time.Second)
	defer q.Close()

	q.Enqueue([]byte("lost"), testDst)
	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.attempts == 1
	}, time.Second, 5*time.Millisecond)

	w.mu.Lock()
	w.fail = false
	w.mu.Unlock()

	q.Enqueue([]byte("ok"), testDst)
	require.Eventually(t, func() bool { return len(w.got()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"ok"}, w.got())
}

func TestQueueStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := NewQueue(ctx, &recordingWriter{}, time.Second)

	cancel()

	select {
	case <-q.Done():
	case <-time.After(time.Second):
		t.Fatal("worker did not exit after cancel")
	}

	q.Enqueue([]byte("late"), testDst)
	assert.Equal(t, 0, q.Len())
	q.Close()
}

// TestQueueOverUDP sends through a real loopback socket.
func TestQueueOverUDP(t *testing.T) {
	rx, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer rx.Close()

	tx, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer tx.Close()

	q := NewQueue(context.Background(), tx, 0)
	defer q.Close()

	q.Enqueue([]byte("hello"), rx.LocalAddr())

	buf := make([]byte, 64)
	require.NoError(t, rx.SetReadDeadline(time.Now().Add(time.Second)))
	n, _, err := rx.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}
