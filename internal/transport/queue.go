// Package transport serializes outbound datagrams through a single writer
// goroutine per socket.
package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/1ureka/v3xlink/internal/util"
)

// DefaultTTL is how long a datagram may wait in the queue before it is
// considered stale and dropped unsent.
const DefaultTTL = 1000 * time.Millisecond

var log = util.NewLogger("transport")

// PacketWriter is the part of net.PacketConn the queue needs.
type PacketWriter interface {
	WriteTo(p []byte, addr net.Addr) (int, error)
}

type item struct {
	data     []byte
	dst      net.Addr
	enqueued time.Time
}

// Queue is a FIFO of outbound datagrams drained by one writer goroutine.
// It is unbounded in count and bounded in staleness: items older than the
// TTL when they reach the head are dropped.
type Queue struct {
	conn PacketWriter
	ttl  time.Duration

	mu     sync.Mutex
	items  []item
	closed bool

	wakeSignal chan struct{}
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewQueue starts the writer goroutine for conn. A ttl of zero or less
// selects DefaultTTL. The worker exits when ctx is cancelled or Close is
// called.
func NewQueue(ctx context.Context, conn PacketWriter, ttl time.Duration) *Queue {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	qCtx, cancel := context.WithCancel(ctx)
	q := &Queue{
		conn:       conn,
		ttl:        ttl,
		wakeSignal: make(chan struct{}, 1),
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	go q.loop(qCtx)

	return q
}

// Enqueue schedules data for delivery to dst. It never blocks; after Close
// the datagram is discarded.
func (q *Queue) Enqueue(data []byte, dst net.Addr) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, item{data: data, dst: dst, enqueued: time.Now()})
	q.mu.Unlock()

	select {
	case q.wakeSignal <- struct{}{}:
	default:
	}
}

// Len returns the number of datagrams waiting to be sent.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops the worker, discards anything still queued and waits for the
// goroutine to exit.
func (q *Queue) Close() {
	q.cancel()
	<-q.done
}

// Done is closed once the worker has exited.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// loop is the single-writer goroutine.
func (q *Queue) loop(ctx context.Context) {
	defer close(q.done)
	defer q.drain()

	for {
		select {
		case <-q.wakeSignal:
		case <-ctx.Done():
			return
		}

		for {
			if ctx.Err() != nil {
				return
			}
			it, ok := q.pop()
			if !ok {
				break
			}
			q.send(it)
		}
	}
}

func (q *Queue) pop() (item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return item{}, false
	}
	it := q.items[0]
	q.items[0] = item{}
	q.items = q.items[1:]
	return it, true
}

func (q *Queue) send(it item) {
	if age := time.Since(it.enqueued); age > q.ttl {
		util.Stats.AddDropped()
		log.Debug("dropping stale datagram to %s (age %s)", it.dst, age.Round(time.Millisecond))
		return
	}

	if _, err := q.conn.WriteTo(it.data, it.dst); err != nil {
		log.Warning("send to %s failed: %v", it.dst, err)
		return
	}

	util.Stats.AddSent(len(it.data))
}

// drain marks the queue closed and discards pending items.
func (q *Queue) drain() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.items = nil
}
