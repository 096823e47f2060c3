// Package queue implements the internal push/pull socket pair that lets any
// goroutine enqueue an outgoing frame without touching the reply socket
// directly. The reply socket is drained and written to by the worker's own
// poll loop; this is the only synchronization primitive between them.
package queue

import (
	"fmt"
	"sync"

	"github.com/pebbe/zmq4"

	"github.com/mlmikael/libbitcoin-server/logging"
	"github.com/mlmikael/libbitcoin-server/wire"
)

// DefaultHighWaterMark bounds how many outgoing frame groups may sit in the
// push socket's buffer before sends start being dropped.
const DefaultHighWaterMark = 10000

// SendQueue is the push-side handle any goroutine uses to enqueue a
// response. It is safe for concurrent use; the underlying zmq socket is
// not, so sends are serialized with a mutex.
type SendQueue struct {
	mu   sync.Mutex
	push *zmq4.Socket
	log  logging.Logger
}

// Pair bundles the worker-owned pull socket with the shared send queue.
type Pair struct {
	Pull  *zmq4.Socket
	Queue *SendQueue
}

// New creates the push/pull pair bound to an in-process address unique to
// this worker instance. addr should be something like
// "inproc://query-worker-wakeup".
func New(addr string, hwm int, log logging.Logger) (*Pair, error) {
	if hwm <= 0 {
		hwm = DefaultHighWaterMark
	}
	if log == nil {
		log = logging.Discard
	}

	pull, err := zmq4.NewSocket(zmq4.PULL)
	if err != nil {
		return nil, fmt.Errorf("queue: create pull socket: %w", err)
	}
	if err := pull.Bind(addr); err != nil {
		pull.Close()
		return nil, fmt.Errorf("queue: bind pull socket %s: %w", addr, err)
	}

	push, err := zmq4.NewSocket(zmq4.PUSH)
	if err != nil {
		pull.Close()
		return nil, fmt.Errorf("queue: create push socket: %w", err)
	}
	if err := push.SetSndhwm(hwm); err != nil {
		push.Close()
		pull.Close()
		return nil, fmt.Errorf("queue: set push hwm: %w", err)
	}
	if err := push.Connect(addr); err != nil {
		push.Close()
		pull.Close()
		return nil, fmt.Errorf("queue: connect push socket %s: %w", addr, err)
	}

	return &Pair{
		Pull:  pull,
		Queue: &SendQueue{push: push, log: log},
	}, nil
}

// Close tears down both ends of the pair. Any queue_send closures retained
// by in-flight handlers become no-ops: once the push socket is closed, Send
// returns without sending or logging.
func (p *Pair) Close() {
	if p.Queue != nil {
		p.Queue.mu.Lock()
		if p.Queue.push != nil {
			p.Queue.push.Close()
			p.Queue.push = nil
		}
		p.Queue.mu.Unlock()
	}
	if p.Pull != nil {
		p.Pull.Close()
	}
}

// Send encodes resp and pushes it onto the push socket. It never blocks the
// caller: if the high-water mark has been reached, the frame is dropped and
// an error is logged.
func (q *SendQueue) Send(resp wire.Response) {
	parts := wire.Encode(resp)

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.push == nil {
		return
	}

	args := make([]interface{}, len(parts))
	for i, p := range parts {
		args[i] = p
	}
	// SendMessageDontwait never blocks: once the push socket's high-water
	// mark is hit it returns EAGAIN instead of stalling the caller.
	if _, err := q.push.SendMessageDontwait(args...); err != nil {
		q.log.Errorf("queue: dropped outgoing frame for command %q id %d: %v", resp.Command, resp.ID, err)
	}
}
