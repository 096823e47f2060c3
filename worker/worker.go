// Package worker implements the request worker (C4): it owns the reply
// socket, polls for input, authenticates peers, dispatches to registered
// command handlers, and emits periodic heartbeats.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pebbe/zmq4"

	"github.com/mlmikael/libbitcoin-server/auth"
	"github.com/mlmikael/libbitcoin-server/bserr"
	"github.com/mlmikael/libbitcoin-server/logging"
	"github.com/mlmikael/libbitcoin-server/queue"
	"github.com/mlmikael/libbitcoin-server/registry"
	"github.com/mlmikael/libbitcoin-server/wire"
)

// Settings are the subset of server configuration the worker needs.
type Settings struct {
	QueryEndpoint            string
	HeartbeatEndpoint        string
	PollingIntervalSeconds   uint32
	HeartbeatIntervalSeconds uint32
	QueueHighWaterMark       int
	WakeupAddr               string // inproc address for the C2 push/pull pair, unique per worker instance
}

type runState int

const (
	stateStopped runState = iota
	stateRunning
)

// Worker is the request/response core of the query server: a single
// ROUTER reply socket, a single PUB heartbeat socket, and the send-queue
// pull socket, all polled from one goroutine.
type Worker struct {
	cfg  Settings
	auth *auth.State
	log  logging.Logger
	reg  *registry.Registry

	mu    sync.Mutex
	state runState

	reply     *zmq4.Socket
	heartbeat *zmq4.Socket
	queuePair *queue.Pair
	poller    *zmq4.Poller

	heartbeatSeq      uint32
	nextHeartbeatTime time.Time

	nowFn func() time.Time
}

// New builds a Worker in the Stopped state. authState may be nil to run
// with no CURVE security and no IP allowlist.
func New(cfg Settings, authState *auth.State, reg *registry.Registry, log logging.Logger) *Worker {
	if log == nil {
		log = logging.Discard
	}
	if authState == nil {
		authState = &auth.State{}
	}
	if cfg.WakeupAddr == "" {
		cfg.WakeupAddr = "inproc://query-worker-wakeup"
	}
	return &Worker{
		cfg:   cfg,
		auth:  authState,
		log:   log,
		reg:   reg,
		state: stateStopped,
		nowFn: time.Now,
	}
}

// Attach registers a command handler.
func (w *Worker) Attach(command string, h registry.Handler) {
	w.reg.Attach(command, h)
}

// Queue exposes the send queue so handlers constructed elsewhere (e.g. the
// subscription manager) can be wired to deliver notifications through the
// same path as ordinary responses.
func (w *Worker) Queue() *queue.SendQueue {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.queuePair == nil {
		return nil
	}
	return w.queuePair.Queue
}

// Start binds the reply and heartbeat sockets, brings up the wakeup
// push/pull pair, and configures authentication. It is an error to call
// Start twice without an intervening Stop.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == stateRunning {
		return fmt.Errorf("worker: already running")
	}

	reply, err := zmq4.NewSocket(zmq4.ROUTER)
	if err != nil {
		return fmt.Errorf("worker: create reply socket: %w", err)
	}
	if err := w.auth.ConfigureServerSocket(reply); err != nil {
		reply.Close()
		return fmt.Errorf("worker: configure curve: %w", err)
	}
	if err := reply.Bind(w.cfg.QueryEndpoint); err != nil {
		reply.Close()
		return fmt.Errorf("worker: bind query endpoint %s: %w", w.cfg.QueryEndpoint, err)
	}

	heartbeat, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		reply.Close()
		return fmt.Errorf("worker: create heartbeat socket: %w", err)
	}
	if err := heartbeat.Bind(w.cfg.HeartbeatEndpoint); err != nil {
		reply.Close()
		heartbeat.Close()
		return fmt.Errorf("worker: bind heartbeat endpoint %s: %w", w.cfg.HeartbeatEndpoint, err)
	}

	pair, err := queue.New(w.cfg.WakeupAddr, w.cfg.QueueHighWaterMark, w.log)
	if err != nil {
		reply.Close()
		heartbeat.Close()
		return fmt.Errorf("worker: start send queue: %w", err)
	}

	poller := zmq4.NewPoller()
	poller.Add(reply, zmq4.POLLIN)
	poller.Add(pair.Pull, zmq4.POLLIN)

	w.reply = reply
	w.heartbeat = heartbeat
	w.queuePair = pair
	w.poller = poller
	w.heartbeatSeq = 0
	w.nextHeartbeatTime = w.nowFn().Add(time.Duration(w.cfg.HeartbeatIntervalSeconds) * time.Second)
	w.state = stateRunning

	return nil
}

// Stop tears down sockets in reverse order. Idempotent.
func (w *Worker) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == stateStopped {
		return nil
	}

	if w.queuePair != nil {
		w.queuePair.Close()
		w.queuePair = nil
	}
	if w.heartbeat != nil {
		w.heartbeat.Close()
		w.heartbeat = nil
	}
	if w.reply != nil {
		w.reply.Close()
		w.reply = nil
	}
	w.poller = nil
	w.state = stateStopped
	return nil
}

// Run calls Update in a loop with the configured polling interval until
// ctx is canceled. One dedicated goroutine should own this call for the
// lifetime of the worker.
func (w *Worker) Run(ctx context.Context) error {
	timeout := time.Duration(w.cfg.PollingIntervalSeconds) * time.Second
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := w.Update(timeout); err != nil {
			return err
		}
	}
}

// Update runs one poll tick: drains the wakeup queue onto the reply
// socket, dispatches any incoming requests, and emits a heartbeat if due.
// It is a no-op while Stopped.
func (w *Worker) Update(timeout time.Duration) error {
	w.mu.Lock()
	if w.state == stateStopped {
		w.mu.Unlock()
		return nil
	}
	reply, pull, heartbeat, poller := w.reply, w.queuePair.Pull, w.heartbeat, w.poller
	w.mu.Unlock()

	polled, err := poller.Poll(timeout)
	if err != nil {
		return fmt.Errorf("worker: poll: %w", err)
	}

	for _, p := range polled {
		switch p.Socket {
		case pull:
			w.drainWakeup(pull, reply)
		case reply:
			w.drainRequests(reply)
		}
	}

	w.maybeHeartbeat(heartbeat)
	return nil
}

func (w *Worker) drainWakeup(pull, reply *zmq4.Socket) {
	for {
		parts, err := pull.RecvMessageBytes(zmq4.DONTWAIT)
		if err != nil {
			return // EAGAIN: drained
		}
		args := make([]interface{}, len(parts))
		for i, p := range parts {
			args[i] = p
		}
		if _, err := reply.SendMessage(args...); err != nil {
			w.log.Errorf("worker: failed writing queued frame to reply socket: %v", err)
		}
	}
}

func (w *Worker) drainRequests(reply *zmq4.Socket) {
	for {
		parts, err := reply.RecvMessageBytes(zmq4.DONTWAIT)
		if err != nil {
			return
		}
		w.dispatch(parts)
	}
}

func (w *Worker) dispatch(parts [][]byte) {
	req, err := wire.Decode(parts)
	if err != nil {
		w.log.Debugf("worker: dropping malformed frame: %v", err)
		return
	}

	handler, ok := w.reg.Lookup(req.Command)
	if !ok {
		w.log.Debugf("worker: dropping request for command %q: %v", req.Command, bserr.ErrUnknownCommand)
		return
	}

	sendQueue := w.Queue()
	send := func(payload []byte) {
		if sendQueue == nil {
			return
		}
		sendQueue.Send(wire.FromRequest(req, payload))
	}
	handler(req, send)
}

func (w *Worker) maybeHeartbeat(heartbeat *zmq4.Socket) {
	now := w.nowFn()
	if now.Before(w.nextHeartbeatTime) {
		return
	}

	payload := []byte{
		byte(w.heartbeatSeq), byte(w.heartbeatSeq >> 8),
		byte(w.heartbeatSeq >> 16), byte(w.heartbeatSeq >> 24),
	}
	if _, err := heartbeat.SendBytes(payload, zmq4.DONTWAIT); err != nil {
		w.log.Errorf("worker: failed publishing heartbeat: %v", err)
	}
	w.heartbeatSeq++
	w.nextHeartbeatTime = now.Add(time.Duration(w.cfg.HeartbeatIntervalSeconds) * time.Second)
}
