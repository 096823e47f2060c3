// Package publisher implements the block/transaction event fan-out (C7):
// two independent PUB sockets fed from the node's event channels, with
// silent overflow on backpressure.
package publisher

import (
	"context"
	"fmt"
	"sync"

	"github.com/pebbe/zmq4"

	"github.com/mlmikael/libbitcoin-server/logging"
	"github.com/mlmikael/libbitcoin-server/node"
	"github.com/mlmikael/libbitcoin-server/serial"
)

// Settings are the subset of server configuration the publisher needs.
type Settings struct {
	BlockEndpoint       string
	TransactionEndpoint string
	Enabled             bool
}

type runState int

const (
	stateStopped runState = iota
	stateRunning
)

// Publisher owns the block-publish and tx-publish sockets and the
// goroutine that drains the node's event channels onto them.
type Publisher struct {
	cfg Settings
	log logging.Logger

	mu    sync.Mutex
	state runState

	block *zmq4.Socket
	tx    *zmq4.Socket

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Publisher in the Stopped state.
func New(cfg Settings, log logging.Logger) *Publisher {
	if log == nil {
		log = logging.Discard
	}
	return &Publisher{cfg: cfg, log: log, state: stateStopped}
}

// Start binds both PUB sockets. A Publisher with Enabled=false binds
// nothing and Run becomes a no-op, matching server.publisher_enabled's
// "independently disable the ... publisher sockets" semantics.
func (p *Publisher) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == stateRunning {
		return fmt.Errorf("publisher: already running")
	}
	if !p.cfg.Enabled {
		p.state = stateRunning
		return nil
	}

	block, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return fmt.Errorf("publisher: create block socket: %w", err)
	}
	if err := block.Bind(p.cfg.BlockEndpoint); err != nil {
		block.Close()
		return fmt.Errorf("publisher: bind block endpoint %s: %w", p.cfg.BlockEndpoint, err)
	}

	tx, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		block.Close()
		return fmt.Errorf("publisher: create tx socket: %w", err)
	}
	if err := tx.Bind(p.cfg.TransactionEndpoint); err != nil {
		block.Close()
		tx.Close()
		return fmt.Errorf("publisher: bind tx endpoint %s: %w", p.cfg.TransactionEndpoint, err)
	}

	p.block = block
	p.tx = tx
	p.state = stateRunning
	return nil
}

// Stop tears down both sockets and halts Run if it was started. Idempotent.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if p.state == stateStopped {
		p.mu.Unlock()
		return nil
	}
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	block, tx := p.block, p.tx
	p.block, p.tx = nil, nil
	p.state = stateStopped
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if block != nil {
		block.Close()
	}
	if tx != nil {
		tx.Close()
	}
	return nil
}

// Run drains n's block and transaction event channels onto the publish
// sockets until ctx is canceled. One goroutine should own this call for
// the lifetime of the publisher; it returns immediately if the publisher
// was started disabled.
func (p *Publisher) Run(ctx context.Context, n node.Node) {
	p.mu.Lock()
	if p.state != stateRunning || !p.cfg.Enabled {
		p.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	block, tx := p.block, p.tx
	p.mu.Unlock()

	defer close(done)

	blocks := n.BlockEvents()
	txs := n.TransactionEvents()
	for {
		select {
		case <-runCtx.Done():
			return
		case ev, ok := <-blocks:
			if !ok {
				blocks = nil
				continue
			}
			for _, b := range ev.Added {
				p.publishBlock(block, b)
			}
		case ev, ok := <-txs:
			if !ok {
				txs = nil
				continue
			}
			p.publishTransaction(tx, ev.Raw)
		}
	}
}

// PublishBlock sends b on the block socket directly, for callers that fan
// out node events themselves rather than handing the node to Run (e.g. when
// the same event stream also feeds the subscription manager). A disabled
// or unstarted publisher silently drops.
func (p *Publisher) PublishBlock(b node.Block) {
	p.mu.Lock()
	sock := p.block
	p.mu.Unlock()
	if sock == nil {
		return
	}
	p.publishBlock(sock, b)
}

// PublishTransaction sends raw on the transaction socket directly; see
// PublishBlock.
func (p *Publisher) PublishTransaction(raw []byte) {
	p.mu.Lock()
	sock := p.tx
	p.mu.Unlock()
	if sock == nil {
		return
	}
	p.publishTransaction(sock, raw)
}

func (p *Publisher) publishBlock(sock *zmq4.Socket, b node.Block) {
	w := serial.NewWriter(4 + len(b.Raw))
	w.WriteUint32LE(b.Height)
	w.WriteBytes(b.Raw)
	if _, err := sock.SendBytes(w.Bytes(), zmq4.DONTWAIT); err != nil {
		p.log.Errorf("publisher: dropped block %d: %v", b.Height, err)
	}
}

func (p *Publisher) publishTransaction(sock *zmq4.Socket, raw []byte) {
	if _, err := sock.SendBytes(raw, zmq4.DONTWAIT); err != nil {
		p.log.Errorf("publisher: dropped transaction: %v", err)
	}
}
