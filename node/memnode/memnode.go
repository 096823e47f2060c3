// Package memnode implements node.Node entirely in memory: a reference
// backend for tests and for demonstrations where nothing needs to survive
// a restart.
package memnode

import (
	"context"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/mlmikael/libbitcoin-server/bserr"
	"github.com/mlmikael/libbitcoin-server/node"
)

// Node is a mutex-guarded in-memory blockchain/pool view. Ingest/PutHistory/
// PutStealth/PutSpend are the write side a test (or a thin adapter feeding
// a real chain) calls directly; the node.Node methods are the read side the
// query server's handlers call.
type Node struct {
	mu sync.Mutex

	lastHeight     uint32
	blocksByHeight map[uint32]node.Block
	headersByHash  map[node.Hash32][]byte
	heightByHash   map[node.Hash32]uint32

	transactions map[node.Hash32][]byte
	txIndex      map[node.Hash32][2]uint32 // height, index

	history map[node.PaymentAddress][]node.HistoryRow
	spends  map[node.OutPoint]node.OutPoint // spent outpoint -> spending input's outpoint
	stealth []stealthEntry

	mempool       map[node.Hash32][]byte
	connectionNum uint32
	hasBlocks     bool

	blockCh chan node.BlockEvent
	txCh    chan node.TxEvent
}

type stealthEntry struct {
	row    node.StealthRow
	height uint32
	prefix uint32
}

// New returns an empty Node. bufSize sizes the event channels; 0 picks a
// reasonable default.
func New(bufSize int) *Node {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Node{
		blocksByHeight: make(map[uint32]node.Block),
		headersByHash:  make(map[node.Hash32][]byte),
		heightByHash:   make(map[node.Hash32]uint32),
		transactions:   make(map[node.Hash32][]byte),
		txIndex:        make(map[node.Hash32][2]uint32),
		history:        make(map[node.PaymentAddress][]node.HistoryRow),
		spends:         make(map[node.OutPoint]node.OutPoint),
		mempool:        make(map[node.Hash32][]byte),
		blockCh:        make(chan node.BlockEvent, bufSize),
		txCh:           make(chan node.TxEvent, bufSize),
	}
}

// IngestBlock records a new block, advances the chain tip, and publishes a
// BlockEvent with it as the sole added block. txHashes lets the caller
// register per-transaction lookups in the same call.
func (n *Node) IngestBlock(b node.Block, header []byte, txHashes []node.Hash32) {
	n.mu.Lock()
	n.blocksByHeight[b.Height] = b
	n.headersByHash[b.Hash] = header
	n.heightByHash[b.Hash] = b.Height
	if !n.hasBlocks || b.Height > n.lastHeight {
		n.lastHeight = b.Height
	}
	n.hasBlocks = true
	for i, h := range txHashes {
		if i < len(b.Transactions) {
			n.transactions[h] = b.Transactions[i]
		}
		n.txIndex[h] = [2]uint32{b.Height, uint32(i)}
		delete(n.mempool, h)
	}
	n.mu.Unlock()

	select {
	case n.blockCh <- node.BlockEvent{Added: []node.Block{b}}:
	default:
	}
}

// PutHistory registers one history row under addr.
func (n *Node) PutHistory(addr node.PaymentAddress, row node.HistoryRow) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.history[addr] = append(n.history[addr], row)
}

// PutSpend records that spentPoint is consumed by the input identified by
// spendingPoint.
func (n *Node) PutSpend(spentPoint, spendingPoint node.OutPoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.spends[spentPoint] = spendingPoint
}

// PutStealth registers a stealth output row, tagged with its 32-bit
// stealth prefix for prefix-bit matching at query time.
func (n *Node) PutStealth(row node.StealthRow, height uint32, prefix uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stealth = append(n.stealth, stealthEntry{row: row, height: height, prefix: prefix})
}

// SetConnectionCount sets the value ConnectionCount reports.
func (n *Node) SetConnectionCount(c uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connectionNum = c
}

// AcceptToMempool adds tx to the unconfirmed pool and publishes a TxEvent.
// PoolValidate does not call it; it is the write side tests use directly.
func (n *Node) AcceptToMempool(hash node.Hash32, raw []byte) {
	n.mu.Lock()
	n.mempool[hash] = raw
	n.mu.Unlock()

	select {
	case n.txCh <- node.TxEvent{Raw: raw}:
	default:
	}
}

func (n *Node) FetchHistory(ctx context.Context, addr node.PaymentAddress, fromHeight uint32) (uint32, []node.HistoryRow) {
	n.mu.Lock()
	defer n.mu.Unlock()
	rows := n.history[addr]
	out := make([]node.HistoryRow, 0, len(rows))
	for _, r := range rows {
		if r.Height >= fromHeight {
			out = append(out, r)
		}
	}
	return bserr.CodeSuccess, out
}

func (n *Node) FetchTransaction(ctx context.Context, hash node.Hash32) (uint32, []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if raw, ok := n.transactions[hash]; ok {
		return bserr.CodeSuccess, raw
	}
	return notFoundCode, nil
}

func (n *Node) FetchLastHeight(ctx context.Context) (uint32, uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return bserr.CodeSuccess, n.lastHeight
}

func (n *Node) FetchBlockHeader(ctx context.Context, sel node.HeaderSelector) (uint32, []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	hash := sel.Hash
	if sel.ByHeight {
		b, ok := n.blocksByHeight[sel.Height]
		if !ok {
			return notFoundCode, nil
		}
		hash = b.Hash
	}
	header, ok := n.headersByHash[hash]
	if !ok {
		return notFoundCode, nil
	}
	return bserr.CodeSuccess, header
}

func (n *Node) FetchTransactionIndex(ctx context.Context, hash node.Hash32) (uint32, uint32, uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	idx, ok := n.txIndex[hash]
	if !ok {
		return notFoundCode, 0, 0
	}
	return bserr.CodeSuccess, idx[0], idx[1]
}

func (n *Node) FetchSpend(ctx context.Context, outpoint node.OutPoint) (uint32, []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	spending, ok := n.spends[outpoint]
	if !ok {
		return notFoundCode, nil
	}
	buf := make([]byte, 36)
	copy(buf[:32], spending.Hash[:])
	buf[32] = byte(spending.Index)
	buf[33] = byte(spending.Index >> 8)
	buf[34] = byte(spending.Index >> 16)
	buf[35] = byte(spending.Index >> 24)
	return bserr.CodeSuccess, buf
}

func (n *Node) FetchBlockHeight(ctx context.Context, hash node.Hash32) (uint32, uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	h, ok := n.heightByHash[hash]
	if !ok {
		return notFoundCode, 0
	}
	return bserr.CodeSuccess, h
}

func (n *Node) FetchStealth(ctx context.Context, bitsize uint8, prefix []byte, fromHeight uint32) (uint32, []node.StealthRow) {
	n.mu.Lock()
	defer n.mu.Unlock()

	var want uint32
	for i, b := range prefix {
		want |= uint32(b) << (8 * uint(i))
	}
	mask := uint32(0)
	if bitsize > 0 && bitsize <= 32 {
		mask = uint32(1)<<bitsize - 1
	}

	var rows []node.StealthRow
	for _, e := range n.stealth {
		if e.height < fromHeight {
			continue
		}
		if e.prefix&mask == want&mask {
			rows = append(rows, e.row)
		}
	}
	return bserr.CodeSuccess, rows
}

func (n *Node) Broadcast(tx []byte) {
	// No network to relay to; the reference node just treats broadcast as
	// an immediate mempool acceptance for demo purposes.
	hash := node.Hash32(chainhash.DoubleHashH(tx))
	n.AcceptToMempool(hash, tx)
}

func (n *Node) ConnectionCount() uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connectionNum
}

func (n *Node) PoolValidate(ctx context.Context, tx []byte) (uint32, []uint32) {
	return bserr.CodeSuccess, nil
}

func (n *Node) PoolFetch(ctx context.Context, hash node.Hash32) (uint32, []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if raw, ok := n.mempool[hash]; ok {
		return bserr.CodeSuccess, raw
	}
	return notFoundCode, nil
}

func (n *Node) BlockEvents() <-chan node.BlockEvent    { return n.blockCh }
func (n *Node) TransactionEvents() <-chan node.TxEvent { return n.txCh }

var _ node.Node = (*Node)(nil)

// notFoundCode is the reference node's "not found" code, distinct from the
// server's own BadStream/OversubscribedMaximum codes (spec.md §7: node
// error codes are opaque to the server and forwarded verbatim).
const notFoundCode uint32 = 1000
