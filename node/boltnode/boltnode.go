// Package boltnode implements node.Node on top of a single bbolt database
// file: a durable reference backend for the query server's demo binary,
// laid out as one bucket per concern plus a versioned metadata bucket.
package boltnode

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	bolt "github.com/coreos/bbolt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/mlmikael/libbitcoin-server/bserr"
	"github.com/mlmikael/libbitcoin-server/node"
)

const (
	metadataBucket     = "metadata"
	versionKey         = "version"
	currentVersion     = 0
	blocksBucket       = "blocks"         // height(BE4) -> hash(32) || raw
	headersBucket      = "headers"        // hash(32) -> raw header
	heightByHash       = "height_by_hash" // hash(32) -> height(BE4)
	transactionsBucket = "transactions"   // hash(32) -> raw tx
	txIndexBucket      = "tx_index"       // hash(32) -> height(BE4) || index(BE4)
	historyBucket      = "history"        // addr(21: version+hash) -> concatenated rows
	spendsBucket       = "spends"         // outpoint(36) -> spending outpoint(36)
	stealthBucket      = "stealth"        // autoincrement(BE8) -> prefix(BE4) || height(BE4) || row(84)
	mempoolBucket      = "mempool"        // hash(32) -> raw tx
)

var allBuckets = []string{
	metadataBucket, blocksBucket, headersBucket, heightByHash,
	transactionsBucket, txIndexBucket, historyBucket, spendsBucket,
	stealthBucket, mempoolBucket,
}

// Node is a durable node.Node backend. Write methods (IngestBlock,
// PutHistory, PutSpend, PutStealth, AcceptToMempool) are the ingestion
// side; a real deployment would call these from whatever feeds it chain
// data, in place of the full P2P/consensus stack this reference server
// does not implement.
type Node struct {
	db *bolt.DB

	mu            sync.Mutex
	connectionNum uint32

	blockCh chan node.BlockEvent
	txCh    chan node.TxEvent
}

// Open creates or loads the database at path, ensuring every bucket this
// package needs exists, and checking the stored schema version.
func Open(path string, eventBufSize int) (*Node, error) {
	if eventBufSize <= 0 {
		eventBufSize = 64
	}

	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("boltnode: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		for _, name := range allBuckets {
			if name == metadataBucket {
				continue
			}
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}

		if v := meta.Get([]byte(versionKey)); v != nil {
			if len(v) != 1 || v[0] != currentVersion {
				return fmt.Errorf("boltnode: incompatible schema version %d", v[0])
			}
			return nil
		}
		return meta.Put([]byte(versionKey), []byte{currentVersion})
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &Node{
		db:      db,
		blockCh: make(chan node.BlockEvent, eventBufSize),
		txCh:    make(chan node.TxEvent, eventBufSize),
	}, nil
}

// Close flushes and closes the underlying database.
func (n *Node) Close() error {
	return n.db.Close()
}

func be4(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func outpointBytes(o node.OutPoint) []byte {
	b := make([]byte, 36)
	copy(b[:32], o.Hash[:])
	binary.LittleEndian.PutUint32(b[32:], o.Index)
	return b
}

func addrKey(addr node.PaymentAddress) []byte {
	b := make([]byte, 21)
	b[0] = addr.Version
	copy(b[1:], addr.Hash[:])
	return b
}

// IngestBlock records a new block and publishes a BlockEvent for it.
func (n *Node) IngestBlock(b node.Block, header []byte, txHashes []node.Hash32) error {
	err := n.db.Update(func(tx *bolt.Tx) error {
		blocks := tx.Bucket([]byte(blocksBucket))
		headers := tx.Bucket([]byte(headersBucket))
		byHash := tx.Bucket([]byte(heightByHash))
		txs := tx.Bucket([]byte(transactionsBucket))
		txIndex := tx.Bucket([]byte(txIndexBucket))
		mempool := tx.Bucket([]byte(mempoolBucket))

		value := make([]byte, 32+len(b.Raw))
		copy(value[:32], b.Hash[:])
		copy(value[32:], b.Raw)
		if err := blocks.Put(be4(b.Height), value); err != nil {
			return err
		}
		if header != nil {
			if err := headers.Put(b.Hash[:], header); err != nil {
				return err
			}
		}
		if err := byHash.Put(b.Hash[:], be4(b.Height)); err != nil {
			return err
		}
		for i, h := range txHashes {
			if i < len(b.Transactions) {
				if err := txs.Put(h[:], b.Transactions[i]); err != nil {
					return err
				}
			}
			idxVal := append(be4(b.Height), be4(uint32(i))...)
			if err := txIndex.Put(h[:], idxVal); err != nil {
				return err
			}
			mempool.Delete(h[:])
		}
		return nil
	})
	if err != nil {
		return err
	}

	select {
	case n.blockCh <- node.BlockEvent{Added: []node.Block{b}}:
	default:
	}
	return nil
}

// PutHistory appends one history row for addr.
func (n *Node) PutHistory(addr node.PaymentAddress, row node.HistoryRow) error {
	return n.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(historyBucket))
		key := addrKey(addr)
		existing := bkt.Get(key)
		rowBytes := encodeHistoryRow(row)
		updated := append(append([]byte(nil), existing...), rowBytes...)
		return bkt.Put(key, updated)
	})
}

func encodeHistoryRow(r node.HistoryRow) []byte {
	b := make([]byte, 1+36+4+8)
	b[0] = byte(r.Kind)
	copy(b[1:33], r.Point.Hash[:])
	binary.LittleEndian.PutUint32(b[33:37], r.Point.Index)
	binary.LittleEndian.PutUint32(b[37:41], r.Height)
	binary.LittleEndian.PutUint64(b[41:49], r.Value)
	return b
}

func decodeHistoryRows(buf []byte) []node.HistoryRow {
	const rowLen = 1 + 36 + 4 + 8
	var rows []node.HistoryRow
	for off := 0; off+rowLen <= len(buf); off += rowLen {
		chunk := buf[off : off+rowLen]
		var r node.HistoryRow
		r.Kind = node.PointKind(chunk[0])
		copy(r.Point.Hash[:], chunk[1:33])
		r.Point.Index = binary.LittleEndian.Uint32(chunk[33:37])
		r.Height = binary.LittleEndian.Uint32(chunk[37:41])
		r.Value = binary.LittleEndian.Uint64(chunk[41:49])
		rows = append(rows, r)
	}
	return rows
}

// PutSpend records that spentPoint is consumed by spendingPoint's input.
func (n *Node) PutSpend(spentPoint, spendingPoint node.OutPoint) error {
	return n.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(spendsBucket)).Put(outpointBytes(spentPoint), outpointBytes(spendingPoint))
	})
}

// PutStealth registers a stealth output row under an autoincrementing key,
// tagged with its height and 32-bit stealth prefix for query-time filtering.
func (n *Node) PutStealth(row node.StealthRow, height uint32, prefix uint32) error {
	return n.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(stealthBucket))
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)

		value := make([]byte, 4+4+32+20+32)
		binary.BigEndian.PutUint32(value[0:4], prefix)
		binary.BigEndian.PutUint32(value[4:8], height)
		copy(value[8:40], row.EphemeralKey[:])
		copy(value[40:60], row.AddressHash[:])
		copy(value[60:92], row.TxHash[:])
		return bkt.Put(key, value)
	})
}

// SetConnectionCount sets the value ConnectionCount reports.
func (n *Node) SetConnectionCount(c uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connectionNum = c
}

// AcceptToMempool adds tx to the unconfirmed pool and publishes a TxEvent.
func (n *Node) AcceptToMempool(hash node.Hash32, raw []byte) error {
	err := n.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(mempoolBucket)).Put(hash[:], raw)
	})
	if err != nil {
		return err
	}
	select {
	case n.txCh <- node.TxEvent{Raw: raw}:
	default:
	}
	return nil
}

func (n *Node) FetchHistory(ctx context.Context, addr node.PaymentAddress, fromHeight uint32) (uint32, []node.HistoryRow) {
	var rows []node.HistoryRow
	n.db.View(func(tx *bolt.Tx) error {
		buf := tx.Bucket([]byte(historyBucket)).Get(addrKey(addr))
		for _, r := range decodeHistoryRows(buf) {
			if r.Height >= fromHeight {
				rows = append(rows, r)
			}
		}
		return nil
	})
	return bserr.CodeSuccess, rows
}

func (n *Node) FetchTransaction(ctx context.Context, hash node.Hash32) (uint32, []byte) {
	var raw []byte
	n.db.View(func(tx *bolt.Tx) error {
		raw = tx.Bucket([]byte(transactionsBucket)).Get(hash[:])
		return nil
	})
	if raw == nil {
		return notFoundCode, nil
	}
	return bserr.CodeSuccess, append([]byte(nil), raw...)
}

func (n *Node) FetchLastHeight(ctx context.Context) (uint32, uint32) {
	var height uint32
	n.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(blocksBucket)).Cursor()
		k, _ := c.Last()
		if k != nil {
			height = binary.BigEndian.Uint32(k)
		}
		return nil
	})
	return bserr.CodeSuccess, height
}

func (n *Node) FetchBlockHeader(ctx context.Context, sel node.HeaderSelector) (uint32, []byte) {
	var header []byte
	found := true
	n.db.View(func(tx *bolt.Tx) error {
		hash := sel.Hash
		if sel.ByHeight {
			v := tx.Bucket([]byte(blocksBucket)).Get(be4(sel.Height))
			if v == nil {
				found = false
				return nil
			}
			copy(hash[:], v[:32])
		}
		header = tx.Bucket([]byte(headersBucket)).Get(hash[:])
		if header == nil {
			found = false
		}
		return nil
	})
	if !found {
		return notFoundCode, nil
	}
	return bserr.CodeSuccess, append([]byte(nil), header...)
}

func (n *Node) FetchTransactionIndex(ctx context.Context, hash node.Hash32) (uint32, uint32, uint32) {
	var height, index uint32
	found := false
	n.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(txIndexBucket)).Get(hash[:])
		if v == nil {
			return nil
		}
		found = true
		height = binary.BigEndian.Uint32(v[:4])
		index = binary.BigEndian.Uint32(v[4:8])
		return nil
	})
	if !found {
		return notFoundCode, 0, 0
	}
	return bserr.CodeSuccess, height, index
}

func (n *Node) FetchSpend(ctx context.Context, outpoint node.OutPoint) (uint32, []byte) {
	var raw []byte
	n.db.View(func(tx *bolt.Tx) error {
		raw = tx.Bucket([]byte(spendsBucket)).Get(outpointBytes(outpoint))
		return nil
	})
	if raw == nil {
		return notFoundCode, nil
	}
	return bserr.CodeSuccess, append([]byte(nil), raw...)
}

func (n *Node) FetchBlockHeight(ctx context.Context, hash node.Hash32) (uint32, uint32) {
	var height uint32
	found := false
	n.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(heightByHash)).Get(hash[:])
		if v == nil {
			return nil
		}
		found = true
		height = binary.BigEndian.Uint32(v)
		return nil
	})
	if !found {
		return notFoundCode, 0
	}
	return bserr.CodeSuccess, height
}

func (n *Node) FetchStealth(ctx context.Context, bitsize uint8, prefix []byte, fromHeight uint32) (uint32, []node.StealthRow) {
	var want uint32
	for i, b := range prefix {
		want |= uint32(b) << (8 * uint(i))
	}
	mask := uint32(0)
	if bitsize > 0 && bitsize <= 32 {
		mask = uint32(1)<<bitsize - 1
	}

	var rows []node.StealthRow
	n.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(stealthBucket)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			entryPrefix := binary.BigEndian.Uint32(v[0:4])
			entryHeight := binary.BigEndian.Uint32(v[4:8])
			if entryHeight < fromHeight {
				continue
			}
			if entryPrefix&mask != want&mask {
				continue
			}
			var row node.StealthRow
			copy(row.EphemeralKey[:], v[8:40])
			copy(row.AddressHash[:], v[40:60])
			copy(row.TxHash[:], v[60:92])
			rows = append(rows, row)
		}
		return nil
	})
	return bserr.CodeSuccess, rows
}

func (n *Node) Broadcast(tx []byte) {
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
	var raw []byte
	n.db.View(func(tx *bolt.Tx) error {
		raw = tx.Bucket([]byte(mempoolBucket)).Get(hash[:])
		return nil
	})
	if raw == nil {
		return notFoundCode, nil
	}
	return bserr.CodeSuccess, append([]byte(nil), raw...)
}

func (n *Node) BlockEvents() <-chan node.BlockEvent    { return n.blockCh }
func (n *Node) TransactionEvents() <-chan node.TxEvent { return n.txCh }

var _ node.Node = (*Node)(nil)

// notFoundCode mirrors memnode's reference "not found" code.
const notFoundCode uint32 = 1000
