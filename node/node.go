// Package node defines the contract the query server expects from the
// external blockchain node: the database, transaction pool, and peer
// network are all opaque behind this interface (spec.md §6).
package node

import "context"

// Hash32 is a 32-byte hash, displayed big-endian but carried on the wire
// exactly as stored.
type Hash32 [32]byte

// PaymentAddress is a version byte plus a 20-byte RIPEMD160 hash, the
// layout blockchain.fetch_history's request payload carries.
type PaymentAddress struct {
	Version byte
	Hash    [20]byte
}

// OutPoint identifies a previous output: a transaction hash and index.
type OutPoint struct {
	Hash  Hash32
	Index uint32
}

// PointKind distinguishes an output row from a spend row in a history
// result.
type PointKind uint8

const (
	PointOutput PointKind = 0
	PointSpend  PointKind = 1
)

// HistoryRow is one row of a fetch_history result.
type HistoryRow struct {
	Kind   PointKind
	Point  OutPoint
	Height uint32
	Value  uint64
}

// StealthRow is one row of a fetch_stealth result.
type StealthRow struct {
	EphemeralKey [32]byte
	AddressHash  [20]byte
	TxHash       Hash32
}

// HeaderSelector picks a block header fetch by height or by hash; exactly
// one of the two is set.
type HeaderSelector struct {
	ByHeight bool
	Height   uint32
	Hash     Hash32
}

// Block is the minimal shape the query server's subscription feed needs
// from a block: enough to replay every contained transaction through the
// subscription manager.
type Block struct {
	Height       uint32
	Hash         Hash32
	Raw          []byte   // the complete serialized block, as the publisher puts it on the wire
	Transactions [][]byte // raw serialized transactions, replayed individually through the subscription manager
}

// BlockEvent models the node's chain-acceptance stream, including reorg
// semantics: a single event may both add and remove blocks. Per Design
// Notes, disconnected blocks never generate subscription notifications;
// only Added is ever replayed through submit().
type BlockEvent struct {
	Added   []Block
	Removed []Block
}

// TxEvent is a single transaction accepted into the mempool.
type TxEvent struct {
	Raw []byte
}

// Node is the asynchronous external collaborator. Every method that can
// fail returns a uint32 wire error code (0 = success) rather than a Go
// error, because that code is what gets written verbatim into a response
// payload; a Go error return is reserved for transport failures talking to
// the backing store, which implementations must map to a non-zero code
// before it ever reaches a handler.
type Node interface {
	FetchHistory(ctx context.Context, addr PaymentAddress, fromHeight uint32) (code uint32, rows []HistoryRow)
	FetchTransaction(ctx context.Context, hash Hash32) (code uint32, raw []byte)
	FetchLastHeight(ctx context.Context) (code uint32, height uint32)
	FetchBlockHeader(ctx context.Context, sel HeaderSelector) (code uint32, raw []byte)
	FetchTransactionIndex(ctx context.Context, hash Hash32) (code uint32, height, index uint32)
	FetchSpend(ctx context.Context, outpoint OutPoint) (code uint32, raw []byte)
	FetchBlockHeight(ctx context.Context, hash Hash32) (code uint32, height uint32)
	FetchStealth(ctx context.Context, bitsize uint8, prefix []byte, fromHeight uint32) (code uint32, rows []StealthRow)

	// Broadcast is fire-and-forget, matching protocol.broadcast_transaction's
	// "send and hope for the best" semantics in the original service.
	Broadcast(tx []byte)
	ConnectionCount() uint32

	PoolValidate(ctx context.Context, tx []byte) (code uint32, unconfirmed []uint32)
	PoolFetch(ctx context.Context, hash Hash32) (code uint32, raw []byte)

	// BlockEvents and TransactionEvents feed the subscription manager and
	// the publisher. Implementations must never block a send on these
	// channels; callers read them from a dedicated goroutine for the
	// lifetime of the server.
	BlockEvents() <-chan BlockEvent
	TransactionEvents() <-chan TxEvent
}
