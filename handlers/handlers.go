// Package handlers implements the per-command payload codecs and node
// calls of the query server's handler library (C5, spec.md §4.5).
//
// Every handler follows the same shape: validate the request payload's
// length against its schema, then either respond immediately (BadStream on
// mismatch) or hand the call off to the node asynchronously so the request
// worker's poll loop is never blocked. A response payload always begins
// with a 4-byte little-endian error code.
package handlers

import (
	"context"

	"github.com/mlmikael/libbitcoin-server/bserr"
	"github.com/mlmikael/libbitcoin-server/logging"
	"github.com/mlmikael/libbitcoin-server/node"
	"github.com/mlmikael/libbitcoin-server/queue"
	"github.com/mlmikael/libbitcoin-server/registry"
	"github.com/mlmikael/libbitcoin-server/subscribe"
	"github.com/mlmikael/libbitcoin-server/wire"
)

// Deps bundles everything the handler library needs to do its job.
type Deps struct {
	Node    node.Node
	Subs    *subscribe.Manager
	Queue   *queue.SendQueue // lets subscribe acks and notifications bypass the per-request reply path
	Log     logging.Logger
	Context context.Context // base context for node calls; defaults to context.Background()
}

// Attach registers every command this package implements onto reg.
func Attach(reg *registry.Registry, deps Deps) {
	if deps.Log == nil {
		deps.Log = logging.Discard
	}
	if deps.Context == nil {
		deps.Context = context.Background()
	}

	reg.Attach("blockchain.fetch_history", fetchHistory(deps))
	reg.Attach("blockchain.fetch_transaction", fetchTransaction(deps))
	reg.Attach("blockchain.fetch_last_height", fetchLastHeight(deps))
	reg.Attach("blockchain.fetch_block_header", fetchBlockHeader(deps))
	reg.Attach("blockchain.fetch_transaction_index", fetchTransactionIndex(deps))
	reg.Attach("blockchain.fetch_spend", fetchSpend(deps))
	reg.Attach("blockchain.fetch_block_height", fetchBlockHeight(deps))
	reg.Attach("blockchain.fetch_stealth", fetchStealth(deps))

	reg.Attach("protocol.broadcast_transaction", broadcastTransaction(deps))
	reg.Attach("protocol.total_connections", totalConnections(deps))

	reg.Attach("transaction_pool.validate", poolValidate(deps))
	reg.Attach("transaction_pool.fetch_transaction", poolFetchTransaction(deps))

	reg.Attach("address.subscribe", subscribeAddress(deps))
	reg.Attach("address.renew", renewAddress(deps))
}

// badStream writes the 4-byte BadStream response for a malformed payload.
func badStream(req wire.Request, send registry.SendFunc) {
	send([]byte{
		byte(bserr.CodeBadStream), byte(bserr.CodeBadStream >> 8),
		byte(bserr.CodeBadStream >> 16), byte(bserr.CodeBadStream >> 24),
	})
}
