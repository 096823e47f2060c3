package handlers

import (
	"github.com/mlmikael/libbitcoin-server/bserr"
	"github.com/mlmikael/libbitcoin-server/registry"
	"github.com/mlmikael/libbitcoin-server/serial"
	"github.com/mlmikael/libbitcoin-server/wire"
)

// broadcastTransaction hands a raw transaction to the node and reports
// success immediately: the original service never waits on network relay
// before answering (spec.md §4.7).
func broadcastTransaction(deps Deps) registry.Handler {
	return func(req wire.Request, send registry.SendFunc) {
		if len(req.Payload) == 0 {
			badStream(req, send)
			return
		}
		raw := append([]byte(nil), req.Payload...)

		go func() {
			deps.Node.Broadcast(raw)
			w := serial.NewWriter(4)
			w.WriteUint32LE(bserr.CodeSuccess)
			send(w.Bytes())
		}()
	}
}

func totalConnections(deps Deps) registry.Handler {
	return func(req wire.Request, send registry.SendFunc) {
		if len(req.Payload) != 0 {
			badStream(req, send)
			return
		}

		go func() {
			count := deps.Node.ConnectionCount()
			w := serial.NewWriter(8)
			w.WriteUint32LE(bserr.CodeSuccess)
			w.WriteUint32LE(count)
			send(w.Bytes())
		}()
	}
}
