package handlers

import (
	"github.com/mlmikael/libbitcoin-server/registry"
	"github.com/mlmikael/libbitcoin-server/serial"
	"github.com/mlmikael/libbitcoin-server/wire"
)

func poolValidate(deps Deps) registry.Handler {
	return func(req wire.Request, send registry.SendFunc) {
		if len(req.Payload) == 0 {
			badStream(req, send)
			return
		}
		raw := append([]byte(nil), req.Payload...)

		go func() {
			code, unconfirmed := deps.Node.PoolValidate(deps.Context, raw)
			w := serial.NewWriter(4 + 4*len(unconfirmed))
			w.WriteUint32LE(code)
			for _, idx := range unconfirmed {
				w.WriteUint32LE(idx)
			}
			send(w.Bytes())
		}()
	}
}

func poolFetchTransaction(deps Deps) registry.Handler {
	return func(req wire.Request, send registry.SendFunc) {
		if len(req.Payload) != 32 {
			badStream(req, send)
			return
		}
		hash := toHash32(req.Payload)

		go func() {
			code, raw := deps.Node.PoolFetch(deps.Context, hash)
			w := serial.NewWriter(4 + len(raw))
			w.WriteUint32LE(code)
			w.WriteBytes(raw)
			send(w.Bytes())
		}()
	}
}
