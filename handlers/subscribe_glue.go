package handlers

import (
	"github.com/mlmikael/libbitcoin-server/registry"
	"github.com/mlmikael/libbitcoin-server/wire"
)

// subscribeAddress and renewAddress hand the request straight to the
// subscription manager's own dispatcher rather than answering inline: the
// manager owns the subscription list and must serialize access to it (C6).
// Delivery goes through deps.Queue directly rather than the registry.SendFunc
// passed in, because notifications raised later by Submit must reach the
// client under their own command name (address.update or
// address.stealth_update), which a SendFunc cannot set; they still carry
// the subscribing request's id.
func subscribeAddress(deps Deps) registry.Handler {
	return func(req wire.Request, send registry.SendFunc) {
		if deps.Subs == nil || deps.Queue == nil {
			badStream(req, send)
			return
		}
		deps.Subs.Subscribe(req, deps.Queue.Send)
	}
}

func renewAddress(deps Deps) registry.Handler {
	return func(req wire.Request, send registry.SendFunc) {
		if deps.Subs == nil || deps.Queue == nil {
			badStream(req, send)
			return
		}
		deps.Subs.Renew(req, deps.Queue.Send)
	}
}
