// Package registry maps command names to handlers for the request worker.
package registry

import (
	"sync"

	"github.com/mlmikael/libbitcoin-server/wire"
)

// SendFunc is the bound closure a handler uses to emit its response,
// targeting the origin of whichever request it was handed.
type SendFunc func(payload []byte)

// Handler processes a decoded request. It must never block: if it needs to
// call out to the node, it should do so asynchronously and invoke send
// later from that continuation.
type Handler func(req wire.Request, send SendFunc)

// Registry is a command name -> Handler map. Registration is idempotent
// with last-writer-wins; lookup is exact-match.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Attach registers handler under command, replacing any existing handler
// for the same name.
func (r *Registry) Attach(command string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[command] = handler
}

// Lookup returns the handler registered for command, if any.
func (r *Registry) Lookup(command string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[command]
	return h, ok
}
