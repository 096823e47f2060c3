// Package subscribe implements the bounded, time-expiring registry of
// address-prefix and stealth-prefix subscriptions (spec.md §4.6): C6 of
// the query server core.
package subscribe

import (
	"time"

	"github.com/eapache/channels"

	"github.com/mlmikael/libbitcoin-server/bserr"
	"github.com/mlmikael/libbitcoin-server/logging"
	"github.com/mlmikael/libbitcoin-server/node"
	"github.com/mlmikael/libbitcoin-server/node/txscan"
	"github.com/mlmikael/libbitcoin-server/serial"
	"github.com/mlmikael/libbitcoin-server/wire"
)

// Type distinguishes an address-prefix subscription from a stealth-prefix
// one.
type Type uint8

const (
	TypeAddress Type = 0
	TypeStealth Type = 1
)

// SendFunc delivers an encoded response to the subscribing client's
// origin. It is a no-op once the worker has stopped.
type SendFunc func(resp wire.Response)

type subscription struct {
	kind         Type
	bitsize      uint8
	prefix       []byte // the first ceil(bitsize/8) bytes, unused trailing bits zeroed by the caller
	expiry       time.Time
	clientOrigin []byte
	id           uint32 // the subscribing request's id, echoed on every notification
	send         SendFunc
}

// task is a closure run to completion by the manager's single dispatcher
// goroutine; this is the "no locks, message passing only" design the spec
// calls for (§4.6, §9).
type task func(now time.Time)

// Manager owns the subscription list and a single-threaded task dispatcher
// every public method funnels through.
type Manager struct {
	limit      int
	expiration time.Duration
	subs       []*subscription
	tasks      *channels.InfiniteChannel
	done       chan struct{}
	log        logging.Logger
	nowFn      func() time.Time
}

// Config carries the subscription limit and expiration window from server
// settings.
type Config struct {
	SubscriptionLimit             int
	SubscriptionExpirationMinutes uint32
}

// New builds a Manager and starts its dispatcher goroutine. Stop must be
// called to release it.
func New(cfg Config, log logging.Logger) *Manager {
	if log == nil {
		log = logging.Discard
	}
	m := &Manager{
		limit:      cfg.SubscriptionLimit,
		expiration: time.Duration(cfg.SubscriptionExpirationMinutes) * time.Minute,
		tasks:      channels.NewInfiniteChannel(),
		done:       make(chan struct{}),
		log:        log,
		nowFn:      time.Now,
	}
	go m.dispatch()
	return m
}

// Stop halts the dispatcher goroutine. Idempotent is not required; callers
// stop the manager exactly once as part of worker shutdown.
func (m *Manager) Stop() {
	m.tasks.Close()
	<-m.done
}

func (m *Manager) dispatch() {
	defer close(m.done)
	for v := range m.tasks.Out() {
		v.(task)(m.nowFn())
	}
}

// enqueue hands t to the dispatcher. The queue is unbounded: a submitted
// block or transaction must never be silently dropped the way an outgoing
// reply may be under backpressure, so there is no high-water mark here.
func (m *Manager) enqueue(t task) {
	m.tasks.In() <- t
}

// Size reports the current subscription count. Intended for tests; it
// enqueues like every other operation so it observes a consistent view.
func (m *Manager) Size() int {
	result := make(chan int, 1)
	m.enqueue(func(time.Time) { result <- len(m.subs) })
	return <-result
}

// Subscribe decodes an address.subscribe request payload and registers a new
// subscription, or rejects it per spec.md §4.6.
func (m *Manager) Subscribe(req wire.Request, send SendFunc) {
	m.enqueue(func(now time.Time) {
		m.sweepExpiredLocked(now)

		kind, bitsize, prefix, ok := decodeSubscribePayload(req.Payload)
		if !ok {
			send(responseWithCode(req, bserr.CodeBadStream))
			return
		}
		if len(m.subs) >= m.limit {
			send(responseWithCode(req, bserr.CodeOversubscribed))
			return
		}

		m.subs = append(m.subs, &subscription{
			kind:         kind,
			bitsize:      bitsize,
			prefix:       prefix,
			expiry:       now.Add(m.expiration),
			clientOrigin: append([]byte(nil), req.Origin...),
			id:           req.ID,
			send:         send,
		})
		send(responseWithCode(req, bserr.CodeSuccess))
	})
}

// Renew extends the expiry of every existing subscription from the same
// origin whose prefix exactly matches the payload.
func (m *Manager) Renew(req wire.Request, send SendFunc) {
	m.enqueue(func(now time.Time) {
		m.sweepExpiredLocked(now)

		_, bitsize, prefix, ok := decodeSubscribePayload(req.Payload)
		if !ok {
			send(responseWithCode(req, bserr.CodeBadStream))
			return
		}

		for _, s := range m.subs {
			if bytesEqual(s.clientOrigin, req.Origin) && s.bitsize == bitsize && bytesEqual(s.prefix, prefix) {
				s.expiry = now.Add(m.expiration)
			}
		}
		send(responseWithCode(req, bserr.CodeSuccess))
	})
}

// Submit replays a confirmed transaction through every live subscription,
// delivering one notification per matching subscription/output pair.
// Called for each transaction on block acceptance and for confirmed
// transactions during reorg replay (never for disconnected blocks: "at
// most once per acceptance, no rollback notifications").
func (m *Manager) Submit(height uint32, blockHash node.Hash32, rawTx []byte) {
	m.enqueue(func(now time.Time) {
		m.sweepExpiredLocked(now)

		addrs, stealthOuts := txscan.Parse(rawTx)

		for _, s := range m.subs {
			switch s.kind {
			case TypeAddress:
				for _, a := range addrs {
					if prefixMatches(s.prefix, s.bitsize, a.Hash160[:]) {
						m.notify(s, height, blockHash, rawTx, "address.update")
					}
				}
			case TypeStealth:
				for _, so := range stealthOuts {
					tag := []byte{byte(so.Prefix), byte(so.Prefix >> 8), byte(so.Prefix >> 16), byte(so.Prefix >> 24)}
					if prefixMatches(s.prefix, s.bitsize, tag) {
						m.notify(s, height, blockHash, rawTx, "address.stealth_update")
					}
				}
			}
		}
	})
}

// SweepExpired removes every subscription whose expiry has passed. Submit
// and Subscribe/Renew already sweep before acting; this is exposed for
// tests and for a periodic caller that wants to bound memory between
// events.
func (m *Manager) SweepExpired() {
	result := make(chan struct{})
	m.enqueue(func(now time.Time) {
		m.sweepExpiredLocked(now)
		close(result)
	})
	<-result
}

func (m *Manager) sweepExpiredLocked(now time.Time) {
	live := m.subs[:0]
	for _, s := range m.subs {
		if !s.expiry.Before(now) {
			live = append(live, s)
		}
	}
	m.subs = live
}

func (m *Manager) notify(s *subscription, height uint32, blockHash node.Hash32, rawTx []byte, command string) {
	w := serial.NewWriter(4 + 4 + 32 + len(rawTx))
	w.WriteUint32LE(bserr.CodeSuccess)
	w.WriteUint32LE(height)
	w.WriteBytes(blockHash[:])
	w.WriteBytes(rawTx)

	s.send(wire.Response{
		Dest:    s.clientOrigin,
		Command: command,
		ID:      s.id,
		Payload: w.Bytes(),
	})
}

func decodeSubscribePayload(payload []byte) (kind Type, bitsize uint8, prefix []byte, ok bool) {
	r := serial.NewReader(payload)
	kindByte, err := r.ReadByte()
	if err != nil {
		return 0, 0, nil, false
	}
	if kindByte != byte(TypeAddress) && kindByte != byte(TypeStealth) {
		return 0, 0, nil, false
	}
	bits, err := r.ReadByte()
	if err != nil {
		return 0, 0, nil, false
	}
	maxBits := uint8(160)
	if Type(kindByte) == TypeStealth {
		maxBits = 32
	}
	if bits > maxBits {
		return 0, 0, nil, false
	}
	nbytes := int(bits+7) / 8
	pfx, err := r.ReadBytes(nbytes)
	if err != nil || !r.AtEnd() {
		return 0, 0, nil, false
	}
	return Type(kindByte), bits, append([]byte(nil), pfx...), true
}

func responseWithCode(req wire.Request, code uint32) wire.Response {
	w := serial.NewWriter(4)
	w.WriteUint32LE(code)
	return wire.FromRequest(req, w.Bytes())
}

func prefixMatches(prefix []byte, bitsize uint8, candidate []byte) bool {
	fullBytes := int(bitsize) / 8
	remBits := bitsize % 8
	if fullBytes > len(candidate) {
		return false
	}
	for i := 0; i < fullBytes; i++ {
		if prefix[i] != candidate[i] {
			return false
		}
	}
	if remBits == 0 {
		return true
	}
	if fullBytes >= len(candidate) {
		return false
	}
	mask := byte(0xFF << (8 - remBits))
	return prefix[fullBytes]&mask == candidate[fullBytes]&mask
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
