package handlers

import (
	"github.com/mlmikael/libbitcoin-server/node"
	"github.com/mlmikael/libbitcoin-server/registry"
	"github.com/mlmikael/libbitcoin-server/serial"
	"github.com/mlmikael/libbitcoin-server/wire"
)

const historyRowSize = 1 + 36 + 4 + 8 // kind + point(hash+index) + height + value

func fetchHistory(deps Deps) registry.Handler {
	return func(req wire.Request, send registry.SendFunc) {
		const wantLen = 1 + 20 + 4
		if len(req.Payload) != wantLen {
			badStream(req, send)
			return
		}
		r := serial.NewReader(req.Payload)
		version, _ := r.ReadByte()
		hashBytes, _ := r.ReadBytes(20)
		fromHeight, _ := r.ReadUint32LE()

		var addr node.PaymentAddress
		addr.Version = version
		copy(addr.Hash[:], hashBytes)

		go func() {
			code, rows := deps.Node.FetchHistory(deps.Context, addr, fromHeight)
			w := serial.NewWriter(4 + historyRowSize*len(rows))
			w.WriteUint32LE(code)
			for _, row := range rows {
				w.WriteByte(byte(row.Kind))
				w.WriteBytes(row.Point.Hash[:])
				w.WriteUint32LE(row.Point.Index)
				w.WriteUint32LE(row.Height)
				w.WriteUint64LE(row.Value)
			}
			send(w.Bytes())
		}()
	}
}

func fetchTransaction(deps Deps) registry.Handler {
	return func(req wire.Request, send registry.SendFunc) {
		if len(req.Payload) != 32 {
			badStream(req, send)
			return
		}
		hash := toHash32(req.Payload)

		go func() {
			code, raw := deps.Node.FetchTransaction(deps.Context, hash)
			w := serial.NewWriter(4 + len(raw))
			w.WriteUint32LE(code)
			w.WriteBytes(raw)
			send(w.Bytes())
		}()
	}
}

func fetchLastHeight(deps Deps) registry.Handler {
	return func(req wire.Request, send registry.SendFunc) {
		if len(req.Payload) != 0 {
			badStream(req, send)
			return
		}
		go func() {
			code, height := deps.Node.FetchLastHeight(deps.Context)
			w := serial.NewWriter(8)
			w.WriteUint32LE(code)
			w.WriteUint32LE(height)
			send(w.Bytes())
		}()
	}
}

func fetchBlockHeader(deps Deps) registry.Handler {
	return func(req wire.Request, send registry.SendFunc) {
		var sel node.HeaderSelector
		switch len(req.Payload) {
		case 4:
			r := serial.NewReader(req.Payload)
			h, _ := r.ReadUint32LE()
			sel = node.HeaderSelector{ByHeight: true, Height: h}
		case 32:
			sel = node.HeaderSelector{ByHeight: false, Hash: toHash32(req.Payload)}
		default:
			badStream(req, send)
			return
		}

		go func() {
			code, raw := deps.Node.FetchBlockHeader(deps.Context, sel)
			w := serial.NewWriter(4 + len(raw))
			w.WriteUint32LE(code)
			w.WriteBytes(raw)
			send(w.Bytes())
		}()
	}
}

func fetchTransactionIndex(deps Deps) registry.Handler {
	return func(req wire.Request, send registry.SendFunc) {
		if len(req.Payload) != 32 {
			badStream(req, send)
			return
		}
		hash := toHash32(req.Payload)

		go func() {
			code, height, index := deps.Node.FetchTransactionIndex(deps.Context, hash)
			w := serial.NewWriter(12)
			w.WriteUint32LE(code)
			w.WriteUint32LE(height)
			w.WriteUint32LE(index)
			send(w.Bytes())
		}()
	}
}

func fetchSpend(deps Deps) registry.Handler {
	return func(req wire.Request, send registry.SendFunc) {
		if len(req.Payload) != 36 {
			badStream(req, send)
			return
		}
		r := serial.NewReader(req.Payload)
		hashBytes, _ := r.ReadBytes(32)
		index, _ := r.ReadUint32LE()
		outpoint := node.OutPoint{Hash: toHash32(hashBytes), Index: index}

		go func() {
			code, raw := deps.Node.FetchSpend(deps.Context, outpoint)
			w := serial.NewWriter(4 + len(raw))
			w.WriteUint32LE(code)
			w.WriteBytes(raw)
			send(w.Bytes())
		}()
	}
}

func fetchBlockHeight(deps Deps) registry.Handler {
	return func(req wire.Request, send registry.SendFunc) {
		if len(req.Payload) != 32 {
			badStream(req, send)
			return
		}
		hash := toHash32(req.Payload)

		go func() {
			code, height := deps.Node.FetchBlockHeight(deps.Context, hash)
			w := serial.NewWriter(8)
			w.WriteUint32LE(code)
			w.WriteUint32LE(height)
			send(w.Bytes())
		}()
	}
}

const stealthRowSize = 32 + 20 + 32 // ephemkey + address_hash + tx_hash

func fetchStealth(deps Deps) registry.Handler {
	return func(req wire.Request, send registry.SendFunc) {
		if len(req.Payload) < 1 {
			badStream(req, send)
			return
		}
		r := serial.NewReader(req.Payload)
		bitsize, _ := r.ReadByte()
		if bitsize > 32 {
			badStream(req, send)
			return
		}
		nbytes := int(bitsize+7) / 8
		wantLen := 1 + nbytes + 4
		if len(req.Payload) != wantLen {
			badStream(req, send)
			return
		}
		prefix, _ := r.ReadBytes(nbytes)
		fromHeight, _ := r.ReadUint32LE()
		prefixCopy := append([]byte(nil), prefix...)

		go func() {
			code, rows := deps.Node.FetchStealth(deps.Context, bitsize, prefixCopy, fromHeight)
			w := serial.NewWriter(4 + stealthRowSize*len(rows))
			w.WriteUint32LE(code)
			for _, row := range rows {
				w.WriteBytes(row.EphemeralKey[:])
				w.WriteBytes(row.AddressHash[:])
				w.WriteBytes(row.TxHash[:])
			}
			send(w.Bytes())
		}()
	}
}

func toHash32(b []byte) node.Hash32 {
	var h node.Hash32
	copy(h[:], b)
	return h
}
