package subscribe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mlmikael/libbitcoin-server/node"
	"github.com/mlmikael/libbitcoin-server/serial"
	"github.com/mlmikael/libbitcoin-server/wire"
)

func subscribePayload(kind Type, bitsize uint8, prefix []byte) []byte {
	w := serial.NewWriter(2 + len(prefix))
	w.WriteByte(byte(kind))
	w.WriteByte(bitsize)
	w.WriteBytes(prefix)
	return w.Bytes()
}

func TestSubscribeThenNotify(t *testing.T) {
	m := New(Config{SubscriptionLimit: 10, SubscriptionExpirationMinutes: 10}, nil)
	defer m.Stop()

	origin := []byte{0x01, 0x02}
	req := wire.Request{Origin: origin, Command: "subscribe.address", ID: 42, Payload: subscribePayload(TypeAddress, 8, []byte{0xAB})}

	var got wire.Response
	ackDone := make(chan struct{})
	notifDone := make(chan struct{})
	var notif wire.Response
	m.Subscribe(req, func(r wire.Response) {
		switch r.Command {
		case req.Command:
			got = r
			close(ackDone)
		case "address.update":
			notif = r
			close(notifDone)
		}
	})
	<-ackDone

	require.Equal(t, uint32(42), got.ID)
	require.Equal(t, []byte{0, 0, 0, 0}, got.Payload)
	require.Equal(t, 1, m.Size())

	raw := encodeTxPayingHash160(0xAB)
	m.Submit(500000, node.Hash32{}, raw)

	select {
	case <-notifDone:
		require.Equal(t, uint32(42), notif.ID)
	case <-time.After(time.Second):
		t.Fatal("no notification delivered")
	}
}

func TestSubmitNotifiesOncePerMatchingOutput(t *testing.T) {
	m := New(Config{SubscriptionLimit: 10, SubscriptionExpirationMinutes: 10}, nil)
	defer m.Stop()

	origin := []byte{0x01, 0x02}
	req := wire.Request{Origin: origin, Command: "subscribe.address", ID: 7, Payload: subscribePayload(TypeAddress, 8, []byte{0xAB})}

	ackDone := make(chan struct{})
	notifs := make(chan wire.Response, 10)
	m.Subscribe(req, func(r wire.Response) {
		if r.Command == req.Command {
			close(ackDone)
			return
		}
		notifs <- r
	})
	<-ackDone

	// Two outputs paying the same subscribed prefix must each produce
	// their own notification (spec.md §8 invariant 5).
	raw := encodeTxPayingHash160N(0xAB, 2)
	m.Submit(500000, node.Hash32{}, raw)

	for i := 0; i < 2; i++ {
		select {
		case r := <-notifs:
			require.Equal(t, "address.update", r.Command)
			require.Equal(t, uint32(7), r.ID)
		case <-time.After(time.Second):
			t.Fatalf("expected notification %d, got none", i+1)
		}
	}

	select {
	case extra := <-notifs:
		t.Fatalf("unexpected extra notification: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscriptionExpiry(t *testing.T) {
	m := New(Config{SubscriptionLimit: 10, SubscriptionExpirationMinutes: 10}, nil)
	defer m.Stop()
	fixed := time.Now()
	m.nowFn = func() time.Time { return fixed }

	req := wire.Request{Origin: []byte{0x01}, Command: "subscribe.address", ID: 1, Payload: subscribePayload(TypeAddress, 8, []byte{0xAB})}
	done := make(chan struct{})
	m.Subscribe(req, func(wire.Response) { close(done) })
	<-done
	require.Equal(t, 1, m.Size())

	m.nowFn = func() time.Time { return fixed.Add(11 * time.Minute) }
	m.SweepExpired()
	require.Equal(t, 0, m.Size())
}

func TestSubscriptionLimitEnforced(t *testing.T) {
	m := New(Config{SubscriptionLimit: 2, SubscriptionExpirationMinutes: 10}, nil)
	defer m.Stop()

	var codes []uint32
	for i := 0; i < 3; i++ {
		req := wire.Request{Origin: []byte{byte(i)}, Command: "subscribe.address", ID: uint32(i), Payload: subscribePayload(TypeAddress, 8, []byte{0xAB})}
		done := make(chan struct{})
		var resp wire.Response
		m.Subscribe(req, func(r wire.Response) { resp = r; close(done) })
		<-done
		rr := serial.NewReader(resp.Payload)
		code, _ := rr.ReadUint32LE()
		codes = append(codes, code)
	}

	require.Equal(t, uint32(0), codes[0])
	require.Equal(t, uint32(0), codes[1])
	require.NotEqual(t, uint32(0), codes[2])
	require.Equal(t, 2, m.Size())
}

// encodeTxPayingHash160 builds a minimal raw transaction with a single
// P2PKH output paying the given hash160 first byte, for test purposes.
func encodeTxPayingHash160(firstByte byte) []byte {
	return encodeTxPayingHash160N(firstByte, 1)
}

// encodeTxPayingHash160N builds a raw transaction with n P2PKH outputs,
// each paying the same hash160 first byte — used to exercise the
// one-notification-per-matching-output invariant.
func encodeTxPayingHash160N(firstByte byte, n int) []byte {
	hash160 := make([]byte, 20)
	hash160[0] = firstByte

	script := []byte{0x76, 0xa9, 0x14} // OP_DUP OP_HASH160 <20>
	script = append(script, hash160...)
	script = append(script, 0x88, 0xac) // OP_EQUALVERIFY OP_CHECKSIG

	w := serial.NewWriter(0)
	w.WriteUint32LE(1) // version
	// One placeholder input: a zero input count would be read as the
	// segwit marker byte and the transaction would fail to deserialize.
	w.WriteByte(1)                 // 1 input (varint)
	w.WriteBytes(make([]byte, 32)) // previous output hash
	w.WriteUint32LE(0xFFFFFFFF)    // previous output index
	w.WriteByte(0)                 // empty signature script
	w.WriteUint32LE(0xFFFFFFFF)    // sequence
	w.WriteByte(byte(n))           // n outputs (varint)
	for i := 0; i < n; i++ {
		w.WriteUint64LE(1000)
		w.WriteByte(byte(len(script)))
		w.WriteBytes(script)
	}
	w.WriteUint32LE(0) // locktime
	return w.Bytes()
}
