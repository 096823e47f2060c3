// Package txscan extracts the payment-address and stealth-prefix outputs
// the subscription manager matches against, from a raw serialized
// transaction. This is the Go stand-in for libbitcoin's own chain/script
// output walkers: the protocol core never re-derives consensus rules, it
// only needs the same hash160/stealth-prefix extraction the node already
// performed when it decided to accept the transaction.
package txscan

import (
	"bytes"
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // required for the P2PKH hash160 layout
)

// stealthMarker is the first byte of a stealth OP_RETURN payload,
// distinguishing it from other OP_RETURN uses.
const stealthMarker = 0x06

// stealthPayloadLen is len(marker) + len(prefix) + len(ephemeral pubkey).
const stealthPayloadLen = 1 + 4 + 33

// AddressOutput is a payment address paid to by one output of a scanned
// transaction.
type AddressOutput struct {
	Hash160 [20]byte
}

// StealthOutput is the prefix and ephemeral key carried by a stealth-tagged
// OP_RETURN output, as produced by a stealth sender.
type StealthOutput struct {
	Prefix       uint32
	EphemeralKey [33]byte
}

// Parse deserializes raw as a transaction and returns the set of payment
// addresses it pays to and the stealth outputs it carries. A raw blob that
// fails to deserialize yields two nil slices; callers treat that the same
// as "no matches", mirroring the original service's "drop silently on
// unparseable payload" behavior for internal event replay.
func Parse(raw []byte) (addrs []AddressOutput, stealth []StealthOutput) {
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, nil
	}

	for _, out := range tx.TxOut {
		if h, ok := extractHash160(out.PkScript); ok {
			addrs = append(addrs, AddressOutput{Hash160: h})
			continue
		}
		if s, ok := extractStealth(out.PkScript); ok {
			stealth = append(stealth, s)
		}
	}

	return addrs, stealth
}

func extractHash160(pkScript []byte) ([20]byte, bool) {
	var out [20]byte

	class, addrs, _, err := txscript.ExtractPkScriptAddrs(pkScript, &chaincfg.MainNetParams)
	if err != nil || len(addrs) != 1 {
		return out, false
	}

	switch class {
	case txscript.PubKeyHashTy, txscript.ScriptHashTy:
		if h, ok := addrs[0].(interface{ Hash160() *[20]byte }); ok {
			copy(out[:], h.Hash160()[:])
			return out, true
		}
	case txscript.PubKeyTy:
		// Bare pubkey output: the subscribable address is the hash160 of
		// the serialized public key, same as a standard P2PKH spend of it.
		if pk, ok := addrs[0].(*btcutil.AddressPubKey); ok {
			copy(out[:], hash160(pk.ScriptAddress())[:])
			return out, true
		}
	}
	return out, false
}

func extractStealth(pkScript []byte) (StealthOutput, bool) {
	var s StealthOutput
	tokenizer := txscript.MakeScriptTokenizer(0, pkScript)
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_RETURN {
		return s, false
	}
	if !tokenizer.Next() {
		return s, false
	}
	data := tokenizer.Data()
	if len(data) != stealthPayloadLen || data[0] != stealthMarker {
		return s, false
	}

	s.Prefix = uint32(data[1]) | uint32(data[2])<<8 | uint32(data[3])<<16 | uint32(data[4])<<24
	copy(s.EphemeralKey[:], data[5:])
	return s, true
}

func hash160(b []byte) [20]byte {
	var out [20]byte
	sha := sha256.Sum256(b)
	r := ripemd160.New()
	r.Write(sha[:])
	copy(out[:], r.Sum(nil))
	return out
}
