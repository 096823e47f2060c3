package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeRoundTrip(t *testing.T) {
	req := Request{
		Origin:  []byte{0xAA, 0xBB, 0xCC},
		Command: "blockchain.fetch_last_height",
		ID:      0x01020304,
		Payload: []byte{},
	}

	parts := [][]byte{req.Origin, []byte(req.Command), leID(req.ID), req.Payload}
	got, err := Decode(parts)
	require.NoError(t, err)
	require.Equal(t, req, got)
}

func TestDecodeMultiFrameOrigin(t *testing.T) {
	parts := [][]byte{{0x01}, {0x02, 0x03}, []byte("protocol.broadcast_transaction"), leID(7), {0xFF}}
	got, err := Decode(parts)
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x02, 0x03}, got.Origin)
	require.Equal(t, uint32(7), got.ID)
}

func TestDecodeMalformedIDLength(t *testing.T) {
	parts := [][]byte{{0x01}, []byte("blockchain.fetch_history"), {0x01, 0x02, 0x03}, {}}
	_, err := Decode(parts)
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecodeMissingFrames(t *testing.T) {
	_, err := Decode([][]byte{[]byte("cmd"), leID(1)})
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestEncodeUnroutedBroadcast(t *testing.T) {
	resp := Response{Command: "", ID: 0, Payload: []byte{0x01}}
	parts := Encode(resp)
	require.Len(t, parts, 3)
}

func TestEncodeDecodeSymmetry(t *testing.T) {
	req := Request{
		Origin:  []byte{0x01, 0x02, 0x03, 0x04},
		Command: "address.update",
		ID:      42,
		Payload: []byte{0x00, 0x00, 0x00, 0x00},
	}
	resp := FromRequest(req, []byte{0xDE, 0xAD})
	parts := Encode(resp)
	back, err := Decode(parts)
	require.NoError(t, err)
	require.Equal(t, req.Origin, back.Origin)
	require.Equal(t, req.Command, back.Command)
	require.Equal(t, req.ID, back.ID)
	require.Equal(t, []byte{0xDE, 0xAD}, back.Payload)
}

func leID(id uint32) []byte {
	return []byte{byte(id), byte(id >> 8), byte(id >> 16), byte(id >> 24)}
}
