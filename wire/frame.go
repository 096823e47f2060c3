// Package wire implements the request/response envelope codec described by
// the query server's binary framing: a routing-identity prefix, a command
// name, a 4-byte little-endian correlation id, and an opaque payload.
package wire

import (
	"bytes"
	"errors"
)

// MaxCommandLength bounds the ASCII command name carried in every frame.
const MaxCommandLength = 64

// ErrMalformedFrame is returned when a decoded multipart message does not
// carry the required command/id/payload frames, or the id frame is not
// exactly 4 bytes.
var ErrMalformedFrame = errors.New("wire: malformed frame")

// ErrCommandTooLong is returned when a command name exceeds MaxCommandLength.
var ErrCommandTooLong = errors.New("wire: command name too long")

// Request is a decoded incoming envelope. Origin is the routing prefix
// captured verbatim from the transport and is opaque to everything above
// the wire layer.
type Request struct {
	Origin  []byte
	Command string
	ID      uint32
	Payload []byte
}

// Response is an outgoing envelope. An empty Dest means "unrouted
// broadcast" and encodes with no routing frame; request dispatch always
// sets Dest from the request's Origin.
type Response struct {
	Dest    []byte
	Command string
	ID      uint32
	Payload []byte
}

// Decode parses a raw multipart message as received from the transport.
// parts is the full frame sequence: zero or more identity frames, followed
// by exactly one command frame, one 4-byte id frame, and one payload frame
// (which may be zero-length but must be present). Extra trailing frames
// beyond the required three are never produced by this transport and are
// not expected; identity frames preceding the final three are concatenated
// into Origin without interpretation.
func Decode(parts [][]byte) (Request, error) {
	if len(parts) < 3 {
		return Request{}, ErrMalformedFrame
	}

	idFrame := parts[len(parts)-2]
	if len(idFrame) != 4 {
		return Request{}, ErrMalformedFrame
	}

	commandFrame := parts[len(parts)-3]
	if len(commandFrame) > MaxCommandLength {
		return Request{}, ErrCommandTooLong
	}

	originParts := parts[:len(parts)-3]
	origin := concatFrames(originParts)

	id := uint32(idFrame[0]) | uint32(idFrame[1])<<8 | uint32(idFrame[2])<<16 | uint32(idFrame[3])<<24

	payload := parts[len(parts)-1]

	return Request{
		Origin:  origin,
		Command: string(commandFrame),
		ID:      id,
		Payload: payload,
	}, nil
}

// Encode produces the outgoing multipart frame sequence for resp: the
// destination routing prefix (absent entirely when Dest is empty), the
// command, the 4-byte id, and the payload.
func Encode(resp Response) [][]byte {
	idFrame := []byte{
		byte(resp.ID), byte(resp.ID >> 8), byte(resp.ID >> 16), byte(resp.ID >> 24),
	}

	var parts [][]byte
	if len(resp.Dest) > 0 {
		parts = append(parts, resp.Dest)
	}
	parts = append(parts, []byte(resp.Command), idFrame, resp.Payload)
	return parts
}

// FromRequest builds a Response that routes back to req's origin and
// echoes its command and id, carrying the given payload.
func FromRequest(req Request, payload []byte) Response {
	return Response{
		Dest:    req.Origin,
		Command: req.Command,
		ID:      req.ID,
		Payload: payload,
	}
}

func concatFrames(parts [][]byte) []byte {
	if len(parts) == 0 {
		return nil
	}
	if len(parts) == 1 {
		return append([]byte(nil), parts[0]...)
	}
	var buf bytes.Buffer
	for _, p := range parts {
		buf.Write(p)
	}
	return buf.Bytes()
}
