// Package bserr defines the small sentinel error kinds the protocol core
// raises itself, as distinct from the opaque node error codes it merely
// forwards (see spec.md §7).
package bserr

import "errors"

// ErrUnknownCommand is raised by the worker's dispatch loop when a decoded
// request names a command with no registered handler. Never put on the
// wire, only logged: the peer gets no reply at all for an unknown command,
// matching the original service's silent-drop behavior.
var ErrUnknownCommand = errors.New("bserr: unknown command")

// Wire-level response codes: written into the 4-byte error-code prefix of a
// response payload. 0 always means success; these are the non-zero codes
// the server itself produces (as opposed to codes coming back verbatim
// from the node).
const (
	CodeSuccess        uint32 = 0
	CodeBadStream      uint32 = 1
	CodeOversubscribed uint32 = 2
)
