package handler

import (
	"context"
	"errors"
	"io"
	"net"
)

// Classify maps an I/O error to one of the RemovalReason values spec.md
// §7 defines for the handler core. It does not attempt to distinguish
// "channel already closed" from "channel still open" the way the
// original implementation does for a same-tick double-failure race:
// Conn's generation-tagged slot (see handler.go) already guarantees that
// only the first of two near-simultaneous terminal completions reaches a
// handler's code — the second is dropped by the dispatch loop before
// Classify would ever run on it. See DESIGN.md for the full argument.
func Classify(err error) RemovalReason {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, io.EOF):
		return ReasonNormalCompletion
	case errors.Is(err, net.ErrClosed), errors.Is(err, context.Canceled), errors.Is(err, io.ErrClosedPipe):
		return ReasonOperationCanceled
	default:
		return ReasonIOError
	}
}
