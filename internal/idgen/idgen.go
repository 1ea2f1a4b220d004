// Package idgen selects the DNS request-id generator (ResolveRequest.ReqID),
// the same "stream id mode" switch the teacher's relayServer.idGen exposes
// (uuid vs cuid). ConnectionId is not minted here; it is a uint64 counter
// in the acceptor.
package idgen

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/lucsky/cuid"
)

// Generator mints opaque, process-unique identifiers.
type Generator func() string

// New resolves a named generator mode to a Generator function.
func New(mode string) (Generator, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "uuid":
		return uuid.NewString, nil
	case "cuid":
		return cuid.New, nil
	case "sequence":
		return NewSequence(), nil
	default:
		return nil, fmt.Errorf("unsupported id generator mode %q (use uuid, cuid, or sequence)", mode)
	}
}

// NewSequence returns a monotonically increasing, process-local
// generator suitable for spec.md's "opaque integer, unique per accepted
// connection within a process lifetime" ConnectionId definition when a
// human-readable counter is preferred over a random id in logs.
func NewSequence() Generator {
	var next atomic.Uint64
	return func() string {
		return fmt.Sprintf("%d", next.Add(1))
	}
}
