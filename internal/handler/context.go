// Package handler implements the connection-handler core from spec.md
// §4.1: the state-machine harness that drives a handler through
// on_start, on_timer and I/O-completion dispatch, with self-replace and
// self-remove under the delete-protector / can-throw discipline.
//
// The teacher has no direct analogue for this harness (its relay serves
// connections with a goroutine per socket and an io.Copy-shaped bridge),
// but it is built the way the teacher builds everything else stateful:
// small structs, explicit mutexes, slog for diagnostics, and channels as
// the message-passing primitive for anything agent-shaped
// (internal/agent/heartbeat.go's pending-map pattern is the template for
// the generation-tracked slot below).
package handler

import (
	"log/slog"
	"time"

	"github.com/aclgate/aclgate/internal/config"
	"github.com/aclgate/aclgate/internal/dnsresolver"
)

// ConnectionId is the opaque, process-unique identifier from spec.md §3.
type ConnectionId uint64

// Clock abstracts time.Now so timer behavior (idle timeouts) is
// deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock backed by the system time.
type RealClock struct{}

// Now returns the current wall-clock time.
func (RealClock) Now() time.Time { return time.Now() }

// StatsSink is the ambient statistics sink every handler reports into
// (spec.md §6's "Statistics counters"); the DNS resolver agent reports
// into its own dnsresolver.Stats interface instead.
type StatsSink interface {
	IncConnectionsActive(delta int)
	AddBytesRelayed(direction string, n int64)
	IncConnectionRemoved(reason string)
}

// Context is the HandlerContext from spec.md §3: shared, immutable
// configuration and ambient services, handed to every handler attached
// to a connection over its lifetime.
type Context struct {
	ID       ConnectionId
	Clock    Clock
	Config   config.ProxyConfig
	Stats    StatsSink
	Logger   *slog.Logger
	Resolver *dnsresolver.Agent
}

// IdleDeadlineExceeded reports whether now-since has reached or exceeded
// the context's configured idle_connection_timeout.
func (c *Context) IdleDeadlineExceeded(since time.Time) bool {
	return c.Clock.Now().Sub(since) >= c.Config.IdleConnectionTimeout
}
