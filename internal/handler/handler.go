package handler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/aclgate/aclgate/internal/observability"
)

// RemovalReason is the closed set from spec.md §6/§8.
type RemovalReason string

const (
	ReasonNormalCompletion  RemovalReason = "normal_completion"
	ReasonOperationCanceled RemovalReason = "current_operation_canceled"
	ReasonIOError           RemovalReason = "io_error"
	ReasonNoActivity        RemovalReason = "no_activity_for_too_long"
	ReasonUnexpected        RemovalReason = "unexpected_and_unsupported_case"
	ReasonUnhandledExcept   RemovalReason = "unhandled_exception"
)

// Handler is the contract from spec.md §4.1. Implementations own their
// sockets and any phase-specific buffers; the harness (Conn) owns their
// lifecycle.
type Handler interface {
	// OnStart fires exactly once, right after installation in the slot.
	OnStart(c *Conn, g Guard)
	// OnTimer fires at the supervisor's cadence (at least once per
	// idle_connection_timeout).
	OnTimer(c *Conn, g Guard)
	// Name is a short diagnostic label.
	Name() string
	// Release performs terminal cleanup, swallowing socket errors.
	Release()
}

// Guard is the delete-protector / can-throw token from spec.md's design
// notes: an opaque, unforgeable-outside-this-package proof that the
// caller is executing inside a dispatch frame for the generation it
// carries. Every self-replace / self-remove call, and every async I/O
// issuance, requires one. A Guard obtained from a prior, now-superseded
// generation is simply ignored by Conn — it cannot resurrect a removed
// or replaced handler.
type Guard struct {
	gen uint64
}

type completionEvent struct {
	gen uint64
	op  string
	fn  func(Guard)
}

// Conn is the handler slot plus single-threaded dispatch loop: the
// realization of spec.md §5's "one logical worker per connection". Every
// on_start, on_timer and I/O completion for a connection runs
// sequentially on the same goroutine, so handler code never needs its
// own locking.
type Conn struct {
	hctx *Context

	mu      sync.Mutex
	gen     uint64
	current Handler
	removed bool

	events chan completionEvent
	ctx    context.Context
	cancel context.CancelFunc
}

// NewConn installs initial into a fresh slot for the given context. Call
// Run to start the dispatch loop; Run blocks until the connection is
// removed.
func NewConn(hctx *Context, initial Handler) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		hctx:    hctx,
		gen:     1,
		current: initial,
		events:  make(chan completionEvent, 16),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// ID returns the connection id carried by the shared context.
func (c *Conn) ID() ConnectionId { return c.hctx.ID }

// Logger returns the shared, ambient logger for this connection.
func (c *Conn) Logger() *slog.Logger { return c.hctx.Logger }

// Context returns the shared, immutable HandlerContext.
func (c *Conn) Context() *Context { return c.hctx }

// Run drives the dispatch loop until the handler removes itself. It
// schedules the one-shot on_start notification before entering the loop.
func (c *Conn) Run() {
	if c.hctx.Stats != nil {
		c.hctx.Stats.IncConnectionsActive(1)
	}

	c.mu.Lock()
	startGen := c.gen
	h := c.current
	c.mu.Unlock()
	c.postCompletion(startGen, "on_start", func(g Guard) { h.OnStart(c, g) })

	cadence := c.hctx.Config.TimerCadence
	if cadence <= 0 {
		cadence = c.hctx.Config.IdleConnectionTimeout
	}
	ticker := time.NewTicker(cadence)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-c.events:
			c.invoke(ev.gen, ev.op, ev.fn)
		case <-ticker.C:
			c.mu.Lock()
			if c.removed {
				c.mu.Unlock()
				continue
			}
			gen, h := c.gen, c.current
			c.mu.Unlock()
			c.invoke(gen, "on_timer", func(g Guard) { h.OnTimer(c, g) })
		}
	}
}

// invoke is the harness's catch-all wrapper: it drops stale events (the
// generation check realizes "late completions observe the handler is
// gone and are dropped"), and recovers any panic into an
// unhandled_exception removal, matching the can-throw contract.
func (c *Conn) invoke(gen uint64, op string, fn func(Guard)) {
	defer func() {
		if r := recover(); r != nil {
			c.mu.Lock()
			stillLive := !c.removed && gen == c.gen
			c.mu.Unlock()
			if stillLive {
				c.hctx.Logger.Error("unhandled exception in handler dispatch",
					"conn_id", c.hctx.ID, "panic", fmt.Sprint(r))
				c.Remove(Guard{gen: gen}, ReasonUnhandledExcept, slog.LevelError, "unhandled exception")
			}
		}
	}()

	c.mu.Lock()
	valid := !c.removed && gen == c.gen
	var handlerName string
	if valid {
		handlerName = c.current.Name()
	}
	c.mu.Unlock()
	if !valid {
		return
	}

	_, end := observability.StartConnSpan(c.ctx, fmt.Sprint(uint64(c.hctx.ID)), handlerName, op)
	defer end()
	fn(Guard{gen: gen})
}

func (c *Conn) postCompletion(gen uint64, op string, fn func(Guard)) {
	select {
	case c.events <- completionEvent{gen: gen, op: op, fn: fn}:
	case <-c.ctx.Done():
	}
}

// Replace is the self-replacement contract from spec.md §4.1: it
// installs next in the slot, bumps the generation so any of the
// predecessor's in-flight completions are dropped on arrival, and
// schedules next's on_start. The caller (the predecessor, still holding
// g) must not touch itself after calling Replace.
func (c *Conn) Replace(g Guard, next Handler) {
	c.mu.Lock()
	if g.gen != c.gen || c.removed {
		c.mu.Unlock()
		return
	}
	c.gen++
	newGen := c.gen
	c.current = next
	c.mu.Unlock()

	c.postCompletion(newGen, "on_start", func(g2 Guard) { next.OnStart(c, g2) })
}

// Remove is the self-removal contract: it marks the slot empty,
// accounts the removal reason, releases the handler (closing owned
// sockets), and stops the dispatch loop. A stale or repeated call is a
// no-op.
func (c *Conn) Remove(g Guard, reason RemovalReason, level slog.Level, msg string) {
	c.mu.Lock()
	if g.gen != c.gen || c.removed {
		c.mu.Unlock()
		return
	}
	c.removed = true
	h := c.current
	c.mu.Unlock()

	if msg != "" {
		c.hctx.Logger.Log(context.Background(), level, msg, "conn_id", c.hctx.ID, "reason", reason, "handler", h.Name())
	}
	if c.hctx.Stats != nil {
		c.hctx.Stats.IncConnectionRemoved(string(reason))
		c.hctx.Stats.IncConnectionsActive(-1)
	}
	h.Release()
	c.cancel()
}

// LogAndRemove composes a log emission with removal, matching spec.md's
// log_and_remove_connection.
func (c *Conn) LogAndRemove(g Guard, reason RemovalReason, level slog.Level, msg string) {
	c.Remove(g, reason, level, msg)
}

// AsyncRead issues a single read into buf and posts its completion back
// onto the dispatch loop. At most one outstanding read per direction is
// an invariant enforced by the handlers, not by Conn.
func (c *Conn) AsyncRead(g Guard, r io.Reader, buf []byte, cont func(n int, err error, g Guard)) {
	gen := g.gen
	go func() {
		n, err := r.Read(buf)
		c.postCompletion(gen, "read_complete", func(g2 Guard) { cont(n, err, g2) })
	}()
}

// AsyncWriteWhole issues a write loop that either writes all of data or
// fails, and posts the single outcome back onto the dispatch loop. This
// is the "write_whole" primitive spec.md's CONNECT handler uses for its
// response, and the building block data-transfer's short-write check is
// built on.
func (c *Conn) AsyncWriteWhole(g Guard, w io.Writer, data []byte, cont func(n int, err error, g Guard)) {
	gen := g.gen
	go func() {
		total := 0
		var werr error
		for total < len(data) {
			n, err := w.Write(data[total:])
			total += n
			if err != nil {
				werr = err
				break
			}
		}
		c.postCompletion(gen, "write_complete", func(g2 Guard) { cont(total, werr, g2) })
	}()
}
