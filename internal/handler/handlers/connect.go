// Package handlers implements the two concrete Handler stages from
// spec.md §4.2 and §4.3: the CONNECT-method handler that writes the
// tunnel's positive response, and the data-transfer handler that
// relays bytes in both directions once the tunnel is established.
package handlers

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/aclgate/aclgate/internal/handler"
	"github.com/aclgate/aclgate/internal/limiter"
)

// ConnectHandler serves the handshake phase of an HTTP CONNECT tunnel:
// it owns both sockets only long enough to write the positive response,
// then hands them both to a DataTransferHandler.
type ConnectHandler struct {
	inbound  net.Conn
	outbound net.Conn
	host     string
	port     int
	limiter  *limiter.TrafficLimiter
	response []byte
	ioChunk  int
	started  time.Time
}

// NewConnectHandler validates the constructor preconditions from
// spec.md §7 (non-nil sockets, non-nil traffic limiter) and fails
// synchronously rather than at first use.
func NewConnectHandler(inbound, outbound net.Conn, host string, port int, lim *limiter.TrafficLimiter, ioChunk int) (*ConnectHandler, error) {
	if inbound == nil || outbound == nil {
		return nil, fmt.Errorf("connect handler: both sockets are required")
	}
	if lim == nil {
		return nil, fmt.Errorf("connect handler: traffic limiter is required")
	}
	if ioChunk <= 0 {
		return nil, fmt.Errorf("connect handler: io_chunk_size must be positive, got %d", ioChunk)
	}
	resp := "HTTP/1.1 200 Connection established\r\n\r\n"
	return &ConnectHandler{
		inbound:  inbound,
		outbound: outbound,
		host:     host,
		port:     port,
		limiter:  lim,
		response: []byte(resp),
		ioChunk:  ioChunk,
	}, nil
}

// Name implements handler.Handler.
func (h *ConnectHandler) Name() string { return "connect" }

// OnStart implements handler.Handler: it writes the positive response
// and, on success, replaces itself with the data-transfer handler.
func (h *ConnectHandler) OnStart(c *handler.Conn, g handler.Guard) {
	h.started = c.Context().Clock.Now()
	c.Logger().Info(fmt.Sprintf("serving-request=CONNECT %s:%d", h.host, h.port),
		"conn_id", c.ID())

	c.AsyncWriteWhole(g, h.inbound, h.response, func(n int, err error, g2 handler.Guard) {
		if err != nil {
			reason := handler.Classify(err)
			c.LogAndRemove(g2, reason, slog.LevelDebug,
				fmt.Sprintf("connect response write failed: %v", err))
			return
		}

		next, nerr := NewDataTransferHandler(h.inbound, h.outbound, h.limiter, h.ioChunk, c.Context().Clock.Now())
		if nerr != nil {
			c.LogAndRemove(g2, handler.ReasonUnexpected, slog.LevelError,
				fmt.Sprintf("could not start data transfer: %v", nerr))
			return
		}
		c.Replace(g2, next)
	})
}

// OnTimer implements handler.Handler: the handshake phase has its own
// idle budget, measured from when OnStart ran rather than last activity,
// since there is no data transfer yet to reset an activity clock.
func (h *ConnectHandler) OnTimer(c *handler.Conn, g handler.Guard) {
	if c.Context().IdleDeadlineExceeded(h.started) {
		c.LogAndRemove(g, handler.ReasonNoActivity, slog.LevelWarn,
			"connect handler idle: no response written in time")
	}
}

// Release implements handler.Handler: closes both sockets, since
// nothing else can own them once the handshake has failed.
func (h *ConnectHandler) Release() {
	_ = h.inbound.Close()
	_ = h.outbound.Close()
}
