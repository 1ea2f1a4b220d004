package handlers

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/aclgate/aclgate/internal/handler"
	"github.com/aclgate/aclgate/internal/limiter"
)

// direction tracks one half-duplex leg of a relay: its own read/write
// sockets, its rate-limiter direction tag, its single scratch buffer,
// and whether it is currently parked waiting for traffic-limiter
// capacity to free up.
type direction struct {
	label             string
	dir               limiter.Direction
	readConn          net.Conn
	writeConn         net.Conn
	buf               []byte
	trafficLimitStall bool
}

// DataTransferHandler relays bytes between the client and the target in
// both directions, one outstanding read-then-write cycle per direction
// at a time, shaped by a TrafficLimiter (spec.md §4.3).
type DataTransferHandler struct {
	userEnd    net.Conn
	targetEnd  net.Conn
	limiter    *limiter.TrafficLimiter
	fromUser   *direction
	fromTarget *direction
	lastActive time.Time
}

// NewDataTransferHandler validates its constructor preconditions
// (non-nil sockets, non-nil limiter, positive chunk size) and builds
// both direction buffers up front.
func NewDataTransferHandler(userEnd, targetEnd net.Conn, lim *limiter.TrafficLimiter, ioChunkSize int, now time.Time) (*DataTransferHandler, error) {
	if userEnd == nil || targetEnd == nil {
		return nil, fmt.Errorf("data transfer handler: both sockets are required")
	}
	if lim == nil {
		return nil, fmt.Errorf("data transfer handler: traffic limiter is required")
	}
	if ioChunkSize <= 0 {
		return nil, fmt.Errorf("data transfer handler: io chunk size must be positive")
	}

	return &DataTransferHandler{
		userEnd:   userEnd,
		targetEnd: targetEnd,
		limiter:   lim,
		fromUser: &direction{
			label:     "from_user",
			dir:       limiter.FromUser,
			readConn:  userEnd,
			writeConn: targetEnd,
			buf:       make([]byte, ioChunkSize),
		},
		fromTarget: &direction{
			label:     "from_target",
			dir:       limiter.FromTarget,
			readConn:  targetEnd,
			writeConn: userEnd,
			buf:       make([]byte, ioChunkSize),
		},
		lastActive: now,
	}, nil
}

// Name implements handler.Handler.
func (h *DataTransferHandler) Name() string { return "data-transfer" }

// OnStart implements handler.Handler: it starts both directions'
// independent read/write cycles.
func (h *DataTransferHandler) OnStart(c *handler.Conn, g handler.Guard) {
	h.startCycle(c, g, h.fromUser)
	h.startCycle(c, g, h.fromTarget)
}

// startCycle reserves read capacity for d and, if granted, issues the
// read. A zero-capacity reservation parks d until the next on_timer
// re-attempts it, giving the traffic limiter backpressure for free.
func (h *DataTransferHandler) startCycle(c *handler.Conn, g handler.Guard, d *direction) {
	reservation := h.limiter.ReserveReadPortion(d.dir, len(d.buf))
	if reservation.Capacity() == 0 {
		d.trafficLimitStall = true
		return
	}
	d.trafficLimitStall = false

	c.AsyncRead(g, d.readConn, d.buf[:reservation.Capacity()], func(n int, err error, g2 handler.Guard) {
		reservation.Release(err, n)
		h.onReadComplete(c, g2, d, n, err)
	})
}

func (h *DataTransferHandler) onReadComplete(c *handler.Conn, g handler.Guard, d *direction, n int, err error) {
	if err != nil {
		reason := handler.Classify(err)
		c.LogAndRemove(g, reason, slog.LevelDebug,
			fmt.Sprintf("%s read ended: %v", d.label, err))
		return
	}

	h.lastActive = c.Context().Clock.Now()
	c.AsyncWriteWhole(g, d.writeConn, d.buf[:n], func(written int, werr error, g2 handler.Guard) {
		h.onWriteComplete(c, g2, d, n, written, werr)
	})
}

func (h *DataTransferHandler) onWriteComplete(c *handler.Conn, g handler.Guard, d *direction, expected, written int, err error) {
	if err != nil {
		c.LogAndRemove(g, handler.ReasonIOError, slog.LevelDebug,
			fmt.Sprintf("%s write failed: %v", d.label, err))
		return
	}
	if written != expected {
		c.LogAndRemove(g, handler.ReasonIOError, slog.LevelError,
			fmt.Sprintf("%s short write: wrote %d of %d bytes", d.label, written, expected))
		return
	}

	if c.Context().Stats != nil {
		c.Context().Stats.AddBytesRelayed(d.label, int64(written))
	}
	h.lastActive = c.Context().Clock.Now()
	h.startCycle(c, g, d)
}

// OnTimer implements handler.Handler: it enforces the idle timeout
// across both directions, and re-attempts any direction still stalled
// on traffic-limiter backpressure.
func (h *DataTransferHandler) OnTimer(c *handler.Conn, g handler.Guard) {
	if c.Context().IdleDeadlineExceeded(h.lastActive) {
		c.LogAndRemove(g, handler.ReasonNoActivity, slog.LevelWarn,
			"data transfer handler idle: no activity for too long")
		return
	}
	if h.fromUser.trafficLimitStall {
		h.startCycle(c, g, h.fromUser)
	}
	if h.fromTarget.trafficLimitStall {
		h.startCycle(c, g, h.fromTarget)
	}
}

// Release implements handler.Handler: shuts down and closes the
// outbound (target) socket, then the inbound (user) socket, swallowing
// any error either close produces.
func (h *DataTransferHandler) Release() {
	closeBoth(h.targetEnd)
	closeBoth(h.userEnd)
}

func closeBoth(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
	_ = conn.Close()
}
