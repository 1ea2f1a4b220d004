package handlers

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/aclgate/aclgate/internal/config"
	"github.com/aclgate/aclgate/internal/handler"
	"github.com/aclgate/aclgate/internal/limiter"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testHandlerContext() *handler.Context {
	cfg := config.Default()
	cfg.TimerCadence = 10 * time.Millisecond
	cfg.IdleConnectionTimeout = 200 * time.Millisecond
	return &handler.Context{
		ID:     1,
		Clock:  handler.RealClock{},
		Config: cfg,
		Logger: nopLogger(),
	}
}

func TestConnectHandlerWritesResponseAndReplaces(t *testing.T) {
	clientSide, inbound := net.Pipe()
	_, outbound := net.Pipe()
	defer clientSide.Close()

	h, err := NewConnectHandler(inbound, outbound, "example.com", 443, limiter.NewUnlimited(), 4096)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c := handler.NewConn(testHandlerContext(), h)
	go c.Run()

	reader := bufio.NewReader(clientSide)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	if line != "HTTP/1.1 200 Connection established\r\n" {
		t.Fatalf("unexpected status line: %q", line)
	}
}

// TestConnectHandlerIdleTimeoutRemovesConnection exercises spec.md §8's
// handshake idle-timeout scenario: if the response can never be written
// (the peer never drains its side of the pipe) on_timer must eventually
// remove the connection with ReasonNoActivity instead of hanging forever.
func TestConnectHandlerIdleTimeoutRemovesConnection(t *testing.T) {
	// inbound has no reader on the other end, so AsyncWriteWhole's write
	// to it never completes and on_timer is the only path to removal.
	inbound, otherEnd := net.Pipe()
	defer otherEnd.Close()
	_, outbound := net.Pipe()

	h, err := NewConnectHandler(inbound, outbound, "example.com", 443, limiter.NewUnlimited(), 4096)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	removed := make(chan struct{})
	stats := &idleTimeoutStats{removed: removed}
	hctx := testHandlerContext()
	hctx.Stats = stats

	c := handler.NewConn(hctx, h)
	go c.Run()

	select {
	case <-removed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the connect handler to be removed after its idle timeout")
	}

	if got := stats.reason(); got != string(handler.ReasonNoActivity) {
		t.Fatalf("expected removal reason %q, got %q", handler.ReasonNoActivity, got)
	}
}

// idleTimeoutStats is a minimal handler.StatsSink recording the single
// removal reason reported for the idle-timeout test above.
type idleTimeoutStats struct {
	mu      sync.Mutex
	reason_ string
	removed chan struct{}
}

func (s *idleTimeoutStats) IncConnectionsActive(delta int)      {}
func (s *idleTimeoutStats) AddBytesRelayed(dir string, n int64) {}
func (s *idleTimeoutStats) IncConnectionRemoved(reason string) {
	s.mu.Lock()
	s.reason_ = reason
	s.mu.Unlock()
	close(s.removed)
}
func (s *idleTimeoutStats) reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason_
}

func TestNewConnectHandlerRejectsNilSockets(t *testing.T) {
	if _, err := NewConnectHandler(nil, nil, "x", 1, limiter.NewUnlimited(), 1024); err == nil {
		t.Fatal("expected an error for nil sockets")
	}
}

func TestNewConnectHandlerRejectsNilLimiter(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	if _, err := NewConnectHandler(a, b, "x", 1, nil, 1024); err == nil {
		t.Fatal("expected an error for a nil limiter")
	}
}
