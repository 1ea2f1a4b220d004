package handlers

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/aclgate/aclgate/internal/handler"
	"github.com/aclgate/aclgate/internal/limiter"
)

func TestDataTransferRelaysBothDirections(t *testing.T) {
	userSide, userEnd := net.Pipe()
	targetSide, targetEnd := net.Pipe()
	defer userSide.Close()
	defer targetSide.Close()

	h, err := NewDataTransferHandler(userEnd, targetEnd, limiter.NewUnlimited(), 4096, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c := handler.NewConn(testHandlerContext(), h)
	go c.Run()

	go func() {
		userSide.Write([]byte("hello target"))
	}()
	buf := make([]byte, 32)
	n, err := targetSide.Read(buf)
	if err != nil {
		t.Fatalf("target side read: %v", err)
	}
	if string(buf[:n]) != "hello target" {
		t.Fatalf("unexpected payload at target: %q", buf[:n])
	}

	go func() {
		targetSide.Write([]byte("hello user"))
	}()
	n, err = userSide.Read(buf)
	if err != nil {
		t.Fatalf("user side read: %v", err)
	}
	if string(buf[:n]) != "hello user" {
		t.Fatalf("unexpected payload at user: %q", buf[:n])
	}
}

func TestDataTransferRemovesOnEOF(t *testing.T) {
	userSide, userEnd := net.Pipe()
	targetSide, targetEnd := net.Pipe()
	defer targetSide.Close()

	h, err := NewDataTransferHandler(userEnd, targetEnd, limiter.NewUnlimited(), 4096, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c := handler.NewConn(testHandlerContext(), h)
	go c.Run()

	userSide.Close()

	// The handler should observe EOF on the from_user direction, remove
	// itself, and close the target socket too: a subsequent read on the
	// target side unblocks with an error.
	buf := make([]byte, 4)
	targetSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = targetSide.Read(buf)
	if err == nil {
		t.Fatal("expected target side to observe closure")
	}
}

// TestDataTransferRateLimitedRelayAccountsExactBytesAcrossTicks exercises
// spec.md §8's rate-limited relay scenario: a direction capped below the
// size of a single message must relay it across several on_timer-driven
// retries, with every byte accounted for exactly once.
func TestDataTransferRateLimitedRelayAccountsExactBytesAcrossTicks(t *testing.T) {
	userSide, userEnd := net.Pipe()
	targetSide, targetEnd := net.Pipe()
	defer userSide.Close()
	defer targetSide.Close()

	// burst=8 caps the first grant well below the 20-byte payload; the
	// remainder can only cross in later grants as the bucket refills.
	lim := limiter.New(400, 8, 0, 0)

	h, err := NewDataTransferHandler(userEnd, targetEnd, lim, 4096, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	const payloadSize = 20
	stats := newByteAccountingStats(payloadSize)
	hctx := testHandlerContext()
	hctx.Stats = stats

	c := handler.NewConn(hctx, h)
	go c.Run()

	payload := make([]byte, payloadSize)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}
	go func() { _, _ = userSide.Write(payload) }()

	received := make([]byte, 0, payloadSize)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		buf := make([]byte, 64)
		for len(received) < payloadSize {
			n, err := targetSide.Read(buf)
			if err != nil {
				return
			}
			received = append(received, buf[:n]...)
		}
	}()

	select {
	case <-stats.done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the rate-limited relay to finish within its idle budget")
	}
	<-readDone

	if string(received) != string(payload) {
		t.Fatalf("unexpected payload at target: %q", received)
	}
	if got := stats.total(); got != payloadSize {
		t.Fatalf("expected exactly %d bytes accounted for, got %d", payloadSize, got)
	}
	// burst=8 guarantees the first grant alone cannot cover all 20 bytes,
	// so at least one more AddBytesRelayed call must follow it.
	if got := stats.callCount(); got < 2 {
		t.Fatalf("expected the relay to cross more than one grant, got %d calls", got)
	}
}

// byteAccountingStats is a minimal handler.StatsSink that sums the bytes
// reported for from_user and signals done once a target total is reached.
type byteAccountingStats struct {
	mu     sync.Mutex
	once   sync.Once
	total_ int64
	calls  int
	target int64
	done   chan struct{}
}

func newByteAccountingStats(target int64) *byteAccountingStats {
	return &byteAccountingStats{target: target, done: make(chan struct{})}
}

func (s *byteAccountingStats) IncConnectionsActive(delta int)     {}
func (s *byteAccountingStats) IncConnectionRemoved(reason string) {}
func (s *byteAccountingStats) AddBytesRelayed(dir string, n int64) {
	if dir != "from_user" {
		return
	}
	s.mu.Lock()
	s.total_ += n
	s.calls++
	reached := s.total_ >= s.target
	s.mu.Unlock()
	if reached {
		s.once.Do(func() { close(s.done) })
	}
}

func (s *byteAccountingStats) total() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total_
}

func (s *byteAccountingStats) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestNewDataTransferHandlerRejectsBadArgs(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	if _, err := NewDataTransferHandler(nil, b, limiter.NewUnlimited(), 1024, time.Now()); err == nil {
		t.Fatal("expected error for nil socket")
	}
	if _, err := NewDataTransferHandler(a, b, nil, 1024, time.Now()); err == nil {
		t.Fatal("expected error for nil limiter")
	}
	if _, err := NewDataTransferHandler(a, b, limiter.NewUnlimited(), 0, time.Now()); err == nil {
		t.Fatal("expected error for non-positive chunk size")
	}
}
