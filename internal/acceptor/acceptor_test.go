package acceptor

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/aclgate/aclgate/internal/config"
	"github.com/aclgate/aclgate/internal/handler"
	logging "github.com/aclgate/aclgate/internal/logging"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	l, err := logging.New(logging.Config{Writer: io.Discard})
	if err != nil {
		t.Fatalf("build logger: %v", err)
	}
	return l
}

type stubHandler struct {
	started chan struct{}
}

func (s *stubHandler) OnStart(c *handler.Conn, g handler.Guard) {
	close(s.started)
	c.LogAndRemove(g, handler.ReasonNormalCompletion, slog.LevelInfo, "done")
}
func (s *stubHandler) OnTimer(c *handler.Conn, g handler.Guard) {}
func (s *stubHandler) Name() string                             { return "stub" }
func (s *stubHandler) Release()                                 {}

func TestAcceptorServesConnections(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	started := make(chan struct{})
	build := func(ctx context.Context, conn net.Conn) (handler.Handler, error) {
		return &stubHandler{started: started}, nil
	}

	cfg := config.Default()
	logger := testLogger(t)
	a := New(ln, cfg, nil, logger, nil, nil, build, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- a.Serve(ctx) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("handler was never started for the accepted connection")
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(time.Second):
		t.Fatal("Serve never returned after cancellation")
	}
}

func TestAcceptorRejectsOnBuildError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	build := func(ctx context.Context, conn net.Conn) (handler.Handler, error) {
		return nil, io.ErrUnexpectedEOF
	}

	cfg := config.Default()
	logger := testLogger(t)
	a := New(ln, cfg, nil, logger, nil, nil, build, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Serve(ctx)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected the rejected connection to be closed")
	}
}
