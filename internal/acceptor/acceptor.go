// Package acceptor implements the accept loop from spec.md §6: the
// thin external collaborator that owns the listening socket, bounds how
// many connections are negotiated concurrently, and hands each accepted
// socket off to a fresh handler.Conn.
//
// die-net-conduit's main.go drives its listeners with an
// golang.org/x/sync/errgroup.Group; this loop follows the same shape,
// using errgroup.SetLimit instead of a raw semaphore to cap concurrent
// negotiations, since the corpus's only real x/sync usage is errgroup.
package acceptor

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/aclgate/aclgate/internal/config"
	"github.com/aclgate/aclgate/internal/dnsresolver"
	"github.com/aclgate/aclgate/internal/handler"
	"github.com/aclgate/aclgate/internal/limiter"
	logging "github.com/aclgate/aclgate/internal/logging"
)

// StatsSink is the ambient counters interface the acceptor and the
// connections it spawns report into.
type StatsSink = handler.StatsSink

// Dialer opens the outbound leg of a CONNECT tunnel. Kept as an
// interface so tests can substitute a fake target.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type netDialer struct{ d net.Dialer }

func (n netDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return n.d.DialContext(ctx, network, address)
}

// NewNetDialer returns the production Dialer, a thin net.Dialer wrapper.
func NewNetDialer() Dialer { return netDialer{} }

// BuildInitialHandler constructs the first Handler installed for a
// freshly accepted connection. Supplied by the CLI layer so acceptor
// stays free of any HTTP-parsing or SOCKS-negotiation import.
type BuildInitialHandler func(ctx context.Context, conn net.Conn) (handler.Handler, error)

// Acceptor is the external collaborator that runs the listen/accept
// loop and hands each connection to a fresh handler.Conn.
type Acceptor struct {
	listener net.Listener
	cfg      config.ProxyConfig
	stats    StatsSink
	logger   *logging.Logger
	resolver *dnsresolver.Agent
	limiter  *limiter.TrafficLimiter
	build    BuildInitialHandler
	nextID   atomic.Uint64
	maxConc  int
}

// New builds an Acceptor serving on listener. maxConcurrent bounds how
// many connections may be mid-negotiation at once; 0 means unbounded.
func New(listener net.Listener, cfg config.ProxyConfig, stats StatsSink, logger *logging.Logger, resolver *dnsresolver.Agent, lim *limiter.TrafficLimiter, build BuildInitialHandler, maxConcurrent int) *Acceptor {
	return &Acceptor{
		listener: listener,
		cfg:      cfg,
		stats:    stats,
		logger:   logger,
		resolver: resolver,
		limiter:  lim,
		build:    build,
		maxConc:  maxConcurrent,
	}
}

// Serve runs the accept loop until ctx is done or the listener errors.
func (a *Acceptor) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if a.maxConc > 0 {
		g.SetLimit(a.maxConc)
	}

	go func() {
		<-ctx.Done()
		_ = a.listener.Close()
	}()

	for {
		conn, err := a.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return g.Wait()
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}

		g.Go(func() error {
			a.serveOne(gctx, conn)
			return nil
		})
	}
}

func (a *Acceptor) serveOne(ctx context.Context, conn net.Conn) {
	id := handler.ConnectionId(a.nextID.Add(1))
	logger := a.logger.WithConn(strconv.FormatUint(uint64(id), 10)).With("remote_addr", conn.RemoteAddr().String())

	initial, err := a.build(ctx, conn)
	if err != nil {
		logger.Warn("rejecting connection during negotiation", "error", err)
		_ = conn.Close()
		return
	}

	hctx := &handler.Context{
		ID:       id,
		Clock:    handler.RealClock{},
		Config:   a.cfg,
		Stats:    a.stats,
		Logger:   logger,
		Resolver: a.resolver,
	}

	c := handler.NewConn(hctx, initial)
	go c.Run()
}
