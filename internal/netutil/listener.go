// Package netutil builds the TCP listener the acceptor loop serves on,
// the way billy-rubin's internal/infrastructure/network/socket_factory.go
// hand-rolls a non-blocking listening socket with golang.org/x/sys/unix.
// This module does not need a raw epoll loop (net.Listener already gives
// Go an efficient, non-blocking accept path), but SO_REUSEADDR still has
// to be set by hand before bind — net.Listen doesn't expose it — so the
// unix syscalls are kept for that one knob via Control.
package netutil

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// Listen opens a TCP listener on addr with SO_REUSEADDR set, so a
// restarted proxy can rebind immediately instead of waiting out
// TIME_WAIT.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}
	return lc.Listen(ctx, "tcp", addr)
}
