//go:build linux

package gateway

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

func ignoreSIGPIPE() {
	signal.Ignore(syscall.SIGPIPE)
}

// listenTCPReuseAddr opens a TCP listener with SO_REUSEADDR set, so a
// restart does not fail on a socket still draining in TIME_WAIT.
func listenTCPReuseAddr(port int) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	return lc.Listen(context.Background(), "tcp", fmt.Sprintf(":%d", port))
}
