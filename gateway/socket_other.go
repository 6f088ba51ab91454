//go:build !linux

package gateway

import (
	"fmt"
	"net"
)

func ignoreSIGPIPE() {}

func listenTCPReuseAddr(port int) (net.Listener, error) {
	return net.Listen("tcp", fmt.Sprintf(":%d", port))
}
