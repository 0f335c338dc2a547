package net

import (
	"fmt"
	"net"
)

// ListenLoopback listens on the given TCP port of the loopback interface.
// A port of 0 picks an ephemeral port; use Port to find out which one.
func ListenLoopback(port int) (net.Listener, error) {
	addr, err := net.ResolveTCPAddr("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("resolving loopback port %d: %w", port, err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on loopback port %d: %w", port, err)
	}
	return listener, nil
}

// Port returns the TCP port a listener is bound to.
func Port(l net.Listener) int {
	return l.Addr().(*net.TCPAddr).Port
}
