//go:build unix

package server

import "syscall"

// reuseAddr marks the listening socket SO_REUSEADDR so a restarted relay can
// rebind its port while old connections sit in TIME_WAIT
func reuseAddr(network, address string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return sockErr
}
