package evdispatch

import (
	"fmt"
	"syscall"
)

// connFd returns the descriptor behind a connection without duplicating it,
// unlike (*net.TCPConn).File.
func connFd(conn syscall.Conn) (int, error) {
	if conn == nil {
		return -1, errNoFdFromConn
	}
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("%w: %v", errNoFdFromConn, err)
	}
	fd := -1
	err = rawConn.Control(func(sysFd uintptr) {
		fd = int(sysFd)
	})
	if err != nil {
		return -1, fmt.Errorf("%w: %v", errNoFdFromConn, err)
	}
	return fd, nil
}
