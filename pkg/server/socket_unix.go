//go:build unix

package server

import (
	"syscall"
)

// setSocketOptions marks the listening socket SO_REUSEADDR so a server can be
// recreated on the same port right after StopServer.
func setSocketOptions(fd uintptr) error {
	return syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
}
