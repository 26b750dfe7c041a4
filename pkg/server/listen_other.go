//go:build !linux

package server

import "log"

// logListenBacklog logs the new listener
func logListenBacklog(name, addr string) {
	log.Printf("Server %q listening on %s", name, addr)
}

// ListenOverflows is not available outside Linux
func ListenOverflows() uint64 {
	return 0
}
