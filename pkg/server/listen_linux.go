//go:build linux

package server

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strings"
)

// logListenBacklog logs the new listener along with the kernel's listen
// backlog limit
func logListenBacklog(name, addr string) {
	var somaxconn int
	if data, err := os.ReadFile("/proc/sys/net/core/somaxconn"); err == nil {
		fmt.Sscanf(string(data), "%d", &somaxconn)
	}

	log.Printf("Server %q listening on %s (kernel listen backlog: %d)", name, addr, somaxconn)
	if somaxconn > 0 && somaxconn < 128 {
		log.Printf("WARNING: net.core.somaxconn=%d may drop connection bursts", somaxconn)
	}
}

// ListenOverflows reads the system-wide TcpExt ListenOverflows counter from
// /proc/net/netstat. It returns 0 when the counter is unavailable.
func ListenOverflows() uint64 {
	file, err := os.Open("/proc/net/netstat")
	if err != nil {
		return 0
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var headers, values []string

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "TcpExt:") {
			continue
		}
		fields := strings.Fields(line)[1:]
		if headers == nil {
			headers = fields
		} else {
			values = fields
			break
		}
	}

	for i, header := range headers {
		if header == "ListenOverflows" && i < len(values) {
			var overflows uint64
			fmt.Sscanf(values[i], "%d", &overflows)
			return overflows
		}
	}
	return 0
}
