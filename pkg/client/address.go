package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/nekomiya-kasane/metasock/pkg/wsconn"
)

// DefaultPort is used when an address has no port
const DefaultPort = "7301"

// DialFunc opens the transport for a Connector
type DialFunc func(ctx context.Context) (net.Conn, error)

type dialConfig struct {
	display string
	dial    DialFunc
}

// parseServerAddress accepts "host[:port]", "tcp://host[:port]" and
// "ws://" or "wss://" URLs
func parseServerAddress(raw string) (*dialConfig, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("server address is empty")
	}

	if wsconn.IsWebSocketURL(trimmed) {
		u, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", raw, err)
		}
		if u.Host == "" {
			return nil, errors.New("missing host in server address")
		}
		return &dialConfig{
			display: u.String(),
			dial: func(ctx context.Context) (net.Conn, error) {
				return wsconn.Dial(ctx, u.String())
			},
		}, nil
	}

	scheme := "tcp"
	hostPort := trimmed
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", raw, err)
		}
		scheme = strings.ToLower(u.Scheme)
		hostPort = u.Host
	}

	if scheme != "tcp" {
		return nil, fmt.Errorf("unsupported server scheme %q", scheme)
	}

	host, port, err := splitHostPortWithDefault(hostPort, DefaultPort)
	if err != nil {
		return nil, err
	}

	address := net.JoinHostPort(host, port)
	return &dialConfig{
		display: address,
		dial: func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			conn, err := d.DialContext(ctx, "tcp", address)
			if err != nil {
				return nil, err
			}
			if tcp, ok := conn.(*net.TCPConn); ok {
				tcp.SetNoDelay(true)
			}
			return conn, nil
		},
	}, nil
}

func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", "", errors.New("missing host in server address")
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host, port, nil
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) && strings.Contains(strings.ToLower(addrErr.Err), "missing port") {
		host = hostPort
		if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
			host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
		}
		return host, defaultPort, nil
	}

	return "", "", err
}
