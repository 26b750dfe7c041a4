package server

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Session is the bookkeeping record for one accepted connection.
// Values handed to observers and queries are snapshots; the live record is
// owned by its Conn.
type Session struct {
	ID            string    `json:"id"`
	RemoteAddress string    `json:"remoteAddress"`
	RemotePort    int       `json:"remotePort"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastActivity  time.Time `json:"lastActivity"`
	Server        string    `json:"server"`
	Transport     string    `json:"transport"`
	// Dropped counts frames discarded as malformed or with a bad envelope.
	Dropped uint64 `json:"dropped"`
	// Limited counts valid messages discarded by the rate limit.
	Limited uint64 `json:"limited,omitempty"`
}

// newSession derives the session identity "<address>:<port>" from the peer.
func newSession(server, transport string, remote net.Addr, now time.Time) (Session, error) {
	if remote == nil {
		return Session{}, fmt.Errorf("connection has no remote address")
	}
	host, portStr, err := net.SplitHostPort(remote.String())
	if err != nil {
		return Session{}, fmt.Errorf("invalid remote address %q: %w", remote.String(), err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Session{}, fmt.Errorf("invalid remote port %q: %w", portStr, err)
	}

	return Session{
		ID:            fmt.Sprintf("%s:%d", host, port),
		RemoteAddress: host,
		RemotePort:    port,
		ConnectedAt:   now,
		LastActivity:  now,
		Server:        server,
		Transport:     transport,
	}, nil
}

// SessionTable tracks the live connections of one server.
type SessionTable struct {
	conns   map[string]*Conn
	mu      sync.RWMutex
	metrics *Metrics
	server  string
}

// NewSessionTable creates an empty table. metrics may be nil.
func NewSessionTable(server string, metrics *Metrics) *SessionTable {
	return &SessionTable{
		conns:   make(map[string]*Conn),
		metrics: metrics,
		server:  server,
	}
}

// Add inserts c. It returns false if a connection with the same session ID
// is already present.
func (t *SessionTable) Add(c *Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := c.ID()
	if _, exists := t.conns[id]; exists {
		return false
	}
	t.conns[id] = c
	t.metrics.RecordActiveSessions(t.server, len(t.conns))
	return true
}

// Remove deletes the entry for id if it still belongs to c.
// Removing an absent entry is a no-op and reports false.
func (t *SessionTable) Remove(c *Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := c.ID()
	if cur, ok := t.conns[id]; !ok || cur != c {
		return false
	}
	delete(t.conns, id)
	t.metrics.RecordActiveSessions(t.server, len(t.conns))
	return true
}

// Get returns the connection for a session ID.
func (t *SessionTable) Get(id string) (*Conn, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, ok := t.conns[id]
	return c, ok
}

// Conns returns the live connections in session ID order.
func (t *SessionTable) Conns() []*Conn {
	t.mu.RLock()
	conns := make([]*Conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.RUnlock()

	sort.Slice(conns, func(i, j int) bool {
		return conns[i].ID() < conns[j].ID()
	})
	return conns
}

// Sessions returns snapshots of every live session in ID order.
func (t *SessionTable) Sessions() []Session {
	conns := t.Conns()
	sessions := make([]Session, 0, len(conns))
	for _, c := range conns {
		sessions = append(sessions, c.Session())
	}
	return sessions
}

// Count returns the number of live sessions.
func (t *SessionTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}
