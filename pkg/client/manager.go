package client

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrClientExists = errors.New("client already exists")

// Manager keeps named connectors for applications that talk to several
// servers at once
type Manager struct {
	mu      sync.Mutex
	clients map[string]*Connector
}

func NewManager() *Manager {
	return &Manager{clients: make(map[string]*Connector)}
}

// CreateClient registers a new, not yet connected, connector under name
func (m *Manager) CreateClient(name, addr string, opts ...Option) (*Connector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.clients[name]; exists {
		return nil, fmt.Errorf("%w: %q", ErrClientExists, name)
	}

	c, err := NewConnector(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("create client %q: %w", name, err)
	}
	m.clients[name] = c
	return c, nil
}

func (m *Manager) Client(name string) (*Connector, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[name]
	return c, ok
}

// Clients returns the registered names, sorted
func (m *Manager) Clients() []string {
	m.mu.Lock()
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	m.mu.Unlock()

	sort.Strings(names)
	return names
}

// RemoveClient disconnects and forgets the named connector. Unknown names
// are ignored.
func (m *Manager) RemoveClient(name string) {
	m.mu.Lock()
	c, ok := m.clients[name]
	delete(m.clients, name)
	m.mu.Unlock()

	if ok {
		c.Disconnect()
	}
}

// Cleanup disconnects every connector
func (m *Manager) Cleanup() {
	for _, name := range m.Clients() {
		m.RemoveClient(name)
	}
}
