package server

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nekomiya-kasane/metasock/pkg/protocol"
)

var (
	ErrServerExists   = errors.New("server already exists")
	ErrServerNotFound = errors.New("server not found")
	ErrInvalidName    = errors.New("invalid server name")
	ErrServerStopped  = errors.New("server stopped")
)

// RegistryConfig holds what every server created by a Registry shares
type RegistryConfig struct {
	// Defaults is applied before per-call options. Name and Port are ignored.
	Defaults ServerConfig
	// Metrics may be nil to disable instrumentation.
	Metrics *Metrics
}

// Status describes one server for administrative callers
type Status struct {
	Name           string `json:"name"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	MaxConnections int    `json:"maxConnections"`
	IsRunning      bool   `json:"isRunning"`
	SessionCount   int    `json:"sessionCount"`
	UptimeSeconds  int64  `json:"uptimeSeconds"`
}

// Result is the uniform outcome shape of administrative operations
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ResultFrom converts an error into a Result
func ResultFrom(err error) Result {
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	return Result{Success: true}
}

// Registry manages named servers. Observers registered on the registry see
// the events of every server it creates.
type Registry struct {
	servers   map[string]*Server
	mu        sync.Mutex
	config    RegistryConfig
	observers *Observers
}

// NewRegistry creates an empty registry
func NewRegistry(config RegistryConfig) *Registry {
	if config.Defaults == (ServerConfig{}) {
		config.Defaults = DefaultConfig()
	}
	return &Registry{
		servers:   make(map[string]*Server),
		config:    config,
		observers: NewObservers(),
	}
}

func (r *Registry) OnConnection(fn ConnectionObserver) func() {
	return r.observers.OnConnection(fn)
}

func (r *Registry) OnMessage(fn MessageObserver) func() {
	return r.observers.OnMessage(fn)
}

func (r *Registry) OnDisconnection(fn DisconnectionObserver) func() {
	return r.observers.OnDisconnection(fn)
}

func (r *Registry) OnError(fn ErrorObserver) func() {
	return r.observers.OnError(fn)
}

// Attach registers all handlers of obs
func (r *Registry) Attach(obs Observer) func() {
	return r.observers.Attach(obs)
}

// CreateServer starts a new named server on port (0 picks a free port).
// The host defaults to the wildcard address. A duplicate name or a bind
// failure returns an error and leaves the registry unchanged.
func (r *Registry) CreateServer(name string, port int, opts ...ServerOption) error {
	if strings.TrimSpace(name) == "" {
		return ErrInvalidName
	}
	if port < 0 || port > 65535 {
		return fmt.Errorf("create server %q: port %d out of range", name, port)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.servers[name]; exists {
		return fmt.Errorf("%w: %q", ErrServerExists, name)
	}

	cfg := r.config.Defaults
	cfg.Name = name
	cfg.Port = port
	for _, opt := range opts {
		opt(&cfg)
	}

	srv := NewServer(cfg, r.observers, r.config.Metrics)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("create server %q: %w", name, err)
	}

	r.servers[name] = srv
	return nil
}

// StopServer closes all sessions of the named server, stops its listener and
// removes it. Stopping an unknown name succeeds.
func (r *Registry) StopServer(name string) error {
	r.mu.Lock()
	srv, ok := r.servers[name]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	err := srv.Stop()

	r.mu.Lock()
	if r.servers[name] == srv {
		delete(r.servers, name)
	}
	r.mu.Unlock()

	if err != nil {
		return fmt.Errorf("stop server %q: %w", name, err)
	}
	return nil
}

// Server returns the named server
func (r *Registry) Server(name string) (*Server, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	srv, ok := r.servers[name]
	return srv, ok
}

// Servers returns the names of all registered servers, sorted
func (r *Registry) Servers() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.servers))
	for name := range r.servers {
		names = append(names, name)
	}
	r.mu.Unlock()

	sort.Strings(names)
	return names
}

// Sessions returns the live sessions of a server, or an empty slice if the
// name is unknown
func (r *Registry) Sessions(name string) []Session {
	srv, ok := r.Server(name)
	if !ok {
		return []Session{}
	}
	return srv.Sessions()
}

// Status returns the state of a server, or nil if the name is unknown
func (r *Registry) Status(name string) *Status {
	srv, ok := r.Server(name)
	if !ok {
		return nil
	}
	cfg := srv.Config()
	return &Status{
		Name:           name,
		Host:           cfg.Host,
		Port:           srv.Port(),
		MaxConnections: cfg.MaxConnections,
		IsRunning:      srv.IsRunning(),
		SessionCount:   srv.SessionCount(),
		UptimeSeconds:  int64(srv.Uptime().Seconds()),
	}
}

// Broadcast sends msg to every session of a server and returns the number
// of successful deliveries
func (r *Registry) Broadcast(name string, msg protocol.Message) int {
	srv, ok := r.Server(name)
	if !ok {
		return 0
	}
	return srv.Broadcast(msg)
}

// Send writes msg to a single session
func (r *Registry) Send(name, sessionID string, msg protocol.Message) bool {
	srv, ok := r.Server(name)
	if !ok {
		return false
	}
	return srv.Send(sessionID, msg)
}

// Disconnect forcibly closes one session. It reports whether the session
// existed.
func (r *Registry) Disconnect(name, sessionID string) bool {
	srv, ok := r.Server(name)
	if !ok {
		return false
	}
	c, ok := srv.Session(sessionID)
	if !ok {
		return false
	}
	c.Close()
	return true
}

// Cleanup stops every server
func (r *Registry) Cleanup() {
	for _, name := range r.Servers() {
		if err := r.StopServer(name); err != nil {
			errorLog.Printf("Cleanup: %v", err)
		}
	}
}
