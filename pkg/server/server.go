package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nekomiya-kasane/metasock/pkg/protocol"
)

// ServerConfig holds the settings of one listening server
type ServerConfig struct {
	Name           string
	Host           string
	Port           int
	MaxConnections int
	MaxBufferSize  int           // bytes held for an incomplete frame, 0 = unbounded
	WriteTimeout   time.Duration // 0 = none
	IdleTimeout    time.Duration // 0 = sessions may stay idle forever
	MessageRate    float64       // messages/sec per session, 0 = unlimited
	MessageBurst   int
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		Host:           "0.0.0.0",
		MaxConnections: 100,
		MaxBufferSize:  protocol.DefaultMaxBufferSize,
		WriteTimeout:   10 * time.Second,
	}
}

// ServerOption adjusts a ServerConfig at creation time
type ServerOption func(*ServerConfig)

// WithHost sets the bind address. Empty keeps the default wildcard.
func WithHost(host string) ServerOption {
	return func(c *ServerConfig) {
		if host != "" {
			c.Host = host
		}
	}
}

// WithMaxConnections sets the concurrent session cap. Values below 1 keep the
// default.
func WithMaxConnections(n int) ServerOption {
	return func(c *ServerConfig) {
		if n > 0 {
			c.MaxConnections = n
		}
	}
}

// WithMaxBufferSize caps the partial-frame buffer; 0 disables the cap.
func WithMaxBufferSize(n int) ServerOption {
	return func(c *ServerConfig) {
		if n >= 0 {
			c.MaxBufferSize = n
		}
	}
}

func WithWriteTimeout(d time.Duration) ServerOption {
	return func(c *ServerConfig) { c.WriteTimeout = d }
}

func WithIdleTimeout(d time.Duration) ServerOption {
	return func(c *ServerConfig) { c.IdleTimeout = d }
}

// WithMessageRate limits each session to perSec messages per second with
// the given burst. Messages over the limit are discarded and counted; the
// connection stays open. perSec <= 0 disables the limit.
func WithMessageRate(perSec float64, burst int) ServerOption {
	return func(c *ServerConfig) {
		c.MessageRate = perSec
		c.MessageBurst = burst
	}
}

// Server is one named listening socket and its session table
type Server struct {
	config    ServerConfig
	listener  net.Listener
	sessions  *SessionTable
	observers *Observers
	metrics   *Metrics
	startedAt time.Time

	mu      sync.Mutex // serializes admission against Stop
	stopped bool
	running atomic.Bool

	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer creates a server that has not started listening yet.
// observers and metrics may be nil.
func NewServer(config ServerConfig, observers *Observers, metrics *Metrics) *Server {
	if observers == nil {
		observers = NewObservers()
	}
	defaults := DefaultConfig()
	if config.Host == "" {
		config.Host = defaults.Host
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = defaults.MaxConnections
	}
	if config.MaxBufferSize < 0 {
		config.MaxBufferSize = defaults.MaxBufferSize
	}

	return &Server{
		config:    config,
		sessions:  NewSessionTable(config.Name, metrics),
		observers: observers,
		metrics:   metrics,
		shutdown:  make(chan struct{}),
	}
}

// Start binds the listening socket and begins accepting connections.
// A bind failure is returned and leaves the server stopped. A server
// cannot be restarted once stopped.
func (s *Server) Start() error {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return fmt.Errorf("server %q: %w", s.config.Name, ErrServerStopped)
	}

	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))

	lc := net.ListenConfig{Control: reuseAddrControl}
	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = listener
	s.startedAt = time.Now()
	s.running.Store(true)
	logListenBacklog(s.config.Name, listener.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

func reuseAddrControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = setSocketOptions(fd)
	}); err != nil {
		return err
	}
	return sockErr
}

// Name returns the registry key of the server
func (s *Server) Name() string {
	return s.config.Name
}

// Config returns the effective configuration
func (s *Server) Config() ServerConfig {
	return s.config
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Port returns the bound port, which differs from the configured one when
// the server was created with port 0.
func (s *Server) Port() int {
	if tcp, ok := s.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return s.config.Port
}

// IsRunning reports whether the server is accepting connections
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Uptime returns how long the server has been listening
func (s *Server) Uptime() time.Duration {
	if !s.IsRunning() {
		return 0
	}
	return time.Since(s.startedAt)
}

// Sessions returns snapshots of the live sessions
func (s *Server) Sessions() []Session {
	return s.sessions.Sessions()
}

// SessionCount returns the number of live sessions
func (s *Server) SessionCount() int {
	return s.sessions.Count()
}

// Stop closes every session, then the listener, and waits for all
// connection goroutines to exit. Calling Stop again is a no-op.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		close(s.shutdown)

		conns := s.sessions.Conns()
		for _, c := range conns {
			c.Close()
		}

		if s.listener != nil {
			if cerr := s.listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
				err = cerr
			}
		}

		s.wg.Wait()
		s.running.Store(false)
		log.Printf("Server %q stopped (%d session(s) closed)", s.config.Name, len(conns))
	})
	return err
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			errorLog.Printf("Server %q accept error: %v", s.config.Name, err)
			s.observers.emitError(fmt.Errorf("server %q: accept: %w", s.config.Name, err), nil)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		// Disable Nagle's algorithm for immediate sends
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		s.admit(conn, "tcp")
	}
}

// admit turns an accepted transport into a session, or closes it silently
// when the server is stopping or full.
func (s *Server) admit(nc net.Conn, transport string) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		nc.Close()
		return false
	}

	if s.sessions.Count() >= s.config.MaxConnections {
		s.mu.Unlock()
		nc.Close()
		s.metrics.RecordConnectionRejected(s.config.Name)
		debugLog.Printf("Server %q at capacity (%d), rejected %s", s.config.Name, s.config.MaxConnections, nc.RemoteAddr())
		return false
	}

	c, err := newConn(nc, s, transport)
	if err != nil {
		s.mu.Unlock()
		nc.Close()
		errorLog.Printf("Server %q: %v", s.config.Name, err)
		return false
	}
	if !s.sessions.Add(c) {
		s.mu.Unlock()
		nc.Close()
		errorLog.Printf("Server %q: duplicate session %s", s.config.Name, c.ID())
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.metrics.RecordConnectionAccepted(s.config.Name, transport)
	debugLog.Printf("New %s connection on %q (session %s)", transport, s.config.Name, c.ID())

	go func() {
		defer s.wg.Done()
		c.serve()
	}()
	return true
}

// Session returns the live connection for a session ID
func (s *Server) Session(id string) (*Conn, bool) {
	return s.sessions.Get(id)
}

// Send writes msg to one session
func (s *Server) Send(id string, msg protocol.Message) bool {
	c, ok := s.sessions.Get(id)
	if !ok {
		return false
	}
	return c.Send(msg)
}

// Broadcast writes msg to every live session and returns how many writes
// succeeded. A failing session does not stop delivery to the rest.
func (s *Server) Broadcast(msg protocol.Message) int {
	data, err := protocol.EncodeMessage(msg)
	if err != nil {
		errorLog.Printf("Server %q: failed to encode broadcast %q: %v", s.config.Name, msg.Command, err)
		return 0
	}

	delivered := 0
	var failed []string
	for _, c := range s.sessions.Conns() {
		if c.sendEncoded(data) {
			delivered++
		} else {
			failed = append(failed, c.ID())
		}
	}

	s.metrics.RecordBroadcast(delivered)
	if len(failed) > 0 {
		debugLog.Printf("Server %q broadcast %q: %d delivered, failed for %v", s.config.Name, msg.Command, delivered, failed)
	}
	return delivered
}
