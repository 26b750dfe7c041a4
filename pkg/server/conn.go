package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/nekomiya-kasane/metasock/pkg/protocol"
	"golang.org/x/time/rate"
)

// ConnState is the lifecycle state of a connection.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}

const readBufferSize = 32 * 1024

// Conn owns one accepted connection: its transport, its parse buffer and its
// session record. Server-side connections start out Connected.
type Conn struct {
	netConn   net.Conn
	srv       *Server
	id        string
	decoder   *protocol.Decoder
	limiter   *rate.Limiter // nil when unlimited
	transport string

	mu      sync.Mutex // guards session and state
	session Session
	state   ConnState
	// exitState is the state the connection passed through on its way to
	// Disconnected (Disconnecting or Error).
	exitState ConnState

	writeMu sync.Mutex
	done    chan struct{}
}

func newConn(nc net.Conn, srv *Server, transport string) (*Conn, error) {
	sess, err := newSession(srv.config.Name, transport, nc.RemoteAddr(), time.Now())
	if err != nil {
		return nil, err
	}
	c := &Conn{
		netConn:   nc,
		srv:       srv,
		id:        sess.ID,
		decoder:   protocol.NewDecoder(srv.config.MaxBufferSize),
		transport: transport,
		session:   sess,
		state:     StateConnected,
		done:      make(chan struct{}),
	}
	if srv.config.MessageRate > 0 {
		burst := srv.config.MessageBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(srv.config.MessageRate), burst)
	}
	return c, nil
}

// ID returns the session ID, "<remoteAddress>:<remotePort>".
func (c *Conn) ID() string {
	return c.id
}

// Session returns a snapshot of the session record.
func (c *Conn) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// State returns the current lifecycle state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the connection has reached Disconnected and its
// observers have been notified.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// leave moves a Connected connection to the given exit state. It reports
// false if the connection was already on its way out.
func (c *Conn) leave(to ConnState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return false
	}
	c.state = to
	c.exitState = to
	return true
}

// Close forcibly closes the transport. Blocked reads return immediately and
// the serving goroutine finishes the disconnection. Safe to call repeatedly.
func (c *Conn) Close() error {
	first := c.leave(StateDisconnecting)
	err := c.netConn.Close()
	if !first || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Send writes msg followed by a newline. It returns false if the connection
// is not Connected or the write fails.
func (c *Conn) Send(msg protocol.Message) bool {
	data, err := protocol.EncodeMessage(msg)
	if err != nil {
		errorLog.Printf("Session %s: failed to encode %q: %v", c.id, msg.Command, err)
		return false
	}
	return c.sendEncoded(data)
}

func (c *Conn) sendEncoded(data []byte) bool {
	if c.State() != StateConnected {
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout := c.srv.config.WriteTimeout; timeout > 0 {
		_ = c.netConn.SetWriteDeadline(time.Now().Add(timeout))
	}
	if _, err := c.netConn.Write(data); err != nil {
		debugLog.Printf("Session %s: write failed: %v", c.id, err)
		c.srv.metrics.RecordSendFailure(c.srv.config.Name)
		return false
	}
	c.srv.metrics.RecordMessageSent(c.srv.config.Name)
	return true
}

// serve runs the read loop until the connection ends, then performs the
// one-time disconnection: table removal, Disconnected, observers.
func (c *Conn) serve() {
	defer c.finish()

	c.srv.observers.emitConnection(c.Session())

	buf := make([]byte, readBufferSize)
	idle := c.srv.config.IdleTimeout

	for {
		if idle > 0 {
			_ = c.netConn.SetReadDeadline(time.Now().Add(idle))
		}

		n, err := c.netConn.Read(buf)
		if n > 0 {
			if ferr := c.handleData(buf[:n]); ferr != nil {
				c.fail(ferr)
				return
			}
		}
		if err != nil {
			c.handleReadError(err)
			return
		}
	}
}

// handleData feeds a chunk to the decoder and dispatches every complete
// message in stream order.
func (c *Conn) handleData(chunk []byte) error {
	frames, dropped, err := c.decoder.Feed(chunk)

	if dropped > 0 {
		c.mu.Lock()
		c.session.Dropped += uint64(dropped)
		c.mu.Unlock()
		c.srv.metrics.RecordFramesDropped(c.srv.config.Name, dropped)
		debugLog.Printf("Session %s: dropped %d invalid frame(s)", c.id, dropped)
	}

	for _, f := range frames {
		c.mu.Lock()
		c.session.LastActivity = time.Now()
		if c.limiter != nil && !c.limiter.Allow() {
			c.session.Limited++
			c.mu.Unlock()
			c.srv.metrics.RecordMessageLimited(c.srv.config.Name)
			debugLog.Printf("Session %s: rate limit exceeded, discarding %s/%s", c.id, f.Message.Framework, f.Message.Command)
			continue
		}
		sess := c.session
		c.mu.Unlock()

		c.srv.metrics.RecordMessageReceived(c.srv.config.Name, f.Message.Framework)
		debugLog.Printf("Session %s ← RECV: %s/%s (%d bytes)", c.id, f.Message.Framework, f.Message.Command, len(f.Raw))

		start := time.Now()
		failed := c.srv.observers.emitMessage(f.Message, sess)
		c.srv.metrics.RecordDispatch(time.Since(start), failed)
	}

	if errors.Is(err, protocol.ErrBufferOverflow) {
		c.srv.metrics.RecordBufferOverflow(c.srv.config.Name)
		return fmt.Errorf("session %s: %w (%d bytes buffered)", c.id, err, c.decoder.Buffered())
	}
	return err
}

func (c *Conn) handleReadError(err error) {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF):
		debugLog.Printf("Session %s: closed by peer", c.id)
		c.leave(StateDisconnecting)
	case errors.Is(err, net.ErrClosed), c.State() != StateConnected:
		// Closed locally via Close or Stop
		c.leave(StateDisconnecting)
	case errors.As(err, &netErr) && netErr.Timeout() && c.srv.config.IdleTimeout > 0:
		debugLog.Printf("Session %s: idle for %v, closing", c.id, c.srv.config.IdleTimeout)
		c.leave(StateDisconnecting)
	default:
		c.fail(fmt.Errorf("session %s: read: %w", c.id, err))
	}
}

// fail takes the Error path: report the error, then close the transport.
func (c *Conn) fail(err error) {
	if !c.leave(StateError) {
		// Already closing; the error is a consequence of that.
		debugLog.Printf("Session %s: error while closing: %v", c.id, err)
		return
	}
	sess := c.Session()
	c.srv.observers.emitError(err, &sess)
	_ = c.netConn.Close()
}

func (c *Conn) finish() {
	_ = c.netConn.Close()
	c.srv.sessions.Remove(c)

	c.mu.Lock()
	if c.state == StateConnected {
		c.exitState = StateDisconnecting
	}
	c.state = StateDisconnected
	sess := c.session
	exit := c.exitState
	c.mu.Unlock()

	c.srv.metrics.RecordDisconnection(c.srv.config.Name, exit)
	debugLog.Printf("Session %s disconnected (%s)", c.id, exit)

	c.srv.observers.emitDisconnection(sess)
	close(c.done)
}
