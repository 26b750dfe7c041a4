package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nekomiya-kasane/metasock/pkg/protocol"
	"golang.org/x/time/rate"
)

var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	// ErrConnectAborted is returned by Connect when Disconnect is called
	// while the dial is in flight
	ErrConnectAborted = errors.New("connect aborted by disconnect")
)

// State represents the connection status
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

const (
	DefaultReconnectDelay = 5000 * time.Millisecond
	defaultDialTimeout    = 10 * time.Second
	readBufferSize        = 32 * 1024
)

type options struct {
	autoReconnect       bool
	reconnectDelay      time.Duration
	maxReconnectDelay   time.Duration // 0 = constant delay
	maxBufferSize       int
	dial                DialFunc
	logger              *log.Logger
	throttleBytesPerSec int
}

// Option configures a Connector
type Option func(*options)

// WithAutoReconnect enables or disables reconnecting after an unexpected
// disconnection. Enabled by default.
func WithAutoReconnect(enabled bool) Option {
	return func(o *options) { o.autoReconnect = enabled }
}

// WithReconnectDelay sets the delay before the first reconnect attempt
func WithReconnectDelay(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.reconnectDelay = d
		}
	}
}

// WithMaxReconnectDelay caps the exponential backoff between failed
// attempts. 0 keeps the delay constant.
func WithMaxReconnectDelay(d time.Duration) Option {
	return func(o *options) { o.maxReconnectDelay = d }
}

// WithMaxBufferSize caps the partial-frame buffer; 0 disables the cap
func WithMaxBufferSize(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxBufferSize = n
		}
	}
}

// WithDialer replaces the transport dialer derived from the address
func WithDialer(dial DialFunc) Option {
	return func(o *options) { o.dial = dial }
}

// WithLogger sets a logger for debugging connection events
func WithLogger(logger *log.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithThrottle limits bandwidth in bytes per second in both directions.
// Example: WithThrottle(3600) simulates a 28.8kbps dial-up modem.
func WithThrottle(bytesPerSec int) Option {
	return func(o *options) { o.throttleBytesPerSec = bytesPerSec }
}

// link is one established transport. ctx is cancelled when it is torn
// down, releasing any read or write waiting on the bandwidth limiter.
type link struct {
	conn    net.Conn
	decoder *protocol.Decoder
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
}

// Connector is the outbound counterpart of a server connection: it dials,
// frames and parses the same JSON stream, and reconnects automatically.
type Connector struct {
	addr string
	opts options

	mu    sync.Mutex
	state State
	link  *link
	// suppress is set by a manual Disconnect and blocks automatic
	// reconnects until the next Connect
	suppress bool
	timer    *time.Timer // pending reconnect, at most one
	delay    time.Duration
	attempt  int

	writeMu sync.Mutex

	// Per-direction bandwidth buckets, nil when unthrottled. They outlive
	// links so a reconnect does not refill them.
	sendLimiter *rate.Limiter
	recvLimiter *rate.Limiter

	// Traffic counters (bytes on the wire)
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	onConnect    handlers[func()]
	onMessage    handlers[func(protocol.Message)]
	onDisconnect handlers[func()]
	onError      handlers[func(error)]
	onState      handlers[func(State)]
}

// NewConnector creates a disconnected client for addr ("host:port",
// "tcp://host:port", "ws://host:port/ws/name")
func NewConnector(addr string, opts ...Option) (*Connector, error) {
	o := options{
		autoReconnect:  true,
		reconnectDelay: DefaultReconnectDelay,
		maxBufferSize:  protocol.DefaultMaxBufferSize,
	}
	for _, opt := range opts {
		opt(&o)
	}

	display := addr
	if o.dial == nil {
		cfg, err := parseServerAddress(addr)
		if err != nil {
			return nil, err
		}
		display = cfg.display
		o.dial = cfg.dial
	}

	return &Connector{
		addr:        display,
		opts:        o,
		state:       StateDisconnected,
		delay:       o.reconnectDelay,
		sendLimiter: newBandwidthLimiter(o.throttleBytesPerSec),
		recvLimiter: newBandwidthLimiter(o.throttleBytesPerSec),
	}, nil
}

// logf logs a message if a logger is set
func (c *Connector) logf(format string, args ...interface{}) {
	if c.opts.logger != nil {
		c.opts.logger.Printf(format, args...)
	}
}

// Address returns the server address
func (c *Connector) Address() string {
	return c.addr
}

// State returns the current connection state
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected returns whether the connection is active
func (c *Connector) IsConnected() bool {
	return c.State() == StateConnected
}

// PendingReconnect reports whether a reconnect attempt is scheduled
func (c *Connector) PendingReconnect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil
}

// BytesSent returns the total bytes sent
func (c *Connector) BytesSent() uint64 {
	return c.bytesSent.Load()
}

// BytesReceived returns the total bytes received
func (c *Connector) BytesReceived() uint64 {
	return c.bytesReceived.Load()
}

// Connect dials the server. It cancels any pending reconnect and lifts the
// suppression left by a manual Disconnect.
func (c *Connector) Connect(ctx context.Context) error {
	return c.connect(ctx, false)
}

func (c *Connector) connect(ctx context.Context, auto bool) error {
	c.mu.Lock()
	if auto {
		if c.suppress {
			c.mu.Unlock()
			return ErrConnectAborted
		}
	} else {
		c.stopTimerLocked()
		c.suppress = false
	}
	// Disconnecting and Error only occur while finish tears a link down;
	// finish would overwrite a Connecting state set now
	if c.state != StateDisconnected || c.link != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = StateConnecting
	c.mu.Unlock()
	c.emitState(StateConnecting)

	c.logf("Connecting to %s...", c.addr)

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultDialTimeout)
		defer cancel()
	}

	conn, err := c.opts.dial(ctx)
	if err != nil {
		c.logf("Connection failed: %v", err)
		c.mu.Lock()
		aborted := c.state != StateConnecting
		c.state = StateDisconnected
		c.mu.Unlock()
		if !aborted {
			c.emitState(StateDisconnected)
		}
		return fmt.Errorf("failed to connect to %s: %w", c.addr, err)
	}

	lctx, cancel := context.WithCancel(context.Background())
	l := &link{
		conn:    conn,
		decoder: protocol.NewDecoder(c.opts.maxBufferSize),
		ctx:     lctx,
		cancel:  cancel,
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		// Disconnect ran while dialing
		c.mu.Unlock()
		cancel()
		conn.Close()
		return ErrConnectAborted
	}
	c.link = l
	c.state = StateConnected
	c.delay = c.opts.reconnectDelay
	c.attempt = 0
	c.mu.Unlock()

	c.logf("Connected successfully to %s", c.addr)
	c.emitState(StateConnected)
	c.emitConnect()

	go c.readLoop(l)
	return nil
}

// Disconnect closes the connection, cancels any pending reconnect and
// suppresses automatic reconnects until the next Connect. Safe to call in
// any state.
func (c *Connector) Disconnect() {
	c.mu.Lock()
	c.stopTimerLocked()
	c.suppress = true
	l := c.link
	prev := c.state

	switch {
	case l != nil:
		c.state = StateDisconnecting
	case prev == StateConnecting:
		// Connect notices the state change once its dial returns
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	if l == nil {
		if prev == StateConnecting {
			c.emitState(StateDisconnected)
		}
		return
	}

	c.logf("Disconnecting from %s", c.addr)
	c.emitState(StateDisconnecting)
	c.finish(l, nil)
}

// Send writes msg followed by a newline. It returns false when not
// connected or when the write fails.
func (c *Connector) Send(msg protocol.Message) bool {
	return c.SendMessage(msg) == nil
}

// SendMessage is Send with the failure reason: ErrNotConnected, an encoding
// error or the write error
func (c *Connector) SendMessage(msg protocol.Message) error {
	data, err := protocol.EncodeMessage(msg)
	if err != nil {
		return err
	}
	if err := c.WriteRaw(data); err != nil {
		return err
	}
	c.logf("→ SEND: %s/%s (%d bytes)", msg.Framework, msg.Command, len(data))
	return nil
}

// WriteRaw writes data to the transport unchanged. Callers are responsible
// for framing.
func (c *Connector) WriteRaw(data []byte) error {
	c.mu.Lock()
	l := c.link
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || l == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	writer := &meteredWriter{ctx: l.ctx, w: l.conn, limiter: c.sendLimiter, total: &c.bytesSent}
	if _, err := writer.Write(data); err != nil {
		c.logf("Write error: %v", err)
		err = fmt.Errorf("write error: %w", err)
		// Not inline: disconnect handlers may call Send while writeMu is held
		go c.finish(l, err)
		return err
	}
	return nil
}

// readLoop reads and dispatches frames until the transport fails
func (c *Connector) readLoop(l *link) {
	reader := &meteredReader{ctx: l.ctx, r: l.conn, limiter: c.recvLimiter, total: &c.bytesReceived}

	buf := make([]byte, readBufferSize)
	var lost error
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			frames, dropped, ferr := l.decoder.Feed(buf[:n])
			if dropped > 0 {
				c.logf("Dropped %d invalid frame(s)", dropped)
			}
			for _, f := range frames {
				if c.State() != StateConnected {
					break
				}
				c.logf("← RECV: %s/%s (%d bytes)", f.Message.Framework, f.Message.Command, len(f.Raw))
				c.emitMessage(f.Message)
			}
			if ferr != nil {
				lost = fmt.Errorf("frame buffer: %w", ferr)
				break
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.logf("Connection closed by server (EOF)")
			} else if !errors.Is(err, net.ErrClosed) && l.ctx.Err() == nil {
				c.logf("Read error: %v", err)
				lost = fmt.Errorf("read error: %w", err)
			}
			break
		}
	}

	c.finish(l, lost)
}

// finish tears l down exactly once: Error (if err is set) then Disconnected,
// the disconnect callbacks, and an automatic reconnect unless suppressed.
func (c *Connector) finish(l *link, err error) {
	l.once.Do(func() {
		l.cancel()
		l.conn.Close()

		c.mu.Lock()
		if c.link != l {
			c.mu.Unlock()
			return
		}
		c.link = nil
		manual := c.suppress
		if err != nil && !manual {
			c.state = StateError
		}
		c.mu.Unlock()

		if err != nil && !manual {
			c.emitState(StateError)
			c.emitError(err)
		}

		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()

		c.logf("Disconnected from %s", c.addr)
		c.emitState(StateDisconnected)
		c.emitDisconnect()

		if !manual && c.opts.autoReconnect {
			c.scheduleReconnect()
		}
	})
}

// scheduleReconnect arms the reconnect timer. It reports false when a
// reconnect is already pending or reconnects are suppressed.
func (c *Connector) scheduleReconnect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.suppress || c.timer != nil {
		return false
	}
	delay := c.delay
	c.logf("Reconnecting to %s in %v", c.addr, delay)
	c.timer = time.AfterFunc(delay, c.reconnect)
	return true
}

func (c *Connector) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// reconnect runs on the timer goroutine
func (c *Connector) reconnect() {
	c.mu.Lock()
	c.timer = nil
	if c.suppress || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.attempt++
	attempt := c.attempt
	c.mu.Unlock()

	c.logf("Reconnect attempt %d to %s", attempt, c.addr)

	err := c.connect(context.Background(), true)
	if err == nil {
		c.logf("Reconnected successfully after %d attempts", attempt)
		return
	}
	if errors.Is(err, ErrAlreadyConnected) || errors.Is(err, ErrConnectAborted) {
		return
	}

	c.logf("Reconnect attempt %d failed: %v", attempt, err)
	c.emitError(err)

	// Exponential backoff
	c.mu.Lock()
	if limit := c.opts.maxReconnectDelay; limit > 0 {
		c.delay *= 2
		if c.delay > limit {
			c.delay = limit
		}
	}
	c.mu.Unlock()

	c.scheduleReconnect()
}
