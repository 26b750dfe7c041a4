package client

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nekomiya-kasane/metasock/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 3 * time.Second

// pipeDialer hands out in-memory connections and keeps the server ends
type pipeDialer struct {
	mu    sync.Mutex
	dials int
	peers []net.Conn
	fail  bool
}

func (d *pipeDialer) dial(ctx context.Context) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	if d.fail {
		return nil, errors.New("connection refused")
	}
	local, peer := net.Pipe()
	d.peers = append(d.peers, peer)
	return local, nil
}

func (d *pipeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *pipeDialer) peer(i int) net.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peers[i]
}

func (d *pipeDialer) setFail(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = fail
}

func (d *pipeDialer) closeAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.peers {
		p.Close()
	}
}

func newPipeConnector(t *testing.T, opts ...Option) (*Connector, *pipeDialer) {
	t.Helper()
	d := &pipeDialer{}
	opts = append([]Option{WithDialer(d.dial)}, opts...)
	c, err := NewConnector("pipe", opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Disconnect()
		d.closeAll()
	})
	return c, d
}

func waitForState(t *testing.T, c *Connector, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want },
		waitTimeout, 5*time.Millisecond, "expected state %s, have %s", want, c.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "disconnecting", StateDisconnecting.String())
	assert.Equal(t, "error", StateError.String())
	assert.Equal(t, "State(9)", State(9).String())
}

func TestParseServerAddress(t *testing.T) {
	cases := []struct {
		in      string
		display string
		wantErr string
	}{
		{in: "example.com:1234", display: "example.com:1234"},
		{in: "example.com", display: "example.com:7301"},
		{in: "tcp://example.com:9", display: "example.com:9"},
		{in: "[::1]", display: "[::1]:7301"},
		{in: "ws://localhost:7300/ws/graph", display: "ws://localhost:7300/ws/graph"},
		{in: "wss://example.com/ws/graph", display: "wss://example.com/ws/graph"},
		{in: "udp://example.com", wantErr: "unsupported"},
		{in: "   ", wantErr: "empty"},
		{in: "ws:///nohost", wantErr: "missing host"},
	}

	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			cfg, err := parseServerAddress(tc.in)
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.display, cfg.display)
			assert.NotNil(t, cfg.dial)
		})
	}
}

func TestNewConnectorDefaults(t *testing.T) {
	c, err := NewConnector("localhost")
	require.NoError(t, err)
	assert.Equal(t, "localhost:7301", c.Address())
	assert.Equal(t, StateDisconnected, c.State())
	assert.True(t, c.opts.autoReconnect)
	assert.Equal(t, 5000*time.Millisecond, c.opts.reconnectDelay)
	assert.False(t, c.PendingReconnect())

	_, err = NewConnector("")
	assert.Error(t, err)
}

func TestConnectSendAndReceive(t *testing.T) {
	c, d := newPipeConnector(t)

	var mu sync.Mutex
	var got []string
	c.OnMessage(func(m protocol.Message) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, m.Command)
	})

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.IsConnected())
	assert.ErrorIs(t, c.Connect(context.Background()), ErrAlreadyConnected)

	// Server pushes a split frame, garbage, and a batched pair
	peer := d.peer(0)
	go func() {
		peer.Write([]byte(`{"framework":"System","command":"a","pay`))
		peer.Write([]byte(`load":{}}{broken}` + "\n"))
		peer.Write([]byte(`{"framework":"System","command":"b","payload":{}}{"framework":"System","command":"c","payload":{"s":"}"}}`))
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, waitTimeout, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"a", "b", "c"}, got)
	mu.Unlock()

	// Client sends a newline-terminated frame
	done := make(chan []byte)
	go func() {
		buf := make([]byte, 256)
		n, _ := peer.Read(buf)
		done <- buf[:n]
	}()
	require.True(t, c.Send(protocol.NewMessage("System", "reply", map[string]any{"ok": true})))
	data := <-done
	assert.True(t, strings.HasSuffix(string(data), "}\n"))
	res := protocol.ExtractMessages(data)
	require.Len(t, res.Frames, 1)
	assert.Equal(t, "reply", res.Frames[0].Message.Command)

	assert.Equal(t, uint64(len(data)), c.BytesSent())
	assert.Greater(t, c.BytesReceived(), uint64(0))
}

func TestSendWhenNotConnected(t *testing.T) {
	c, _ := newPipeConnector(t)
	assert.False(t, c.Send(protocol.NewMessage("System", "x", nil)))
	assert.ErrorIs(t, c.SendMessage(protocol.NewMessage("System", "x", nil)), ErrNotConnected)
	assert.ErrorIs(t, c.WriteRaw([]byte("{}")), ErrNotConnected)
}

func TestManualDisconnectSuppressesReconnect(t *testing.T) {
	c, d := newPipeConnector(t, WithReconnectDelay(20*time.Millisecond))

	var states []State
	var mu sync.Mutex
	c.OnStateChange(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	})
	disconnects := 0
	c.OnDisconnect(func() { disconnects++ })

	require.NoError(t, c.Connect(context.Background()))
	c.Disconnect()

	assert.Equal(t, StateDisconnected, c.State())
	assert.False(t, c.PendingReconnect())
	assert.False(t, c.Send(protocol.NewMessage("System", "x", nil)))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, d.count(), "no reconnect after a manual disconnect")
	assert.Equal(t, 1, disconnects)

	mu.Lock()
	assert.Equal(t, []State{StateConnecting, StateConnected, StateDisconnecting, StateDisconnected}, states)
	mu.Unlock()

	// Disconnect is idempotent
	c.Disconnect()
	assert.Equal(t, 1, disconnects)
}

func TestAutoReconnectAfterConnectionLoss(t *testing.T) {
	c, d := newPipeConnector(t, WithReconnectDelay(20*time.Millisecond))

	connects := make(chan struct{}, 4)
	c.OnConnect(func() { connects <- struct{}{} })

	require.NoError(t, c.Connect(context.Background()))
	<-connects

	d.peer(0).Close()

	select {
	case <-connects:
	case <-time.After(waitTimeout):
		t.Fatal("did not reconnect")
	}
	assert.Equal(t, 2, d.count())
	waitForState(t, c, StateConnected)
	assert.False(t, c.PendingReconnect())
}

func TestReconnectSingleFlight(t *testing.T) {
	c, d := newPipeConnector(t, WithReconnectDelay(150*time.Millisecond))
	require.NoError(t, c.Connect(context.Background()))

	d.peer(0).Close()
	waitForState(t, c, StateDisconnected)
	require.True(t, c.PendingReconnect())

	// Further disconnection events while a timer is pending schedule nothing
	var wg sync.WaitGroup
	scheduled := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			scheduled <- c.scheduleReconnect()
		}()
	}
	wg.Wait()
	close(scheduled)
	for s := range scheduled {
		assert.False(t, s)
	}

	waitForState(t, c, StateConnected)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 2, d.count(), "exactly one reconnect attempt")
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	c, d := newPipeConnector(t, WithReconnectDelay(50*time.Millisecond))
	require.NoError(t, c.Connect(context.Background()))

	d.peer(0).Close()
	require.Eventually(t, c.PendingReconnect, waitTimeout, 5*time.Millisecond)

	c.Disconnect()
	assert.False(t, c.PendingReconnect())

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, d.count())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnectCancelsPendingReconnect(t *testing.T) {
	c, d := newPipeConnector(t, WithReconnectDelay(time.Hour))
	require.NoError(t, c.Connect(context.Background()))

	d.peer(0).Close()
	require.Eventually(t, c.PendingReconnect, waitTimeout, 5*time.Millisecond)

	require.NoError(t, c.Connect(context.Background()))
	assert.False(t, c.PendingReconnect())
	assert.True(t, c.IsConnected())
	assert.Equal(t, 2, d.count())
}

func TestConnectAfterManualDisconnectReenablesReconnect(t *testing.T) {
	c, d := newPipeConnector(t, WithReconnectDelay(20*time.Millisecond))
	require.NoError(t, c.Connect(context.Background()))
	c.Disconnect()

	require.NoError(t, c.Connect(context.Background()))
	d.peer(1).Close()

	require.Eventually(t, func() bool { return d.count() == 3 }, waitTimeout, 5*time.Millisecond)
	waitForState(t, c, StateConnected)
}

func TestNoReconnectWhenDisabled(t *testing.T) {
	c, d := newPipeConnector(t, WithAutoReconnect(false), WithReconnectDelay(10*time.Millisecond))
	require.NoError(t, c.Connect(context.Background()))

	d.peer(0).Close()
	waitForState(t, c, StateDisconnected)
	assert.False(t, c.PendingReconnect())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.count())
}

func TestReconnectBackoff(t *testing.T) {
	c, d := newPipeConnector(t,
		WithReconnectDelay(10*time.Millisecond),
		WithMaxReconnectDelay(40*time.Millisecond))

	var errMu sync.Mutex
	var errs []error
	c.OnError(func(err error) {
		errMu.Lock()
		defer errMu.Unlock()
		errs = append(errs, err)
	})

	require.NoError(t, c.Connect(context.Background()))
	d.setFail(true)
	d.peer(0).Close()

	require.Eventually(t, func() bool { return d.count() >= 5 }, waitTimeout, 5*time.Millisecond)

	c.mu.Lock()
	delay := c.delay
	c.mu.Unlock()
	assert.Equal(t, 40*time.Millisecond, delay, "backoff is capped")

	errMu.Lock()
	assert.NotEmpty(t, errs)
	assert.Contains(t, errs[0].Error(), "connection refused")
	errMu.Unlock()

	// A successful reconnect resets the delay
	d.setFail(false)
	waitForState(t, c, StateConnected)
	c.mu.Lock()
	assert.Equal(t, 10*time.Millisecond, c.delay)
	c.mu.Unlock()
}

func TestConstantDelayWithoutMax(t *testing.T) {
	c, d := newPipeConnector(t, WithReconnectDelay(10*time.Millisecond))
	require.NoError(t, c.Connect(context.Background()))
	d.setFail(true)
	d.peer(0).Close()

	require.Eventually(t, func() bool { return d.count() >= 4 }, waitTimeout, 5*time.Millisecond)
	c.mu.Lock()
	assert.Equal(t, 10*time.Millisecond, c.delay)
	c.mu.Unlock()
}

func TestConnectFailure(t *testing.T) {
	c, d := newPipeConnector(t)
	d.setFail(true)

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, StateDisconnected, c.State())
	assert.False(t, c.PendingReconnect(), "a failed manual connect does not schedule reconnects")
}

// errConn fails reads with a non-EOF error once the peer closes
type errConn struct {
	net.Conn
}

func (e errConn) Read(b []byte) (int, error) {
	n, err := e.Conn.Read(b)
	if errors.Is(err, io.EOF) {
		return n, errors.New("connection reset by peer")
	}
	return n, err
}

func TestReadErrorGoesThroughErrorState(t *testing.T) {
	local, peer := net.Pipe()
	defer peer.Close()
	c, err := NewConnector("pipe",
		WithAutoReconnect(false),
		WithDialer(func(ctx context.Context) (net.Conn, error) { return errConn{local}, nil }))
	require.NoError(t, err)

	var mu sync.Mutex
	var states []State
	c.OnStateChange(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	})
	errCh := make(chan error, 1)
	c.OnError(func(err error) { errCh <- err })

	require.NoError(t, c.Connect(context.Background()))
	peer.Close()

	select {
	case err := <-errCh:
		assert.Contains(t, err.Error(), "read error")
	case <-time.After(waitTimeout):
		t.Fatal("no error reported")
	}
	waitForState(t, c, StateDisconnected)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateConnecting, StateConnected, StateError, StateDisconnected}, states)
}

func TestBufferOverflowDisconnects(t *testing.T) {
	c, d := newPipeConnector(t, WithAutoReconnect(false), WithMaxBufferSize(32))
	errCh := make(chan error, 1)
	c.OnError(func(err error) { errCh <- err })
	require.NoError(t, c.Connect(context.Background()))

	go d.peer(0).Write([]byte(`{"framework":"System","command":"` + strings.Repeat("x", 64)))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, protocol.ErrBufferOverflow)
	case <-time.After(waitTimeout):
		t.Fatal("overflow not reported")
	}
	waitForState(t, c, StateDisconnected)
}

func TestUnsubscribe(t *testing.T) {
	c, d := newPipeConnector(t, WithAutoReconnect(false))
	count := 0
	unsub := c.OnConnect(func() { count++ })
	c.OnConnect(func() { panic("handler bug") })

	require.NoError(t, c.Connect(context.Background()))
	unsub()
	c.Disconnect()
	require.NoError(t, c.Connect(context.Background()))

	assert.Equal(t, 1, count)
	assert.Equal(t, 2, d.count())
}

func TestMeteredWriterChunksToBurst(t *testing.T) {
	var sink recordingWriter
	var total atomic.Uint64
	w := &meteredWriter{ctx: context.Background(), w: &sink, limiter: newBandwidthLimiter(1000), total: &total}

	start := time.Now()
	n, err := w.Write([]byte(strings.Repeat("a", 250)))
	require.NoError(t, err)
	assert.Equal(t, 250, n)
	assert.Equal(t, []int{100, 100, 50}, sink.writes)
	assert.Equal(t, uint64(250), total.Load())
	// The first 100 bytes come from the full bucket
	assert.GreaterOrEqual(t, time.Since(start), 140*time.Millisecond)

	assert.Nil(t, newBandwidthLimiter(0))
	assert.Equal(t, 1, newBandwidthLimiter(5).Burst())
}

type recordingWriter struct {
	writes []int
}

func (r *recordingWriter) Write(p []byte) (int, error) {
	r.writes = append(r.writes, len(p))
	return len(p), nil
}

func TestThrottlePacesSmallMessages(t *testing.T) {
	const bytesPerSec = 1000
	c, d := newPipeConnector(t, WithAutoReconnect(false), WithThrottle(bytesPerSec))
	require.NoError(t, c.Connect(context.Background()))
	go io.Copy(io.Discard, d.peer(0))

	msg := protocol.NewMessage("System", "ping", map[string]any{"seq": 1})
	start := time.Now()
	for i := 0; i < 20; i++ {
		require.True(t, c.Send(msg))
	}
	elapsed := time.Since(start)

	sent := c.BytesSent()
	burst := uint64(bytesPerSec / 10)
	require.Greater(t, sent, burst)
	want := time.Duration(sent-burst) * time.Second / bytesPerSec
	assert.GreaterOrEqual(t, elapsed, want-50*time.Millisecond,
		"sent %d bytes at %d B/s in %v", sent, bytesPerSec, elapsed)
}

func TestThrottledReadsArePaced(t *testing.T) {
	const bytesPerSec = 1000
	c, d := newPipeConnector(t, WithAutoReconnect(false), WithThrottle(bytesPerSec))
	received := make(chan string, 16)
	c.OnMessage(func(m protocol.Message) { received <- m.Command })
	require.NoError(t, c.Connect(context.Background()))

	frame := `{"framework":"System","command":"tick","payload":{"pad":"` + strings.Repeat("x", 200) + `"}}`
	start := time.Now()
	go func() {
		for i := 0; i < 2; i++ {
			d.peer(0).Write([]byte(frame))
		}
	}()
	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(waitTimeout):
			t.Fatal("throttled frame not delivered")
		}
	}

	want := time.Duration(2*len(frame)-bytesPerSec/10) * time.Second / bytesPerSec
	assert.GreaterOrEqual(t, time.Since(start), want-50*time.Millisecond)
}

func TestDisconnectReleasesThrottledWrite(t *testing.T) {
	c, d := newPipeConnector(t, WithAutoReconnect(false), WithThrottle(10))
	require.NoError(t, c.Connect(context.Background()))
	go io.Copy(io.Discard, d.peer(0))

	result := make(chan bool, 1)
	go func() {
		result <- c.Send(protocol.NewMessage("System", "slow", map[string]any{"pad": strings.Repeat("x", 100)}))
	}()
	time.Sleep(50 * time.Millisecond)
	c.Disconnect()

	select {
	case ok := <-result:
		assert.False(t, ok)
	case <-time.After(waitTimeout):
		t.Fatal("write still waiting on the limiter after disconnect")
	}
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnectDuringTeardownIsRefused(t *testing.T) {
	local, peer := net.Pipe()
	defer peer.Close()
	dials := 0
	c, err := NewConnector("pipe",
		WithAutoReconnect(false),
		WithDialer(func(ctx context.Context) (net.Conn, error) {
			dials++
			if dials == 1 {
				return errConn{local}, nil
			}
			l, p := net.Pipe()
			t.Cleanup(func() { p.Close() })
			return l, nil
		}))
	require.NoError(t, err)
	t.Cleanup(c.Disconnect)

	teardown := make(chan error, 1)
	c.OnStateChange(func(s State) {
		if s == StateError {
			teardown <- c.Connect(context.Background())
		}
	})

	require.NoError(t, c.Connect(context.Background()))
	peer.Close()

	select {
	case err := <-teardown:
		assert.ErrorIs(t, err, ErrAlreadyConnected)
	case <-time.After(waitTimeout):
		t.Fatal("connection loss not observed")
	}
	waitForState(t, c, StateDisconnected)

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 2, dials)
}
