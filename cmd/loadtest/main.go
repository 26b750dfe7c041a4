package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nekomiya-kasane/metasock/pkg/client"
	"github.com/nekomiya-kasane/metasock/pkg/protocol"
	"github.com/nekomiya-kasane/metasock/pkg/server"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

var loremWords = strings.Fields(loremIpsum)

// Commands the bots cycle through
var botCommands = []string{
	protocol.CmdMetaClassCreate,
	protocol.CmdMetaClassSetParent,
	protocol.CmdMetaClassAddInterface,
	protocol.CmdQueryStart,
	protocol.CmdQueryEnd,
}

// Stats tracks performance metrics
type Stats struct {
	messagesSent      atomic.Int64
	messagesFailed    atomic.Int64
	replies           atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64
	disconnections    atomic.Int64
	timeouts          atomic.Int64
}

func (s *Stats) recordReply(responseTimeUs int64) {
	s.replies.Add(1)
	s.totalResponseTime.Add(responseTimeUs)
}

func (s *Stats) snapshot() (sent, failed, replies, connErrors int64, avgResponseUs float64) {
	sent = s.messagesSent.Load()
	failed = s.messagesFailed.Load()
	replies = s.replies.Load()
	connErrors = s.connectionErrors.Load()

	if replies > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(replies)
	}

	return
}

// BotClient drives one connection against the server
type BotClient struct {
	id          int
	conn        *client.Connector
	stats       *Stats
	expectReply bool

	seq       atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]time.Time
}

func NewBotClient(id int, serverAddr string, stats *Stats, expectReply bool, throttle int) (*BotClient, error) {
	conn, err := client.NewConnector(serverAddr,
		client.WithAutoReconnect(false),
		client.WithThrottle(throttle),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connector: %w", err)
	}

	bc := &BotClient{
		id:          id,
		conn:        conn,
		stats:       stats,
		expectReply: expectReply,
		pending:     make(map[int64]time.Time),
	}
	conn.OnMessage(bc.handleReply)
	conn.OnDisconnect(func() { stats.disconnections.Add(1) })
	return bc, nil
}

func (bc *BotClient) Connect() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := bc.conn.Connect(ctx); err != nil {
		bc.stats.connectionErrors.Add(1)
		return err
	}
	return nil
}

func (bc *BotClient) handleReply(msg protocol.Message) {
	seq, ok := msg.Payload["seq"].(float64)
	if !ok {
		return
	}

	bc.pendingMu.Lock()
	start, found := bc.pending[int64(seq)]
	delete(bc.pending, int64(seq))
	bc.pendingMu.Unlock()

	if found {
		bc.stats.recordReply(time.Since(start).Microseconds())
	}
}

// expire drops pending requests older than timeout and counts them
func (bc *BotClient) expire(timeout time.Duration) {
	bc.pendingMu.Lock()
	defer bc.pendingMu.Unlock()
	for seq, start := range bc.pending {
		if time.Since(start) > timeout {
			delete(bc.pending, seq)
			bc.stats.timeouts.Add(1)
		}
	}
}

func (bc *BotClient) SendRandomMessage() bool {
	// Generate random content (5-20 words)
	wordCount := 5 + rand.Intn(16)
	words := make([]string, 0, wordCount)
	for i := 0; i < wordCount; i++ {
		words = append(words, loremWords[rand.Intn(len(loremWords))])
	}

	seq := bc.seq.Add(1)
	msg := protocol.NewMessage("loadtest", botCommands[rand.Intn(len(botCommands))], map[string]any{
		"bot":  bc.id,
		"seq":  seq,
		"text": strings.Join(words, " "),
	})

	if bc.expectReply {
		bc.pendingMu.Lock()
		bc.pending[seq] = time.Now()
		bc.pendingMu.Unlock()
	}

	if !bc.conn.Send(msg) {
		bc.stats.messagesFailed.Add(1)
		bc.pendingMu.Lock()
		delete(bc.pending, seq)
		bc.pendingMu.Unlock()
		return false
	}
	bc.stats.messagesSent.Add(1)
	return true
}

func (bc *BotClient) Run(ctx context.Context, duration time.Duration, minDelay, maxDelay time.Duration, shutdownDelay time.Duration) {
	defer bc.conn.Disconnect()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Bot %d] PANIC: %v", bc.id, r)
		}
	}()

	endTime := time.Now().Add(duration)
	spread := int64(maxDelay - minDelay)

	for time.Now().Before(endTime) && ctx.Err() == nil {
		if !bc.SendRandomMessage() && !bc.conn.IsConnected() {
			// Dropped by the server, including capacity rejection
			return
		}
		bc.expire(10 * time.Second)

		delay := minDelay
		if spread > 0 {
			delay += time.Duration(rand.Int63n(spread))
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
	}

	// Stagger shutdown to avoid thundering herd on disconnect
	if shutdownDelay > 0 && ctx.Err() == nil {
		time.Sleep(shutdownDelay)
	}

	// Give in-flight replies a moment to arrive
	if bc.expectReply {
		time.Sleep(100 * time.Millisecond)
	}
}

// startLocalServer runs an in-process registry that acknowledges every
// message back to its sender
func startLocalServer(maxConns int) (*server.Registry, string, error) {
	server.SetLogOutput(io.Discard)

	reg := server.NewRegistry(server.RegistryConfig{})
	reg.OnMessage(func(m protocol.Message, s server.Session) error {
		reg.Send("loadtest", s.ID, protocol.NewMessage(m.Framework, m.Command+":ack", m.Payload))
		return nil
	})
	opts := []server.ServerOption{server.WithHost("127.0.0.1")}
	if maxConns > 0 {
		opts = append(opts, server.WithMaxConnections(maxConns))
	}
	if err := reg.CreateServer("loadtest", 0, opts...); err != nil {
		return nil, "", err
	}
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(reg.Status("loadtest").Port))
	return reg, addr, nil
}

func main() {
	// Command-line flags
	serverAddr := flag.String("server", "localhost:7301", "Server address (host:port or ws:// URL)")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between messages")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between messages")
	throttle := flag.Int("throttle", 0, "Per-client bandwidth limit in bytes/sec in each direction (0 = unlimited)")
	expectReply := flag.Bool("expect-reply", false, "Measure response time from replies echoing the seq payload field")
	local := flag.Bool("local", false, "Start an in-process acknowledging server instead of dialing -server")
	localMax := flag.Int("local-max-connections", 0, "Connection limit of the in-process server (0 = default)")
	flag.Parse()

	if *local {
		reg, addr, err := startLocalServer(*localMax)
		if err != nil {
			log.Fatalf("Failed to start local server: %v", err)
		}
		defer reg.Cleanup()
		*serverAddr = addr
		*expectReply = true
	}

	// Calculate stagger delay: ramp up over 25% of test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numClients)
	if staggerDelay < 1*time.Millisecond {
		staggerDelay = 1 * time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", *serverAddr)
	log.Printf("  Clients: %d", *numClients)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)
	if *throttle > 0 {
		log.Printf("  Throttle: %d bytes/sec per client", *throttle)
	}
	log.Printf("")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			log.Printf("Shutdown signal received, stopping test...")
			cancel()
		case <-ctx.Done():
		}
	}()

	stats := &Stats{}
	var wg sync.WaitGroup
	var bytesSent, bytesReceived atomic.Uint64
	startTime := time.Now()

	// Start stats reporter
	stopStats := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				sent, failed, replies, connErrors, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				log.Printf("Stats: %d sent (%.1f/s), %d replies, %d failed, %d conn errors, avg %.2fms",
					sent, float64(sent)/elapsed, replies, failed, connErrors, avgUs/1000.0)
			case <-stopStats:
				return
			}
		}
	}()

	// Spawn clients
spawn:
	for i := 0; i < *numClients; i++ {
		wg.Add(1)

		// Reverse order for ramp-down
		shutdownDelay := staggerDelay * time.Duration(*numClients-i-1)

		go func(id int, shutdownDelay time.Duration) {
			defer wg.Done()

			bot, err := NewBotClient(id, *serverAddr, stats, *expectReply, *throttle)
			if err != nil {
				stats.connectionErrors.Add(1)
				return
			}
			if err := bot.Connect(); err != nil {
				return
			}

			// Only log every 100th client during ramp-up
			if id%100 == 0 {
				log.Printf("[Bot %d] Connected", id)
			}

			bot.Run(ctx, *duration, *minDelay, *maxDelay, shutdownDelay)
			bytesSent.Add(bot.conn.BytesSent())
			bytesReceived.Add(bot.conn.BytesReceived())
		}(i, shutdownDelay)

		// Stagger client connections based on calculated delay
		select {
		case <-time.After(staggerDelay):
		case <-ctx.Done():
			break spawn
		}
	}

	// Wait for all clients to finish
	wg.Wait()
	close(stopStats)

	// Final stats
	sent, failed, replies, connErrors, avgUs := stats.snapshot()
	totalDuration := time.Since(startTime)

	log.Printf("=== Final Results ===")
	log.Printf("Duration: %v", totalDuration.Round(time.Millisecond))
	log.Printf("Messages sent: %d (%.1f/s)", sent, float64(sent)/totalDuration.Seconds())
	log.Printf("Messages failed: %d", failed)
	log.Printf("Connection errors: %d", connErrors)
	log.Printf("Disconnections: %d", stats.disconnections.Load())
	log.Printf("Bytes: %d sent, %d received", bytesSent.Load(), bytesReceived.Load())
	if *expectReply {
		log.Printf("Replies: %d (%d timed out)", replies, stats.timeouts.Load())
		log.Printf("Average response time: %.2fms", avgUs/1000.0)
	}

	if sent+failed > 0 {
		successRate := float64(sent) / float64(sent+failed) * 100
		log.Printf("Success rate: %.1f%%", successRate)
	}
}
