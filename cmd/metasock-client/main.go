package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/nekomiya-kasane/metasock/pkg/client"
)

func main() {
	// Command line flags
	server := flag.String("server", "localhost:7301", "Server address (host:port or ws://host:port/ws/name)")
	reconnectDelay := flag.Duration("reconnect-delay", client.DefaultReconnectDelay, "Delay before reconnecting after a lost connection")
	noReconnect := flag.Bool("no-reconnect", false, "Disable automatic reconnection")
	throttle := flag.Int("throttle", 0, "Limit bandwidth to N bytes/sec (0 = unlimited)")
	logPath := flag.String("log", "", "Write connection debug log to this file")
	flag.Parse()

	logger := log.New(io.Discard, "", 0)
	if *logPath != "" {
		f, err := os.OpenFile(*logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			log.Fatalf("Failed to open log file: %v", err)
		}
		defer f.Close()
		logger = log.New(f, "", log.LstdFlags|log.Lmicroseconds)
	}

	conn, err := client.NewConnector(*server,
		client.WithAutoReconnect(!*noReconnect),
		client.WithReconnectDelay(*reconnectDelay),
		client.WithMaxReconnectDelay(time.Minute),
		client.WithThrottle(*throttle),
		client.WithLogger(logger),
	)
	if err != nil {
		log.Fatalf("Invalid server address: %v", err)
	}
	events := bridgeEvents(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = conn.Connect(ctx)
	cancel()
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", *server, err)
	}
	defer conn.Disconnect()

	p := tea.NewProgram(NewModel(conn, events), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Printf("Error running program: %v\n", err)
		os.Exit(1)
	}
}
