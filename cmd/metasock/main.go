package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nekomiya-kasane/metasock/pkg/journal"
	"github.com/nekomiya-kasane/metasock/pkg/server"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	// Configure logger with microsecond precision
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	// Command line flags
	configPath := flag.String("config", "~/.metasock/config.toml", "Path to config file")
	adminAddr := flag.String("admin", "", "Admin HTTP listen address (overrides config)")
	journalPath := flag.String("journal", "", "Path to the SQLite event journal (overrides config, \"off\" disables)")
	recordPayloads := flag.Bool("record-payloads", false, "Store message payloads in the journal")
	debug := flag.Bool("debug", false, "Enable debug logging")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	// Handle --version flag
	if *version {
		fmt.Printf("metasock %s\n", Version)
		os.Exit(0)
	}

	// Load configuration (creates default if not found)
	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Environment (including ./.env) overrides the file
	if err := server.LoadEnvFile(".env"); err != nil {
		log.Fatalf("Failed to load environment: %v", err)
	}
	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		log.Fatalf("Invalid environment: %v", err)
	}

	// Command-line flags override config file and environment
	if *adminAddr != "" {
		config.Server.AdminAddr = *adminAddr
	}
	switch *journalPath {
	case "":
	case "off":
		config.Server.JournalPath = ""
	default:
		config.Server.JournalPath = *journalPath
	}
	if *debug || config.Server.Debug {
		server.EnableDebugLogging(os.Stderr)
		log.Printf("Debug logging enabled")
	}

	registry := server.NewRegistry(server.RegistryConfig{
		Defaults: config.ToServerConfig(),
		Metrics:  server.NewMetrics(prometheus.DefaultRegisterer),
	})

	// Optional event journal
	var j *journal.Journal
	finalJournalPath, err := config.GetJournalPath()
	if err != nil {
		log.Fatalf("Failed to resolve journal path: %v", err)
	}
	if finalJournalPath != "" {
		if err := os.MkdirAll(filepath.Dir(finalJournalPath), 0755); err != nil {
			log.Fatalf("Failed to create journal directory: %v", err)
		}
		j, err = journal.Open(finalJournalPath, 0)
		if err != nil {
			log.Fatalf("Failed to open journal: %v", err)
		}
		registry.Attach(server.NewJournalObserver(j, *recordPayloads))
		log.Printf("Journal: %s", finalJournalPath)
	}

	// Journal retention runs until shutdown
	retentionCtx, stopRetention := context.WithCancel(context.Background())
	retentionDone := make(chan struct{})
	if retention := config.GetJournalRetention(); j != nil && retention > 0 {
		go func() {
			defer close(retentionDone)
			j.RunRetention(retentionCtx, retention, time.Hour)
		}()
	} else {
		close(retentionDone)
	}

	// Start configured listeners
	for _, l := range config.Listeners {
		if err := registry.CreateServer(l.Name, l.Port, l.Options()...); err != nil {
			log.Fatalf("Failed to start listener %q: %v", l.Name, err)
		}
		st := registry.Status(l.Name)
		log.Printf("Listener %q on %s:%d (max %d connections)", st.Name, st.Host, st.Port, st.MaxConnections)
	}

	// Admin HTTP surface, including /metrics and /ws/{name}
	var adminServer *http.Server
	if config.Server.AdminAddr != "" {
		adminServer = &http.Server{
			Addr:              config.Server.AdminAddr,
			Handler:           server.NewAdminHandler(registry, j).Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("Admin HTTP on http://%s (WebSocket: ws://%s/ws/{name})", config.Server.AdminAddr, config.Server.AdminAddr)
			if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("Admin server error: %v", err)
			}
		}()
	}

	log.Printf("metasock %s started with %d listener(s)", Version, len(config.Listeners))

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down...")
	if adminServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := adminServer.Shutdown(ctx); err != nil {
			log.Printf("Error during admin shutdown: %v", err)
		}
		cancel()
	}
	registry.Cleanup()
	stopRetention()
	<-retentionDone
	if j != nil {
		if err := j.Close(); err != nil {
			log.Printf("Error closing journal: %v", err)
		}
	}
	log.Println("Server stopped")
}
