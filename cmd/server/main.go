package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/aeolun/phonerelay/pkg/database"
	"github.com/aeolun/phonerelay/pkg/server"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	// Configure logger with microsecond precision
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	configPath := flag.String("config", "~/.phonerelay/config.toml", "Path to config file")
	port := flag.Int("port", 0, "TCP port to listen on (overrides config and $PORT)")
	metricsPort := flag.Int("metrics-port", 0, "Port for /metrics and /healthz (overrides config)")
	dbPath := flag.String("db", "", "Path to the SQLite connection ledger (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("phonerelay %s\n", Version)
		os.Exit(0)
	}

	// Load configuration (creates default if not found)
	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		log.Fatalf("Failed to read environment: %v", err)
	}

	// Command-line flags override config file and environment
	if *port != 0 {
		config.Server.Port = *port
	}
	if *metricsPort != 0 {
		config.Server.MetricsPort = *metricsPort
	}
	if *dbPath != "" {
		config.Server.DatabasePath = *dbPath
	}
	if err := config.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	serverConfig := config.ToServerConfig()
	srv := server.NewServer(serverConfig)

	if *debug {
		srv.EnableDebugLogging()
		log.Printf("Debug logging enabled")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	srv.SetMetrics(server.NewMetrics(reg))

	ledger, closeLedger := openLedger(&config)
	if ledger != nil {
		srv.SetLedger(ledger)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	log.Printf("phonerelay %s started on %s", Version, srv.Addr())
	if serverConfig.MetricsPort > 0 {
		log.Printf("Metrics: http://localhost:%d/metrics", serverConfig.MetricsPort)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down server...")
	if err := srv.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	closeLedger()
	log.Println("Server stopped")
}

// openLedger opens the connection ledger when a database path is configured.
// The returned func flushes and closes it.
func openLedger(config *server.TOMLConfig) (*database.WriteBuffer, func()) {
	path, err := config.GetDatabasePath()
	if err != nil {
		log.Fatalf("Failed to resolve database path: %v", err)
	}
	if path == "" {
		log.Printf("Connection ledger disabled (no database_path)")
		return nil, func() {}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	db, err := database.Open(path)
	if err != nil {
		log.Fatalf("Failed to open ledger: %v", err)
	}

	if n, err := db.CloseDanglingConnections("server_restart"); err != nil {
		log.Printf("Warning: failed to close dangling ledger rows: %v", err)
	} else if n > 0 {
		log.Printf("Closed %d ledger rows left open by a previous run", n)
	}

	log.Printf("Connection ledger: %s", path)
	wb := database.NewWriteBuffer(db, 100*time.Millisecond, 0)
	return wb, func() {
		wb.Close()
		if dropped := wb.Dropped(); dropped > 0 {
			log.Printf("Connection ledger dropped %d events", dropped)
		}
		if err := db.Close(); err != nil {
			log.Printf("Error closing ledger: %v", err)
		}
	}
}
