package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

// Package-level logger
var logger *slog.Logger

// initLogger initializes the structured logger based on the log level
func initLogger(logLevel string) {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	logger = slog.New(handler)
}

// RelayNode is the main server structure
type RelayNode struct {
	NodeID    string
	startedAt int64

	cfg         *Config
	registry    *ResolverRegistry
	coordinator *Coordinator
	store       *Store
	dispatcher  *IntentDispatcher
	monitors    []*MonitorRunner
	rateLimiter *IPRateLimiter

	httpServer *http.Server

	// In-process event sources, one per chain. External monitor
	// processes post to /api/events instead.
	ethereumSource *ReplaySource
	stellarSource  *ReplaySource
}

// NewRelayNode wires the engine components together
func NewRelayNode(cfg *Config) (*RelayNode, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("failed to generate node id: %v", err)
	}
	nodeID := fmt.Sprintf("%x", sha256.Sum256(seed))[:16]

	var store *Store
	if cfg.DatabaseDSN != "" {
		var err error
		store, err = NewStore(cfg.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %v", err)
		}
	}

	dispatcher := NewIntentDispatcher(cfg.SubmitterURL)
	registry := NewResolverRegistry(cfg)
	coordinator := NewCoordinator(cfg, registry, store, dispatcher.Dispatch)

	node := &RelayNode{
		NodeID:         nodeID,
		startedAt:      time.Now().Unix(),
		cfg:            cfg,
		registry:       registry,
		coordinator:    coordinator,
		store:          store,
		dispatcher:     dispatcher,
		rateLimiter:    NewIPRateLimiter(cfg.RateLimitPerMin),
		ethereumSource: NewReplaySource(ChainEthereum),
		stellarSource:  NewReplaySource(ChainStellar),
	}

	for _, src := range []*ReplaySource{node.ethereumSource, node.stellarSource} {
		node.monitors = append(node.monitors, NewMonitorRunner(src, coordinator.Ingest, time.Second))
	}

	if logger != nil {
		logger.Info("Initialized relay node", "nodeId", nodeID)
	}
	return node, nil
}

// Start launches the background loops. The HTTP server is started
// separately so tests can drive the router directly.
func (node *RelayNode) Start() {
	node.dispatcher.Start()
	node.coordinator.Start()
	for _, mr := range node.monitors {
		mr.Start()
	}
}

// Shutdown stops background loops and drains the HTTP server
func (node *RelayNode) Shutdown(ctx context.Context) error {
	var httpErr error
	if node.httpServer != nil {
		httpErr = node.httpServer.Shutdown(ctx)
	}
	for _, mr := range node.monitors {
		mr.Stop()
	}
	node.coordinator.Stop()
	node.dispatcher.Stop()
	if node.store != nil {
		node.store.Stop()
	}
	return httpErr
}

func main() {
	// Load configuration
	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	initLogger(cfg.LogLevel)

	// Initialize node
	relayNode, err := NewRelayNode(cfg)
	if err != nil {
		logger.Error("Failed to initialize relay node", "error", err)
		os.Exit(1)
	}

	relayNode.Start()

	// Start HTTP server
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- relayNode.StartServer(cfg.Port)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("Shutting down", "signal", sig.String())
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := relayNode.Shutdown(ctx); err != nil {
		logger.Error("Shutdown did not complete cleanly", "error", err)
	}
}
