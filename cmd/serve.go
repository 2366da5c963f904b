package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AInTandem/agentbus/internal/broker"
	"github.com/AInTandem/agentbus/internal/bus"
	"github.com/AInTandem/agentbus/internal/config"
	"github.com/AInTandem/agentbus/internal/gateway"
	"github.com/AInTandem/agentbus/internal/health"
	"github.com/AInTandem/agentbus/internal/pubsub"
	"github.com/AInTandem/agentbus/internal/queue"
	"github.com/AInTandem/agentbus/internal/registry"
)

var (
	servePort     int
	serveAPIKey   string
	serveRedisURL string
	serveConfig   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the agent collaboration bus",
	Long: `Start the agentbus server with:
  - Reliable per-agent priority queues over Redis sorted sets
  - Pub/sub fan-out for live subscribers
  - WebSocket sessions with heartbeat reaping
  - HTTP API endpoints (/api/send, /api/broadcast, /api/messages, etc.)`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "HTTP API port (default from config)")
	serveCmd.Flags().StringVar(&serveAPIKey, "api-key", "", "API key for auth (or AGENTBUS_API_KEY env)")
	serveCmd.Flags().StringVar(&serveRedisURL, "redis", "", "Redis URL (or AGENTBUS_REDIS_URL env)")
	serveCmd.Flags().StringVarP(&serveConfig, "config", "c", "", "Config file path")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(serveConfig)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// --- Resolve settings: CLI flag → env var → config file ---

	port := cfg.Gateway.Port
	if servePort != 0 {
		port = servePort
	}

	apiKey := serveAPIKey
	if apiKey == "" {
		apiKey = os.Getenv("AGENTBUS_API_KEY")
	}
	if apiKey == "" {
		apiKey = cfg.Gateway.APIKey
	}

	redisURL := serveRedisURL
	if redisURL == "" {
		redisURL = os.Getenv("AGENTBUS_REDIS_URL")
	}
	if redisURL == "" {
		redisURL = cfg.Broker.URL
	}

	fmt.Println("🚀 Starting agentbus...")
	fmt.Printf("   Redis: %s\n", redisURL)
	fmt.Printf("   Port: %d\n", port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Broker connection — the single choke point for Redis traffic.
	conn, err := broker.Connect(ctx, broker.Config{
		URL:           redisURL,
		Password:      cfg.Broker.Password,
		DB:            cfg.Broker.DB,
		PoolSize:      cfg.Broker.PoolSize,
		MaxRetries:    cfg.Broker.MaxRetries,
		ProbeInterval: cfg.Broker.ProbeIntervalDuration(),
	})
	if err != nil {
		return fmt.Errorf("connecting broker: %w", err)
	}
	go conn.Watch(ctx)

	// 2. Core layers.
	fanout := pubsub.New(conn)
	store := queue.New(conn, queue.Config{
		PollInterval:      cfg.Queue.PollIntervalDuration(),
		ProcessingTimeout: cfg.Queue.ProcessingTimeoutDuration(),
		SweepInterval:     cfg.Queue.SweepIntervalDuration(),
		DeadLetterCap:     cfg.Queue.DeadLetterCap,
	})
	members := registry.New(conn, 0)
	router := bus.NewRouter(fanout, store, members)
	monitor := health.New(conn, store, health.Config{
		CheckInterval: cfg.Health.CheckIntervalDuration(),
		WindowSize:    cfg.Health.WindowSize,
		WarnLatency:   cfg.Health.WarnLatencyDuration(),
		CheckTimeout:  cfg.Health.CheckTimeoutDuration(),
	})
	// fatal broker replies (auth, config) flip health immediately
	conn.OnFatal(monitor.ReportFatal)

	go store.SweepLoop(ctx)
	go monitor.Run(ctx)

	// 3. Gateway.
	server := gateway.NewServer(gateway.ServerConfig{
		Host:              cfg.Gateway.Host,
		Port:              port,
		APIKey:            apiKey,
		HeartbeatInterval: cfg.Gateway.HeartbeatIntervalDuration(),
		IdleTimeout:       cfg.Gateway.IdleTimeoutDuration(),
	}, router, monitor, members)

	// Shutdown order: sessions close first, broker pool last, so no
	// write ever hits a closed pool.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[Main] Received %s, shutting down...", sig)
		cancel()
	}()

	err = server.Start(ctx)

	fanout.Close()
	conn.Close()
	log.Println("[Main] Bye 👋")
	return err
}
