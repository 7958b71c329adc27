package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/whisper/lobby/internal/audit"
	"github.com/whisper/lobby/internal/config"
	"github.com/whisper/lobby/internal/lobby"
	"github.com/whisper/lobby/internal/messaging"
	"github.com/whisper/lobby/internal/metrics"
	"github.com/whisper/lobby/internal/relay"
	"github.com/whisper/lobby/internal/session"
	"github.com/whisper/lobby/internal/ws"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("lobby: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	serverConfig := ws.DefaultServerConfig()
	serverConfig.ListenAddr = cfg.ListenAddr()
	serverConfig.WorkerPoolSize = cfg.WorkerPoolSize
	serverConfig.MaxConnections = cfg.MaxConnections
	serverConfig.MaxMessageBytes = cfg.MaxMessageBytes
	serverConfig.ReadTimeout = cfg.ReadTimeout
	serverConfig.WriteTimeout = cfg.WriteTimeout
	serverConfig.SendQueueSize = cfg.SendQueueSize
	serverConfig.AllowedOrigins = cfg.Origins()
	serverConfig.Heartbeat = ws.HeartbeatConfig{
		Interval: cfg.HeartbeatInterval,
		Timeout:  cfg.HeartbeatTimeout,
	}

	log.Printf("Lobby chat relay starting")
	log.Printf("  listen_addr:     %s", serverConfig.ListenAddr)
	log.Printf("  worker_pool:     %d", serverConfig.WorkerPoolSize)
	log.Printf("  max_connections: %d", serverConfig.MaxConnections)
	log.Printf("  allowed_origins: %v", serverConfig.AllowedOrigins)
	log.Printf("  name/text limit: %d/%d", cfg.MaxNameLength, cfg.MaxTextLength)
	log.Printf("  redis_addr:      %s", orOff(cfg.RedisAddr))
	log.Printf("  nats_url:        %s", orOff(cfg.NATSURL))
	log.Printf("  database:        %s", orOff(redact(cfg.DatabaseURL)))
	log.Printf("  server_name:     %s", cfg.ServerName)

	collectors := metrics.New(prometheus.DefaultRegisterer)
	opts := []relay.Option{
		relay.WithLimits(relay.Limits{MaxNameLength: cfg.MaxNameLength, MaxTextLength: cfg.MaxTextLength}),
		relay.WithQueueSize(cfg.RelayQueueSize),
		relay.WithObserver(collectors),
	}

	// Sinks that wait on a network service run behind their own queue so the
	// relay never waits for them.
	var sinks []*relay.AsyncObserver
	async := func(name string, o relay.Observer) relay.Option {
		a := relay.NewAsyncObserver(name, o, cfg.ObserverQueueSize, relay.WithDropHook(collectors.CountDropped))
		sinks = append(sinks, a)
		return relay.WithObserver(a)
	}

	// --- Redis ---
	if cfg.RedisAddr != "" {
		sessionStore, err := session.NewStore(cfg.RedisAddr, cfg.ServerName)
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		defer sessionStore.Close()
		opts = append(opts, async("redis", session.NewObserver(sessionStore)))
	}

	// --- NATS ---
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "lobby-" + cfg.ServerName
		natsClient, err := messaging.NewNATSClient(natsConfig)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer natsClient.Close()
		opts = append(opts, async("nats", messaging.NewObserver(natsClient)))
	}

	// --- Postgres ---
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		auditStore, err := audit.Open(ctx, cfg.DatabaseURL, cfg.ServerName)
		if err != nil {
			cancel()
			return fmt.Errorf("failed to open audit database: %w", err)
		}
		if n, err := auditStore.CloseOpen(ctx, time.Now()); err != nil {
			log.Printf("audit: settle open sessions: %v", err)
		} else if n > 0 {
			log.Printf("audit: closed %d sessions left open by a previous run", n)
		}
		cancel()
		defer auditStore.Close()
		opts = append(opts, async("audit", audit.NewObserver(auditStore)))
	}

	dispatcher := ws.NewMessageDispatcher()
	server, err := ws.NewServer(serverConfig, dispatcher.Dispatch)
	if err != nil {
		return err
	}
	server.Handle("/metrics", metrics.Handler())

	r := relay.New(server, opts...)
	lobby.Bind(server, dispatcher, r)

	sinkCtx, stopSinks := context.WithCancel(context.Background())
	for _, a := range sinks {
		go a.Run(sinkCtx)
	}
	defer flushSinks(stopSinks, sinks)

	relayCtx, stopRelay := context.WithCancel(context.Background())
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		r.Run(relayCtx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start()
	}()

	select {
	case <-ctx.Done():
		log.Printf("Received shutdown signal")
	case err := <-errChan:
		stopRelay()
		<-relayDone
		return err
	}

	// Close every socket first so the relay sees each disconnect, then stop
	// the relay once those actions have drained.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("ws: shutdown: %v", err)
	}
	drainRelay(r)
	stopRelay()
	<-relayDone

	log.Printf("Lobby chat relay stopped")
	return nil
}

// drainRelay waits briefly for queued actions to be handled.
func drainRelay(r *relay.Relay) {
	deadline := time.Now().Add(2 * time.Second)
	for r.Pending() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
}

// flushSinks stops the asynchronous observers and waits briefly for them to
// deliver what is still queued, before their stores are closed.
func flushSinks(stop context.CancelFunc, sinks []*relay.AsyncObserver) {
	stop()
	deadline := time.After(5 * time.Second)
	for _, a := range sinks {
		select {
		case <-a.Done():
		case <-deadline:
			log.Printf("relay: observers still busy, giving up")
			return
		}
	}
}

func orOff(s string) string {
	if s == "" {
		return "(disabled)"
	}
	return s
}
