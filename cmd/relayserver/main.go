// Command relayserver runs the presence and messaging relay: a WebSocket
// server that tracks who is on the page, relays cursor movement, typing and
// reaction events, and carries a small shared chat with durable sessions.
//
// Configuration is entirely environment-driven. Redis, NATS and Postgres are
// all optional: without Redis, sessions live in process memory and the
// per-session rate limits fail open; without NATS the relay is
// single-instance; without Postgres, chat history does not survive restarts.
package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/portfolio/presence-relay/internal/archive"
	"github.com/portfolio/presence-relay/internal/ban"
	"github.com/portfolio/presence-relay/internal/chat"
	"github.com/portfolio/presence-relay/internal/messaging"
	"github.com/portfolio/presence-relay/internal/metrics"
	"github.com/portfolio/presence-relay/internal/presence"
	"github.com/portfolio/presence-relay/internal/ratelimit"
	"github.com/portfolio/presence-relay/internal/relay"
	"github.com/portfolio/presence-relay/internal/report"
	"github.com/portfolio/presence-relay/internal/session"
	"github.com/portfolio/presence-relay/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	instanceName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		instanceName = v
	}
	if instanceName == "" {
		instanceName = "relay-1"
	}

	// --- Redis (sessions + rate limit windows) ---
	var (
		store  session.Store
		limits *ratelimit.Limiter
		mutes  *ban.Store
	)
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr != "" {
		rs, err := session.NewRedisStore(redisAddr)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		store = rs
		limits = ratelimit.NewLimiter(rs.Client())
		mutes = ban.NewStore(rs.Client())
	} else {
		log.Printf("REDIS_ADDR not set, using in-memory sessions (single instance, no durable sessions)")
		store = session.NewMemoryStore()
	}
	registry := session.NewRegistry(store)

	// --- Postgres (durable chat archive) ---
	var arc *archive.Store
	if databaseURL := os.Getenv("DATABASE_URL"); databaseURL != "" {
		var err error
		arc, err = archive.New(databaseURL)
		if err != nil {
			log.Fatalf("failed to open message archive: %v", err)
		}
	} else {
		log.Printf("DATABASE_URL not set, chat history will not survive restarts")
	}

	// --- NATS (cross-instance fan-out) ---
	var bridge *messaging.Bridge
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig := messaging.DefaultBridgeConfig()
		natsConfig.URL = natsURL
		natsConfig.Name = instanceName
		var err error
		bridge, err = messaging.NewBridge(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
	} else {
		log.Printf("NATS_URL not set, running single-instance")
	}

	adminToken := os.Getenv("ADMIN_TOKEN")

	log.Printf("presence relay starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  instance:        %s", instanceName)
	log.Printf("  redis:           %v", redisAddr != "")
	log.Printf("  archive:         %v", arc != nil)
	log.Printf("  nats:            %v", bridge != nil)
	log.Printf("  admin:           %v", adminToken != "")

	msgs := chat.NewLog(chat.DefaultMaxHistory)
	if arc != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		recent, err := arc.LoadRecent(ctx, chat.DefaultMaxHistory)
		cancel()
		if err != nil {
			log.Printf("failed to load archived history: %v", err)
		} else if len(recent) > 0 {
			msgs.Seed(recent)
			log.Printf("seeded chat log with %d archived messages", len(recent))
		}
	}

	dispatcher := ws.NewMessageDispatcher()
	server := ws.NewServer(config, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	// Interface-typed nils must stay nil, not a typed nil pointer.
	var arcIface relay.Archiver
	var auditIface relay.Auditor
	if arc != nil {
		arcIface = arc
		auditIface = report.NewStore(arc.DB())
	}
	var bridgeIface relay.Publisher
	if bridge != nil {
		bridgeIface = bridge
	}

	handler := relay.New(registry, presence.NewRoster(), msgs,
		server.Connections(), limits, mutes, arcIface, auditIface, bridgeIface)
	handler.Register(dispatcher)

	server.SetOnConnect(handler.HandleConnect)
	server.SetOnDisconnect(handler.HandleDisconnect)

	// Connect attempts are limited per client IP before the upgrade happens.
	if limits != nil {
		server.SetCheckUpgrade(func(r *http.Request) error {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			allowed, _ := limits.Allow(ctx, clientIP(r), ratelimit.RuleConnect)
			if !allowed {
				return errors.New("too many connection attempts")
			}
			return nil
		})
	}

	server.Handle("GET /metrics", metrics.Handler())
	relay.NewAdminHandler(handler, adminToken).Mount(server.Handle)

	if bridge != nil {
		if err := bridge.Start(handler.HandleBridgeEvent); err != nil {
			log.Fatalf("failed to subscribe to NATS events: %v", err)
		}
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if bridge != nil {
			bridge.Close()
		}
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		handler.Close()
		if arc != nil {
			if err := arc.Close(); err != nil {
				log.Printf("archive close error: %v", err)
			}
		}
		if err := store.Close(); err != nil {
			log.Printf("session store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// clientIP extracts the originating client address, preferring the CDN's
// X-Forwarded-For (first hop) over the socket peer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, ok := strings.Cut(xff, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
