package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/unveil/ritual-app/internal/config"
	"github.com/unveil/ritual-app/internal/convlog"
	"github.com/unveil/ritual-app/internal/delivery"
	"github.com/unveil/ritual-app/internal/events"
	"github.com/unveil/ritual-app/internal/fanout"
	"github.com/unveil/ritual-app/internal/presence"
	"github.com/unveil/ritual-app/internal/protocol"
	"github.com/unveil/ritual-app/internal/queue"
	"github.com/unveil/ritual-app/internal/ratelimit"
	"github.com/unveil/ritual-app/internal/registry"
	"github.com/unveil/ritual-app/internal/sweeper"
	"github.com/unveil/ritual-app/internal/typing"
	"github.com/unveil/ritual-app/internal/ws"
)

const handlerTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "config.toml", "path to TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	serverCfg := ws.ServerConfig{
		ListenAddr:     cfg.Server.ListenAddr,
		WorkerPoolSize: cfg.Server.WorkerPoolSize,
		MaxConnections: cfg.Server.MaxConnections,
		ReadTimeout:    config.Duration(cfg.Server.ReadTimeout, 10*time.Second),
		WriteTimeout:   config.Duration(cfg.Server.WriteTimeout, 10*time.Second),
	}

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()

	// --- NATS ---
	natsConfig := events.DefaultConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.Name = "unveil-realtime-" + cfg.ServerName
	emitter, err := events.NewEmitter(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Postgres conversation log ---
	clog, err := convlog.Open(cfg.Postgres.DSN)
	if err != nil {
		log.Fatalf("failed to connect to Postgres: %v", err)
	}
	if err := clog.Migrate(); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}

	log.Printf("Unveil realtime server starting")
	log.Printf("  listen_addr:     %s", serverCfg.ListenAddr)
	log.Printf("  worker_pool:     %d", serverCfg.WorkerPoolSize)
	log.Printf("  max_connections: %d", serverCfg.MaxConnections)
	log.Printf("  redis_addr:      %s", cfg.Redis.Addr)
	log.Printf("  nats_url:        %s", cfg.NATS.URL)
	log.Printf("  server_name:     %s", cfg.ServerName)

	// --- Stores ---
	reg := registry.New()
	snapshot := presence.NewSnapshot(rdb, cfg.ServerName)
	tracker := presence.NewTracker(config.Duration(cfg.Coordinator.GraceWindow, presence.DefaultGraceWindow), snapshot)
	typingStore := typing.NewStore(config.Duration(cfg.Coordinator.TypingTimeout, typing.DefaultIdleTimeout))
	offlineQueue := queue.New(cfg.Coordinator.QueueCapacity)
	idx := fanout.NewIndex()
	bcast := fanout.NewBroadcaster(idx, reg, offlineQueue)

	sendRule := ratelimit.RuleSendMessage
	if cfg.Coordinator.SendLimit > 0 {
		sendRule.Limit = cfg.Coordinator.SendLimit
	}
	if w := config.Duration(cfg.Coordinator.SendLimitWindow, 0); w > 0 {
		sendRule.Window = w
	}

	limiter := ratelimit.NewLimiter(rdb)

	coord := delivery.New(delivery.Deps{
		Registry:   reg,
		Presence:   tracker,
		Typing:     typingStore,
		Queue:      offlineQueue,
		Broadcast:  bcast,
		Membership: clog,
		Log:        clog,
		Limiter:    limiter,
		Prefs:      clog,
		Events:     emitter,
	}, sendRule)

	dispatcher := ws.NewEventDispatcher()
	server := ws.NewServer(serverCfg, dispatcher.Dispatch)

	// requireUser resolves the authenticated user for a connection, sending
	// an error to clients that skipped the connect event.
	requireUser := func(conn *ws.Connection) (string, bool) {
		uid := conn.UserID()
		if uid == "" {
			dispatcher.SendError(conn, "forbidden", "connect event required first")
			return "", false
		}
		return uid, true
	}

	// sendOpError maps a coordinator error onto the wire. A throttled send
	// reports the time left in the user's current window so clients can back
	// off precisely instead of guessing from the configured window size.
	sendOpError := func(conn *ws.Connection, uid, conversationID string, err error) {
		code := delivery.ErrorCode(err)
		if code == "throttled" {
			retryAfter := int(sendRule.Window.Seconds())
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			if ttl, ttlErr := limiter.RetryAfter(ctx, ratelimit.SendKey(uid, conversationID), sendRule); ttlErr == nil && ttl > 0 {
				retryAfter = int((ttl + time.Second - 1) / time.Second)
			}
			cancel()

			data, buildErr := protocol.NewServerMessage(protocol.TypeThrottled, protocol.ThrottledMsg{
				Reason:     "send_limit",
				RetryAfter: retryAfter,
			})
			if buildErr == nil {
				_ = conn.Send(data)
			}
			return
		}
		dispatcher.SendError(conn, code, err.Error())
	}

	// -----------------------------------------------------------------------
	// connect — authenticate the connection and register the live session
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeConnect, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.ConnectMsg)
		if !ok || m.UserID == "" {
			dispatcher.SendError(conn, "invalid_event", "connect requires user_id")
			return
		}
		conn.SetUserID(m.UserID)

		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		if err := coord.OnConnect(ctx, m.UserID, conn); err != nil {
			log.Printf("connect failed user=%s conn=%s: %v", m.UserID, conn.ID, err)
			return
		}
		log.Printf("connect user=%s conn=%s", m.UserID, conn.ID)
	})

	// -----------------------------------------------------------------------
	// subscribe / unsubscribe — conversation fan-out membership
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSubscribe, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.SubscribeMsg)
		if !ok {
			return
		}
		uid, ok := requireUser(conn)
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		if err := coord.OnSubscribe(ctx, uid, m.ConversationID); err != nil {
			sendOpError(conn, uid, m.ConversationID, err)
			return
		}

		ack, err := protocol.NewServerMessage(protocol.TypeSubscribed, protocol.SubscribedMsg{
			ConversationID: m.ConversationID,
		})
		if err == nil {
			_ = conn.Send(ack)
		}
	})

	dispatcher.Register(protocol.TypeUnsubscribe, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.UnsubscribeMsg)
		if !ok {
			return
		}
		uid, ok := requireUser(conn)
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		if err := coord.OnUnsubscribe(ctx, uid, m.ConversationID); err != nil {
			sendOpError(conn, uid, m.ConversationID, err)
		}
	})

	// -----------------------------------------------------------------------
	// typing indicators
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeTypingStart, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.TypingStartMsg)
		if !ok {
			return
		}
		uid, ok := requireUser(conn)
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		if err := coord.OnTypingStart(ctx, uid, m.ConversationID, m.EnergyHint, m.EmotionalHint); err != nil {
			sendOpError(conn, uid, m.ConversationID, err)
		}
	})

	dispatcher.Register(protocol.TypeTypingStop, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.TypingStopMsg)
		if !ok {
			return
		}
		uid, ok := requireUser(conn)
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		if err := coord.OnTypingStop(ctx, uid, m.ConversationID); err != nil {
			sendOpError(conn, uid, m.ConversationID, err)
		}
	})

	// -----------------------------------------------------------------------
	// send_message — rate-limited, persisted, fanned out
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSendMessage, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.SendMessageMsg)
		if !ok {
			return
		}
		uid, ok := requireUser(conn)
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		entry, err := coord.OnSendMessage(ctx, uid, m.ConversationID, m.Content)
		if err != nil {
			sendOpError(conn, uid, m.ConversationID, err)
			return
		}

		// Sender ack carries the persisted id and timestamp; the broadcast
		// excluded the sender to prevent echo.
		ack, ackErr := protocol.NewServerMessage(protocol.TypeMessage, protocol.ServerMessageMsg{
			MessageID:      entry.ID,
			ConversationID: entry.ConversationID,
			SenderID:       entry.SenderID,
			Content:        entry.Content,
			Kind:           entry.Kind,
			CreatedAt:      entry.CreatedAt.Unix(),
		})
		if ackErr == nil {
			_ = conn.Send(ack)
		}
	})

	// -----------------------------------------------------------------------
	// share_revelation / photo_consent — ritual stage events
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeShareRevelation, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.ShareRevelationMsg)
		if !ok {
			return
		}
		uid, ok := requireUser(conn)
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		entry, err := coord.OnShareRevelation(ctx, uid, m.ConversationID, m.Content, m.Stage)
		if err != nil {
			sendOpError(conn, uid, m.ConversationID, err)
			return
		}

		ack, ackErr := protocol.NewServerMessage(protocol.TypeRevelationShared, protocol.RevelationSharedMsg{
			MessageID:      entry.ID,
			ConversationID: entry.ConversationID,
			SenderID:       entry.SenderID,
			Content:        entry.Content,
			Stage:          m.Stage,
			CreatedAt:      entry.CreatedAt.Unix(),
		})
		if ackErr == nil {
			_ = conn.Send(ack)
		}
	})

	dispatcher.Register(protocol.TypePhotoConsent, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.PhotoConsentMsg)
		if !ok {
			return
		}
		uid, ok := requireUser(conn)
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		entry, err := coord.OnPhotoConsent(ctx, uid, m.ConversationID)
		if err != nil {
			sendOpError(conn, uid, m.ConversationID, err)
			return
		}

		ack, ackErr := protocol.NewServerMessage(protocol.TypePhotoConsentGiven, protocol.PhotoConsentGivenMsg{
			ConversationID: entry.ConversationID,
			UserID:         uid,
			CreatedAt:      entry.CreatedAt.Unix(),
		})
		if ackErr == nil {
			_ = conn.Send(ack)
		}
	})

	// -----------------------------------------------------------------------
	// heartbeat — dispatcher acks, coordinator refreshes presence
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeHeartbeat, func(conn *ws.Connection, msg interface{}) {
		if uid := conn.UserID(); uid != "" {
			coord.OnHeartbeat(uid)
		}
	})

	// Disconnects route to the coordinator for the authenticated user;
	// anonymous connections (never sent connect) have no state to tear down.
	server.SetOnDisconnect(func(conn *ws.Connection) {
		uid := conn.UserID()
		if uid == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		coord.OnDisconnect(ctx, uid, conn)
	})

	// --- Reconciliation sweeper ---
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	sw := sweeper.New(config.Duration(cfg.Coordinator.SweepInterval, sweeper.DefaultInterval),
		typingStore, tracker, reg, bcast)
	go sw.Run(sweepCtx)

	// --- Run ---
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received signal %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			log.Printf("server error: %v", err)
		}
	}

	stopSweep()
	if err := server.Shutdown(); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	emitter.Close()
	if err := clog.Close(); err != nil {
		log.Printf("postgres close error: %v", err)
	}
	if err := rdb.Close(); err != nil {
		log.Printf("redis close error: %v", err)
	}
	log.Println("realtime server stopped")
}
