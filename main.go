package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"heartline/config"
	"heartline/conversation"
	"heartline/database"
	"heartline/handlers"
	"heartline/logger"
	"heartline/middleware"
	"heartline/presence"
	"heartline/push"
	"heartline/relay"
	"heartline/routes"
	"heartline/store"
	"heartline/store/memstore"
	"heartline/store/mongostore"
	"heartline/swipe"
	"heartline/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Init("heartline", true)
		logger.Fatal().Err(err).Msg("Failed to load config")
	}
	logger.Init("heartline", cfg.Debug)
	gin.SetMode(cfg.GinMode)

	// run returns instead of exiting so its deferred cleanup always happens
	if err := run(cfg); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	nodeID := uuid.NewString()
	var (
		directory *presence.RedisDirectory
		bus       *presence.RedisBus
		rdb       *redis.Client
	)

	trackerOpts := []presence.Option{
		presence.WithTTL(cfg.Presence.TTL),
		presence.WithListener(presence.NewStatusRecorder(st.Users, cfg.Store.Timeout)),
	}
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		directory = presence.NewRedisDirectory(rdb, nodeID, cfg.Presence.TTL)
		trackerOpts = append(trackerOpts, presence.WithListener(directory))
		logger.Info().Str("addr", cfg.Redis.Addr).Str("node_id", nodeID).Msg("Redis presence enabled")
	}
	tracker := presence.NewTracker(trackerOpts...)
	if rdb != nil {
		bus = presence.NewRedisBus(rdb, nodeID, tracker)
	}

	var notifier relay.Notifier
	if cfg.PushEnabled() {
		notifier = push.New(st.PushSubscriptions, push.Keys{
			PublicKey:  cfg.Push.VAPIDPublicKey,
			PrivateKey: cfg.Push.VAPIDPrivateKey,
			Subject:    cfg.Push.Subject,
		})
		logger.Info().Msg("Web push enabled")
	} else {
		logger.Warn().Msg("VAPID keys not set, web push disabled (generate with cmd/vapidkeys)")
	}

	tokens := middleware.NewTokens(cfg.JWTSecret)

	relayOpts := []relay.Option{
		relay.WithDeliverer(tracker),
		relay.WithFreeQuota(cfg.FreeMessageQuota),
		relay.WithTimeout(cfg.Store.Timeout),
	}
	var dir relay.Directory
	if directory != nil {
		dir = directory
		relayOpts = append(relayOpts, relay.WithRemote(directory, bus))
	}
	if notifier != nil {
		relayOpts = append(relayOpts, relay.WithNotifier(notifier))
	}
	messages := relay.New(st.Users, st.Matches, st.Messages, st.SendCounters, relayOpts...)

	hubOpts := []websocket.Option{
		websocket.WithAllowedOrigins(cfg.CORSOrigins),
		websocket.WithTypingGate(messages),
	}
	if directory != nil {
		hubOpts = append(hubOpts, websocket.WithRemote(directory, bus))
	}
	if notifier != nil {
		hubOpts = append(hubOpts, websocket.WithNotifier(notifier))
	}
	hub := websocket.NewHub(tracker, tokens, hubOpts...)

	engine := swipe.NewEngine(st.Users, st.Swipes, st.Matches,
		swipe.WithTimeout(cfg.Store.Timeout),
		swipe.WithMatchListener(hub),
	)

	h := handlers.New(handlers.Deps{
		Users:             st.Users,
		PushSubscriptions: st.PushSubscriptions,
		Swipes:            engine,
		Relay:             messages,
		Conversations:     conversation.NewView(st.Matches, st.Messages, cfg.Store.Timeout),
		Tracker:           tracker,
		Directory:         dir,
		VAPIDPublicKey:    cfg.Push.VAPIDPublicKey,
		BillingSecret:     cfg.BillingWebhookSecret,
		Timeout:           cfg.Store.Timeout,
	})

	limiter := middleware.NewIPRateLimiter(cfg.RateLimitPerMinute, time.Minute)
	router := routes.SetupRouter(h, hub, tokens, routes.Options{
		CORSOrigins: cfg.CORSOrigins,
		RateLimiter: limiter,
	})

	// ===== BACKGROUND WORKERS =====
	go tracker.Run(ctx, cfg.Presence.SweepInterval, func(ctx context.Context, online []string) {
		limiter.Cleanup()
		if directory != nil {
			directory.Refresh(ctx, online)
		}
	})
	if bus != nil {
		go func() {
			if err := bus.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("Presence bus stopped")
			}
		}()
	}

	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("port", cfg.Port).Str("store", cfg.Store.Driver).Msg("Server running")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// ===== GRACEFUL SHUTDOWN =====
	select {
	case err := <-serveErr:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}
	logger.Info().Msg("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Forced shutdown")
	}
	logger.Info().Msg("Server stopped gracefully")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (*store.Store, func(), error) {
	if cfg.Store.Driver == config.StoreMemory {
		logger.Warn().Msg("Using in-memory store, data is lost on restart")
		return memstore.New().Store(), func() {}, nil
	}

	db, err := database.Connect(ctx, cfg.Store.MongoURI, cfg.Store.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	disconnect := func() {
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.Disconnect(dctx); err != nil {
			logger.Warn().Err(err).Msg("MongoDB disconnect failed")
		}
	}
	idxCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.EnsureIndexes(idxCtx); err != nil {
		disconnect()
		return nil, nil, fmt.Errorf("create indexes: %w", err)
	}
	return mongostore.New(db), disconnect, nil
}
