package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/weiawesome/meow-realtime/internal/attachment"
	"github.com/weiawesome/meow-realtime/internal/auth"
	"github.com/weiawesome/meow-realtime/internal/cache"
	"github.com/weiawesome/meow-realtime/internal/config"
	"github.com/weiawesome/meow-realtime/internal/eventbus"
	healthgrpc "github.com/weiawesome/meow-realtime/internal/grpc"
	"github.com/weiawesome/meow-realtime/internal/handler"
	"github.com/weiawesome/meow-realtime/internal/hub"
	"github.com/weiawesome/meow-realtime/internal/idgen"
	"github.com/weiawesome/meow-realtime/internal/presence"
	"github.com/weiawesome/meow-realtime/internal/ratelimit"
	"github.com/weiawesome/meow-realtime/internal/service"
	"github.com/weiawesome/meow-realtime/internal/store"
	pkglog "github.com/weiawesome/meow-realtime/pkg/log"
	"github.com/weiawesome/meow-realtime/pkg/middleware"
	"github.com/weiawesome/meow-realtime/pkg/storage"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}

	// Initialize structured logger
	pkglog.Init(cfg.Log)
	logger := pkglog.L()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis backs presence, rate buckets, the participant cache and the redis bus
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Str("address", cfg.Redis.Address).Msg("failed to connect to redis")
	}
	logger.Info().Str("address", cfg.Redis.Address).Msg("connected to redis")

	bus, err := eventbus.New(cfg.EventBus, rdb, cfg.Instance.ID)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create event bus")
	}
	logger.Info().Str("driver", cfg.EventBus.Driver).Msg("event bus ready")

	st, err := store.New(ctx, cfg.Store)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("failed to open store")
	}
	logger.Info().Str("driver", cfg.Store.Driver).Msg("store ready")

	ids, err := idgen.NewSnowflake(cfg.Instance.MachineID, idgen.DefaultEpoch)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create id generator")
	}

	authn, err := auth.NewManager(cfg.Auth)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create authenticator")
	}

	objects, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		logger.Fatal().Err(err).Str("type", cfg.Storage.Type).Msg("failed to create attachment storage")
	}

	registry := presence.NewRegistry(rdb, bus, cfg.Presence)
	registry.Start(context.Background())

	limiter := ratelimit.New(rdb, cfg.RateLimit.Policies())
	participants := cache.NewParticipantCache(rdb, st, cfg.Cache)
	engine := service.NewChatService(st, participants, bus, ids, cfg.Engine, service.WithLimiter(limiter))
	uploader := attachment.NewUploader(objects, participants, cfg.Attachment)

	wsHub := hub.New(cfg.WebSocket, bus, registry)
	wsHub.Start()

	// Public server: websocket and REST
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), pkglog.GinMiddleware(logger))

	authMiddleware := middleware.NewAuthMiddleware(func(ctx context.Context, token string) (string, string, error) {
		id, err := authn.Validate(ctx, token)
		if err != nil {
			return "", "", err
		}
		return id.UserID, id.Username, nil
	})

	handler.NewWSHandler(wsHub, engine, registry, authn, handler.WSConfig{
		InstanceID:     cfg.Instance.ID,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}).RegisterRoutes(router)
	handler.NewHandler(engine, registry, uploader, limiter, authMiddleware).RegisterRoutes(router)
	if cfg.Storage.Type == "local" && cfg.Storage.Local.PublicURL != "" {
		router.Static(cfg.Storage.Local.PublicURL, cfg.Storage.Local.BasePath)
	}

	server := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Admin server
	admin := handler.NewAdminHandler(registry, limiter, wsHub, cfg.Admin.APIKey, cfg.Instance.ID)
	adminServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Admin.Host, cfg.Admin.Port),
		Handler:      admin.Router(logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	healthServer := healthgrpc.NewServer(logger, map[string]healthgrpc.Check{
		"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}, cfg.GRPC.CheckInterval)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("address", server.Addr).Msg("realtime server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("realtime server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("address", adminServer.Addr).Msg("admin server listening")
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return healthServer.Serve(fmt.Sprintf("%s:%d", cfg.GRPC.Host, cfg.GRPC.Port))
	})

	// Shutdown: stop accepting, drain the engine, close sessions, then
	// release presence, bus and store.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("realtime server shutdown")
		}
		if err := engine.Stop(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("engine drain incomplete")
		}
		if err := wsHub.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("hub shutdown")
		}
		registry.Stop()
		healthServer.Stop(shutdownCtx)
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("admin server shutdown")
		}
		if err := bus.Close(); err != nil {
			logger.Warn().Err(err).Msg("event bus close")
		}
		if err := st.Close(); err != nil {
			logger.Warn().Err(err).Msg("store close")
		}
		return rdb.Close()
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("realtime service stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("realtime service stopped")
}
