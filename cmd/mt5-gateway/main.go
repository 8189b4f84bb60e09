package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tradebridge/mt5-gateway/pkg/cache"
	"github.com/tradebridge/mt5-gateway/pkg/config"
	"github.com/tradebridge/mt5-gateway/pkg/gateway"
	"github.com/tradebridge/mt5-gateway/pkg/logging"
	"github.com/tradebridge/mt5-gateway/pkg/session"
	"github.com/tradebridge/mt5-gateway/pkg/transport"
	"github.com/tradebridge/mt5-gateway/pkg/webapi"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		logging.Setup(logging.DefaultConfig())
		logger := logging.NewLogger("main")
		logger.Fatal().Err(err).Msg("Configuration error")
	}

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.LogLevel),
		Output: os.Stderr,
	})

	logger.Info().
		Str("server", cfg.ServerURL).
		Str("login", cfg.Login).
		Str("listen", cfg.ListenAddr).
		Msg("MT5 gateway starting")

	tc, err := transport.New(cfg.ServerURL, transport.Options{
		Timeout:     cfg.RequestTimeout,
		InsecureTLS: cfg.InsecureTLS,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create transport")
	}

	// The shared cache tier is optional; an unreachable Redis never blocks
	// startup, the cache just runs on the memory tier.
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.RedisAddr).
				Msg("Redis unreachable, running on memory cache tier alone")
		} else {
			logger.Info().Str("addr", cfg.RedisAddr).Msg("Connected to Redis")
		}
		cancel()
	} else {
		logger.Info().Msg("No Redis configured, running on memory cache tier alone")
	}

	responseCache := cache.NewTiered(redisClient, cache.TTLPolicy{
		webapi.KindUser:     cfg.UserCacheTTL,
		webapi.KindPosition: cfg.PositionCacheTTL,
	})

	sessions, err := session.NewManager(tc, session.Config{
		Credentials: session.Credentials{
			Login:    cfg.Login,
			Password: cfg.Password,
			Agent:    cfg.Agent,
			Version:  cfg.Version,
		},
		TTL:               cfg.SessionTTL,
		KeepAliveInterval: cfg.KeepAliveInterval,
		HandshakeTimeout:  cfg.RequestTimeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create session manager")
	}
	sessions.Start()
	defer sessions.Close()

	gw, err := gateway.New(sessions, responseCache, tc)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create gateway")
	}

	// Optimistic startup handshake; failure is retried on first request.
	startupCtx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	if _, err := sessions.Acquire(startupCtx); err != nil {
		logger.Warn().Err(err).Msg("Initial authentication failed, will retry on first request")
	} else {
		logger.Info().Msg("Initial authentication successful")
	}
	cancel()

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: newRouter(gw, sessions, redisClient, cfg.APIKey, logger),
	}

	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed")
		}
	}()

	waitForShutdown(srv, logger)
}

func waitForShutdown(srv *http.Server, logger zerolog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Graceful shutdown failed")
	}
}
