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

	"tagsakay/server/internal/auth"
	"tagsakay/server/internal/config"
	internalhttp "tagsakay/server/internal/http"
	"tagsakay/server/internal/ratelimit"
	"tagsakay/server/internal/repository"
	"tagsakay/server/internal/rfid"
)

func main() {
	cfg := config.Load()
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "tagsakay").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := repository.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("db connection failed")
	}
	defer pool.Close()
	store := repository.NewStore(pool)

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			cancel()
			logger.Fatal().Err(err).Msg("redis ping failed")
		}
		cancel()
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn().Err(err).Msg("redis close error")
			}
		}()
	}

	var limiter ratelimit.Limiter
	if redisClient != nil {
		limiter = ratelimit.NewRedisLimiter(redisClient, cfg.ScanRateLimit, cfg.ScanRateWindow)
	} else {
		memoryLimiter := ratelimit.NewMemoryLimiter(cfg.ScanRateLimit, cfg.ScanRateWindow)
		go func() {
			ticker := time.NewTicker(cfg.ScanRateWindow)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					memoryLimiter.Sweep()
				}
			}
		}()
		limiter = memoryLimiter
	}

	gate := auth.NewDeviceGate(store.Devices, store.APIKeys, logger)
	processor := rfid.NewProcessor(store.Tags, store.Users, store.Scans, store.Devices, cfg.RegistrationModeTTL, logger)

	server := internalhttp.NewServer(cfg, internalhttp.Stores{
		Devices:   store.Devices,
		Tags:      store.Tags,
		Scans:     store.Scans,
		Users:     store.Users,
		Registrar: store,
	}, gate, processor, limiter, logger)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("http listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("shutdown error")
	}
}
