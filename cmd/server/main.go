package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"stockreport/backend/internal/cache"
	"stockreport/backend/internal/config"
	"stockreport/backend/internal/httpapi"
	"stockreport/backend/internal/logger"
	"stockreport/backend/internal/service"
	"stockreport/backend/internal/store"
	"stockreport/backend/internal/store/memory"
	pgstore "stockreport/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	log := logger.New(logger.ForEnvironment(cfg.AppEnv, cfg.LogLevel))
	defer func() { _ = log.Sync() }()

	if err := validateConfig(cfg); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback", zap.Error(err))
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatal("postgres schema setup failed", zap.Error(err))
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Info("repository: postgres")
	} else {
		repo = memory.New()
		log.Warn("repository: in-memory, submissions will not survive a restart")
	}

	records := cache.RecordCache(cache.NoopRecordCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisRecordCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Warn("redis unavailable, using noop cache", zap.Error(err))
			_ = redisCache.Close()
		} else {
			records = redisCache
			closers = append(closers, redisCache.Close)
			log.Info("cache: redis", zap.String("addr", cfg.RedisAddr))
		}
	} else {
		log.Info("cache: noop")
	}

	svc := service.New(repo, records, service.Options{
		PhoneRegion: cfg.PhoneDefaultRegion,
		CacheTTL:    cfg.RecordsCacheTTL(),
		Logger:      log,
	})
	api := httpapi.New(svc, httpapi.Options{
		AllowedOrigin: cfg.AllowedOrigin,
		SubmitLimit:   cfg.SubmitRateLimitPerMinute,
		Logger:        log,
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("inventory backend listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Error("close error", zap.Error(err))
		}
	}

	log.Info("server stopped")
}

func validateConfig(cfg config.Config) error {
	if cfg.Port == "" {
		return errors.New("PORT must not be empty")
	}
	if len(cfg.PhoneDefaultRegion) != 2 {
		return errors.New("PHONE_DEFAULT_REGION must be a two-letter region code")
	}
	if cfg.AppEnv == "production" && (cfg.AllowedOrigin == "" || cfg.AllowedOrigin == "*") {
		return errors.New("ALLOWED_ORIGIN must name the form origin in production")
	}
	return nil
}
