package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/evcscavalcante/labsync/internal/httpapi"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "labsync-server").Logger()
	if lvl, err := zerolog.ParseLevel(envOrDefault("LABSYNC_LOG_LEVEL", "info")); err == nil {
		logger = logger.Level(lvl)
	}
	log.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, envOrDefault("LABSYNC_ADDR", ":8080"), logger); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
}

func run(ctx context.Context, addr string, logger zerolog.Logger) error {
	repo, closeRepo, err := buildRepositoryFromEnv()
	if err != nil {
		return fmt.Errorf("initialize repository: %w", err)
	}
	defer func() {
		if err := closeRepo(); err != nil {
			logger.Warn().Err(err).Msg("close repository")
		}
	}()

	cfg, err := buildServerConfigFromEnv(&logger)
	if err != nil {
		return err
	}
	handler, err := httpapi.NewServerWithConfig(repo, cfg)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("labsync-server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	logger.Info().Msg("shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// buildRepositoryFromEnv uses Postgres when LABSYNC_POSTGRES_DSN is set and memory otherwise.
func buildRepositoryFromEnv() (httpapi.Repository, func() error, error) {
	dsn := strings.TrimSpace(os.Getenv("LABSYNC_POSTGRES_DSN"))
	if dsn == "" {
		log.Warn().Msg("LABSYNC_POSTGRES_DSN not set, records are kept in memory")
		return httpapi.NewMemoryRepository(), func() error { return nil }, nil
	}
	repo, err := httpapi.NewPostgresRepository(dsn)
	if err != nil {
		return nil, nil, err
	}
	return repo, repo.Close, nil
}

func buildServerConfigFromEnv(logger *zerolog.Logger) (httpapi.ServerConfig, error) {
	cfg := httpapi.ServerConfig{
		JWTSecret:        os.Getenv("LABSYNC_JWT_SECRET"),
		RateLimitMax:     intEnv("LABSYNC_RATE_LIMIT_MAX", 0),
		RateLimitWindow:  durationEnv("LABSYNC_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:     int64Env("LABSYNC_MAX_BODY_BYTES", 0),
		PresenceInterval: durationEnv("LABSYNC_PRESENCE_INTERVAL", 0),
		Logger:           logger,
	}
	if cfg.JWTSecret == "" {
		log.Warn().Msg("LABSYNC_JWT_SECRET not set, using the development secret")
	}
	if path := strings.TrimSpace(os.Getenv("LABSYNC_SCHEMA_FILE")); path != "" {
		schema, err := os.ReadFile(path)
		if err != nil {
			return httpapi.ServerConfig{}, fmt.Errorf("read record schema: %w", err)
		}
		cfg.RecordSchema = schema
	}
	return cfg, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Int("fallback", fallback).Msg("invalid integer env value")
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Int64("fallback", fallback).Msg("invalid integer env value")
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Dur("fallback", fallback).Msg("invalid duration env value")
		return fallback
	}
	return value
}
