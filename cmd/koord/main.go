package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/koord/internal/audit"
	"github.com/gosuda/koord/internal/auth"
	"github.com/gosuda/koord/internal/bus"
	"github.com/gosuda/koord/internal/cache"
	"github.com/gosuda/koord/internal/config"
	"github.com/gosuda/koord/internal/dispatch"
	"github.com/gosuda/koord/internal/registry"
	"github.com/gosuda/koord/internal/server"
	"github.com/gosuda/koord/internal/store/postgres"
	redisstore "github.com/gosuda/koord/internal/store/redis"
	"github.com/gosuda/koord/internal/tools"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
}

func run() error {
	// Initialize structured logging from environment.
	logLevel := os.Getenv("KOORD_LOG_LEVEL")
	level, parseErr := zerolog.ParseLevel(logLevel)
	if parseErr != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	logFormat := os.Getenv("KOORD_LOG_FORMAT")
	if logFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	ctx := context.Background()

	// Load configuration from environment.
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	checks := make(map[string]server.ReadinessCheck)

	// Connect to Redis when either shared tier needs it.
	var redisClient *redisstore.Client
	if cfg.Cache.Backend == "redis" || cfg.Bus.Backend == "redis" {
		redisClient, err = redisstore.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		checks["redis"] = redisClient.Ready
	}

	var brokerCache cache.Cache
	if cfg.Cache.Backend == "redis" {
		brokerCache = redisstore.NewCache(redisClient)
	} else {
		brokerCache = cache.NewMemory()
	}

	var eventBus bus.Bus
	if cfg.Bus.Backend == "redis" {
		eventBus = redisstore.NewBus(redisClient)
	} else {
		eventBus = bus.NewMemory()
	}

	// Audit sink: postgres for production, memory otherwise.
	var auditSink audit.Sink
	if cfg.Audit.Sink == "postgres" {
		if cfg.Database.MaxConns < 0 || cfg.Database.MaxConns > math.MaxInt32 {
			return fmt.Errorf("database max_conns %d out of int32 range", cfg.Database.MaxConns)
		}
		store, storeErr := postgres.New(ctx, cfg.Database.DSN(), int32(cfg.Database.MaxConns)) //nolint:gosec // bounds checked above
		if storeErr != nil {
			return storeErr
		}
		defer store.Close()
		auditSink = store.Audit()
		checks["postgres"] = store.Ready
	} else {
		auditSink = audit.NewMemory()
	}
	recorder := audit.NewRecorder(auditSink, cfg.Dispatch.AuditTimeout)

	// Session manager.
	authMgr := auth.NewManager(cfg.Token, cfg.Assistants)

	// Dispatch table: built-in memory tools, then frozen by the
	// dispatcher before the first request.
	reg := registry.New()
	knowledge := tools.NewMemoryRepository()
	if err := tools.RegisterMemoryTools(reg, knowledge); err != nil {
		return err
	}

	limiter := dispatch.NewLimiter(cfg.Limits)
	dispatcher := dispatch.New(authMgr, reg, brokerCache, eventBus, recorder, limiter, cfg.Cache, cfg.Dispatch)

	// Revocation closes the session's event stream and frees its buckets.
	authMgr.OnRevoke(eventBus.Unsubscribe)
	authMgr.OnRevoke(limiter.Drop)

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go authMgr.Sweep(ctx, time.Minute)
	go limiter.Sweep(ctx, 10*time.Minute)

	srv := server.New(ctx, cfg, authMgr, dispatcher, eventBus, checks)

	// Start server in background goroutine.
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Strs("tools", reg.Names()).Msg("starting broker")
		if startErr := srv.Start(ctx); startErr != nil {
			log.Error().Err(startErr).Msg("server error")
		}
	}()

	// Block until shutdown signal.
	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		return shutdownErr
	}

	log.Info().Msg("stopped")
	return nil
}
