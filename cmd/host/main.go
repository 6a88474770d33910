package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"TradeSentinel/internal/config"
	"TradeSentinel/internal/events"
	"TradeSentinel/internal/host"
	"TradeSentinel/internal/logging"
	"TradeSentinel/internal/recorder"
	"TradeSentinel/internal/server"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func main() {
	// Load config
	cfgPath := "configs/host.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		cfgPath = v
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		boot := logging.New("info", "")
		boot.Fatal().Err(err).Msg("load config")
	}
	log := logging.New(cfg.App.LogLevel, cfg.App.LogFormat).With().Str("app", cfg.App.Name).Logger()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("config validation")
	}
	log.Info().Str("version", cfg.App.Version).Str("mode", string(cfg.Trading.Mode)).Msg("starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Database.Driver).Msg("open state store")
	}

	var sinks []events.Sink
	if cfg.Redis.Addr != "" {
		client, err := events.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, events stay in-process")
		} else {
			defer client.Close()
			sinks = append(sinks, events.NewRedisSink(client, cfg.Redis.Channel))
			log.Info().Str("channel", cfg.Redis.Channel).Msg("publishing events to redis")
		}
	}

	h, err := host.New(cfg, host.Deps{Store: store, Sinks: sinks}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("init host")
	}
	if _, err := h.Recover(ctx); err != nil {
		log.Fatal().Err(err).Msg("recover state")
	}

	gin.SetMode(gin.ReleaseMode)
	srv := server.New(cfg.Server.Addr, cfg.App.Version, h, h.Metrics().Handler(), log)
	go func() {
		if err := srv.Start(); err != nil {
			log.Error().Err(err).Msg("http server")
			h.RequestShutdown()
		}
	}()

	h.Start()
	log.Info().Msg("running, press Ctrl+C to stop")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case <-h.ShutdownRequested():
	case err := <-h.Fatal():
		log.Error().Err(err).Msg("market data ingestor failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout)
	defer cancel()
	if err := h.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown")
	}
	log.Info().Msg("stopped")
}

func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (recorder.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		return recorder.NewPostgresStore(ctx, cfg.Database.PostgresDSN, log)
	case "memory":
		log.Warn().Msg("memory state store, nothing survives a restart")
		return recorder.NewMemoryStore(), nil
	default:
		return recorder.NewSQLiteStore(cfg.Database.SQLitePath, log)
	}
}
