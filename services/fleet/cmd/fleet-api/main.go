package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"snapfleet/pkg/bus"
	"snapfleet/pkg/db"
	"snapfleet/pkg/telemetry"
	"snapfleet/services/fleet/internal/aggregate"
	"snapfleet/services/fleet/internal/api"
	"snapfleet/services/fleet/internal/config"
	"snapfleet/services/fleet/internal/registry"
)

const serviceName = "snapfleet-fleet"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	shutdownTelemetry, requestLog, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("init telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	pool, err := db.Open(ctx, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	store, err := registry.NewStore(pool)
	if err != nil {
		log.Fatal().Err(err).Msg("create registry store")
	}

	if cfg.NATSURL != "" {
		eventBus, err := bus.New(cfg.NATSURL)
		if err != nil {
			log.Fatal().Err(err).Msg("connect nats")
		}
		defer eventBus.Close()

		ingestor, err := registry.NewIngestor(store, eventBus, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("create run ingestor")
		}
		if err := ingestor.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("start run ingestor")
		}
		defer func() {
			if err := ingestor.Close(); err != nil {
				log.Error().Err(err).Msg("close run ingestor")
			}
		}()
	}

	aggregator, err := aggregate.New(store, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("create aggregator")
	}

	apiLayer, err := api.New(store, aggregator, api.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		RateLimit:      cfg.RateLimit,
	}, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("init api")
	}

	routes, err := apiLayer.Routes()
	if err != nil {
		log.Fatal().Err(err).Msg("build routes")
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           requestLog(routes),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("starting snapfleet-fleet")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown server")
	}
}
