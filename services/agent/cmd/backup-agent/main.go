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
	"snapfleet/pkg/telemetry"
	"snapfleet/services/agent/internal/api"
	"snapfleet/services/agent/internal/conductor"
	"snapfleet/services/agent/internal/config"
	"snapfleet/services/agent/internal/engine"
	"snapfleet/services/agent/internal/history"
	"snapfleet/services/agent/internal/notify"
	"snapfleet/services/agent/internal/restic"
)

const serviceName = "snapfleet-agent"

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

	database, err := history.Connect(ctx, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect database")
	}
	defer func() {
		if err := history.Close(database); err != nil {
			log.Error().Err(err).Msg("close database")
		}
	}()

	if err := history.Migrate(ctx, database); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	store, err := history.NewStore(database)
	if err != nil {
		log.Fatal().Err(err).Msg("create history store")
	}

	client, err := restic.New(restic.Settings{
		Repository:        cfg.Repository(),
		Password:          cfg.ResticPassword,
		S3AccessKeyID:     cfg.S3AccessKeyID,
		S3SecretAccessKey: cfg.S3SecretAccessKey,
		S3Region:          cfg.S3Region,
		BackupPath:        cfg.BackupPath,
		ExcludePatterns:   cfg.ExcludePatterns,
		Retention: restic.RetentionPolicy{
			KeepLast:    cfg.KeepLast,
			KeepDaily:   cfg.KeepDaily,
			KeepWeekly:  cfg.KeepWeekly,
			KeepMonthly: cfg.KeepMonthly,
		},
		BackupTimeout: cfg.BackupTimeout,
		CheckTimeout:  cfg.CheckTimeout,
	}, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("create restic client")
	}

	var reporter engine.StatsReporter
	if cfg.ConductorURL != "" {
		conductorClient, err := conductor.New(cfg.ConductorURL)
		if err != nil {
			log.Fatal().Err(err).Msg("create conductor client")
		}
		reporter = conductorClient
	}

	var notifier engine.Notifier
	if cfg.DiscordWebhookURL != "" {
		notifier = notify.NewDiscord(cfg.DiscordWebhookURL, log.Logger)
	}

	var eventBus *bus.Bus
	if cfg.NATSURL != "" {
		eventBus, err = bus.New(cfg.NATSURL)
		if err != nil {
			log.Fatal().Err(err).Msg("connect nats")
		}
		defer eventBus.Close()
	}

	eng, err := engine.New(client, engine.Options{
		MachineID:  cfg.MachineID,
		BackupPath: cfg.BackupPath,
		Notifier:   notifier,
		Reporter:   reporter,
		Bus:        eventBus,
		Log:        log.Logger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("create engine")
	}

	historySink, err := history.NewSink(ctx, store)
	if err != nil {
		log.Fatal().Err(err).Msg("create history sink")
	}

	apiLayer, err := api.New(client, eng, store, historySink, reporter, api.Config{
		MachineID:   cfg.MachineID,
		BearerToken: cfg.BearerToken,
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
		log.Info().Str("addr", cfg.Addr).Str("machine_id", cfg.MachineID).Msg("starting snapfleet-agent")
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
