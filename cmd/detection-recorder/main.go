package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/proximity-beacon/beacon-engine/internal/config"
	"github.com/proximity-beacon/beacon-engine/internal/integration"
	"github.com/proximity-beacon/beacon-engine/internal/server"
	"github.com/proximity-beacon/beacon-engine/internal/storage"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "config/detection-recorder.yml", "Configuration file path")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.NATS.URL == "" {
		log.Fatal().Msg("nats.url is required")
	}

	store, err := storage.NewPostgresStore(cfg.Database.DSN, storage.PoolOptions{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate database")
	}
	log.Info().Msg("Connected to database")

	var forwarders integration.Multi
	if cfg.MQTT.Enabled {
		mf, err := integration.NewMQTTForwarder(cfg.MQTT)
		if err != nil {
			log.Warn().Err(err).Msg("MQTT forwarding disabled")
		} else {
			defer mf.Close()
			forwarders = append(forwarders, mf)
		}
	}
	if cfg.HTTPForward.Enabled {
		forwarders = append(forwarders, integration.NewHTTPForwarder(cfg.HTTPForward))
	}

	var forwarder server.Forwarder
	if len(forwarders) > 0 {
		forwarder = forwarders
	}

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name("beacon-detection-recorder"),
		nats.UserInfo(cfg.NATS.Username, cfg.NATS.Password),
		nats.ReconnectWait(cfg.NATS.ReconnectInterval),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Msg("Reconnected to NATS")
		}),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	defer nc.Close()

	recorder := server.NewRecorder(nc, store, cfg.NATS.SubjectPrefix, forwarder)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := recorder.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Detection recorder stopped")
			cancel()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		recorder.RunPruner(ctx, cfg.Retention.PruneInterval, cfg.Retention.DetectionTTL)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")
	case <-ctx.Done():
	}

	cancel()
	wg.Wait()

	log.Info().Msg("Detection recorder stopped")
}
