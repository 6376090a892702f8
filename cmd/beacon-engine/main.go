package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/proximity-beacon/beacon-engine/internal/api"
	"github.com/proximity-beacon/beacon-engine/internal/config"
	"github.com/proximity-beacon/beacon-engine/internal/engine"
	"github.com/proximity-beacon/beacon-engine/internal/metrics"
	"github.com/proximity-beacon/beacon-engine/internal/radio"
	"github.com/proximity-beacon/beacon-engine/internal/radio/ble"
	"github.com/proximity-beacon/beacon-engine/internal/server"
	"github.com/proximity-beacon/beacon-engine/internal/storage"
	"github.com/proximity-beacon/beacon-engine/pkg/beacon"
	"github.com/proximity-beacon/beacon-engine/pkg/crypto"
)

func main() {
	var configPath = flag.String("config", "config/beacon-engine.yml", "Configuration file path")
	var validateOnly = flag.Bool("validate", false, "Validate the configuration and exit")
	var showConfig = flag.Bool("show-config", false, "Print the configuration summary and exit")
	var hashPassword = flag.String("hash-password", "", "Print the bcrypt hash of a password for operators[].password_hash and exit")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if *hashPassword != "" {
		hash, err := crypto.HashPassword(*hashPassword)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to hash password")
		}
		fmt.Println(hash)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config_path", *configPath).Msg("Failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Log.Level).Msg("Invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if *showConfig {
		cfg.PrintConfigSummary()
		return
	}

	if *validateOnly {
		cfg.PrintConfigSummary()
		fmt.Println("Configuration is valid")
		return
	}

	cfg.WarnInsecureDefaults()
	ensureSecrets(cfg)

	codes, err := codeSource(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build code source")
	}

	profile, _ := cfg.Profile()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	central, peripheral, runRadio := openRadio(cfg)

	eng, err := engine.New(engine.Config{
		Profile:         profile,
		RescanInterval:  cfg.Engine.RescanInterval,
		ExpiryThreshold: cfg.Engine.ExpiryThreshold,
		QueueSize:       cfg.Engine.QueueSize,
	}, central, peripheral, codes)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create engine")
	}

	// the adapter reports its initial state once handlers are installed
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := runRadio(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Bluetooth adapter stopped")
		}
	}()

	eng.RegisterObserver(engine.ObserverFuncs{
		OnDetect: func(code beacon.Code, rssi beacon.SignalStrength) {
			log.Info().Stringer("code", code).Int("rssi", int(rssi)).Msg("Peer detected")
		},
		OnRadioStateChanged: func(state radio.State) {
			log.Info().Stringer("state", state).Msg("Radio state changed")
		},
	})

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		m := metrics.NewObserver()
		eng.RegisterObserver(m)
		metricsHandler = m.Handler()
	}

	if cfg.NATS.URL != "" {
		nc, err := connectNATS(cfg, "beacon-engine")
		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to NATS, continuing without NATS support")
		} else {
			defer nc.Close()
			log.Info().Str("url", cfg.NATS.URL).Msg("Connected to NATS")

			eng.RegisterObserver(server.NewNATSPublisher(nc, cfg.NATS.SubjectPrefix, cfg.Server.Name))

			commands := server.NewCommandSubscriber(nc, eng, cfg.NATS.SubjectPrefix)
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := commands.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Error().Err(err).Msg("Engine command subscriber stopped")
				}
			}()
		}
	} else {
		log.Info().Msg("NATS not configured, running in standalone mode")
	}

	var store storage.Store
	if cfg.Database.DSN != "" {
		pg, err := storage.NewPostgresStore(cfg.Database.DSN, storage.PoolOptions{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to database, detection history disabled")
		} else {
			defer pg.Close()
			store = pg
		}
	}

	var apiServer *api.RESTServer
	if cfg.API.Enabled {
		apiServer = api.NewRESTServer(cfg, eng, store, metricsHandler)

		wg.Add(1)
		go func() {
			defer wg.Done()
			addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
			if err := apiServer.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("REST API server failed")
				cancel()
			}
		}()
	}

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := eng.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Engine stopped")
		}
	}()

	if cfg.Engine.AutoStart {
		if err := eng.Start("startup"); err != nil {
			log.Error().Err(err).Msg("Failed to start engine")
		}
	}

	log.Info().
		Str("config_path", *configPath).
		Str("radio", cfg.Radio.Adapter).
		Dur("rescan_interval", cfg.Engine.RescanInterval).
		Msg("Beacon engine started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")
	case <-ctx.Done():
	}

	cancel()

	if apiServer != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown API server gracefully")
		}
		done()
	}

	<-engineDone
	wg.Wait()

	log.Info().Msg("Beacon engine stopped")
}

// ensureSecrets fills empty secrets with per-run random values
func ensureSecrets(cfg *config.Config) {
	if cfg.JWT.Secret == "" {
		s, err := crypto.GenerateRandomString(32)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to generate JWT secret")
		}
		cfg.JWT.Secret = s
	}
	if cfg.Codes.Secret == "" {
		s, err := crypto.GenerateRandomString(32)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to generate code secret")
		}
		cfg.Codes.Secret = s
	}
}

func codeSource(cfg *config.Config) (beacon.CodeSource, error) {
	epoch, err := cfg.CodeEpoch()
	if err != nil {
		return nil, err
	}
	codes, err := beacon.NewDailyCodes([]byte(cfg.Codes.Secret), epoch, cfg.Codes.ChainLength)
	if err != nil {
		return nil, err
	}
	if codes.Exhausted(time.Now()) {
		log.Warn().
			Time("epoch", epoch).
			Msg("Code chain exhausted, codes now repeat; set a new codes.secret and codes.epoch")
	}
	return codes, nil
}

// openRadio returns the radio roles selected by radio.adapter and the loop
// that drives them
func openRadio(cfg *config.Config) (radio.Central, radio.Peripheral, func(context.Context) error) {
	if cfg.Radio.Adapter == "none" {
		log.Warn().Msg("Radio disabled by configuration")
		return radio.DisabledCentral{}, radio.DisabledPeripheral{}, func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		}
	}

	adapter, err := ble.New(ble.Options{
		LocalName:         cfg.Radio.LocalName,
		NotifyInterval:    cfg.Radio.NotifyInterval,
		DiscoveryInterval: cfg.Radio.DiscoveryInterval,
	})
	if err != nil {
		log.Error().Err(err).Msg("Bluetooth adapter unavailable")
	}
	return adapter.Central(), adapter.Peripheral(), adapter.Run
}

func connectNATS(cfg *config.Config, name string) (*nats.Conn, error) {
	return nats.Connect(cfg.NATS.URL,
		nats.Name(name),
		nats.UserInfo(cfg.NATS.Username, cfg.NATS.Password),
		nats.ReconnectWait(cfg.NATS.ReconnectInterval),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Msg("Reconnected to NATS")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Error().
				Err(err).
				Str("subject", subject).
				Msg("NATS error")
		}),
	)
}
