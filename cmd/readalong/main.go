package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/snarg/readalong/internal/api"
	"github.com/snarg/readalong/internal/config"
	"github.com/snarg/readalong/internal/engine"
	"github.com/snarg/readalong/internal/events"
	"github.com/snarg/readalong/internal/inbox"
	"github.com/snarg/readalong/internal/journal"
	"github.com/snarg/readalong/internal/metrics"
	"github.com/snarg/readalong/internal/mqttclient"
	"github.com/snarg/readalong/internal/playback"
	"github.com/snarg/readalong/internal/speech"
	"github.com/snarg/readalong/internal/storage"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	startTime := time.Now()

	var overrides config.Overrides
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file (default: .env)")
	flag.StringVar(&overrides.HTTPAddr, "listen", "", "HTTP listen address (overrides HTTP_ADDR)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	flag.StringVar(&overrides.DatabaseURL, "database-url", "", "Postgres journal URL (overrides DATABASE_URL)")
	flag.StringVar(&overrides.MQTTBrokerURL, "mqtt-url", "", "MQTT broker URL (overrides MQTT_BROKER_URL)")
	flag.StringVar(&overrides.CacheDir, "cache-dir", "", "audio cache directory (overrides AUDIO_CACHE_DIR)")
	flag.StringVar(&overrides.InboxDir, "inbox-dir", "", "watched script directory (overrides INBOX_DIR)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("readalong %s (commit=%s, built=%s)\n", version, commit, buildTime)
		return
	}

	// Config
	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Str("commit", commit).Msg("readalong starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Audio cache
	store, services, err := storage.New(cfg.S3, cfg.Cache, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize audio cache")
	}
	for _, svc := range services {
		svc.Start()
	}
	defer func() {
		for _, svc := range services {
			svc.Stop()
		}
	}()
	log.Info().Str("type", store.Type()).Str("dir", cfg.Cache.Dir).Msg("audio cache ready")

	// Speech provider; without a key every request streams text only.
	var gen engine.Generator
	if cfg.ElevenLabs.Enabled() {
		el := cfg.ElevenLabs
		provider := speech.NewElevenLabsClient(speech.ElevenLabsOptions{
			APIKey:       el.APIKey,
			BaseURL:      el.BaseURL,
			VoiceID:      el.VoiceID,
			Model:        el.ModelID,
			OutputFormat: el.OutputFormat,
			Voice:        voiceParams(el),
		})
		gen = speech.NewClient(provider, speech.Options{
			MaxAttempts:       cfg.Speech.MaxAttempts,
			BaseDelay:         cfg.Speech.BaseDelay,
			Timeout:           cfg.Speech.Timeout,
			MaxTextLength:     cfg.Speech.MaxTextLength,
			RequestsPerSecond: cfg.Speech.RateLimit,
			Format:            el.OutputFormat,
			Cache:             store,
		}, log)
		log.Info().Str("provider", provider.Name()).Str("model", provider.Model()).Msg("speech provider configured")
	} else {
		log.Warn().Msg("ELEVENLABS_API_KEY not set, running in text-only mode")
	}

	// Session engine
	bus := events.NewBus(1024)
	eng := engine.New(engine.Options{
		Generator: gen,
		Device:    playback.NewVirtualDevice(),
		Settings:  settingsFrom(cfg),
		Log:       log,
	})
	eng.Subscribe(engine.BusListener{Bus: bus, Session: eng.Session()})
	eng.Start()
	defer eng.Close()

	health := api.HealthDeps{
		SpeechReady:  gen != nil,
		StorageType:  store.Type(),
		InboxEnabled: cfg.InboxDir != "",
	}
	var incidents api.IncidentSource

	// Journal (optional)
	var db *journal.DB
	if cfg.DatabaseURL != "" {
		db, err = journal.Connect(ctx, cfg.DatabaseURL, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to journal database")
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("journal migration failed")
		}
		rec := journal.NewRecorder(db, eng.Session(), log)
		unsubscribe := eng.Subscribe(rec)
		defer rec.Stop()
		defer unsubscribe()
		health.Database = db
		incidents = db
	}

	// Metrics collector reads live state at scrape time.
	prometheus.MustRegister(metrics.NewCollector(journalPool(db), sessionStats{eng: eng, bus: bus}))

	g, gctx := errgroup.WithContext(ctx)

	// MQTT (optional)
	if cfg.MQTTBrokerURL != "" {
		mc, err := mqttclient.Connect(mqttclient.Options{
			BrokerURL:   cfg.MQTTBrokerURL,
			ClientID:    cfg.MQTTClientID,
			TopicPrefix: cfg.MQTTTopicPrefix,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			Log:         log,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
		}
		defer mc.Close()
		bridge := mqttclient.NewBridge(mc, eng, bus, cfg.MQTTTopicPrefix, log)
		mc.SetMessageHandler(bridge.HandleMessage)
		g.Go(func() error { return bridge.Run(gctx) })
		health.MQTT = mc
	}

	// Inbox (optional)
	if cfg.InboxDir != "" {
		w := inbox.New(cfg.InboxDir, eng, log)
		if err := w.Start(gctx); err != nil {
			log.Fatal().Err(err).Str("dir", cfg.InboxDir).Msg("failed to start inbox watcher")
		}
		defer w.Stop()
	}

	// HTTP Server
	srv := api.NewServer(api.ServerOptions{
		Config:    cfg,
		Session:   eng,
		Events:    bus,
		Incidents: incidents,
		Health:    health,
		Version:   version,
		StartTime: startTime,
		Log:       log,
	})

	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutdown signal received")

		// Graceful shutdown with 10s timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server error")
	}

	log.Info().Msg("readalong stopped")
}
