package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/org/secretbroker/internal/api"
	"github.com/org/secretbroker/internal/audit"
	"github.com/org/secretbroker/internal/broker"
	"github.com/org/secretbroker/internal/crypto"
	"github.com/org/secretbroker/internal/rotation"
	"github.com/org/secretbroker/internal/secrets"
	"github.com/org/secretbroker/internal/storage"
)

type config struct {
	ListenAddr    string `yaml:"listen_addr"`
	TLSCertFile   string `yaml:"tls_cert"`
	TLSKeyFile    string `yaml:"tls_key"`
	DBUrl         string `yaml:"db_url"`
	MigrationsDir string `yaml:"migrations_dir"`
	LogLevel      string `yaml:"log_level"`
	OperatorKey   string `yaml:"operator_key"`

	MasterPassword string `yaml:"master_password"`
	// TokenPassword keys proxy-token mappings. Empty derives a separate
	// subkey from the master password, so the two stores never share a
	// decryption path either way.
	TokenPassword string `yaml:"token_password"`

	RotationCheckSeconds int  `yaml:"rotation_check_seconds"`
	NotifyIncludeValue   bool `yaml:"notify_include_value"`
	NotifyTimeoutSeconds int  `yaml:"notify_timeout_seconds"`

	SweepSeconds        int `yaml:"sweep_seconds"`
	PendingRequestHours int `yaml:"pending_request_hours"`
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfgFile := "config.yaml"
	if v := os.Getenv("BROKER_CONFIG"); v != "" {
		cfgFile = v
	}

	cfg := config{
		ListenAddr:           ":8300",
		MigrationsDir:        "migrations",
		LogLevel:             "info",
		RotationCheckSeconds: 60,
		NotifyTimeoutSeconds: 10,
		SweepSeconds:         30,
		PendingRequestHours:  24,
	}

	if data, err := os.ReadFile(cfgFile); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatal().Err(err).Msg("failed to parse config")
		}
	} else {
		log.Warn().Str("file", cfgFile).Msg("config file not found, using defaults")
	}

	// Env overrides
	if v := os.Getenv("BROKER_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DBUrl = v
	}
	if v := os.Getenv("BROKER_MASTER_PASSWORD"); v != "" {
		cfg.MasterPassword = v
	}
	if v := os.Getenv("BROKER_OPERATOR_KEY"); v != "" {
		cfg.OperatorKey = v
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.DBUrl == "" {
		log.Fatal().Msg("db_url must be configured (or DATABASE_URL env var)")
	}
	if cfg.MasterPassword == "" {
		log.Fatal().Msg("master_password must be configured (or BROKER_MASTER_PASSWORD env var)")
	}

	ctx := context.Background()

	store, err := storage.NewPostgresStore(ctx, cfg.DBUrl)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer store.Close()

	if err := storage.RunMigrations(cfg.DBUrl, cfg.MigrationsDir); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}
	log.Info().Msg("migrations applied")

	tokenPassword := cfg.TokenPassword
	if tokenPassword == "" {
		tokenPassword, err = crypto.DeriveSubkey(cfg.MasterPassword, "proxy-tokens")
		if err != nil {
			log.Fatal().Err(err).Msg("failed to derive token key")
		}
	}

	sink := audit.NewSink(store)
	secretSvc := secrets.NewService(store, sink, cfg.MasterPassword)

	notifier := rotation.NewWebhookNotifier(time.Duration(cfg.NotifyTimeoutSeconds) * time.Second)
	scheduler := rotation.NewScheduler(store, secretSvc, sink, notifier, rotation.Config{
		Interval:                  time.Duration(cfg.RotationCheckSeconds) * time.Second,
		AllowValueInNotifications: cfg.NotifyIncludeValue,
	}, log.Logger)

	brk := broker.New(store, secretSvc, sink, tokenPassword, broker.Config{
		SweepInterval:     time.Duration(cfg.SweepSeconds) * time.Second,
		PendingRequestTTL: time.Duration(cfg.PendingRequestHours) * time.Hour,
	}, log.Logger)

	loopCtx, stopLoops := context.WithCancel(ctx)
	if err := scheduler.Start(loopCtx); err != nil {
		log.Fatal().Err(err).Msg("failed to start rotation scheduler")
	}
	if err := brk.Start(loopCtx); err != nil {
		log.Fatal().Err(err).Msg("failed to start broker sweeper")
	}

	srv := api.NewServer(store, secretSvc, scheduler, brk, sink, api.Config{
		ListenAddr:  cfg.ListenAddr,
		TLSCertFile: cfg.TLSCertFile,
		TLSKeyFile:  cfg.TLSKeyFile,
		OperatorKey: cfg.OperatorKey,
	})
	srv.StartGaugeLoop(loopCtx, 30*time.Second)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	log.Info().Str("addr", cfg.ListenAddr).Msg("server started")
	<-quit

	log.Info().Msg("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	stopLoops()
	scheduler.Stop()
	brk.Stop()
	log.Info().Msg("server stopped")
}
