package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/api"
	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/auth"
	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/config"
	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/database"
	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/fleet"
	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/pubsub"
	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/webhook"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func init() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

func main() {
	configPath := flag.String("config", getEnv("FLEET_CONFIG", ""), "Path to YAML configuration file")
	listenAddr := flag.String("listen", "", "HTTP listen address (overrides config)")
	dbDriver := flag.String("db-driver", "", "Storage driver: file, badger, sqlite3 or postgres (overrides config)")
	dbDSN := flag.String("db-dsn", "", "Storage location or connection string (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *dbDriver != "" {
		cfg.Database.Driver = *dbDriver
	}
	if *dbDSN != "" {
		cfg.Database.DSN = *dbDSN
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	cfg.Log.ConfigureZerolog()

	store, err := database.New(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Database.Driver).Msg("Failed to open store")
	}
	log.Info().Str("driver", cfg.Database.Driver).Msg("Store initialized")

	svc := fleet.New(store, cfg.Fleet)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Load(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to restore fleet state")
	}

	if cfg.NATS.URL != "" {
		sink, err := pubsub.NewNATSSink(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("Failed to connect event bridge")
		}
		defer sink.Close()
		svc.AddSink(sink)
	}

	var hooks *webhook.Service
	if len(cfg.Webhooks) > 0 {
		hooks = webhook.NewService(cfg.Webhooks)
		svc.AddSink(hooks)
	}

	var authn *auth.Authenticator
	if cfg.Auth.Enabled() {
		authn = auth.NewAuthenticator(
			auth.NewJWTManager(cfg.Auth.JWTSecretKey, cfg.Auth.TokenExpiry),
			cfg.Auth.OperatorAccounts(),
		)
		log.Info().Int("operators", len(cfg.Auth.Operators)).Msg("Operator authentication enabled")
	} else {
		log.Warn().Msg("JWT_SECRET_KEY not set, operator API is unauthenticated")
	}

	server := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      api.New(svc, authn, api.Config{AllowedOrigins: cfg.Server.AllowedOrigins}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	svc.Start(ctx)

	errChan := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.ListenAddr).Msg("Starting fleet orchestrator")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case err := <-errChan:
		log.Error().Err(err).Msg("Server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during HTTP shutdown")
	}
	cancel()

	if err := svc.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing fleet service")
	}
	if hooks != nil {
		hooks.Wait()
	}

	log.Info().Msg("Fleet orchestrator stopped")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
