package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pagelift/coedit/backend/internal/auth"
	"github.com/pagelift/coedit/backend/internal/collab"
	"github.com/pagelift/coedit/backend/internal/config"
	"github.com/pagelift/coedit/backend/internal/database"
	"github.com/pagelift/coedit/backend/internal/documents"
	"github.com/pagelift/coedit/backend/internal/logging"
	"github.com/pagelift/coedit/backend/internal/server"
	"github.com/pagelift/coedit/backend/internal/transport"
	"github.com/pagelift/coedit/backend/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "coedit-api",
		Short: "CoEdit collaborative document backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("nats-address", defaults.GetString("nats.address"), "NATS server address (empty runs the in-process broker)")
	cmd.PersistentFlags().String("token-issuer", defaults.GetString("auth.token_issuer"), "Issuer claim for session tokens")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")
	cmd.PersistentFlags().Duration("session-grace", defaults.GetDuration("collab.session_grace"), "Idle grace before a document session is collected")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "nats.address", "nats-address")
	bindFlag(cmd, "auth.token_issuer", "token-issuer")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "collab.session_grace", "session-grace")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenService, err := auth.NewTokenService(auth.TokenServiceConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthTokenIssuer,
	})
	if err != nil {
		return err
	}

	documentService, err := documents.NewService(documents.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: documents.NewUUIDProvider(),
		Logger:     logging.NewComponentLogger(logger, "documents"),
	})
	if err != nil {
		return err
	}

	profileService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	broker, closeBroker, err := openBroker(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeBroker()

	registry := collab.NewSessionRegistry(time.Now)
	hub, err := server.NewRealtimeHub(server.RealtimeHubConfig{
		Registry:  registry,
		Broker:    broker,
		Documents: documentService,
		Logger:    logging.NewComponentLogger(logger, "realtime"),
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:    tokenService,
		Documents: documentService,
		Profiles:  profileService,
		Realtime:  hub,
		Logger:    logging.NewComponentLogger(logger, "http"),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sweepIdleSessions(signalCtx, registry, appConfig.SessionGrace, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// openBroker selects the pub/sub substrate: a NATS connection when an
// address is configured, otherwise the in-process broker for single-node
// deployments.
func openBroker(appConfig config.AppConfig, logger *zap.Logger) (transport.Broker, func(), error) {
	if appConfig.NATSAddress == "" {
		broker := transport.NewMemoryBroker()
		return broker, broker.Close, nil
	}
	broker, err := transport.NewNATSBroker(transport.NATSBrokerConfig{
		URL:    appConfig.NATSAddress,
		Name:   "coedit-api",
		Logger: logging.NewComponentLogger(logger, "nats"),
	})
	if err != nil {
		return nil, nil, err
	}
	return broker, broker.Close, nil
}

func sweepIdleSessions(ctx context.Context, registry *collab.SessionRegistry, grace time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(grace)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, documentID := range registry.SweepIdle(grace) {
				logger.Info("idle document session collected", zap.String("document_id", documentID.String()))
			}
		}
	}
}
