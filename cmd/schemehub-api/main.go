package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/schemehub/internal/actors"
	"github.com/MarcoPoloResearchLab/schemehub/internal/audit"
	"github.com/MarcoPoloResearchLab/schemehub/internal/config"
	"github.com/MarcoPoloResearchLab/schemehub/internal/database"
	"github.com/MarcoPoloResearchLab/schemehub/internal/lease"
	"github.com/MarcoPoloResearchLab/schemehub/internal/logging"
	"github.com/MarcoPoloResearchLab/schemehub/internal/schemes"
	"github.com/MarcoPoloResearchLab/schemehub/internal/server"
	"github.com/MarcoPoloResearchLab/schemehub/internal/session"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "schemehub-api",
		Short: "Scheme curation backend service",
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
	cmd.PersistentFlags().Int("lease-ttl-seconds", defaults.GetInt("lease.ttl_seconds"), "Edit lease TTL in seconds")
	cmd.PersistentFlags().String("seed-path", defaults.GetString("seed.path"), "JSON seed file imported when the store is empty")
	cmd.PersistentFlags().String("actor-header", defaults.GetString("actor.header"), "Request header carrying the actor name")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "lease.ttl_seconds", "lease-ttl-seconds")
	bindFlag(cmd, "seed.path", "seed-path")
	bindFlag(cmd, "actor.header", "actor-header")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		// An explicitly named config file must load; a missing or malformed
		// file is fatal rather than a silent fall-through to defaults.
		viper.SetConfigFile(cfgFile)
		return viper.ReadInConfig()
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
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

	schemeStore, err := schemes.NewStore(schemes.StoreConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	if appConfig.SeedPath != "" {
		result, err := schemeStore.SeedFromFile(ctx, appConfig.SeedPath)
		if err != nil {
			return err
		}
		if result.Inserted > 0 {
			logger.Info("seeded empty scheme store", zap.String("summary", result.String()))
		}
	}

	leaseManager, err := lease.NewManager(lease.ManagerConfig{
		Database: db,
		TTL:      appConfig.LeaseTTL,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	auditLog, err := audit.NewLog(audit.LogConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	actorService, err := actors.NewService(actors.ServiceConfig{
		Database: db,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	tokenManager := session.NewTokenManager(session.TokenManagerConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
		Issuer:        "schemehub-api",
		Audience:      "schemehub-ui",
		TokenTTL:      appConfig.SessionTokenTTL(),
	})

	dispatcher := server.NewEventDispatcher()

	controller, err := session.NewController(session.ControllerConfig{
		SchemeStore:  schemeStore,
		LeaseManager: leaseManager,
		AuditLog:     auditLog,
		TokenManager: tokenManager,
		Actors:       actorService,
		Events:       dispatcher,
		Clock:        time.Now,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SchemeStore:  schemeStore,
		LeaseManager: leaseManager,
		AuditLog:     auditLog,
		Controller:   controller,
		Actors:       actorService,
		Dispatcher:   dispatcher,
		ActorHeader:  appConfig.ActorHeader,
		Clock:        time.Now,
		Logger:       logger,
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
