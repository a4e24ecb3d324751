package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/releasebell/releasebell/internal/auth"
	"github.com/releasebell/releasebell/internal/config"
	"github.com/releasebell/releasebell/internal/database"
	"github.com/releasebell/releasebell/internal/engine"
	"github.com/releasebell/releasebell/internal/logging"
	"github.com/releasebell/releasebell/internal/mail"
	"github.com/releasebell/releasebell/internal/provider"
	"github.com/releasebell/releasebell/internal/server"
	"github.com/releasebell/releasebell/internal/store"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "releasebell",
		Short: "Release tracking and notification service",
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
	cmd.PersistentFlags().Duration("sync-interval", defaults.GetDuration("sync.interval"), "Delay between sweeps")
	cmd.PersistentFlags().String("app-origin", defaults.GetString("app.origin"), "Public base URL used in notification mails")
	cmd.PersistentFlags().String("signing-secret", "", "API token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "sync.interval", "sync-interval")
	bindFlag(cmd, "app.origin", "app-origin")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

	repositories, err := store.New(store.Config{
		Database:   db,
		IDProvider: store.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	registry := provider.NewRegistry(appConfig.Adapters)
	logger.Info("provider adapters mapped", zap.Strings("types", registry.MappedTypes()))

	mailer := mail.NewMailer(mail.Config{
		Host:     appConfig.SMTP.Host,
		Port:     appConfig.SMTP.Port,
		Username: appConfig.SMTP.Username,
		Password: appConfig.SMTP.Password,
		From:     appConfig.SMTP.From,
	}, logger)
	if mailer.Configured() {
		logger.Info("email notifications enabled", zap.String("from", appConfig.SMTP.From))
	} else {
		logger.Warn("no email configuration found, notifications are logged only")
	}

	syncEngine, err := engine.New(engine.Config{
		Store:            repositories,
		Providers:        registry,
		Mailer:           mailer,
		Logger:           logger,
		AppOrigin:        appConfig.AppOrigin,
		Interval:         appConfig.Sync.Interval,
		StaleAfter:       appConfig.Sync.StaleAfter,
		BodyLimit:        appConfig.Sync.BodyLimit,
		StorageBodyLimit: appConfig.Sync.StorageBodyLimit,
	})
	if err != nil {
		return err
	}

	scheduler := engine.NewScheduler(syncEngine, logger)
	defer scheduler.Stop()

	tokenManager, err := auth.NewTokenManager(auth.TokenManagerConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		Audience:      appConfig.AuthAudience,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		Store:        repositories,
		Engine:       syncEngine,
		Scheduler:    scheduler,
		Providers:    registry,
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

	// first sweep starts right away; the scheduler re-arms itself
	go scheduler.Run(signalCtx)

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
