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

	"github.com/wikiware/wikiware/backend/internal/auth"
	"github.com/wikiware/wikiware/backend/internal/config"
	"github.com/wikiware/wikiware/backend/internal/database"
	"github.com/wikiware/wikiware/backend/internal/logging"
	"github.com/wikiware/wikiware/backend/internal/pages"
	"github.com/wikiware/wikiware/backend/internal/presence"
	"github.com/wikiware/wikiware/backend/internal/server"
	"github.com/wikiware/wikiware/backend/internal/users"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "wikiware-api",
		Short: "WikiWare branch-aware wiki backend",
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
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().Int("lease-seconds", defaults.GetInt("presence.lease_seconds"), "Edit lease TTL in seconds")
	cmd.PersistentFlags().Int("housekeeping-seconds", defaults.GetInt("presence.housekeeping_seconds"), "Room housekeeping interval in seconds")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "presence.lease_seconds", "lease-seconds")
	bindFlag(cmd, "presence.housekeeping_seconds", "housekeeping-seconds")
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

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningKey),
		Issuer:        appConfig.AuthIssuer,
		CookieName:    appConfig.AuthCookieName,
	})
	if err != nil {
		return err
	}

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AuthSigningKey),
		Issuer:        appConfig.AuthIssuer,
		TokenTTL:      appConfig.TokenTTL,
	})

	usersService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	pagesService, err := pages.NewService(pages.ServiceConfig{
		Database: db,
		Logger:   logger,
		Counters: usersService,
	})
	if err != nil {
		return err
	}

	presenceService, err := presence.NewService(presence.ServiceConfig{
		Database:          db,
		Logger:            logger,
		LeaseTTL:          appConfig.LeaseTTL,
		MaxAhead:          appConfig.LeaseMaxAhead,
		HeartbeatThrottle: appConfig.HeartbeatThrottle,
	})
	if err != nil {
		return err
	}

	hub := presence.NewHub(presence.HubConfig{
		Roster:   presenceService.Roster,
		Interval: appConfig.HousekeepingInterval,
		Logger:   logger,
	})
	defer hub.Shutdown()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		TokenIssuer:      tokenIssuer,
		Pages:            pagesService,
		Users:            usersService,
		Presence:         presenceService,
		Hub:              hub,
		Logger:           logger,
		AllowedOrigins:   appConfig.AllowedOrigins,
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
