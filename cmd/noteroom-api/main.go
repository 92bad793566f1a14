package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/noteroom/internal/auth"
	"github.com/MarcoPoloResearchLab/noteroom/internal/config"
	"github.com/MarcoPoloResearchLab/noteroom/internal/database"
	"github.com/MarcoPoloResearchLab/noteroom/internal/logging"
	"github.com/MarcoPoloResearchLab/noteroom/internal/notes"
	"github.com/MarcoPoloResearchLab/noteroom/internal/relay"
	"github.com/MarcoPoloResearchLab/noteroom/internal/server"
	"github.com/MarcoPoloResearchLab/noteroom/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "noteroom-api",
		Short: "Noteroom notes API and live co-editing relay",
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
	cmd.PersistentFlags().StringSlice("allowed-origins", defaults.GetStringSlice("http.allowed_origins"), "Browser origins allowed to call the API")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("cookie-name", defaults.GetString("tauth.cookie_name"), "Session cookie name")
	cmd.PersistentFlags().String("session-issuer", defaults.GetString("tauth.issuer"), "Expected session token issuer")
	cmd.PersistentFlags().Int("relay-send-buffer", defaults.GetInt("relay.send_buffer"), "Frames buffered per relay session before dropping")
	cmd.PersistentFlags().Duration("relay-ping-interval", defaults.GetDuration("relay.ping_interval"), "Interval between relay keepalive pings")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "tauth.signing_secret", "signing-secret")
	bindFlag(cmd, "tauth.cookie_name", "cookie-name")
	bindFlag(cmd, "tauth.issuer", "session-issuer")
	bindFlag(cmd, "relay.send_buffer", "relay-send-buffer")
	bindFlag(cmd, "relay.ping_interval", "relay-ping-interval")
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
		if cfgFile != "" || !errors.As(err, &configNotFound) {
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
		SigningSecret: []byte(appConfig.TAuthSigningKey),
		Issuer:        appConfig.TAuthIssuer,
		CookieName:    appConfig.TAuthCookieName,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now})
	if err != nil {
		return err
	}

	notesService, err := notes.NewService(notes.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: notes.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	accessChecker, err := server.NewNoteAccessChecker(notesService)
	if err != nil {
		return err
	}
	registry := relay.NewRegistry()
	hub, err := relay.New(relay.Config{
		Registry:   registry,
		Access:     accessChecker,
		SendBuffer: appConfig.RelaySendBuffer,
		Logger:     logger.Named("relay"),
	})
	if err != nil {
		return err
	}
	transport, err := relay.NewWebSocketTransport(relay.TransportConfig{
		Relay:           hub,
		PingInterval:    appConfig.RelayPingInterval,
		MaxMessageBytes: appConfig.RelayMaxMessageBytes,
		AllowedOrigins:  appConfig.AllowedOrigins,
		Logger:          logger.Named("relay"),
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		Users:            userService,
		NotesService:     notesService,
		Relay:            transport,
		Registry:         registry,
		AllowedOrigins:   appConfig.AllowedOrigins,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		if err := hub.Run(signalCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("relay stopped", zap.Error(err))
		}
	}()

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
		// Shutdown does not wait for hijacked websocket connections; stopping
		// the relay closes their outbound streams.
		err := httpServer.Shutdown(shutdownCtx)
		<-relayDone
		return err
	case err := <-errCh:
		stop()
		<-relayDone
		return err
	}
}
