package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/noteroom/internal/apiclient"
	"github.com/MarcoPoloResearchLab/noteroom/internal/editor"
	"github.com/MarcoPoloResearchLab/noteroom/internal/liveclient"
	"github.com/MarcoPoloResearchLab/noteroom/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const envPrefix = "NOTEROOM"

var errMissingNote = errors.New("--note is required")

func main() {
	settings := viper.New()
	rootCmd := &cobra.Command{
		Use:          "noteroom-edit",
		Short:        "Co-edit a note from the terminal",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEditor(cmd.Context(), settings)
		},
	}

	setupFlags(rootCmd, settings)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command, settings *viper.Viper) {
	settings.SetEnvPrefix(envPrefix)
	settings.AutomaticEnv()

	flags := cmd.Flags()
	flags.String("server", "http://localhost:8080", "Base URL of the noteroom API")
	flags.String("note", "", "Id of the note to edit")
	flags.String("session-token", "", "Session cookie value (or NOTEROOM_SESSION_TOKEN)")
	flags.String("cookie-name", "app_session", "Session cookie name")
	flags.Duration("autosave-quiet", 2*time.Second, "Quiet period before an edit is saved")
	flags.Duration("reconnect-interval", time.Second, "Delay between relay reconnect attempts")
	flags.Duration("idle-timeout", time.Minute, "Silence after which the relay connection is presumed dead")
	flags.String("log-level", "warn", "Log level (debug, info, warn, error)")

	for _, name := range []string{"server", "note", "session-token", "cookie-name", "autosave-quiet", "reconnect-interval", "idle-timeout", "log-level"} {
		if err := settings.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
}

func runEditor(ctx context.Context, settings *viper.Viper) error {
	noteID := settings.GetString("note")
	if noteID == "" {
		return errMissingNote
	}

	logger, err := logging.NewLoggerWithEncoding(settings.GetString("log-level"), logging.EncodingConsole)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := apiclient.New(apiclient.Config{
		BaseURL:      settings.GetString("server"),
		SessionToken: settings.GetString("session-token"),
		CookieName:   settings.GetString("cookie-name"),
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	profile, err := client.Me(signalCtx)
	if err != nil {
		return fmt.Errorf("identify session: %w", err)
	}

	noteEditor, err := editor.Open(signalCtx, editor.Config{
		NoteID:        noteID,
		Store:         client,
		QuietInterval: settings.GetDuration("autosave-quiet"),
		Logger:        logger.Named("editor"),
	})
	if err != nil {
		return err
	}

	loop := newCommandLoop(noteEditor, os.Stdout)
	connection, err := liveclient.Open(signalCtx, liveclient.Config{
		URL:               client.RelayURL(),
		Header:            client.SessionHeader(),
		RoomID:            noteID,
		UserID:            profile.UserID,
		DisplayName:       profile.DisplayName,
		OnRemoteChange:    loop.applyRemote,
		OnStatusChange:    loop.reportConnection,
		ReconnectInterval: settings.GetDuration("reconnect-interval"),
		IdleTimeout:       settings.GetDuration("idle-timeout"),
		Logger:            logger.Named("live"),
	})
	if err != nil {
		return err
	}
	noteEditor.Attach(connection)
	defer noteEditor.Close()

	logger.Debug("editing note", zap.String("note_id", noteID), zap.String("user_id", profile.UserID))
	loop.printf("editing %q as %s (%s)\n", noteEditor.State().Title, profile.DisplayName, noteEditor.StatusLine())
	return loop.run(signalCtx, os.Stdin)
}
