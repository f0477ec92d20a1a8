// Package main runs the in-memory development homeserver used by the SDK tests and
// for local experiments. All state is lost on exit.
//
// Every flag can also be set through a TCHAP_ environment variable (TCHAP_LISTEN,
// TCHAP_SERVER_NAME, ...) or a config file given with --config.
package main

import (
	"context"
	"errors"
	"fmt"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tchap/go-tchap-sdk/homeserver"
	"github.com/tchap/go-tchap-sdk/utils"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

const (
	flagListen     = "listen"
	flagServerName = "server-name"
	flagJWTSecret  = "jwt-secret"
	flagLogLevel   = "log-level"
	flagConfig     = "config"
	flagSyncMax    = "max-sync-timeout"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, utils.ToSerializableError(err))
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "tchap-homeserver",
		Short: "Runs an in-memory homeserver for end-to-end encryption development",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(v)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, v)
		},
	}
	cmd.PersistentFlags().String(flagListen, "127.0.0.1:8008", "Address to listen on")
	cmd.PersistentFlags().String(flagServerName, "localhost", "Domain part of user and room ids")
	cmd.PersistentFlags().String(flagJWTSecret, "", "Secret signing access tokens (random when empty)")
	cmd.PersistentFlags().String(flagLogLevel, "info", "Log level (trace, debug, info, warn, error)")
	cmd.PersistentFlags().Duration(flagSyncMax, time.Minute, "Longest /sync long-poll")
	cmd.PersistentFlags().String(flagConfig, "", "Optional config file (toml, yaml or json)")
	_ = v.BindPFlags(cmd.PersistentFlags())
	return cmd
}

func initConfig(v *viper.Viper) error {
	v.SetEnvPrefix("TCHAP")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if path := v.GetString(flagConfig); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("cannot read config %s: %w", path, err)
		}
	}
	return nil
}

func options(v *viper.Viper) (homeserver.Options, error) {
	level, err := zerolog.ParseLevel(v.GetString(flagLogLevel))
	if err != nil {
		return homeserver.Options{}, err
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMilli}).
		Level(level).With().Timestamp().Logger()
	return homeserver.Options{
		ServerName:     v.GetString(flagServerName),
		JWTSecret:      []byte(v.GetString(flagJWTSecret)),
		MaxSyncTimeout: v.GetDuration(flagSyncMax),
		Logger:         logger,
	}, nil
}

func run(ctx context.Context, v *viper.Viper) error {
	opts, err := options(v)
	if err != nil {
		return err
	}
	server, err := homeserver.New(opts)
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              v.GetString(flagListen),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()
	opts.Logger.Info().Str("listen", httpServer.Addr).Str("server_name", server.ServerName()).Msg("homeserver started")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	opts.Logger.Info().Msg("homeserver stopped")
	return nil
}
