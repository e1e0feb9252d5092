package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/trymwestin/simplisafe/internal/config"
	"github.com/trymwestin/simplisafe/internal/core/session"
	"github.com/trymwestin/simplisafe/internal/logging"
)

// configPath points at the YAML configuration file. A missing file is fine:
// defaults and SIMPLISAFE_* environment variables still apply.
var configPath string

var rootCmd = &cobra.Command{
	Use:   "simplisafed",
	Short: "SimpliSafe cloud bridge",
	Long: `simplisafed logs in to the SimpliSafe cloud, keeps the state of every alarm
system current from the real-time event stream and periodic polling, and
exposes it to Home Assistant over MQTT and to scripts over HTTP.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "simplisafe.yaml", "path to the YAML configuration file")
	rootCmd.AddCommand(serveCmd, systemsCmd, eventsCmd, watchCmd)
}

// loadConfig reads and validates the configuration and builds the logger.
func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, nil, err
	}
	log := logging.NewLogger(logging.LoggerConfig{
		Format: cfg.Log.Format,
		Level:  logging.ParseLevel(cfg.Log.Level),
		Output: os.Stderr,
	})
	return cfg, log, nil
}

// login prefers a saved refresh token and falls back to the password.
func login(ctx context.Context, cfg config.Config, log *slog.Logger) (*session.Session, error) {
	opts := session.Options{API: cfg.API, Stream: cfg.Stream, Logger: log}

	if tok := cfg.Account.RefreshToken; tok != "" {
		sess, err := session.LoginViaToken(ctx, tok, opts)
		if err == nil || cfg.Account.Password == "" {
			return sess, err
		}
		log.Warn("refresh token login failed, trying password", "error", err)
	}
	sess, err := session.LoginViaCredentials(ctx, cfg.Account.Email, cfg.Account.Password, opts)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	return sess, nil
}
