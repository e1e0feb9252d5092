package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/trymwestin/simplisafe/internal/core/session"
	"github.com/trymwestin/simplisafe/internal/core/state"
	"github.com/trymwestin/simplisafe/internal/httpapi"
	"github.com/trymwestin/simplisafe/internal/mqtt"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sess, err := login(ctx, cfg, log)
	if err != nil {
		return err
	}

	bus := state.NewEventBus(log.With("component", "bus"))
	store := state.NewStore(bus, log.With("component", "store"))
	mon := session.NewMonitor(sess, store, session.MonitorOptions{
		PollInterval: cfg.Poll.Interval,
		Stream:       cfg.Stream.Enabled,
	}, log.With("component", "monitor"))
	if err := mon.Start(ctx); err != nil {
		return err
	}

	var pub mqtt.Publisher = mqtt.NewStubPublisher(log)
	if cfg.MQTT.Enabled {
		pub = mqtt.NewHAPublisher(cfg.MQTT, mon, store, bus, log.With("component", "mqtt"))
	}
	if err := pub.Start(ctx); err != nil {
		_ = mon.Stop(context.Background())
		return err
	}

	api := httpapi.NewServer(cfg.HTTP, mon, store, log.With("component", "http"))
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP API listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(
			srv.Shutdown(shutCtx),
			pub.Stop(shutCtx),
			mon.Stop(shutCtx),
		)
	})

	err = g.Wait()
	if sess.API().RefreshTokenDirty() {
		log.Info("refresh token rotated; update account.refresh_token to skip the password next time")
	}
	return err
}
