package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/trymwestin/simplisafe/internal/core/event"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live events as JSON lines until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

func runWatch(cmd *cobra.Command, _ []string) error {
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

	enc := json.NewEncoder(cmd.OutOrStdout())
	st := sess.Stream()
	st.OnConnect(func() { log.Info("watching", "namespace", st.Namespace()) })
	st.OnDisconnect(func() { log.Warn("stream disconnected") })
	st.OnEvent(func(ev event.Event) {
		if err := enc.Encode(ev); err != nil {
			log.Error("failed to write event", "error", err)
		}
	})

	if err := st.Connect(ctx); err != nil {
		return fmt.Errorf("connect stream: %w", err)
	}
	<-ctx.Done()
	return sess.Close(context.WithoutCancel(ctx))
}
