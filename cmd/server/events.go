package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/t77yq/jules-scheduler/internal/config"
	"github.com/t77yq/jules-scheduler/internal/events"
	"github.com/t77yq/jules-scheduler/internal/logging"
	"github.com/t77yq/jules-scheduler/internal/model"
)

func newEventsCmd(v *viper.Viper, configFile *string) *cobra.Command {
	var kinds []string

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print schedule events from the NATS stream as JSON lines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, *configFile)
			if err != nil {
				return err
			}
			if cfg.Events.NATSURL == "" {
				return errors.New("no NATS server configured: set --nats-url or JULES_EVENTS_NATS_URL")
			}

			eventKinds := make([]model.ScheduleEventKind, 0, len(kinds))
			for _, kind := range kinds {
				eventKinds = append(eventKinds, model.ScheduleEventKind(kind))
			}
			return tailEvents(cmd.Context(), cfg, eventKinds)
		},
	}
	cmd.Flags().StringSliceVar(&kinds, "kind", nil, "only print these kinds: created, updated, deleted, fired, alert")
	return cmd
}

func tailEvents(parent context.Context, cfg *config.Config, kinds []model.ScheduleEventKind) error {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, js, err := events.Connect(ctx, events.ConnConfig{
		URL:            cfg.Events.NATSURL,
		Name:           appName + "-events",
		ConnectTimeout: cfg.Events.ConnectTimeout,
		MaxReconnects:  cfg.Events.MaxReconnects,
		ReconnectWait:  cfg.Events.ReconnectWait,
		ConnectRetries: cfg.Events.ConnectRetries,
	}, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	publisher, err := events.NewNATSPublisher(ctx, js, logger)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(os.Stdout)
	lines := make(chan events.Event, 64)
	if err := publisher.Subscribe(ctx, func(event events.Event) {
		select {
		case lines <- event:
		case <-ctx.Done():
		}
	}, kinds...); err != nil {
		return err
	}
	logger.Info("Tailing schedule events", zap.String("stream", events.StreamName))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-lines:
			if err := encoder.Encode(event); err != nil {
				return fmt.Errorf("failed to write event: %w", err)
			}
		}
	}
}
