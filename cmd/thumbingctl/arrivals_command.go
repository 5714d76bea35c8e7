package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/weiawesome/thumbing/internal/app"
	"github.com/weiawesome/thumbing/internal/event"
	"github.com/weiawesome/thumbing/pkg/pubsub"
)

func newArrivalsCommand(ctx *commandContext) *cobra.Command {
	var (
		channel string
		limit   int
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "arrivals",
		Short: "Tail thumbnails accepted by receivers",
		Long: "Subscribes to the Redis channel receivers forward first-seen thumbnails on\n" +
			"(receiver.forward_channel) and prints each one until interrupted.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if channel == "" {
				channel = cfg.Receiver.ForwardChannel
			}
			if channel == "" {
				return errors.New("no channel: set receiver.forward_channel or pass --channel")
			}

			client, err := app.NewRedisClient(cmd.Context(), cfg.Redis)
			if err != nil {
				return err
			}
			defer client.Close()

			ps := pubsub.NewRedisPubSub(client)
			defer ps.Close()

			t := arrivalTail{sub: ps, channel: channel, limit: limit, json: jsonOut}
			return t.run(cmd.Context(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&channel, "channel", "", "Channel to tail (default receiver.forward_channel)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Stop after this many arrivals (0 tails until interrupted)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print raw events as JSON lines")
	return cmd
}

type arrivalTail struct {
	sub     pubsub.Subscriber
	channel string
	limit   int
	json    bool
}

func (t arrivalTail) run(ctx context.Context, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := t.sub.Subscribe(ctx, t.channel)
	if err != nil {
		return err
	}
	defer func() { _ = t.sub.Unsubscribe(context.Background(), t.channel) }()

	seen := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := t.print(out, ev); err != nil {
				return err
			}
			seen++
			if t.limit > 0 && seen >= t.limit {
				return nil
			}
		}
	}
}

func (t arrivalTail) print(out io.Writer, ev *pubsub.Event) error {
	if t.json {
		return json.NewEncoder(out).Encode(ev)
	}

	var msg event.NotificationMessage
	if ev.UnmarshalPayload(&msg) == nil && msg.Key != "" {
		_, err := fmt.Fprintf(out, "%s  %-20s %s  %s\n",
			ev.Timestamp.Local().Format(time.DateTime), ev.Type, msg.ObjectRef(), msg.EventID)
		return err
	}
	_, err := fmt.Fprintf(out, "%s  %-20s %s\n", ev.Timestamp.Local().Format(time.DateTime), ev.Type, ev.Subject)
	return err
}
