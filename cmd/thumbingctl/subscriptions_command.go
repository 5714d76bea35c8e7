package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/weiawesome/thumbing/internal/app"
	"github.com/weiawesome/thumbing/internal/subscription"
)

func newSubscriptionsCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "subscriptions",
		Aliases: []string{"subs"},
		Short:   "Manage webhook subscriptions in the registry",
	}
	cmd.AddCommand(newSubscriptionsRegisterCommand(ctx))
	cmd.AddCommand(newSubscriptionsUnregisterCommand(ctx))
	cmd.AddCommand(newSubscriptionsListCommand(ctx))
	return cmd
}

// withService opens the configured registry for the duration of fn.
func (c *commandContext) withService(ctx context.Context, fn func(*subscription.Service) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	registry, err := app.OpenRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	defer registry.Close()

	svc, err := app.NewSubscriptionService(cfg, registry, nil)
	if err != nil {
		return err
	}
	return fn(svc)
}

func newSubscriptionsRegisterCommand(ctx *commandContext) *cobra.Command {
	var trusted bool

	cmd := &cobra.Command{
		Use:   "register <endpoint-url>",
		Short: "Register an endpoint and send it a confirmation request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			endpoint := args[0]
			return ctx.withService(cmd.Context(), func(svc *subscription.Service) error {
				if trusted {
					if err := svc.Seed(cmd.Context(), []string{endpoint}, true); err != nil {
						return err
					}
				} else if _, err := svc.Subscribe(cmd.Context(), endpoint); err != nil {
					return err
				}

				subs, err := svc.List(cmd.Context())
				if err != nil {
					return err
				}
				for _, s := range subs {
					if s.EndpointURL == endpoint {
						fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", s.ID, s.Status, s.EndpointURL)
						return nil
					}
				}
				return fmt.Errorf("%s: %w", endpoint, subscription.ErrNotFound)
			})
		},
	}

	cmd.Flags().BoolVar(&trusted, "confirmed", false, "Confirm the endpoint without the handshake")
	return cmd
}

func newSubscriptionsUnregisterCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "unregister <endpoint-url>",
		Short: "Remove the subscription for an endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withService(cmd.Context(), func(svc *subscription.Service) error {
				if err := svc.Unsubscribe(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "unregistered %s\n", args[0])
				return nil
			})
		},
	}
}

func newSubscriptionsListCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered subscriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withService(cmd.Context(), func(svc *subscription.Service) error {
				subs, err := svc.List(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(subs)
				}
				if len(subs) == 0 {
					fmt.Fprintln(out, "no subscriptions")
					return nil
				}
				fmt.Fprintln(out, renderTable(
					[]string{"ID", "Endpoint", "Status", "Failures", "Updated"},
					subscriptionRows(subs),
				))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func subscriptionRows(subs []subscription.Subscription) [][]string {
	rows := make([][]string, 0, len(subs))
	for _, s := range subs {
		rows = append(rows, []string{
			s.ID,
			s.EndpointURL,
			string(s.Status),
			strconv.Itoa(s.ConsecutiveFailures),
			s.UpdatedAt.Format(time.RFC3339),
		})
	}
	return rows
}
