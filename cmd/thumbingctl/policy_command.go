package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/weiawesome/thumbing/internal/app"
	"github.com/weiawesome/thumbing/internal/policy"
)

func newPolicyCommand(ctx *commandContext) *cobra.Command {
	var principal string
	var asTable bool

	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Print the store grants the processing worker needs",
		Long: "Print the identity policy granting the worker object reads and writes on the\n" +
			"ingestion and output stores, ready to attach to its role.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			grants, err := policy.WorkerGrants(principal, cfg.Stores.IngestionBucket, cfg.Stores.OutputBucket)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asTable {
				rows := make([][]string, 0, len(grants))
				for _, g := range grants {
					ops := make([]string, 0, len(g.Operations))
					for _, op := range g.Operations {
						ops = append(ops, string(op))
					}
					rows = append(rows, []string{g.Principal, g.Resource(), strings.Join(ops, ", ")})
				}
				fmt.Fprintln(out, renderTable([]string{"Principal", "Resource", "Operations"}, rows))
				return nil
			}

			doc, err := policy.Render(grants...).JSON()
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(doc))
			return nil
		},
	}

	cmd.Flags().StringVar(&principal, "principal", app.WorkerPrincipal, "Principal the grants are issued to")
	cmd.Flags().BoolVar(&asTable, "table", false, "Show the grants as a table instead of a policy document")
	return cmd
}
