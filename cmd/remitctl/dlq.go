package main

import (
	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/remit/pkg/dlq"
)

func dlqCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered work",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List queued items",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry(cmd.Context())
			if err != nil {
				return err
			}
			defer reg.Close()

			items, err := reg.DLQ.List(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), items)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "replay [id...]",
		Short: "Replay the given items, or every due item",
		Long: `Replay re-runs queued work. Items whose backoff has not elapsed are
reported SKIPPED and left untouched.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry(cmd.Context())
			if err != nil {
				return err
			}
			defer reg.Close()

			var outcomes []dlq.Outcome
			if len(args) == 0 {
				outcomes, err = reg.DLQ.ReplayDue(cmd.Context())
			} else {
				outcomes, err = reg.DLQ.Replay(cmd.Context(), args)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), outcomes)
		},
	})
	return cmd
}
