package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/remit/pkg/audit"
)

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit hash chain",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Recompute every link of the audit chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry(cmd.Context())
			if err != nil {
				return err
			}
			defer reg.Close()

			if err := reg.Audit.VerifyChain(cmd.Context()); err != nil {
				return fmt.Errorf("audit chain: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "audit chain OK")
			return nil
		},
	})

	logCmd := &cobra.Command{
		Use:   "log",
		Short: "Print audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, _ := cmd.Flags().GetString("target")
			after, _ := cmd.Flags().GetInt64("after")
			limit, _ := cmd.Flags().GetInt("limit")

			reg, err := openRegistry(cmd.Context())
			if err != nil {
				return err
			}
			defer reg.Close()

			entries, err := reg.Audit.Entries(cmd.Context(), audit.Filter{Target: target, AfterID: after, Limit: limit})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entries)
		},
	}
	logCmd.Flags().StringP("target", "t", "", "Only entries for this target (period key or kid)")
	logCmd.Flags().Int64("after", 0, "Only entries with a greater id")
	logCmd.Flags().IntP("limit", "n", 100, "Maximum entries")
	cmd.AddCommand(logCmd)
	return cmd
}
