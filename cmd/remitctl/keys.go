package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/remit/pkg/kms"
)

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage RPT signing keys",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all keys and their lifecycle status",
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			reg, err := openRegistry(cmd.Context())
			if err != nil {
				return err
			}
			defer reg.Close()

			keys := reg.Keys.Keys()
			if asJSON {
				return printJSON(cmd.OutOrStdout(), keys)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KID\tSTATUS\tCREATED\tGRACE ENDS")
			for _, k := range keys {
				grace := "-"
				if k.GraceEndsAt != nil {
					grace = k.GraceEndsAt.Format("2006-01-02 15:04")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", k.KID, k.Status, k.CreatedAt.Format("2006-01-02 15:04"), grace)
			}
			return tw.Flush()
		},
	}
	listCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	cmd.AddCommand(listCmd)

	rotateCmd := &cobra.Command{
		Use:       "rotate <prepare|cutover|retire|drill>",
		Short:     "Run one stage of the dual-controlled rotation ceremony",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"prepare", "cutover", "retire", "drill"},
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, err := kms.ParseStage(args[0])
			if err != nil {
				return err
			}
			actor, _ := cmd.Flags().GetString("actor")
			approver, _ := cmd.Flags().GetString("approver")
			kid, _ := cmd.Flags().GetString("kid")
			if actor == "" || approver == "" {
				return errors.New("--actor and --approver are required")
			}

			reg, err := openRegistry(cmd.Context())
			if err != nil {
				return err
			}
			defer reg.Close()

			res, err := reg.Rotator.Rotate(cmd.Context(), kms.RotationRequest{
				Stage:    stage,
				Actor:    actor,
				Approver: approver,
				KID:      kid,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	rotateCmd.Flags().String("actor", "", "Operator running the stage (REQUIRED)")
	rotateCmd.Flags().String("approver", "", "Second operator approving the stage (REQUIRED)")
	rotateCmd.Flags().String("kid", "", "Key to act on (cutover, retire)")
	cmd.AddCommand(rotateCmd)
	return cmd
}
