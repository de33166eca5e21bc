package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/remit/pkg/evidence"
	"github.com/Mindburn-Labs/remit/pkg/registry"
)

func proofsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proofs",
		Short: "Work with signed compliance proofs",
	}

	verifyCmd := &cobra.Command{
		Use:   "verify <proof.json>",
		Short: "Verify a proof offline against a public key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pubHex, _ := cmd.Flags().GetString("pubkey")
			if pubHex == "" {
				return errors.New("--pubkey is required")
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var p evidence.Proof
			if err := json.Unmarshal(data, &p); err != nil {
				return fmt.Errorf("decode proof: %w", err)
			}

			kid, pub, err := registry.ParsePublicKey(pubHex)
			if err != nil {
				return err
			}
			if kid != "default" && kid != p.KID {
				return fmt.Errorf("%w: proof signed by %s, key is %s", evidence.ErrProofInvalid, p.KID, kid)
			}
			if err := evidence.VerifyProof(&p, pub); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "proof OK: checksum %s signed by %s (%s)\n", p.Checksum, p.KID, hex.EncodeToString(pub)[:16])
			return nil
		},
	}
	verifyCmd.Flags().String("pubkey", "", "Signer public key as hex or kid=hex (REQUIRED)")
	cmd.AddCommand(verifyCmd)
	return cmd
}
