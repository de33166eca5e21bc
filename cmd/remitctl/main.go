// Command remitctl is the operator CLI. It works directly against the
// settlement database described by the same environment as the server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/remit/pkg/config"
	"github.com/Mindburn-Labs/remit/pkg/registry"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "remitctl",
		Short:         "remitctl - operator tooling for the settlement core",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(dlqCmd())
	rootCmd.AddCommand(proofsCmd())
	return rootCmd
}

// openRegistry wires the components from the environment. In lite mode the
// sealed key store and master key written by the server are reused; nothing
// new is generated.
func openRegistry(ctx context.Context) (*registry.Registry, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.LiteMode() {
		if cfg.KMSKeystore == "" {
			cfg.KMSKeystore = filepath.Join(cfg.DataDir, "keystore.json")
		}
		if cfg.KMSMasterKey == "" {
			mk, err := os.ReadFile(filepath.Join(cfg.DataDir, "master.key"))
			if err != nil {
				return nil, fmt.Errorf("lite mode: %w (start the server once to initialise %s)", err, cfg.DataDir)
			}
			cfg.KMSMasterKey = strings.TrimSpace(string(mk))
		}
	}
	regCfg, err := registry.FromConfig(cfg)
	if err != nil {
		return nil, err
	}
	regCfg.KMS.Bootstrap = false
	return registry.New(ctx, regCfg)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
