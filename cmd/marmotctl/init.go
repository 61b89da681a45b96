package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap a local marmot identity",
	Long: `init generates (or loads, if one already exists) the local identity's
signing key under the marmot home directory and writes a default
config.toml there if none exists yet.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pubkeyHex, err := a.signer.GetPublicKey(cmd.Context())
		if err != nil {
			return fmt.Errorf("resolve identity pubkey: %w", err)
		}

		if _, err := os.Stat(a.paths.ConfigTOML()); os.IsNotExist(err) {
			toml, err := a.cfg.ToTOML()
			if err != nil {
				return fmt.Errorf("render default config: %w", err)
			}
			if err := os.WriteFile(a.paths.ConfigTOML(), []byte(toml), 0o600); err != nil {
				return fmt.Errorf("write config.toml: %w", err)
			}
		}

		fmt.Fprintf(cmd.OutOrStdout(), "identity ready\n  home:   %s\n  pubkey: %s\n", a.paths.Home, pubkeyHex)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
