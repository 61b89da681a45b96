package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var keypackageCmd = &cobra.Command{
	Use:     "keypackage",
	Aliases: []string{"kp"},
	Short:   "Manage published MLS key packages",
}

var kpRelays []string

var kpPublishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Generate a key package and publish it to relays",
	RunE: func(cmd *cobra.Command, args []string) error {
		relays := kpRelays
		if len(relays) == 0 {
			relays = a.cfg.Relays.KeyPackage
		}
		if len(relays) == 0 {
			return fmt.Errorf("no relays configured: pass --relays or set [relays].key_package in config.toml")
		}
		ref, err := a.client.PublishKeyPackage(cmd.Context(), relays)
		if err != nil {
			return fmt.Errorf("publish key package: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "published key package, local ref: %s\n", ref)
		return nil
	},
}

var kpDeleteCmd = &cobra.Command{
	Use:   "delete <ref> <event-id>",
	Short: "Remove a locally stored key package and publish its deletion",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		relays := kpRelays
		if len(relays) == 0 {
			relays = a.cfg.Relays.KeyPackage
		}
		if err := a.client.DeleteKeyPackage(cmd.Context(), args[0], args[1], relays); err != nil {
			return fmt.Errorf("delete key package: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "deleted")
		return nil
	},
}

var kpListCmd = &cobra.Command{
	Use:   "list",
	Short: "List locally stored key package references",
	RunE: func(cmd *cobra.Command, args []string) error {
		refs, err := a.client.ListKeyPackages(cmd.Context())
		if err != nil {
			return fmt.Errorf("list key packages: %w", err)
		}
		if len(refs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "(none)")
			return nil
		}
		for _, ref := range refs {
			fmt.Fprintln(cmd.OutOrStdout(), ref)
		}
		return nil
	},
}

func init() {
	keypackageCmd.PersistentFlags().StringSliceVar(&kpRelays, "relays", nil, "relays to use (default: [relays].key_package from config.toml)")
	keypackageCmd.AddCommand(kpPublishCmd, kpDeleteCmd, kpListCmd)
	rootCmd.AddCommand(keypackageCmd)
}
