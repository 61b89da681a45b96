package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

var (
	flagHome string
	flagDev  bool

	a *app
)

var rootCmd = &cobra.Command{
	Use:   "marmotctl",
	Short: "End-to-end encrypted group messaging over Nostr via MLS",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		built, err := newApp(cmd.Context(), flagHome, flagDev)
		if err != nil {
			return err
		}
		a = built
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if a != nil {
			a.close()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagHome, "home", "", "marmot identity home directory (default: discovered .marmot, else ~/.marmot)")
	rootCmd.PersistentFlags().BoolVar(&flagDev, "dev", false, "use development (console) logging")
}

// Execute runs the root command against a background context with a
// two-minute overall deadline, which every subcommand inherits through
// cmd.Context().
func Execute() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}
