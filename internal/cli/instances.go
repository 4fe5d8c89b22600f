package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/KafClaw/wabridge/internal/config"
	"github.com/KafClaw/wabridge/internal/credstore"
	"github.com/KafClaw/wabridge/internal/instance"
)

var purgeYes bool

var instancesCmd = &cobra.Command{
	Use:   "instances",
	Short: "Inspect and purge stored instance credentials",
}

var instancesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List instances with stored credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		ids, err := store.List()
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No stored instances.")
			return nil
		}
		for _, id := range ids {
			paired := "✗"
			if store.Exists(id) {
				paired = "✓"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", paired, id)
		}
		return nil
	},
}

var instancesPurgeCmd = &cobra.Command{
	Use:   "purge <instanceId>",
	Short: "Delete the stored credentials of an instance (forces a new QR pairing)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		if err := instance.ValidateID(id); err != nil {
			return err
		}
		if !purgeYes {
			return fmt.Errorf("refusing to purge %s without --yes; stop the bridge first", id)
		}
		store, err := openStore()
		if err != nil {
			return err
		}
		if err := store.Purge(id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "🗑️ Purged credentials of %s\n", id)
		return nil
	},
}

func init() {
	instancesPurgeCmd.Flags().BoolVar(&purgeYes, "yes", false, "Confirm deletion")
	instancesCmd.AddCommand(instancesListCmd)
	instancesCmd.AddCommand(instancesPurgeCmd)
}

func openStore() (*credstore.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return credstore.New(cfg.Credentials, nil)
}
