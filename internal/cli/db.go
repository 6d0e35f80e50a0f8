package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/storyfactory/internal/config"
	"github.com/lucasnoah/storyfactory/internal/db"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Event log database management",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply event log schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		// Opening the event log migrates it.
		events, err := db.OpenEventLog(cmd.Context(), cfg.Storage.DatabaseURL, cfg.SQLiteFile())
		if err != nil {
			return err
		}
		defer events.Close()
		fmt.Fprintf(cmd.OutOrStdout(), "Event log at %s is up to date.\n", describeEventLog(cfg))
		return nil
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop and recreate the event log (destructive!)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return fmt.Errorf("refusing to reset the event log without --yes")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		events, err := db.OpenEventLog(cmd.Context(), cfg.Storage.DatabaseURL, cfg.SQLiteFile())
		if err != nil {
			return err
		}
		defer events.Close()
		if err := events.Reset(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Event log at %s reset.\n", describeEventLog(cfg))
		return nil
	},
}

// describeEventLog names the backend without leaking credentials.
func describeEventLog(cfg *config.Config) string {
	if cfg.Storage.DatabaseURL != "" {
		return "postgres"
	}
	return cfg.SQLiteFile()
}

func init() {
	dbResetCmd.Flags().Bool("yes", false, "Confirm the reset")
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbResetCmd)
}
