package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

// configFile is the --config flag shared by every subcommand.
var configFile string

var rootCmd = &cobra.Command{
	Use:   "factory",
	Short: "storyfactory — drives user stories through an agent pipeline",
	Long: `storyfactory takes a user story through analysis, planning, coding and the
build/test phases, pausing for approvals and coordinating fix-and-retry loops
when builds or tests fail.

Stories and pipeline state are stored as JSON under the data directory
(~/.factory by default); the audit trail lives in SQLite or PostgreSQL.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to factory config file")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(storyCmd)
	rootCmd.AddCommand(pipelineCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(serveCmd)
}
