package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/storyfactory/internal/db"
)

var eventsCmd = &cobra.Command{
	Use:   "events [id]",
	Short: "Show the audit trail of a story, or recent events across all stories",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		limit, _ := cmd.Flags().GetInt("limit")
		var events []db.PipelineEvent
		if len(args) == 1 {
			if _, err := a.store.GetStory(args[0]); err != nil {
				return err
			}
			events, err = a.events.ListPipelineEvents(cmd.Context(), args[0])
		} else {
			events, err = a.events.RecentEvents(cmd.Context(), limit)
		}
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(cmd, events)
		}
		if len(events) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No events found.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tSTORY\tEVENT\tPHASE\tATTEMPT\tDETAIL")
		for _, e := range events {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
				e.Timestamp.Format("2006-01-02 15:04:05"), truncate(e.StoryID, 8), e.Event, e.Phase, e.Attempt, truncate(e.Detail, 60))
		}
		return w.Flush()
	},
}

func init() {
	eventsCmd.Flags().Int("limit", 50, "Number of recent events to show without a story id")
	eventsCmd.Flags().Bool("json", false, "Print events as JSON")
}
