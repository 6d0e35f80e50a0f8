package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show phase durations, outcomes, retries and weekly throughput",
	RunE: func(cmd *cobra.Command, args []string) error {
		var since time.Time
		if d, _ := cmd.Flags().GetDuration("since"); d > 0 {
			since = time.Now().Add(-d)
		}

		a, cleanup, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		report, err := a.orch.Stats(cmd.Context(), since)
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(cmd, report)
		}
		if len(report.Outcomes) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No phase runs recorded.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PHASE\tRUNS\tCOMPLETED\tFAILED\tERRORS\tSKIPPED\tFIRST PASS")
		for _, o := range report.Outcomes {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%.1f%%\n", o.Phase, o.Total, o.Completed, o.Failed, o.Errors, o.Skipped, o.FirstPass)
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, "PHASE\tCOUNT\tAVG(s)\tP50(s)\tP95(s)")
		for _, d := range report.Durations {
			fmt.Fprintf(w, "%s\t%d\t%.1f\t%.1f\t%.1f\n", d.Phase, d.Count, d.Avg, d.P50, d.P95)
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, "PHASE\tSTORIES\t0 RETRIES\t1\t2\t3+")
		for _, r := range report.Retries {
			fmt.Fprintf(w, "%s\t%d\t%.1f%%\t%.1f%%\t%.1f%%\t%.1f%%\n", r.Phase, r.Stories, r.Zero, r.One, r.Two, r.ThreePlus)
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, "WEEK\tSTARTED\tCOMPLETED\tFAILED\tCANCELLED")
		for _, t := range report.Throughput {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", t.Period, t.Started, t.Completed, t.Failed, t.Cancelled)
		}
		return w.Flush()
	},
}

func init() {
	statsCmd.Flags().Duration("since", 0, "Only include activity from this long ago, e.g. 168h")
	statsCmd.Flags().Bool("json", false, "Print the report as JSON")
}
