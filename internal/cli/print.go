package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/storyfactory/internal/orchestrator"
	"github.com/lucasnoah/storyfactory/internal/pipeline"
)

func writeJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

// printSnapshot renders a pipeline snapshot as text, or as JSON with --json.
func printSnapshot(cmd *cobra.Command, snap *orchestrator.Snapshot) error {
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return writeJSON(cmd, snap)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Story:   %s  %s\n", snap.StoryID, snap.Title)
	fmt.Fprintf(out, "Status:  %s\n", snap.Status)
	if len(snap.Phases) == 0 {
		fmt.Fprintln(out, "Pipeline not started.")
		return printTasks(cmd, snap.Tasks)
	}
	state := "idle"
	if snap.Running {
		state = "running"
	}
	if snap.Cancelled {
		state = "cancelled"
	}
	fmt.Fprintf(out, "Phase:   %s (%s)\n\n", snap.CurrentPhase, state)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PHASE\tSTATE\tATTEMPT\tMESSAGE")
	for _, ps := range snap.Phases {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", ps.Phase, ps.State, ps.RetryAttempt, truncate(ps.Message, 60))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if info := snap.RetryInfo; info != nil {
		fmt.Fprintf(out, "\nRetry %d/%d after %s in %s\n", info.CurrentAttempt, info.MaxAttempts, info.Reason, info.FailedPhase)
		if info.LastError != "" {
			fmt.Fprintf(out, "  error: %s\n", truncate(info.LastError, 100))
		}
		if ts := info.TestSummary; ts != nil {
			fmt.Fprintf(out, "  tests: %d passed, %d failed (%d existing broken, %d new failing)\n",
				ts.Passed, ts.Failed, ts.ExistingTestsFailed, ts.NewTestsFailed)
		}
		for _, ft := range info.FixTasks {
			fmt.Fprintf(out, "  fix: %s\n", ft.Title)
		}
		if len(info.AllowedActions) > 0 {
			actions := make([]string, len(info.AllowedActions))
			for i, a := range info.AllowedActions {
				actions[i] = string(a)
			}
			fmt.Fprintf(out, "  actions: %s\n", strings.Join(actions, ", "))
		}
	}
	return printTasks(cmd, snap.Tasks)
}

func printTasks(cmd *cobra.Command, tasks []pipeline.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout())
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "#\tTYPE\tSTATUS\tTITLE")
	for _, t := range tasks {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", t.Index, t.Type, t.Status, truncate(t.Title, 60))
	}
	return w.Flush()
}
