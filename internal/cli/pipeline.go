package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/storyfactory/internal/orchestrator"
	"github.com/lucasnoah/storyfactory/internal/pipeline"
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Drive and inspect a story's pipeline",
}

// command issues one orchestrator command.
type command func(ctx context.Context, a *app) (*orchestrator.Snapshot, error)

// runPipeline issues a command and then drives the story's control loop until
// it completes, fails, or stops for a decision. Ctrl-C stops the running
// agent and leaves the phase to be resumed.
func runPipeline(cmd *cobra.Command, id string, issue command) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, cleanup, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if _, err := issue(ctx, a); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		a.orch.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		fmt.Fprintln(cmd.ErrOrStderr(), "Interrupted, stopping pipeline. Run 'factory pipeline resume' to continue.")
		a.orch.Close()
	}

	snap, err := a.orch.Status(id)
	if err != nil {
		return err
	}
	return printSnapshot(cmd, snap)
}

var pipelineStartCmd = &cobra.Command{
	Use:   "start <id>",
	Short: "Start a story's pipeline and run it until it completes or waits",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		auto, _ := cmd.Flags().GetBool("auto-approve")
		return runPipeline(cmd, args[0], func(ctx context.Context, a *app) (*orchestrator.Snapshot, error) {
			return a.orch.StartPipeline(ctx, args[0], auto || a.cfg.Pipeline.AutoApproveAll)
		})
	},
}

var pipelineApproveCmd = &cobra.Command{
	Use:   "approve <id> <phase>",
	Short: "Approve or reject a phase waiting for approval",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		phase, err := pipeline.ParsePhase(args[1])
		if err != nil {
			return err
		}
		reject, _ := cmd.Flags().GetBool("reject")
		comment, _ := cmd.Flags().GetString("comment")
		return runPipeline(cmd, args[0], func(ctx context.Context, a *app) (*orchestrator.Snapshot, error) {
			return a.orch.ApprovePhase(ctx, args[0], phase, !reject, comment)
		})
	},
}

var pipelineRetryCmd = &cobra.Command{
	Use:   "retry <id> <auto-fix|manual-fix|skip-tests|abort>",
	Short: "Decide how a failed build/test phase continues",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		action, err := pipeline.ParseRetryAction(args[1])
		if err != nil {
			return err
		}
		comment, _ := cmd.Flags().GetString("comment")
		return runPipeline(cmd, args[0], func(ctx context.Context, a *app) (*orchestrator.Snapshot, error) {
			return a.orch.ApproveRetry(ctx, args[0], action, comment)
		})
	},
}

var pipelineResumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Restart a stopped pipeline from its current phase",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(cmd, args[0], func(ctx context.Context, a *app) (*orchestrator.Snapshot, error) {
			return a.orch.ResumePipeline(ctx, args[0])
		})
	},
}

var pipelineCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a story's pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		snap, err := a.orch.CancelPipeline(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printSnapshot(cmd, snap)
	},
}

var pipelineStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show a story's pipeline snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		snap, err := a.orch.Status(args[0])
		if err != nil {
			return err
		}
		return printSnapshot(cmd, snap)
	},
}

func init() {
	pipelineStartCmd.Flags().Bool("auto-approve", false, "Approve every gated phase automatically")
	pipelineApproveCmd.Flags().Bool("reject", false, "Reject the phase instead of approving it")
	pipelineApproveCmd.Flags().String("comment", "", "Reviewer comment")
	pipelineRetryCmd.Flags().String("comment", "", "Reviewer comment")

	for _, c := range []*cobra.Command{
		pipelineStartCmd,
		pipelineApproveCmd,
		pipelineRetryCmd,
		pipelineResumeCmd,
		pipelineCancelCmd,
		pipelineStatusCmd,
	} {
		c.Flags().Bool("json", false, "Print the snapshot as JSON")
		pipelineCmd.AddCommand(c)
	}
}
