package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var storyCmd = &cobra.Command{
	Use:   "story",
	Short: "Create and manage user stories",
}

var storyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new story",
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		content, _ := cmd.Flags().GetString("content")
		contentFile, _ := cmd.Flags().GetString("content-file")
		codebase, _ := cmd.Flags().GetString("codebase")

		if contentFile != "" {
			if content != "" {
				return fmt.Errorf("--content and --content-file are mutually exclusive")
			}
			data, err := os.ReadFile(contentFile)
			if err != nil {
				return fmt.Errorf("read content file: %w", err)
			}
			content = string(data)
		}

		a, cleanup, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		story, err := a.orch.CreateStory(cmd.Context(), title, content, codebase)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), story.ID)
		return nil
	},
}

var storyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stories with their derived status",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		stories, err := a.store.ListStories()
		if err != nil {
			return err
		}
		if len(stories) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No stories found.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tCREATED\tTITLE")
		for _, s := range stories {
			status, err := a.store.Status(s.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, status, s.CreatedAt.Format("2006-01-02 15:04"), truncate(s.Title, 50))
		}
		return w.Flush()
	},
}

var storyShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a story, its status and its tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		story, err := a.store.GetStory(args[0])
		if err != nil {
			return err
		}
		status, err := a.store.Status(story.ID)
		if err != nil {
			return err
		}
		tasks, err := a.store.GetTasks(story.ID)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "ID:       %s\n", story.ID)
		fmt.Fprintf(out, "Title:    %s\n", story.Title)
		fmt.Fprintf(out, "Status:   %s\n", status)
		if story.Codebase != "" {
			fmt.Fprintf(out, "Codebase: %s\n", story.Codebase)
		}
		if story.Content != "" {
			fmt.Fprintf(out, "\n%s\n", story.Content)
		}
		return printTasks(cmd, tasks)
	},
}

var storyDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a story and its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		if err := a.orch.DeleteStory(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted story %s\n", args[0])
		return nil
	},
}

var storyResetCmd = &cobra.Command{
	Use:   "reset <id>",
	Short: "Drop a story's tasks and pipeline state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		if err := a.orch.ResetStory(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Reset story %s\n", args[0])
		return nil
	},
}

func init() {
	storyCreateCmd.Flags().String("title", "", "Story title")
	storyCreateCmd.Flags().String("content", "", "Story body")
	storyCreateCmd.Flags().String("content-file", "", "Read the story body from a file")
	storyCreateCmd.Flags().String("codebase", "", "Working directory agents run in")
	storyCreateCmd.MarkFlagRequired("title")

	storyCmd.AddCommand(storyCreateCmd)
	storyCmd.AddCommand(storyListCmd)
	storyCmd.AddCommand(storyShowCmd)
	storyCmd.AddCommand(storyDeleteCmd)
	storyCmd.AddCommand(storyResetCmd)
}
