package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/logging"
	"github.com/Iron-Ham/foreman/internal/store"
	"github.com/Iron-Ham/foreman/internal/task"
	"github.com/spf13/cobra"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List recorded tasks",
	Long: `List tasks recorded in the task database, most recently updated first.

Every task enqueued through foreman is recorded, with its status updated
on each attempt. Use 'foreman tasks show <id>' for one task's details and
event history.`,
	Args: cobra.NoArgs,
	RunE: runTasks,
}

var tasksShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show one task and its events",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksShow,
}

var (
	tasksStatus   string
	tasksCategory string
	tasksProject  string
	tasksLimit    int
	tasksJSON     bool
)

func init() {
	tasksCmd.Flags().StringVar(&tasksStatus, "status", "", "Filter by status (pending, running, done, failed, cancelled)")
	tasksCmd.Flags().StringVar(&tasksCategory, "category", "", "Filter by category")
	tasksCmd.Flags().StringVar(&tasksProject, "project-id", "", "Filter by project ID")
	tasksCmd.Flags().IntVarP(&tasksLimit, "limit", "n", store.DefaultListLimit, "Maximum number of tasks")
	tasksCmd.PersistentFlags().BoolVar(&tasksJSON, "json", false, "Output as JSON")

	tasksCmd.AddCommand(tasksShowCmd)
	rootCmd.AddCommand(tasksCmd)
}

// openStore opens the configured task database for reading.
func openStore() (*store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if !cfg.Store.Enabled {
		return nil, fmt.Errorf("task store is disabled (store.enabled=false)")
	}
	return store.Open(cfg.StorePath(), logging.NopLogger())
}

func runTasks(cmd *cobra.Command, args []string) error {
	if tasksStatus != "" && !task.Status(tasksStatus).IsValid() {
		return errors.NewValidationError("unknown status").WithField("status").WithValue(tasksStatus)
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	tasks, err := st.ListTasks(cmd.Context(), store.ListFilter{
		Status:    task.Status(tasksStatus),
		Category:  task.Category(tasksCategory),
		ProjectID: tasksProject,
		Limit:     tasksLimit,
	})
	if err != nil {
		return err
	}

	if tasksJSON {
		return printJSON(cmd.OutOrStdout(), tasks)
	}
	if len(tasks) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No tasks found.")
		return nil
	}
	printTasks(cmd.OutOrStdout(), tasks)
	return nil
}

func printTasks(w io.Writer, tasks []*task.Task) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCATEGORY\tSTAGE\tSTATUS\tATTEMPT\tPROJECT\tUPDATED")
	for _, t := range tasks {
		attempt := fmt.Sprintf("%d/%d", t.Attempt, t.MaxAttempts)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Category, t.Stage, t.Status, attempt, t.Context.ProjectID, formatAge(t.UpdatedAt))
	}
	tw.Flush()
}

func runTasksShow(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	t, err := st.GetTask(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	events, err := st.Events(cmd.Context(), t.ID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if tasksJSON {
		return printJSON(out, struct {
			Task   *task.Task          `json:"task"`
			Events []store.EventRecord `json:"events"`
		}{t, events})
	}

	fmt.Fprintf(out, "Task:     %s\n", t.ID)
	fmt.Fprintf(out, "Category: %s\n", t.Category)
	if t.Stage != "" {
		fmt.Fprintf(out, "Stage:    %s\n", t.Stage)
	}
	fmt.Fprintf(out, "Status:   %s (%d%%)\n", t.Status, t.Progress)
	fmt.Fprintf(out, "Attempt:  %d/%d\n", t.Attempt, t.MaxAttempts)
	fmt.Fprintf(out, "Project:  %s (%s)\n", t.Context.ProjectID, t.Context.ProjectPath)
	if t.Error != "" {
		fmt.Fprintf(out, "Error:    %s\n", t.Error)
	}
	if t.Result != nil {
		if t.Result.NextStage != "" {
			fmt.Fprintf(out, "Next:     %s\n", t.Result.NextStage)
		}
		for _, p := range t.Result.ArtifactPaths() {
			fmt.Fprintf(out, "Artifact: %s\n", p)
		}
	}

	if len(events) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "EVENTS")
		for _, e := range events {
			fmt.Fprintf(out, "  %s  %s\n", e.Timestamp.Format("2006-01-02 15:04:05.000"), e.Type)
		}
	}
	return nil
}

// formatAge renders how long ago t was, rounded for a table column.
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("2006-01-02")
	}
}
