package cmd

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/Iron-Ham/foreman/internal/config"
	"github.com/Iron-Ham/foreman/internal/task"
	"github.com/Iron-Ham/foreman/internal/taskqueue"
	"github.com/spf13/cobra"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue --category <category> --project <path>",
	Short: "Add a task to a category queue on the redis broker",
	Long: `Add a task to a category queue on the redis broker. A running
'foreman serve' picks it up.

Examples:
  foreman enqueue --category pm --stage generate-prd --project ./shop --project-id shop
  foreman enqueue --category dev --project ./shop --param story=1.2 --input branch=feature/cart`,
	Args: cobra.NoArgs,
	RunE: runEnqueue,
}

var statsCmd = &cobra.Command{
	Use:   "stats [category]",
	Short: "Show queue counts per category",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStats,
}

var pauseCmd = &cobra.Command{
	Use:   "pause <category>",
	Short: "Stop workers from starting new tasks in a category",
	Long: `Stop workers from starting new tasks in a category. Tasks already running
finish normally. The pause lasts until 'foreman resume'.`,
	Args: cobra.ExactArgs(1),
	RunE: runPause,
}

var resumeCmd = &cobra.Command{
	Use:   "resume <category>",
	Short: "Resume a paused category",
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Remove a task that has not started yet",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var (
	enqueueID          string
	enqueueCategory    string
	enqueueStage       string
	enqueueProject     string
	enqueueProjectID   string
	enqueueProjectName string
	enqueueUserID      string
	enqueueParams      map[string]string
	enqueueInput       map[string]string
	enqueueJSON        bool

	statsJSON bool
)

func init() {
	enqueueCmd.Flags().StringVar(&enqueueID, "id", "", "Task ID (default: generated)")
	enqueueCmd.Flags().StringVar(&enqueueCategory, "category", "", "Task category (analyse, pm, ux-expert, architect, po, dev)")
	enqueueCmd.Flags().StringVar(&enqueueStage, "stage", "", "Stage within the category")
	enqueueCmd.Flags().StringVarP(&enqueueProject, "project", "p", "", "Project directory")
	enqueueCmd.Flags().StringVar(&enqueueProjectID, "project-id", "", "Project identifier (default: project directory name)")
	enqueueCmd.Flags().StringVar(&enqueueProjectName, "project-name", "", "Human-readable project name")
	enqueueCmd.Flags().StringVar(&enqueueUserID, "user-id", "", "Requesting user")
	enqueueCmd.Flags().StringToStringVar(&enqueueParams, "param", nil, "Task parameter key=value (repeatable)")
	enqueueCmd.Flags().StringToStringVar(&enqueueInput, "input", nil, "Stage input key=value (repeatable)")
	enqueueCmd.Flags().BoolVar(&enqueueJSON, "json", false, "Print the queued task as JSON")
	_ = enqueueCmd.MarkFlagRequired("category")
	_ = enqueueCmd.MarkFlagRequired("project")

	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "Output statistics as JSON")

	rootCmd.AddCommand(enqueueCmd, statsCmd, pauseCmd, resumeCmd, cancelCmd)
}

// withQueue runs fn against the redis broker without starting workers.
func withQueue(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) (err error) {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Close()

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, logger, appOptions{driver: config.DriverRedis})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.close(); err == nil {
			err = cerr
		}
	}()
	return fn(ctx, a)
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	t := buildTask()
	return withQueue(cmd, func(ctx context.Context, a *app) error {
		queued, err := a.dispatcher.Enqueue(ctx, t)
		if err != nil {
			return fmt.Errorf("failed to enqueue: %w", err)
		}
		if enqueueJSON {
			return printJSON(cmd.OutOrStdout(), queued)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Queued %s (%s, %d attempts)\n", queued.ID, queued.Category, queued.MaxAttempts)
		return nil
	})
}

func buildTask() *task.Task {
	projectID := enqueueProjectID
	if projectID == "" && enqueueProject != "" {
		projectID = filepath.Base(filepath.Clean(enqueueProject))
	}
	t := &task.Task{
		ID:       enqueueID,
		Category: task.Category(enqueueCategory),
		Stage:    task.Stage(enqueueStage),
		Context: task.ProjectContext{
			ProjectID:   projectID,
			ProjectName: enqueueProjectName,
			UserID:      enqueueUserID,
			ProjectPath: enqueueProject,
		},
	}
	if len(enqueueParams) > 0 {
		t.Parameters = make(map[string]any, len(enqueueParams))
		for k, v := range enqueueParams {
			t.Parameters[k] = v
		}
	}
	if len(enqueueInput) > 0 {
		t.Context.StageInput = make(map[string]any, len(enqueueInput))
		for k, v := range enqueueInput {
			t.Context.StageInput[k] = v
		}
	}
	return t
}

func runStats(cmd *cobra.Command, args []string) error {
	return withQueue(cmd, func(ctx context.Context, a *app) error {
		var stats []taskqueue.Stats
		if len(args) == 1 {
			s, err := a.dispatcher.Stats(ctx, task.Category(args[0]))
			if err != nil {
				return err
			}
			stats = []taskqueue.Stats{s}
		} else {
			all, err := a.dispatcher.AllStats(ctx)
			if err != nil {
				return err
			}
			stats = all
		}

		if statsJSON {
			return printJSON(cmd.OutOrStdout(), stats)
		}
		printStats(cmd.OutOrStdout(), stats)
		return nil
	})
}

func printStats(w io.Writer, stats []taskqueue.Stats) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CATEGORY\tWAITING\tACTIVE\tCOMPLETED\tFAILED\tSTATE")
	for _, s := range stats {
		state := "running"
		if s.Paused {
			state = "paused"
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\n", s.Category, s.Waiting, s.Active, s.Completed, s.Failed, state)
	}
	tw.Flush()
}

func runPause(cmd *cobra.Command, args []string) error {
	return withQueue(cmd, func(ctx context.Context, a *app) error {
		if err := a.dispatcher.Pause(ctx, task.Category(args[0])); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Paused %s\n", args[0])
		return nil
	})
}

func runResume(cmd *cobra.Command, args []string) error {
	return withQueue(cmd, func(ctx context.Context, a *app) error {
		if err := a.dispatcher.Resume(ctx, task.Category(args[0])); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Resumed %s\n", args[0])
		return nil
	})
}

func runCancel(cmd *cobra.Command, args []string) error {
	return withQueue(cmd, func(ctx context.Context, a *app) error {
		if err := a.dispatcher.Cancel(ctx, args[0]); err != nil {
			return err
		}
		if a.store != nil {
			markCancelled(ctx, a, args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s\n", args[0])
		return nil
	})
}

// markCancelled updates the stored record of a task cancelled from outside
// the serving process.
func markCancelled(ctx context.Context, a *app, id string) {
	t, err := a.store.GetTask(ctx, id)
	if err != nil {
		a.logger.Debug("no stored record for cancelled task", "task_id", id, "error", err)
		return
	}
	now := time.Now()
	t.Status = task.StatusCancelled
	t.UpdatedAt = now
	t.FinishedAt = &now
	if err := a.store.SaveTask(ctx, t); err != nil {
		a.logger.Warn("failed to record cancellation", "task_id", id, "error", err)
	}
}
