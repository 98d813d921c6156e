package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/Iron-Ham/foreman/internal/config"
	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/task"
	"github.com/Iron-Ham/foreman/internal/taskqueue"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var runCmd = &cobra.Command{
	Use:   "run <tasks.yaml>",
	Short: "Run a task file to completion",
	Long: `Run every task in a YAML file on an in-process queue, wait until all of
them finish and print a summary.

Tasks may name the tasks they depend on; a task starts once all of its
dependencies are done and receives their outputs and artifacts. When a
task fails, the tasks that depend on it are skipped.

Example tasks file:
  - id: prd
    category: pm
    stage: generate-prd
    context:
      project_id: shop
      project_path: ./shop
  - id: dev
    category: dev
    stage: develop-story
    depends_on: [prd]
    context:
      project_id: shop
      project_path: ./shop

Exits non-zero when any task fails or is skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var runJSON bool

func init() {
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print outcomes as JSON")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	entries, err := readPlanFile(args[0])
	if err != nil {
		return err
	}
	plan, err := taskqueue.NewPlan(entries)
	if err != nil {
		return fmt.Errorf("invalid task file: %w", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, appOptions{
		command: "run " + args[0],
		driver:  config.DriverMemory,
		lock:    true,
	})
	if err != nil {
		return err
	}
	if err := a.dispatcher.Start(); err != nil {
		_ = a.close()
		return fmt.Errorf("failed to start workers: %w", err)
	}

	logger.Info("running task plan", "file", args[0], "tasks", plan.Len())
	outcomes, runErr := taskqueue.RunPlan(ctx, a.dispatcher, plan)
	closeErr := a.close()
	if runErr != nil {
		return runErr
	}
	if closeErr != nil {
		logger.Warn("shutdown incomplete", "error", closeErr)
	}

	if runJSON {
		if err := printJSON(cmd.OutOrStdout(), outcomes); err != nil {
			return err
		}
	} else {
		printOutcomes(cmd.OutOrStdout(), outcomes)
	}

	if plan.Failed() {
		return fmt.Errorf("%d of %d tasks did not complete", countUnfinished(outcomes), len(outcomes))
	}
	return nil
}

func readPlanFile(path string) ([]taskqueue.PlanEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}
	var entries []taskqueue.PlanEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse task file %s: %w", path, err)
	}
	return entries, nil
}

func printOutcomes(w io.Writer, outcomes []taskqueue.PlanOutcome) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCATEGORY\tSTAGE\tSTATUS\tATTEMPTS\tDETAIL")
	for _, o := range outcomes {
		detail := o.Error
		if detail == "" && len(o.Artifacts) > 0 {
			detail = strings.Join(o.Artifacts, ", ")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			o.ID, o.Category, o.Stage, o.Status, o.Attempts, errors.Truncate(detail, 80))
	}
	tw.Flush()
}

func countUnfinished(outcomes []taskqueue.PlanOutcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Status != string(task.StatusDone) {
			n++
		}
	}
	return n
}
