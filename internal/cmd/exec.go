package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/Iron-Ham/foreman/internal/event"
	"github.com/Iron-Ham/foreman/internal/session"
	"github.com/spf13/cobra"
)

var execCmd = &cobra.Command{
	Use:   "exec --project <path> [--timeout 30s] -- <command...>",
	Short: "Run one command in a project session",
	Long: `Run a single command in a persistent shell for the project directory and
print the result as JSON.

The arguments after -- are joined with spaces and passed to the shell, so
pipes and redirections work when quoted:

  foreman exec --project ./shop -- 'npm test 2>&1 | tail -5'

The exit status is non-zero when the command fails or times out.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExec,
}

var (
	execProject string
	execTimeout time.Duration
)

func init() {
	execCmd.Flags().StringVarP(&execProject, "project", "p", "", "Project directory (relative paths resolve against workspace.root)")
	execCmd.Flags().DurationVar(&execTimeout, "timeout", 0, "Command timeout (default: session.command_timeout_seconds)")
	_ = execCmd.MarkFlagRequired("project")
	rootCmd.AddCommand(execCmd)
}

func runExec(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Close()

	registry := session.NewRegistry(cfg.Session.ShellConfig(), event.NewBus(logger), logger)
	runner := session.NewRunner(registry, session.RunnerOptions{
		WorkspaceRoot:  cfg.WorkspaceRoot(),
		DefaultTimeout: cfg.Session.CommandTimeout(),
	}, logger)
	defer runner.Close()

	res := runner.RunInSession(cmd.Context(), execProject, strings.Join(args, " "), execTimeout)

	out := struct {
		session.Result
		DurationMs int64  `json:"durationMs"`
		Error      string `json:"error,omitempty"`
	}{
		Result:     res,
		DurationMs: res.Duration.Milliseconds(),
		Error:      res.ErrorMessage(),
	}
	if err := printJSON(cmd.OutOrStdout(), out); err != nil {
		return err
	}
	if !res.Success {
		cmd.SilenceErrors = true
		return fmt.Errorf("command failed: %s", res.ErrorMessage())
	}
	return nil
}
