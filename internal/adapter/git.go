package adapter

import (
	"context"
	"time"

	"github.com/Iron-Ham/foreman/internal/errors"
)

const gitTimeout = 2 * time.Minute

// commitChanges stages everything in the project and commits it. It is a
// no-op outside a git work tree or when nothing changed.
func commitChanges(ctx context.Context, runner Runner, projectPath, message string, push bool) error {
	run := func(cmd string) (bool, int, error) {
		res := runner.RunInSession(ctx, projectPath, cmd, gitTimeout)
		if res.Err != nil && !errors.As(res.Err, new(*errors.CommandExecutionError)) {
			return false, res.ExitCode, res.Err
		}
		return res.Success, res.ExitCode, nil
	}

	inTree, _, err := run("git rev-parse --is-inside-work-tree >/dev/null 2>&1")
	if err != nil {
		return err
	}
	if !inTree {
		return nil
	}

	if ok, _, err := run("git add -A"); err != nil || !ok {
		return errors.Join(errors.New("git add failed"), err)
	}

	clean, code, err := run("git diff --cached --quiet")
	if err != nil {
		return err
	}
	if clean {
		return nil
	}
	if code != 1 {
		return errors.New("git diff failed")
	}

	if ok, _, err := run("git commit -q -m " + shellQuote(message)); err != nil || !ok {
		return errors.Join(errors.New("git commit failed"), err)
	}

	if push {
		if ok, _, err := run("git push -q -u origin HEAD"); err != nil || !ok {
			return errors.Join(errors.New("git push failed"), err)
		}
	}
	return nil
}
