package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/Iron-Ham/foreman/internal/logging"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View foreman logs",
	Long: `View and filter the log written to logging.file, including rotated
backups.

Examples:
  # Show the last 50 entries
  foreman logs

  # Everything for one task
  foreman logs --task 0b6c... -n 0

  # Follow warnings and errors for the dev queue
  foreman logs -f --level warn --category dev

  # Entries from the last hour mentioning "timeout"
  foreman logs --since 1h --grep timeout`,
	Args: cobra.NoArgs,
	RunE: runLogs,
}

var (
	logsFile     string
	logsTail     int
	logsFollow   bool
	logsLevel    string
	logsSince    time.Duration
	logsTask     string
	logsCategory string
	logsProject  string
	logsGrep     string
)

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().StringVar(&logsFile, "file", "", "Log file (default: logging.file)")
	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "Number of entries to show (0 for all)")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output (like tail -f)")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "Filter by minimum level (debug/info/warn/error)")
	logsCmd.Flags().DurationVar(&logsSince, "since", 0, "Show entries newer than this (e.g., 1h, 30m)")
	logsCmd.Flags().StringVar(&logsTask, "task", "", "Filter by task ID")
	logsCmd.Flags().StringVar(&logsCategory, "category", "", "Filter by category")
	logsCmd.Flags().StringVar(&logsProject, "project", "", "Filter by project path")
	logsCmd.Flags().StringVar(&logsGrep, "grep", "", "Filter entries containing this text")
}

func runLogs(cmd *cobra.Command, args []string) error {
	path := logsFile
	var backups int
	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Logging.File == "" {
			return fmt.Errorf("no log file configured; set logging.file or pass --file")
		}
		path = cfg.Logging.File
		backups = cfg.Logging.MaxBackups
	}

	filter := logging.LogFilter{
		Level:    logsLevel,
		TaskID:   logsTask,
		Category: logsCategory,
		Project:  logsProject,
		Contains: logsGrep,
	}
	if logsSince > 0 {
		filter.Since = time.Now().Add(-logsSince)
	}

	out := cmd.OutOrStdout()
	if logsFollow {
		return followLogs(cmd, path, filter)
	}

	entries, err := logging.ReadLogFile(path, backups)
	if err != nil {
		return err
	}
	entries = logging.FilterLogs(entries, filter)
	if logsTail > 0 && len(entries) > logsTail {
		entries = entries[len(entries)-logsTail:]
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "No matching log entries found.")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintln(out, logging.FormatEntry(e))
	}
	return nil
}

// followLogs prints entries appended to path until the command's context
// ends. A rotation reopens the new file.
func followLogs(cmd *cobra.Command, path string, filter logging.LogFilter) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to watch log file: %w", err)
	}
	defer watcher.Close()
	// Watch the directory so the watch survives rotation.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { f.Close() }()
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("failed to seek to end: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Following %s... (Ctrl+C to stop)\n\n", path)
	tail := &logTailer{r: bufio.NewReader(f), filter: filter}
	ctx := cmd.Context()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watching log file: %w", err)
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				// Rotated: finish the old file, then follow the new one.
				tail.drain(out)
				nf, err := os.Open(path)
				if err != nil {
					continue
				}
				f.Close()
				f = nf
				tail.reset(f)
			}
			tail.drain(out)
		}
	}
}

// logTailer prints complete lines appended to a log file. A partial trailing
// line is held until its newline arrives.
type logTailer struct {
	r       *bufio.Reader
	partial []byte
	filter  logging.LogFilter
}

func (t *logTailer) reset(r io.Reader) {
	t.r.Reset(r)
	t.partial = nil
}

func (t *logTailer) drain(w io.Writer) {
	for {
		chunk, err := t.r.ReadBytes('\n')
		t.partial = append(t.partial, chunk...)
		if err != nil {
			return
		}
		line := t.partial
		t.partial = nil

		e, ok := logging.ParseLine(line)
		if !ok {
			fmt.Fprint(w, string(line))
			continue
		}
		if len(logging.FilterLogs([]logging.LogEntry{e}, t.filter)) == 1 {
			fmt.Fprintln(w, logging.FormatEntry(e))
		}
	}
}
