package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/Iron-Ham/foreman/internal/config"
	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/logging"
	"github.com/Iron-Ham/foreman/internal/task"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run queue workers until interrupted",
	Long: `Start one worker pool per category on the configured broker and process
tasks until SIGINT or SIGTERM.

With the memory broker, unfinished jobs are saved to broker.state_dir on
shutdown and restored on the next start. With the redis broker, tasks
enqueued by 'foreman enqueue' from any host are picked up here.

Changes to queue.paused and logging.level in the config file are applied
without a restart.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
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
		command:        "serve",
		lock:           true,
		persistState:   true,
		tolerateBroker: true,
	})
	if err != nil {
		return err
	}

	if a.dispatcher.QueueingEnabled() {
		if err := a.dispatcher.Start(); err != nil {
			_ = a.close()
			return fmt.Errorf("failed to start workers: %w", err)
		}
	}

	live := newLiveSettings(cfg)
	if viper.ConfigFileUsed() != "" {
		viper.OnConfigChange(func(e fsnotify.Event) {
			if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
				return
			}
			next, err := config.Load()
			if err != nil {
				logger.Warn("ignoring invalid config change", "file", e.Name, "error", err)
				return
			}
			live.apply(ctx, a.dispatcher, logger, next)
		})
		viper.WatchConfig()
	}

	logger.Info("foreman serving",
		"broker", cfg.Broker.Driver,
		"queueing", a.dispatcher.QueueingEnabled(),
		"categories", len(a.dispatcher.Categories()),
		"workspace", cfg.WorkspaceRoot())
	fmt.Fprintf(cmd.OutOrStdout(), "foreman serving %s (Ctrl+C to stop)\n", cfg.WorkspaceRoot())

	<-ctx.Done()
	logger.Info("shutting down")
	return a.close()
}

// queuePauser is the part of the dispatcher that live reloads drive.
type queuePauser interface {
	Pause(ctx context.Context, category task.Category) error
	Resume(ctx context.Context, category task.Category) error
}

// liveSettings tracks the settings that change without a restart.
type liveSettings struct {
	mu     sync.Mutex
	paused map[task.Category]bool
	level  string
}

func newLiveSettings(cfg *config.Config) *liveSettings {
	s := &liveSettings{
		paused: make(map[task.Category]bool),
		level:  logging.ParseLevel(cfg.Logging.Level),
	}
	for _, c := range cfg.Queue.PausedList() {
		s.paused[c] = true
	}
	return s
}

// apply pauses newly paused categories, resumes ones no longer listed and
// switches the log level when it changed.
func (s *liveSettings) apply(ctx context.Context, q queuePauser, logger *logging.Logger, next *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if level := logging.ParseLevel(next.Logging.Level); level != s.level {
		logger.SetLevel(level)
		logger.Info("log level changed", "level", level)
		s.level = level
	}

	want := make(map[task.Category]bool)
	for _, c := range next.Queue.PausedList() {
		want[c] = true
	}

	for c := range want {
		if s.paused[c] {
			continue
		}
		if err := q.Pause(ctx, c); err != nil && !errors.Is(err, errors.ErrQueueingDisabled) {
			logger.Warn("failed to pause category", "category", c, "error", err)
			continue
		}
		s.paused[c] = true
	}
	for c := range s.paused {
		if want[c] {
			continue
		}
		if err := q.Resume(ctx, c); err != nil && !errors.Is(err, errors.ErrQueueingDisabled) {
			logger.Warn("failed to resume category", "category", c, "error", err)
			continue
		}
		delete(s.paused, c)
	}
}
