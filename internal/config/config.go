package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Iron-Ham/foreman/internal/logging"
	"github.com/Iron-Ham/foreman/internal/retry"
	"github.com/Iron-Ham/foreman/internal/session"
	"github.com/Iron-Ham/foreman/internal/task"
	"github.com/Iron-Ham/foreman/internal/taskqueue"
)

// Config represents the complete foreman configuration
type Config struct {
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Session   SessionConfig   `mapstructure:"session"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// WorkspaceConfig locates the project checkouts
type WorkspaceConfig struct {
	// Root resolves relative project paths. Empty means the current directory.
	Root string `mapstructure:"root"`
	// Lock prevents two servers from driving the same workspace (default: true)
	Lock bool `mapstructure:"lock"`
}

// SessionConfig controls the per-project shell sessions
type SessionConfig struct {
	// Shell is the program started for every project (default: "bash")
	Shell string `mapstructure:"shell"`
	// ShellArgs keep the shell non-interactive (default: --noprofile --norc)
	ShellArgs []string `mapstructure:"shell_args"`
	// Env entries (KEY=value) are added to every shell's environment
	Env []string `mapstructure:"env"`
	// CommandTimeoutSeconds applies to commands submitted without a timeout
	CommandTimeoutSeconds int `mapstructure:"command_timeout_seconds"`
	// IdleTimeoutMinutes closes a project's shell after this long unused (0 = never)
	IdleTimeoutMinutes int `mapstructure:"idle_timeout_minutes"`
	// StderrGraceMs is how long to wait for trailing stderr after a command ends
	StderrGraceMs int `mapstructure:"stderr_grace_ms"`
	// WaitDelayMs bounds output draining after a shell exits
	WaitDelayMs int `mapstructure:"wait_delay_ms"`
}

// QueueConfig controls the category queues and retries
type QueueConfig struct {
	// Categories are the queues served; each needs an agent definition
	Categories []string `mapstructure:"categories"`
	// Concurrency is the number of simultaneous attempts per category (default: 1)
	Concurrency int `mapstructure:"concurrency"`
	// MaxAttempts is the total number of attempts per task, including the first (default: 3)
	MaxAttempts int `mapstructure:"max_attempts"`
	// BackoffBaseMs is the delay after the first failure (default: 2000)
	BackoffBaseMs int `mapstructure:"backoff_base_ms"`
	// BackoffMultiplier scales the delay after each further failure (default: 2)
	BackoffMultiplier float64 `mapstructure:"backoff_multiplier"`
	// BackoffMaxMs caps the delay (0 = uncapped)
	BackoffMaxMs int `mapstructure:"backoff_max_ms"`
	// BackoffJitter spreads each delay by this fraction, in [0, 1)
	BackoffJitter float64 `mapstructure:"backoff_jitter"`
	// KeepCompleted and KeepFailed bound the in-memory history per category
	KeepCompleted int `mapstructure:"keep_completed"`
	KeepFailed    int `mapstructure:"keep_failed"`
	// RetentionHours keeps finished jobs in Redis this long (default: 24)
	RetentionHours int `mapstructure:"retention_hours"`
	// AttemptTimeoutMinutes bounds one attempt (0 = broker default)
	AttemptTimeoutMinutes int `mapstructure:"attempt_timeout_minutes"`
	// ShutdownTimeoutSeconds bounds how long shutdown waits for active attempts
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
	// Paused lists categories that do not start attempts. Applied live on reload.
	Paused []string `mapstructure:"paused"`
}

// BrokerConfig selects where queued jobs live
type BrokerConfig struct {
	// Driver is "memory" or "redis" (default: "memory")
	Driver string `mapstructure:"driver"`
	// StateDir holds the memory broker's unfinished jobs between runs.
	// Empty means <workspace>/.foreman/state.
	StateDir string      `mapstructure:"state_dir"`
	Redis    RedisConfig `mapstructure:"redis"`
}

// RedisConfig is the Redis connection used by the redis driver
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AgentConfig controls the stage adapters
type AgentConfig struct {
	// CLITool is the agent command line tool (default: "claude")
	CLITool string `mapstructure:"cli_tool"`
	// Definitions is a YAML file overriding the built-in category definitions
	Definitions string `mapstructure:"definitions"`
	// ScriptsDir resolves relative Lua script paths
	ScriptsDir string `mapstructure:"scripts_dir"`
	// SessionTTLHours is how long an agent conversation can be resumed (default: 24)
	SessionTTLHours int `mapstructure:"session_ttl_hours"`
}

// NotifyConfig controls where task progress is reported
type NotifyConfig struct {
	// WebhookURL receives progress-update, task-completed and task-failed posts
	WebhookURL string `mapstructure:"webhook_url"`
	// WebhookTimeoutSeconds bounds each post (default: 5)
	WebhookTimeoutSeconds int `mapstructure:"webhook_timeout_seconds"`
	// Log writes every notification to the log (default: true)
	Log bool `mapstructure:"log"`
}

// StoreConfig controls the task history database
type StoreConfig struct {
	// Enabled records tasks and events in SQLite (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Path of the database. Empty means <data dir>/foreman.db.
	Path string `mapstructure:"path"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// File receives JSON log lines. Empty means stderr.
	File string `mapstructure:"file"`
	// MaxSizeMB is the log file size that triggers rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of rotated files kept (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
	// Compress gzips rotated files
	Compress bool `mapstructure:"compress"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	categories := make([]string, 0, len(task.DefaultCategories()))
	for _, c := range task.DefaultCategories() {
		categories = append(categories, string(c))
	}
	sess := session.DefaultConfig()

	return &Config{
		Workspace: WorkspaceConfig{
			Root: "",
			Lock: true,
		},
		Session: SessionConfig{
			Shell:                 sess.Shell,
			ShellArgs:             sess.ShellArgs,
			CommandTimeoutSeconds: 300,
			IdleTimeoutMinutes:    30,
			StderrGraceMs:         int(sess.StderrGrace / time.Millisecond),
			WaitDelayMs:           int(sess.WaitDelay / time.Millisecond),
		},
		Queue: QueueConfig{
			Categories:             categories,
			Concurrency:            1,
			MaxAttempts:            retry.DefaultMaxAttempts,
			BackoffBaseMs:          int(retry.DefaultBaseDelay / time.Millisecond),
			BackoffMultiplier:      retry.DefaultMultiplier,
			KeepCompleted:          10,
			KeepFailed:             5,
			RetentionHours:         24,
			ShutdownTimeoutSeconds: 30,
		},
		Broker: BrokerConfig{
			Driver: DriverMemory,
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
		},
		Agent: AgentConfig{
			CLITool:         "claude",
			SessionTTLHours: 24,
		},
		Notify: NotifyConfig{
			WebhookTimeoutSeconds: 5,
			Log:                   true,
		},
		Store: StoreConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// Broker drivers
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("workspace.root", defaults.Workspace.Root)
	viper.SetDefault("workspace.lock", defaults.Workspace.Lock)

	viper.SetDefault("session.shell", defaults.Session.Shell)
	viper.SetDefault("session.shell_args", defaults.Session.ShellArgs)
	viper.SetDefault("session.env", defaults.Session.Env)
	viper.SetDefault("session.command_timeout_seconds", defaults.Session.CommandTimeoutSeconds)
	viper.SetDefault("session.idle_timeout_minutes", defaults.Session.IdleTimeoutMinutes)
	viper.SetDefault("session.stderr_grace_ms", defaults.Session.StderrGraceMs)
	viper.SetDefault("session.wait_delay_ms", defaults.Session.WaitDelayMs)

	viper.SetDefault("queue.categories", defaults.Queue.Categories)
	viper.SetDefault("queue.concurrency", defaults.Queue.Concurrency)
	viper.SetDefault("queue.max_attempts", defaults.Queue.MaxAttempts)
	viper.SetDefault("queue.backoff_base_ms", defaults.Queue.BackoffBaseMs)
	viper.SetDefault("queue.backoff_multiplier", defaults.Queue.BackoffMultiplier)
	viper.SetDefault("queue.backoff_max_ms", defaults.Queue.BackoffMaxMs)
	viper.SetDefault("queue.backoff_jitter", defaults.Queue.BackoffJitter)
	viper.SetDefault("queue.keep_completed", defaults.Queue.KeepCompleted)
	viper.SetDefault("queue.keep_failed", defaults.Queue.KeepFailed)
	viper.SetDefault("queue.retention_hours", defaults.Queue.RetentionHours)
	viper.SetDefault("queue.attempt_timeout_minutes", defaults.Queue.AttemptTimeoutMinutes)
	viper.SetDefault("queue.shutdown_timeout_seconds", defaults.Queue.ShutdownTimeoutSeconds)
	viper.SetDefault("queue.paused", defaults.Queue.Paused)

	viper.SetDefault("broker.driver", defaults.Broker.Driver)
	viper.SetDefault("broker.state_dir", defaults.Broker.StateDir)
	viper.SetDefault("broker.redis.addr", defaults.Broker.Redis.Addr)
	viper.SetDefault("broker.redis.password", defaults.Broker.Redis.Password)
	viper.SetDefault("broker.redis.db", defaults.Broker.Redis.DB)

	viper.SetDefault("agent.cli_tool", defaults.Agent.CLITool)
	viper.SetDefault("agent.definitions", defaults.Agent.Definitions)
	viper.SetDefault("agent.scripts_dir", defaults.Agent.ScriptsDir)
	viper.SetDefault("agent.session_ttl_hours", defaults.Agent.SessionTTLHours)

	viper.SetDefault("notify.webhook_url", defaults.Notify.WebhookURL)
	viper.SetDefault("notify.webhook_timeout_seconds", defaults.Notify.WebhookTimeoutSeconds)
	viper.SetDefault("notify.log", defaults.Notify.Log)

	viper.SetDefault("store.enabled", defaults.Store.Enabled)
	viper.SetDefault("store.path", defaults.Store.Path)

	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.file", defaults.Logging.File)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	viper.SetDefault("logging.compress", defaults.Logging.Compress)
}

// Load reads the configuration from viper and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration, falling back to defaults when it
// does not load
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "foreman")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".foreman"
	}
	return filepath.Join(home, ".config", "foreman")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// DataDir returns the directory for the task database
func DataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "foreman")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".foreman"
	}
	return filepath.Join(home, ".local", "share", "foreman")
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
		}
	}
	return path
}

// WorkspaceRoot returns the absolute workspace root.
func (c *Config) WorkspaceRoot() string {
	root := expandPath(c.Workspace.Root)
	if root == "" {
		root = "."
	}
	if abs, err := filepath.Abs(root); err == nil {
		return abs
	}
	return root
}

// StateDir returns the memory broker's state directory.
func (c *Config) StateDir() string {
	if c.Broker.StateDir == "" {
		return filepath.Join(c.WorkspaceRoot(), ".foreman", "state")
	}
	return expandPath(c.Broker.StateDir)
}

// StorePath returns the task database path.
func (c *Config) StorePath() string {
	if c.Store.Path == "" {
		return filepath.Join(DataDir(), "foreman.db")
	}
	return expandPath(c.Store.Path)
}

// ShellConfig returns the session settings for spawning shells.
func (c *SessionConfig) ShellConfig() session.Config {
	return session.Config{
		Shell:       c.Shell,
		ShellArgs:   c.ShellArgs,
		Env:         c.Env,
		WaitDelay:   time.Duration(c.WaitDelayMs) * time.Millisecond,
		StderrGrace: time.Duration(c.StderrGraceMs) * time.Millisecond,
	}
}

// CommandTimeout returns the default command timeout.
func (c *SessionConfig) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutSeconds) * time.Second
}

// IdleTimeout returns how long an unused shell lives.
func (c *SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMinutes) * time.Minute
}

// RetryPolicy returns the retry policy described by the queue settings.
func (c *QueueConfig) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   time.Duration(c.BackoffBaseMs) * time.Millisecond,
		Multiplier:  c.BackoffMultiplier,
		MaxDelay:    time.Duration(c.BackoffMaxMs) * time.Millisecond,
		Jitter:      c.BackoffJitter,
	}
}

// CategoryList returns the configured categories.
func (c *QueueConfig) CategoryList() []task.Category {
	return toCategories(c.Categories)
}

// PausedList returns the categories configured as paused.
func (c *QueueConfig) PausedList() []task.Category {
	return toCategories(c.Paused)
}

func toCategories(names []string) []task.Category {
	out := make([]task.Category, 0, len(names))
	for _, n := range names {
		out = append(out, task.Category(strings.TrimSpace(n)))
	}
	return out
}

// BrokerOptions returns the broker options described by the queue settings.
func (c *QueueConfig) BrokerOptions() taskqueue.Options {
	return taskqueue.Options{
		Categories:      c.CategoryList(),
		Concurrency:     c.Concurrency,
		Policy:          c.RetryPolicy(),
		KeepCompleted:   c.KeepCompleted,
		KeepFailed:      c.KeepFailed,
		Retention:       time.Duration(c.RetentionHours) * time.Hour,
		AttemptTimeout:  time.Duration(c.AttemptTimeoutMinutes) * time.Minute,
		ShutdownTimeout: time.Duration(c.ShutdownTimeoutSeconds) * time.Second,
		Paused:          c.PausedList(),
	}
}

// Rotation returns the log rotation settings.
func (c *LoggingConfig) Rotation() logging.RotationConfig {
	return logging.RotationConfig{
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		Compress:   c.Compress,
	}
}
