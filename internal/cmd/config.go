package cmd

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/Iron-Ham/foreman/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify foreman configuration",
	Long: `View or modify foreman configuration.

Without arguments, displays the effective configuration.
Use subcommands to modify settings or create a config file.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the user's config file.

Keys use dot notation, e.g.:
  foreman config set queue.max_attempts 5
  foreman config set broker.driver redis
  foreman config set queue.paused dev,po
  foreman config set logging.level debug

List values are comma separated. The resulting configuration is validated
before it is written.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/foreman/config.yaml with the common options.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "# Config file: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintln(out, "# Config file: (none - using defaults)")
	}

	settings := viper.AllSettings()
	delete(settings, "config")
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	_, err = out.Write(data)
	return err
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := strings.ToLower(args[0])
	if !isKnownKey(key) {
		return fmt.Errorf("unknown configuration key: %s\nRun 'foreman config show' to see valid keys", key)
	}

	value := parseConfigValue(viper.Get(key), args[1])
	viper.Set(key, value)
	if _, err := config.Load(); err != nil {
		return err
	}

	if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	target := viper.ConfigFileUsed()
	if target == "" {
		target = config.ConfigFile()
	}
	if err := viper.WriteConfigAs(target); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %v\n", key, value)
	fmt.Fprintf(cmd.OutOrStdout(), "Config saved to %s\n", target)
	return nil
}

// isKnownKey reports whether key names a configuration leaf.
func isKnownKey(key string) bool {
	return key != "config" && slices.Contains(viper.AllKeys(), key)
}

// parseConfigValue converts raw to the type of the current value so the
// written file keeps ints, bools and lists typed.
func parseConfigValue(current any, raw string) any {
	switch current.(type) {
	case bool:
		if b, err := strconv.ParseBool(raw); err == nil {
			return b
		}
	case int, int64:
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	case float64:
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f
		}
	case []string, []any:
		if raw == "" {
			return []string{}
		}
		parts := strings.Split(raw, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return raw
}

const defaultConfigFile = `# foreman configuration

workspace:
  # Directory relative project paths resolve against (default: current directory)
  root: ""
  # Refuse to start a second serve/run in the same workspace
  lock: true

session:
  shell: bash
  shell_args: ["--noprofile", "--norc"]
  # Default per-command timeout
  command_timeout_seconds: 300
  # Close a project's shell after this long without commands (0 = never)
  idle_timeout_minutes: 30

queue:
  # Attempts per task, including the first
  max_attempts: 3
  # Retry delay: backoff_base_ms * backoff_multiplier^(attempt-1)
  backoff_base_ms: 2000
  backoff_multiplier: 2
  # Simultaneous tasks per category
  concurrency: 1
  # Finished jobs kept per category
  keep_completed: 10
  keep_failed: 5
  # Categories that do not start new tasks (applied live by 'foreman serve')
  paused: []

broker:
  # memory: in-process, unfinished jobs saved to state_dir on shutdown
  # redis: durable queues shared by every foreman process
  driver: memory
  redis:
    addr: localhost:6379

agent:
  # Agent CLI used by the built-in stage definitions
  cli_tool: claude
  # YAML file overriding or adding stage definitions
  definitions: ""

notify:
  # POST task events to this URL
  webhook_url: ""
  log: true

logging:
  level: info
  # Log file; empty logs to stderr
  file: ""
`

func runConfigInit(cmd *cobra.Command, args []string) error {
	configFile := config.ConfigFile()

	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'foreman config set' to modify values", configFile)
	}
	if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(configFile, []byte(defaultConfigFile), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created config file at %s\n", configFile)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "Active config: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", config.ConfigFile())
	}

	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. %s\n", config.ConfigFile())
	fmt.Fprintln(out, "  2. ./config.yaml (current directory)")
	fmt.Fprintln(out, "\nEnvironment variables: FOREMAN_* (e.g., FOREMAN_BROKER_REDIS_ADDR)")
	return nil
}
