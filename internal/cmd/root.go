package cmd

import (
	"fmt"
	"strings"

	"github.com/Iron-Ham/foreman/internal/config"
	"github.com/Iron-Ham/foreman/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Stage task queue over persistent project shells",
	Long: `Foreman runs long-lived shell sessions per project and drives staged
work (analysis, product, UX, architecture, story writing, development)
through per-category task queues with retries and progress reporting.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/foreman/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "override logging.level (debug/info/warn/error)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("FOREMAN")
	// e.g. FOREMAN_BROKER_REDIS_ADDR for broker.redis.addr
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	_ = viper.ReadInConfig()
}

// loadConfig returns the validated configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger writes to logging.file with rotation, or to stderr when no file
// is configured.
func newLogger(cfg *config.Config) (*logging.Logger, error) {
	return logging.NewLogger(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Rotation())
}
