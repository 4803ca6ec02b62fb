package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rustyeddy/riskgate/config"
	"github.com/rustyeddy/riskgate/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "riskgate",
	Short: "Pre-trade risk validation and monitoring engine",
	Long: `Riskgate validates every trade proposal against immutable hard limits
before it reaches the broker.

It provides:
  - Ordered, fail-fast pre-trade checks with risk-based position sizing
  - A latching emergency shutdown per account
  - Per strategy and symbol risk budgets with automatic disable
  - An append-only, hash-chained audit log of every decision
  - An administrative HTTP API and Prometheus metrics`,
	SilenceUsage:      true,
	PersistentPreRunE: loadEnvironment,
}

var (
	cfgFile  string
	envFile  string
	logLevel string

	cfg    *config.Config
	logger zerolog.Logger
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (YAML or JSON); defaults to $RISKGATE_CONFIG")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level from the config")
}

// loadEnvironment runs before every command: .env, then the config file,
// then the logger. A missing .env is fine; a broken config is not.
func loadEnvironment(cmd *cobra.Command, args []string) error {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file %s: %w", envFile, err)
	}

	path := cfgFile
	if path == "" {
		path = os.Getenv("RISKGATE_CONFIG")
	}
	if path == "" {
		cfg = config.Default()
	} else {
		c, err := config.LoadFromFile(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Store.Type = "redis"
		cfg.Store.RedisAddr = addr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	logger = logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	return nil
}
