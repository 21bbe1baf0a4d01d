package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yourusername/pricewatch-gateway/internal/config"
	"github.com/yourusername/pricewatch-gateway/internal/logging"
)

var logger *zap.Logger

var rootFlags struct {
	databaseDriver string
	databaseURL    string
}

var rootCmd = &cobra.Command{
	Use:   "pricewatch-gateway",
	Short: "Reliability gateway for the price watch API",
	Long: `pricewatch-gateway serves the price watch HTTP API behind rate limiting,
idempotent replay, SLO classification, circuit-broken notifications and an
audit ledger.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(logging.FromEnv())
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logging.Sync(logger)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootFlags.databaseDriver, "database-driver", "", "database driver, postgres or sqlite (env: DATABASE_DRIVER)")
	rootCmd.PersistentFlags().StringVar(&rootFlags.databaseURL, "database-url", "", "database connection string or sqlite path (env: DATABASE_URL)")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the environment and applies flags that were set explicitly
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("database-driver") {
		cfg.DatabaseDriver = rootFlags.databaseDriver
	}
	if flags.Changed("database-url") {
		cfg.DatabaseURL = rootFlags.databaseURL
	}
	if flags.Lookup("port") != nil && flags.Changed("port") {
		cfg.Port = serveFlags.port
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
