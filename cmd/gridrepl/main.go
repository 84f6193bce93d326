// gridrepl is the replication scheduling agent.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gridrepl/gridrepl/internal/config"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const (
	envConfig   = "GRIDREPL_CONFIG"
	envLogLevel = "GRIDREPL_LOG_LEVEL"
)

var (
	cfgFile  string
	logLevel string
	envFile  string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gridrepl",
		Short: "gridrepl - replication and staging scheduler for grid storage",
		Long: `gridrepl schedules file replication and staging transfers between storage
elements. It plans replication trees over the channel graph, batches files into
transfer jobs, retries failures and reports results back to the request store.

Examples:
  # Plan a replication tree
  gridrepl plan --snapshot channels.yaml --source CERN-DST --target PIC-DST,RAL-DST --size 2GB

  # Show how a request would be compacted
  gridrepl optimize request.yaml

  # Run the agent against the simulated transfer service
  gridrepl run --config gridrepl.yaml --requests requests.yaml --until-idle

Environment variables (also read from a .env file):
  GRIDREPL_CONFIG       configuration file, when --config is not given
  GRIDREPL_LOG_LEVEL    log level, when --log-level is not given`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := applyEnvironment(cmd); err != nil {
				return err
			}
			setupLogging()
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "load environment variables from this file (default .env if present)")

	rootCmd.AddCommand(newPlanCmd())
	rootCmd.AddCommand(newOptimizeCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newServiceCmd())

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "gridrepl %s\n", Version)
			fmt.Fprintf(out, "  Commit:     %s\n", Commit)
			fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	return rootCmd
}

// applyEnvironment loads the env file and fills --config and --log-level
// from the environment when they were not given on the command line.
func applyEnvironment(cmd *cobra.Command) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	if !cmd.Flags().Changed("config") {
		if v := os.Getenv(envConfig); v != "" {
			cfgFile = v
		}
	}
	if !cmd.Flags().Changed("log-level") {
		if v := os.Getenv(envLogLevel); v != "" {
			logLevel = v
		}
	}
	return nil
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// loadConfig loads and validates the configuration file.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config file required (--config or %s)", envConfig)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
