package main

import (
	"fmt"
	"os"

	"github.com/mir00r/bulu/internal/config"
	"github.com/spf13/cobra"
)

const version = "1.0.0"

var (
	cfgFile string
	verbose bool
)

// rootCmd serves when run without a subcommand, like the plain bulu binary
var rootCmd = &cobra.Command{
	Use:           "bulu",
	Short:         "Weighted, domain-aware HTTP reverse proxy",
	Long:          "bulu forwards HTTP(S) requests to weighted node pools chosen by the request's Host,\nwith optional JWT authentication and a global rate limit.",
	Version:       version,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (defaults to $BULU_CONFIG or bulu_conf.js next to the executable)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (sets log level to debug)")
}

// configPath resolves the --config flag
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultPath()
}

// loadConfig loads the configuration, applying command line overrides
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, err
	}
	applyFlags(cfg)
	return cfg, nil
}

// applyFlags applies overrides given on the command line. The config
// watcher applies them to every reloaded file as well.
func applyFlags(cfg *config.Config) {
	if verbose {
		cfg.Logging.Level = "debug"
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "bulu:", err)
		os.Exit(1)
	}
}
