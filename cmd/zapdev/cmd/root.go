// Package cmd implements the zapdev command line.
package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Jackson57279/zapdev-sub003/internal/config"
	"github.com/Jackson57279/zapdev-sub003/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "zapdev",
	Short: "zapdev - AI code generation server and sandbox agent",
	Long: `zapdev turns a prompt into a working project inside a sandbox.

"zapdev serve" runs the generation server. "zapdev agent" executes sandbox
operations and queued runs on this machine in place of a browser tab.
"zapdev generate" streams a single generation to the terminal.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version reported by --version.
func SetVersion(v string) {
	rootCmd.Version = v
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "YAML config file (default $"+config.FileEnv+")")
}

// loadConfig loads configuration, preferring the --config flag.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.Load()
	}
	return config.LoadFile(path)
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.LoggerConfig())
}
