// Package cli provides the command-line interface for the simulator.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// Version is set during build time
	Version = "dev"

	debug      bool
	configPath string

	rootCmd = &cobra.Command{
		Use:   "simengine",
		Short: "Industrial device simulator for Modbus TCP, OPC-UA and MQTT",
		Long: `simengine runs fleets of simulated industrial devices.

Each Modbus TCP and OPC-UA device listens on its own port taken from the
protocol's port range. MQTT devices publish through one shared gateway
connection to an embedded or external broker.

Example:
  # Write a starter configuration
  simengine init-config --out configs/config.yaml

  # Check a configuration without binding any port
  simengine validate --config configs/config.yaml

  # Run the simulation until interrupted
  simengine run --config configs/config.yaml`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
)

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable development logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/config.yaml", "Path to the YAML configuration")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(initConfigCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "simengine version %s\n", Version)
	},
}

func newLogger() (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
