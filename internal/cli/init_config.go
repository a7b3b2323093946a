package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/KevinKickass/OpenMachineSim/internal/config"
)

var (
	initOut   string
	initForce bool
)

var initConfigCmd = &cobra.Command{
	Use:     "init-config",
	Short:   "Write the default configuration",
	Example: `  simengine init-config --out configs/config.yaml --force`,
	RunE:    runInitConfig,
}

func init() {
	initConfigCmd.Flags().StringVarP(&initOut, "out", "o", "configs/config.yaml", "Destination file")
	initConfigCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing file")
}

func runInitConfig(cmd *cobra.Command, args []string) error {
	if dir := filepath.Dir(initOut); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	if err := config.WriteDefault(initOut, initForce); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Default configuration written to %s\n", initOut)
	return nil
}
