package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenMachineSim/internal/config"
	"github.com/KevinKickass/OpenMachineSim/internal/system"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration without starting any device",
	Long: `Validate loads the configuration and checks:
  1. Schema and value constraints of every section
  2. Port ranges do not overlap across protocols
  3. Every enabled device group fits into its protocol's port range

No port is bound.`,
	Example: `  simengine validate --config configs/config.yaml`,
	RunE:    runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(out, "Configuration invalid: %v\n", err)
		return err
	}

	plans, err := system.CheckPlans(cfg, zap.NewNop())
	if err != nil {
		fmt.Fprintf(out, "Allocation plan invalid: %v\n", err)
		return err
	}

	fmt.Fprintf(out, "Configuration %s is valid\n", configPath)
	for _, family := range system.Families {
		plan, ok := plans[family]
		if !ok {
			fmt.Fprintf(out, "  %-7s disabled\n", family)
			continue
		}
		fmt.Fprintf(out, "  %-7s %d devices, %d ports\n", family, len(plan), plan.PortsRequired(family))
	}
	return nil
}
