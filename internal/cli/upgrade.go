// internal/cli/upgrade.go
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var upgradeCmd = &cobra.Command{
	Use:   "upgrade",
	Short: "Re-resolve every installed package and install anything newer",
	Args:  cobra.NoArgs,
	RunE:  runUpgrade,
}

func runUpgrade(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	o, err := newOrchestrator()
	if err != nil {
		return fmt.Errorf("opening orchestrator: %w", err)
	}
	defer o.Close()

	plan, err := o.Upgrade(ctx, cfg.DryRun)
	if err != nil {
		return fmt.Errorf("upgrading: %w", err)
	}

	if len(plan) == 0 {
		fmt.Println("Nothing to upgrade.")
		return nil
	}
	if cfg.DryRun {
		fmt.Println("The following packages would be upgraded:")
	} else {
		fmt.Println("Upgraded:")
	}
	for _, pkg := range plan {
		fmt.Printf("  %s %s (%s)\n", pkg.Name, pkg.Version, pkg.Arch)
	}
	return nil
}
