// internal/cli/list.go
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed packages",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func runList(cmd *cobra.Command, args []string) error {
	o, err := newOrchestrator()
	if err != nil {
		return fmt.Errorf("opening orchestrator: %w", err)
	}
	defer o.Close()

	records, err := o.Index.ListInstalledWithManifests()
	if err != nil {
		return fmt.Errorf("listing installed packages: %w", err)
	}
	if len(records) == 0 {
		fmt.Println("No packages installed.")
		return nil
	}
	for _, r := range records {
		fmt.Printf("%s %s (%s)\n", r.Manifest.Name, r.Manifest.Version, r.Manifest.Arch)
	}
	return nil
}
