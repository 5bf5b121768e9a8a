// internal/cli/info.go
package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "show [package]",
	Short: "Show detailed information about a package",
	Args:  cobra.ExactArgs(1),
	RunE:  runInfo,
}

func runInfo(cmd *cobra.Command, args []string) error {
	o, err := newOrchestrator()
	if err != nil {
		return fmt.Errorf("opening orchestrator: %w", err)
	}
	defer o.Close()

	m, ok, err := o.Show(args[0])
	if err != nil {
		return fmt.Errorf("looking up %s: %w", args[0], err)
	}
	if !ok {
		fmt.Printf("Package %s not found\n", args[0])
		return nil
	}

	fmt.Printf("Name: %s\n", m.Name)
	fmt.Printf("Version: %s\n", m.Version)
	fmt.Printf("Architecture: %s\n", m.Arch)
	if len(m.Depends) > 0 {
		fmt.Printf("Depends: %s\n", strings.Join(m.Depends, ", "))
	}
	if len(m.Provides) > 0 {
		fmt.Printf("Provides: %s\n", strings.Join(m.Provides, ", "))
	}
	fmt.Printf("Size: %d\n", m.Size)

	return nil
}
