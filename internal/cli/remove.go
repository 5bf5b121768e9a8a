// internal/cli/remove.go
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var removeCmd = &cobra.Command{
	Use:   "remove [package...]",
	Short: "Remove one or more installed packages",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRemove,
}

func runRemove(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	o, err := newOrchestrator()
	if err != nil {
		return fmt.Errorf("opening orchestrator: %w", err)
	}
	defer o.Close()

	var firstErr error
	for _, name := range args {
		if err := o.Remove(ctx, name); err != nil {
			fmt.Printf("✗ failed to remove %s: %v\n", name, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		fmt.Printf("Removed %s\n", name)
	}
	return firstErr
}
