// internal/cli/update.go
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Refresh the local package index from configured repositories",
	Args:  cobra.NoArgs,
	RunE:  runUpdate,
}

func runUpdate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	o, err := newOrchestrator()
	if err != nil {
		return fmt.Errorf("opening orchestrator: %w", err)
	}
	defer o.Close()

	if err := o.Update(ctx); err != nil {
		return fmt.Errorf("updating index: %w", err)
	}
	fmt.Println("Index updated.")
	return nil
}
