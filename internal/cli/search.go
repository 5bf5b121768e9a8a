// internal/cli/search.go
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search the local index for packages whose name contains query",
	Args:  cobra.ExactArgs(1),
	RunE:  runSearch,
}

func runSearch(cmd *cobra.Command, args []string) error {
	o, err := newOrchestrator()
	if err != nil {
		return fmt.Errorf("opening orchestrator: %w", err)
	}
	defer o.Close()

	results, err := o.Search(args[0])
	if err != nil {
		return fmt.Errorf("searching: %w", err)
	}
	if len(results) == 0 {
		fmt.Println("No packages found.")
		return nil
	}
	for _, m := range results {
		fmt.Printf("%s/%s %s\n", m.Name, m.Arch, m.Version)
	}
	return nil
}
