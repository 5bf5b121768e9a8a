// internal/cli/cache.go
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cacheMaxBytes int64

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and clean the download cache",
}

var cacheCleanCmd = &cobra.Command{
	Use:   "clean [all|old-versions|over-limit]",
	Short: "Garbage-collect the download cache",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCacheClean,
}

func init() {
	cacheCleanCmd.Flags().Int64Var(&cacheMaxBytes, "max-bytes", 0, "byte ceiling for the over-limit mode")
	cacheCmd.AddCommand(cacheCleanCmd)
}

func runCacheClean(cmd *cobra.Command, args []string) error {
	mode := "all"
	if len(args) == 1 {
		mode = args[0]
	}

	o, err := newOrchestrator()
	if err != nil {
		return fmt.Errorf("opening orchestrator: %w", err)
	}
	defer o.Close()

	removed, err := o.CacheClean(mode, cacheMaxBytes)
	if err != nil {
		return fmt.Errorf("cleaning cache: %w", err)
	}
	fmt.Printf("Removed %d cached archives.\n", removed)
	return nil
}
