// internal/cli/repo.go
package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	repoPriority   int
	repoSuite      string
	repoComponents string
)

var repoCmd = &cobra.Command{
	Use:   "repo",
	Short: "Manage configured repositories",
}

var repoAddCmd = &cobra.Command{
	Use:   "add [url]",
	Short: "Register a new repository",
	Args:  cobra.ExactArgs(1),
	RunE:  runRepoAdd,
}

var repoListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured repositories",
	Args:  cobra.NoArgs,
	RunE:  runRepoList,
}

func init() {
	repoAddCmd.Flags().IntVar(&repoPriority, "priority", 500, "repository priority, lower is preferred")
	repoAddCmd.Flags().StringVar(&repoSuite, "suite", "stable", "release suite")
	repoAddCmd.Flags().StringVar(&repoComponents, "components", "main", "comma-separated components")

	repoCmd.AddCommand(repoAddCmd)
	repoCmd.AddCommand(repoListCmd)
}

func runRepoAdd(cmd *cobra.Command, args []string) error {
	o, err := newOrchestrator()
	if err != nil {
		return fmt.Errorf("opening orchestrator: %w", err)
	}
	defer o.Close()

	components := strings.Split(repoComponents, ",")
	id, err := o.RepoAdd(args[0], repoPriority, repoSuite, components)
	if err != nil {
		return fmt.Errorf("adding repository: %w", err)
	}
	fmt.Printf("Added repository %s (id %d)\n", args[0], id)
	return nil
}

func runRepoList(cmd *cobra.Command, args []string) error {
	o, err := newOrchestrator()
	if err != nil {
		return fmt.Errorf("opening orchestrator: %w", err)
	}
	defer o.Close()

	repos, err := o.Index.Registry().LoadAll()
	if err != nil {
		return fmt.Errorf("listing repositories: %w", err)
	}
	for _, r := range repos {
		fmt.Printf("[%d] %s (suite=%s priority=%d components=%s)\n",
			r.ID, r.URL, r.Suite, r.Priority, strings.Join(r.Components, ","))
	}
	return nil
}
