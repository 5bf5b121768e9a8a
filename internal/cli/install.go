// internal/cli/install.go
package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/KyoshiHikari/apt-ng/internal/model"
)

var installCmd = &cobra.Command{
	Use:   "install [package...]",
	Short: "Resolve and install one or more packages",
	Long: `Install resolves the given package names against the local index,
computes a dependency plan, and installs every package in the plan.

Examples:
  apt-ng install wget
  apt-ng install nginx=1.24.0
  apt-ng install python3 golang --dry-run`,
	Args: cobra.MinimumNArgs(1),
	RunE: runInstall,
}

// parseSpec accepts "name", "name=version" and "name/arch" forms.
func parseSpec(arg string) model.PackageSpec {
	spec := model.PackageSpec{Name: arg}
	if i := strings.IndexByte(arg, '='); i >= 0 {
		spec.Name = arg[:i]
		spec.Version = arg[i+1:]
	}
	if i := strings.IndexByte(spec.Name, '/'); i >= 0 {
		spec.Arch = spec.Name[i+1:]
		spec.Name = spec.Name[:i]
	}
	return spec
}

func runInstall(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	o, err := newOrchestrator()
	if err != nil {
		return fmt.Errorf("opening orchestrator: %w", err)
	}
	defer o.Close()

	specs := make([]model.PackageSpec, 0, len(args))
	for _, a := range args {
		specs = append(specs, parseSpec(a))
	}

	plan, err := o.Install(ctx, specs, cfg.DryRun)
	if err != nil {
		return fmt.Errorf("resolving install: %w", err)
	}

	if cfg.DryRun {
		fmt.Println("The following packages would be installed:")
	} else {
		fmt.Println("Installed:")
	}
	for _, pkg := range plan {
		fmt.Printf("  %s %s (%s)\n", pkg.Name, pkg.Version, pkg.Arch)
	}

	return nil
}
