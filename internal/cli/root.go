// internal/cli/root.go
package cli

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/KyoshiHikari/apt-ng/internal/config"
	"github.com/KyoshiHikari/apt-ng/internal/orchestrator"
)

var (
	cfgFile string
	rootDir string
	debug   bool
	verbose bool
	dryRun  bool
	jobs    int
	cfg     *config.Config
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "apt-ng",
	Short: "Next-generation Debian-style package manager",
	Long: `apt-ng - next-generation Debian-style package manager

Resolves, fetches, verifies, and installs .apx packages against
configured APT-style repositories.`,
	Version: "0.1.0",
}

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/apt-ng/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "install root (default /)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "log every subsystem's progress to stderr")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "resolve and report without touching the filesystem")
	rootCmd.PersistentFlags().IntVar(&jobs, "jobs", 0, "bounded concurrency for chunked downloads (default: number of CPUs)")

	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(upgradeCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(repoCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	var err error
	cfg, err = config.LoadConfig(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		cfg = config.DefaultConfig()
	}

	if rootDir != "" {
		cfg.RootDir = rootDir
	}
	if debug {
		cfg.Debug = true
	}
	if jobs > 0 {
		cfg.Jobs = jobs
	}
	cfg.DryRun = dryRun
}

// newOrchestrator opens an Orchestrator against the resolved configuration.
// --verbose (and --debug, which implies it) route every subsystem's
// *log.Logger to stderr instead of the default io.Discard sink. Callers are
// responsible for closing it.
func newOrchestrator() (*orchestrator.Orchestrator, error) {
	if verbose || cfg.Debug {
		logger := log.New(os.Stderr, "apt-ng: ", log.LstdFlags)
		return orchestrator.New(cfg, orchestrator.WithLogger(logger))
	}
	return orchestrator.New(cfg)
}
