// Package orchestrator composes the Index Store, Solver, Acquisition
// Pipeline, Cache, Verifier, and Installer into the update/install/upgrade/
// remove/search/show/repo/cache-clean flows of spec §2's data-flow diagram.
// Grounded on the teacher's Manager façade in upkg.go: a single struct
// holding handles to its collaborators, constructed with sensible defaults.
package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/KyoshiHikari/apt-ng/internal/acquire"
	"github.com/KyoshiHikari/apt-ng/internal/aptparse"
	"github.com/KyoshiHikari/apt-ng/internal/cache"
	"github.com/KyoshiHikari/apt-ng/internal/clierr"
	"github.com/KyoshiHikari/apt-ng/internal/config"
	"github.com/KyoshiHikari/apt-ng/internal/index"
	"github.com/KyoshiHikari/apt-ng/internal/installer"
	"github.com/KyoshiHikari/apt-ng/internal/model"
	"github.com/KyoshiHikari/apt-ng/internal/solver"
	"github.com/KyoshiHikari/apt-ng/internal/system"
	"github.com/KyoshiHikari/apt-ng/internal/verifier"
)

// Orchestrator wires every core subsystem together behind the operations a
// CLI front-end invokes (spec §2).
type Orchestrator struct {
	Config    *config.Config
	Index     *index.Store
	Cache     *cache.Cache
	Fetcher   *acquire.Fetcher
	Verifier  *verifier.Verifier
	Installer *installer.Installer
	DpkgQuery *system.DpkgQuery
	logger    *log.Logger
}

// Option configures an Orchestrator at construction time.
type Option func(*Orchestrator)

// WithLogger overrides the default discard logger.
func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New assembles an Orchestrator from cfg, opening the index database and
// constructing every collaborator with cfg-derived defaults.
func New(cfg *config.Config, opts ...Option) (*Orchestrator, error) {
	jobs := cfg.Jobs
	if jobs <= 0 {
		jobs = runtime.NumCPU()
	}

	idx, err := index.Open(filepath.Join(cfg.StateDir, "index.db"))
	if err != nil {
		return nil, err
	}

	c, err := cache.New(cfg.CacheDir)
	if err != nil {
		return nil, err
	}

	v, err := verifier.LoadTrustedKeys(filepath.Join(cfg.ConfigDir, "trusted.gpg.d"))
	if err != nil {
		return nil, err
	}

	installRoot := cfg.RootDir
	if installRoot == "" {
		installRoot = "/"
	}

	o := &Orchestrator{
		Config:    cfg,
		Index:     idx,
		Cache:     c,
		Fetcher:   acquire.New(jobs),
		Verifier:  v,
		DpkgQuery: system.NewDpkgQuery(),
		logger:    log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(o)
	}

	// Installer is constructed after options apply so --verbose's logger (if
	// any) also reaches its hook/transaction logging, not just the
	// orchestrator's own.
	o.Installer = installer.New(installRoot, idx, installer.WithLogger(o.logger))

	return o, nil
}

// Close releases the index database handle.
func (o *Orchestrator) Close() error {
	return o.Index.Close()
}

// Update refreshes the local index from every enabled repository: fetch the
// Release file (verifying its detached Ed25519 signature against the trust
// set when one is configured), fetch each component's Packages file with
// its hash cross-checked against the Release's SHA256 table, decompress,
// parse, and bulk-insert (spec §2 "update" data-flow row, §4.2 chain of
// trust: Release.sig seals Release, Release seals every Packages file).
func (o *Orchestrator) Update(ctx context.Context) error {
	count, err := o.Index.Registry().ImportSystemSources()
	if err != nil {
		return err
	}
	if count > 0 {
		o.logger.Printf("imported %d repositories from system sources", count)
	}

	repos, err := o.Index.Registry().LoadAll()
	if err != nil {
		return err
	}

	release, err := o.Index.BeginBulkInsert()
	if err != nil {
		return err
	}
	defer release()

	for _, repo := range repos {
		if err := o.updateOneRepo(ctx, repo); err != nil {
			o.logger.Printf("update failed for %s: %v", repo.URL, err)
			continue
		}
	}
	return nil
}

func (o *Orchestrator) updateOneRepo(ctx context.Context, repo model.Repository) error {
	suite := suiteOrDefault(repo.Suite)
	release, err := o.fetchRelease(ctx, repo, suite)
	if err != nil {
		return err
	}

	for _, component := range componentsOrDefault(repo.Components) {
		relName := component + "/binary-amd64/Packages.xz"
		packagesURL := repo.URL + "/dists/" + suite + "/" + relName
		dest := filepath.Join(os.TempDir(), "apt-ng-update-"+component+".xz")

		expected := ""
		if release != nil {
			for _, fh := range release.SHA256 {
				if strings.TrimPrefix(fh.Name, "./") == relName {
					expected = fh.Hash
					break
				}
			}
		}

		if err := o.Fetcher.Fetch(ctx, packagesURL, dest, expected); err != nil {
			return err
		}
		defer os.Remove(dest)

		f, err := os.Open(dest)
		if err != nil {
			return clierr.New(clierr.IO, "updateOneRepo", err)
		}
		defer f.Close()

		r, err := aptparse.OpenDecompressed(f, "xz")
		if err != nil {
			return err
		}
		manifests, err := aptparse.ParsePackagesFile(r)
		if err != nil {
			return err
		}

		degraded, rowErrs, err := o.Index.AddPackagesBatch(manifests, repoIDOf(repo))
		if err != nil {
			return err
		}
		if degraded {
			o.logger.Printf("batch insert degraded to per-row for %s: %d row errors", repo.URL, len(rowErrs))
		}
	}
	return nil
}

// fetchRelease downloads dists/<suite>/Release, verifying it against a
// detached Release.sig when the orchestrator carries a non-empty trust set
// (spec §4.2). A repository with no configured trusted keys, or one that
// doesn't publish a Release file at all, still updates -- Release is the
// root of trust for the hash cross-check, not a hard requirement of every
// repository apt-ng can talk to.
func (o *Orchestrator) fetchRelease(ctx context.Context, repo model.Repository, suite string) (*aptparse.Release, error) {
	releaseURL := repo.URL + "/dists/" + suite + "/Release"
	dest := filepath.Join(os.TempDir(), fmt.Sprintf("apt-ng-release-%d", repo.ID))
	if err := o.Fetcher.Fetch(ctx, releaseURL, dest, ""); err != nil {
		o.logger.Printf("no Release file for %s: %v", repo.URL, err)
		return nil, nil
	}
	defer os.Remove(dest)

	data, err := os.ReadFile(dest)
	if err != nil {
		return nil, clierr.New(clierr.IO, "fetchRelease", err)
	}

	if o.Verifier != nil && !o.Verifier.Empty() {
		sigDest := dest + ".sig"
		if err := o.Fetcher.Fetch(ctx, releaseURL+".sig", sigDest, ""); err != nil {
			return nil, clierr.WithPackage(clierr.Signature, "fetchRelease", repo.URL, err)
		}
		defer os.Remove(sigDest)

		sig, err := os.ReadFile(sigDest)
		if err != nil {
			return nil, clierr.New(clierr.IO, "fetchRelease", err)
		}
		if err := o.Verifier.Verify(data, sig); err != nil {
			return nil, err
		}
	}

	release, err := aptparse.ParseRelease(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return release, nil
}

func componentsOrDefault(c []string) []string {
	if len(c) == 0 {
		return []string{"main"}
	}
	return c
}

func suiteOrDefault(s string) string {
	if s == "" {
		return "stable"
	}
	return s
}

func repoIDOf(r model.Repository) int64 { return r.ID }

// Search returns every package whose name contains query (spec §2 "search").
func (o *Orchestrator) Search(query string) ([]model.PackageManifest, error) {
	return o.Index.Search(query)
}

// Show returns the highest-versioned package matching name exactly
// (spec §2 "show").
func (o *Orchestrator) Show(name string) (model.PackageManifest, bool, error) {
	return o.Index.Show(name)
}

// Install resolves specs against the index, acquires and verifies each
// resolved package, and installs them in solver order
// (spec §2 "install" data-flow row). dryRun resolves and reports the plan
// without touching the filesystem or ledger.
func (o *Orchestrator) Install(ctx context.Context, specs []model.PackageSpec, dryRun bool) ([]model.PackageInfo, error) {
	plan, err := o.resolve(specs)
	if err != nil {
		return nil, err
	}
	if dryRun {
		return plan.ToInstall, nil
	}

	for _, pkg := range plan.ToInstall {
		if err := o.installOne(ctx, pkg); err != nil {
			return nil, fmt.Errorf("installing %s: %w", pkg.Name, err)
		}
	}
	return plan.ToInstall, nil
}

func (o *Orchestrator) resolve(specs []model.PackageSpec) (*model.Solution, error) {
	universe, err := o.buildUniverse()
	if err != nil {
		return nil, err
	}
	installedNames, installedProvides, err := o.buildInstalledIndex()
	if err != nil {
		return nil, err
	}

	s := solver.New(universe, installedNames, installedProvides, o.DpkgQuery)
	return s.Resolve(specs)
}

func (o *Orchestrator) buildUniverse() ([]model.PackageInfo, error) {
	all, err := o.Index.GetAllPackages()
	if err != nil {
		return nil, err
	}
	universe := make([]model.PackageInfo, 0, len(all))
	for i := range all {
		m := all[i]
		info := model.PackageInfo{
			Name:     m.Name,
			Version:  m.Version,
			Arch:     m.Arch,
			Provides: m.Provides,
			Depends:  aptparse.ParseDependsField(strings.Join(m.Depends, ", ")),
			Manifest: &m,
		}
		for _, c := range aptparse.ParseDependsField(strings.Join(m.Conflicts, ", ")) {
			info.Conflicts = append(info.Conflicts, c.Name)
		}
		universe = append(universe, info)
	}
	return universe, nil
}

func (o *Orchestrator) buildInstalledIndex() (map[string]string, map[string][]string, error) {
	records, err := o.Index.ListInstalledWithManifests()
	if err != nil {
		return nil, nil, err
	}
	names := map[string]string{}
	provides := map[string][]string{}
	for _, r := range records {
		names[r.Manifest.Name] = r.Manifest.Version
		for _, p := range r.Manifest.Provides {
			provides[p] = append(provides[p], r.Manifest.Name)
		}
	}
	return names, provides, nil
}

func (o *Orchestrator) installOne(ctx context.Context, pkg model.PackageInfo) error {
	if o.Cache.Has(pkg.Name, pkg.Version, pkg.Arch, "apx") {
		apxPath := o.Cache.PathOf(pkg.Name, pkg.Version, pkg.Arch, "apx")
		_, err := o.Installer.InstallArchive(ctx, apxPath, o.Verifier, pkg.Manifest.Checksum)
		return err
	}

	if pkg.Manifest.Filename == "" {
		return clierr.WithPackage(clierr.IO, "installOne", pkg.Name, fmt.Errorf("no known download location"))
	}

	fetchURL, err := o.repoURLFor(*pkg.Manifest)
	if err != nil {
		return err
	}
	if best, ok, err := o.Index.SelectBestMirrorURL(fetchURL); err == nil && ok {
		fetchURL = best
	}

	tmp := filepath.Join(os.TempDir(), pkg.Name+"-"+pkg.Version+".apx")
	if err := o.Fetcher.Fetch(ctx, fetchURL, tmp, pkg.Manifest.Checksum); err != nil {
		return err
	}
	defer os.Remove(tmp)

	cachedPath, err := o.Cache.Store(pkg.Name, pkg.Version, pkg.Arch, "apx", tmp)
	if err != nil {
		return err
	}

	_, err = o.Installer.InstallArchive(ctx, cachedPath, o.Verifier, pkg.Manifest.Checksum)
	return err
}

func (o *Orchestrator) repoURLFor(m model.PackageManifest) (string, error) {
	repo, ok, err := o.Index.Registry().ByID(m.RepoID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", clierr.WithPackage(clierr.IO, "repoURLFor", m.Name, fmt.Errorf("unknown repo_id %d", m.RepoID))
	}
	return index.CanonicalURL(repo.URL, m.Filename), nil
}

// Upgrade re-resolves every installed package against the latest index
// entries and installs anything newer (spec §2 "upgrade" data-flow row).
func (o *Orchestrator) Upgrade(ctx context.Context, dryRun bool) ([]model.PackageInfo, error) {
	records, err := o.Index.ListInstalledWithManifests()
	if err != nil {
		return nil, err
	}
	specs := make([]model.PackageSpec, 0, len(records))
	for _, r := range records {
		specs = append(specs, model.PackageSpec{Name: r.Manifest.Name})
	}
	return o.Install(ctx, specs, dryRun)
}

// Remove uninstalls name via the transactional installer's removal flow
// (spec §2 "remove" data-flow row).
func (o *Orchestrator) Remove(ctx context.Context, name string) error {
	return o.Installer.RemovePackage(ctx, name)
}

// CacheClean runs cache garbage collection per mode: "all", "old-versions",
// or "over-limit" (spec §4.5, §2 "cache clean").
func (o *Orchestrator) CacheClean(mode string, maxBytes int64) (int, error) {
	switch mode {
	case "old-versions":
		return o.Cache.CleanOldVersions()
	case "over-limit":
		return o.Cache.CleanIfOverLimit(maxBytes)
	default:
		_, before, err := o.Cache.Stats()
		if err != nil {
			return 0, err
		}
		if err := o.Cache.Clean(); err != nil {
			return 0, err
		}
		_, after, err := o.Cache.Stats()
		if err != nil {
			return 0, err
		}
		return before - after, nil
	}
}

// RepoAdd registers a new repository (spec §2 "repo …").
func (o *Orchestrator) RepoAdd(url string, priority int, suite string, components []string) (int64, error) {
	return o.Index.Registry().Add(url, priority, true, suite, components)
}
