package installer

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"

	"github.com/KyoshiHikari/apt-ng/internal/aptparse"
	"github.com/KyoshiHikari/apt-ng/internal/archive"
	"github.com/KyoshiHikari/apt-ng/internal/clierr"
	"github.com/KyoshiHikari/apt-ng/internal/index"
	"github.com/KyoshiHikari/apt-ng/internal/model"
	"github.com/KyoshiHikari/apt-ng/internal/system"
	"github.com/KyoshiHikari/apt-ng/internal/verifier"
)

// Installer performs transactional installs and removals against InstallRoot
// (spec §4.8). Mirrors the teacher's *log.Logger field convention
// (pkg/dpkg/manager.go's logger setup).
type Installer struct {
	InstallRoot string
	Index       *index.Store
	DpkgQuery   *system.DpkgQuery
	Sandbox     *Sandbox // nil disables sandboxing
	logger      *log.Logger
}

// Option configures an Installer at construction time.
type Option func(*Installer)

// WithLogger overrides the default discard logger.
func WithLogger(l *log.Logger) Option {
	return func(i *Installer) { i.logger = l }
}

// WithSandbox enables hook sandboxing.
func WithSandbox(s *Sandbox) Option {
	return func(i *Installer) { i.Sandbox = s }
}

// New constructs an Installer rooted at installRoot, backed by idx for
// ledger updates.
func New(installRoot string, idx *index.Store, opts ...Option) *Installer {
	in := &Installer{
		InstallRoot: installRoot,
		Index:       idx,
		DpkgQuery:   system.NewDpkgQuery(),
		logger:      log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// InstallArchive installs path, dispatching on its extension to InstallDeb
// or InstallApx. Repository metadata carries one format per package but a
// local install may be handed either (spec §4.8/§9's polymorphic .apx/.deb
// handling).
func (in *Installer) InstallArchive(ctx context.Context, path string, v *verifier.Verifier, expectedSHA256 string) (*Transaction, error) {
	if strings.EqualFold(filepath.Ext(path), ".deb") {
		return in.InstallDeb(ctx, path, expectedSHA256)
	}
	return in.InstallApx(ctx, path, v, expectedSHA256)
}

// InstallApx installs the package contained in apxPath, running the full
// per-package flow of spec §4.8: whole-archive integrity gate, signature
// check, extraction, per-file checksum gate, pre-install hook, atomic copy,
// post-install hook, ledger update. Any failure from the atomic-copy phase
// onward triggers Transaction.Rollback. expectedSHA256, when non-empty, is checked
// against apxPath itself before it is opened at all (spec §4.3 step 6's
// carried-through archive hash, as recorded in the package index).
func (in *Installer) InstallApx(ctx context.Context, apxPath string, v *verifier.Verifier, expectedSHA256 string) (*Transaction, error) {
	tx := NewTransaction(in.InstallRoot)

	if err := verifyArchiveChecksum(apxPath, expectedSHA256, "InstallApx"); err != nil {
		return nil, err
	}

	a, err := archive.Open(apxPath)
	if err != nil {
		return nil, err
	}

	if v != nil && !v.Empty() {
		if err := a.VerifySignature(v); err != nil {
			return nil, err
		}
	}

	tempDir, err := os.MkdirTemp("", fmt.Sprintf("apt-ng-apx-install-%d", os.Getpid()))
	if err != nil {
		return nil, clierr.New(clierr.IO, "InstallApx", err)
	}
	defer os.RemoveAll(tempDir)

	if err := a.ExtractTo(tempDir); err != nil {
		os.Remove(apxPath)
		return nil, clierr.WithPackage(clierr.Corruption, "InstallApx", a.Manifest.Name, err)
	}

	if err := a.VerifyChecksums(tempDir); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return nil, combineErrors(clierr.WithPackage(clierr.Corruption, "InstallApx", a.Manifest.Name, err), rollbackErr)
		}
		return nil, clierr.WithPackage(clierr.Corruption, "InstallApx", a.Manifest.Name, err)
	}

	return in.installFromExtracted(ctx, tempDir, a.Manifest, tx)
}

// InstallDeb installs a legacy .deb package (spec §9), dispatching payload
// and control extraction to the host's dpkg-deb when available and falling
// back to the pure-Go ar/tar reader otherwise. It then runs the same
// hook/atomic-copy/ledger flow InstallApx uses, so .apx and .deb packages
// are indistinguishable to the rest of the installer once extracted.
func (in *Installer) InstallDeb(ctx context.Context, debPath string, expectedSHA256 string) (*Transaction, error) {
	tx := NewTransaction(in.InstallRoot)

	if err := verifyArchiveChecksum(debPath, expectedSHA256, "InstallDeb"); err != nil {
		return nil, err
	}

	manifest, err := in.describeDeb(ctx, debPath)
	if err != nil {
		return nil, err
	}

	tempDir, err := os.MkdirTemp("", fmt.Sprintf("apt-ng-deb-install-%d", os.Getpid()))
	if err != nil {
		return nil, clierr.New(clierr.IO, "InstallDeb", err)
	}
	defer os.RemoveAll(tempDir)

	dpkgDeb := system.NewDpkgDeb()
	if dpkgDeb.Available() {
		if err := dpkgDeb.Extract(ctx, debPath, tempDir); err != nil {
			return nil, err
		}
	} else if err := system.ExtractDebPayload(debPath, tempDir); err != nil {
		return nil, err
	}

	controlDir := filepath.Join(tempDir, "DEBIAN")
	if err := system.ExtractDebControlScripts(debPath, controlDir); err != nil {
		in.logger.Printf("no maintainer scripts in %s: %v", debPath, err)
	}

	return in.installFromExtracted(ctx, tempDir, manifest, tx)
}

// describeDeb resolves debPath's control metadata, preferring the host's
// dpkg-deb and falling back to LocalDebInspect's pure-Go ar/tar reader.
func (in *Installer) describeDeb(ctx context.Context, debPath string) (model.PackageManifest, error) {
	dpkgDeb := system.NewDpkgDeb()
	if dpkgDeb.Available() {
		fields, err := dpkgDeb.Fields(ctx, debPath, "Package", "Version", "Architecture", "Depends", "Conflicts", "Provides", "Replaces")
		if err == nil && fields["Package"] != "" && fields["Version"] != "" {
			arch := fields["Architecture"]
			if arch == "" {
				arch = "all"
			}
			return model.PackageManifest{
				Name:      fields["Package"],
				Version:   fields["Version"],
				Arch:      arch,
				Depends:   splitDebList(fields["Depends"]),
				Conflicts: splitDebList(fields["Conflicts"]),
				Provides:  splitDebList(fields["Provides"]),
				Replaces:  splitDebList(fields["Replaces"]),
			}, nil
		}
	}
	return system.LocalDebInspect(debPath)
}

func splitDebList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// verifyArchiveChecksum re-hashes path and compares it against expected when
// expected is non-empty, letting InstallApx/InstallDeb reject a corrupted or
// tampered download before ever extracting it.
func verifyArchiveChecksum(path, expected, op string) error {
	if expected == "" {
		return nil
	}
	got, err := archive.SHA256File(path)
	if err != nil {
		return clierr.New(clierr.IO, op, err)
	}
	if !strings.EqualFold(got, expected) {
		return clierr.New(clierr.Corruption, op,
			fmt.Errorf("archive checksum mismatch: expected %s, got %s", expected, got))
	}
	return nil
}

// installFromExtracted runs the shared post-extraction flow both InstallApx
// and InstallDeb rely on once their payload sits in extractedDir: persist
// maintainer scripts, resolve the previously-installed version, pre-install
// hook, atomic copy, post-install hook, ledger update. A manifest whose
// name/version the index does not yet hold is added to it before being
// marked installed.
func (in *Installer) installFromExtracted(ctx context.Context, extractedDir string, manifest model.PackageManifest, tx *Transaction) (*Transaction, error) {
	if err := in.persistControlScripts(extractedDir, manifest.Name); err != nil {
		return nil, err
	}

	oldVersion, installed, _ := in.DpkgQuery.InstalledVersion(ctx, manifest.Name)
	if !installed {
		if records, err := in.Index.ListInstalledWithManifests(); err == nil {
			for _, r := range records {
				if r.Manifest.Name == manifest.Name {
					oldVersion = r.Manifest.Version
					installed = true
				}
			}
		}
	}

	if err := in.runHook(ctx, HookPreInstall, manifest.Name, oldVersion, installed); err != nil {
		return nil, err
	}

	if err := in.copyDirectoryAtomic(extractedDir, in.InstallRoot, tx); err != nil {
		rollbackErr := tx.Rollback()
		return nil, combineErrors(err, rollbackErr)
	}

	if err := in.runHook(ctx, HookPostInstall, manifest.Name, oldVersion, installed); err != nil {
		rollbackErr := tx.Rollback()
		return nil, combineErrors(err, rollbackErr)
	}

	registered := false
	if known, err := in.Index.SearchExact(manifest.Name); err == nil {
		for _, k := range known {
			registered = registered || k.Version == manifest.Version
		}
	}
	if !registered {
		if err := in.Index.AddPackage(manifest, manifest.RepoID); err != nil {
			rollbackErr := tx.Rollback()
			return nil, combineErrors(err, rollbackErr)
		}
	}

	if err := in.Index.MarkInstalled(manifest.Name, manifest.Version); err != nil {
		rollbackErr := tx.Rollback()
		return nil, combineErrors(err, rollbackErr)
	}

	return tx, nil
}

func combineErrors(primary, rollback error) error {
	if rollback == nil {
		return primary
	}
	return clierr.New(clierr.IO, "rollback", fmt.Errorf("%v (rollback also failed: %v)", primary, rollback))
}

// RemovePackage implements spec §4.8's removal flow: load the installed
// manifest, block if any other installed package depends on it, run
// prerm/postrm, delete manifest files (falling back to dpkg-query -L paths
// under the install root), and mark removed.
func (in *Installer) RemovePackage(ctx context.Context, name string) error {
	records, err := in.Index.ListInstalledWithManifests()
	if err != nil {
		return err
	}

	var target *model.InstalledRecord
	var dependents []string
	for i := range records {
		r := &records[i]
		if r.Manifest.Name == name {
			target = r
			continue
		}
		for _, rule := range aptparse.ParseDependsField(strings.Join(r.Manifest.Depends, ", ")) {
			if rule.Name == name {
				dependents = append(dependents, r.Manifest.Name)
				break
			}
		}
	}
	if target == nil {
		return clierr.WithPackage(clierr.Dependency, "RemovePackage", name, clierr.ErrNotFound)
	}
	if len(dependents) > 0 {
		return clierr.WithPackage(clierr.Dependency, "RemovePackage", name,
			fmt.Errorf("%w: depended on by %s", clierr.ErrDependedOn, strings.Join(dependents, ", ")))
	}

	if err := in.runHook(ctx, HookPreRemove, name, target.Manifest.Version, true); err != nil {
		return err
	}

	for _, fe := range target.Manifest.Files {
		path := filepath.Join(in.InstallRoot, filepath.FromSlash(fe.Path))
		removePath(path)
	}

	if in.DpkgQuery.Available() {
		// backstop per spec §4.8: also remove dpkg-query -L paths under the
		// install root, covering files the stored manifest may have missed
		// (e.g. a package installed by dpkg itself before apt-ng adopted it).
		if paths, err := in.DpkgQuery.ListFiles(ctx, name); err == nil {
			for _, p := range paths {
				removePath(filepath.Join(in.InstallRoot, filepath.FromSlash(p)))
			}
		}
	}

	if err := in.runHook(ctx, HookPostRemove, name, target.Manifest.Version, true); err != nil {
		return err
	}

	return in.Index.MarkRemoved(name)
}

func removePath(path string) {
	info, err := os.Lstat(path)
	if err != nil {
		return
	}
	if info.IsDir() {
		os.RemoveAll(path)
	} else {
		os.Remove(path)
	}
}

// copyDirectoryAtomic recursively copies source into dest, recording every
// created file and every backup made before an overwrite into tx
// (spec §4.8 step 4). Regular files are staged via renameio.WriteFile, which
// performs the create-temp/fsync/rename sequence the Rust code does by hand.
func (in *Installer) copyDirectoryAtomic(source, dest string, tx *Transaction) error {
	if err := os.MkdirAll(dest, 0755); err != nil {
		return clierr.New(clierr.IO, "copyDirectoryAtomic", err)
	}

	entries, err := os.ReadDir(source)
	if err != nil {
		return clierr.New(clierr.IO, "copyDirectoryAtomic", err)
	}

	for _, e := range entries {
		if e.Name() == "DEBIAN" {
			continue // control stream, not part of the installed payload
		}
		srcPath := filepath.Join(source, e.Name())
		destPath := filepath.Join(dest, e.Name())

		info, err := os.Lstat(srcPath)
		if err != nil {
			return clierr.New(clierr.IO, "copyDirectoryAtomic", err)
		}

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			if err := in.installSymlink(srcPath, destPath, tx); err != nil {
				return err
			}
		case info.IsDir():
			if err := in.copyDirectoryAtomic(srcPath, destPath, tx); err != nil {
				return err
			}
		default:
			if err := in.installFile(srcPath, destPath, info.Mode(), tx); err != nil {
				return err
			}
		}
	}
	return nil
}

func (in *Installer) installSymlink(srcPath, destPath string, tx *Transaction) error {
	target, err := os.Readlink(srcPath)
	if err != nil {
		return clierr.New(clierr.IO, "installSymlink", err)
	}
	os.Remove(destPath) // replace any existing target, per spec §4.8
	if err := os.Symlink(target, destPath); err != nil {
		return clierr.New(clierr.IO, "installSymlink", err)
	}
	tx.addInstalledFile(destPath)
	return nil
}

func (in *Installer) installFile(srcPath, destPath string, mode os.FileMode, tx *Transaction) error {
	if destInfo, err := os.Lstat(destPath); err == nil {
		if destInfo.IsDir() {
			return clierr.New(clierr.Conflict, "installFile",
				fmt.Errorf("cannot install file %s: destination %s is a directory", srcPath, destPath))
		}
		backupPath := destPath + ".bak"
		if err := copyFilePreservingMode(destPath, backupPath); err != nil {
			return clierr.New(clierr.IO, "installFile", err)
		}
		tx.addBackup(destPath, backupPath)
	}

	data, err := os.ReadFile(srcPath)
	if err != nil {
		return clierr.New(clierr.IO, "installFile", err)
	}
	if err := renameio.WriteFile(destPath, data, mode); err != nil {
		return clierr.New(clierr.IO, "installFile", err)
	}
	tx.addInstalledFile(destPath)
	return nil
}

func copyFilePreservingMode(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, info.Mode())
}
