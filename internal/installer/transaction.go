// Package installer implements the transactional installer (spec §4.8): a
// Transaction records every filesystem mutation a per-package install made
// so it can be rolled back as a unit on failure. Grounded on
// _examples/original_source/src/installer.rs's InstallationTransaction,
// reusing github.com/google/renameio for the atomic rename step the Rust
// code does by hand (temp file + rename).
package installer

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/KyoshiHikari/apt-ng/internal/clierr"
)

// backup pairs an original destination path with the path its pre-existing
// contents were copied to before being overwritten.
type backup struct {
	original string
	backup   string
}

// Transaction tracks the filesystem effects of one package install, enough
// to undo them (spec §4.8).
type Transaction struct {
	installRoot    string
	installedFiles []string
	backups        []backup
}

// NewTransaction returns an empty Transaction scoped to installRoot.
// installRoot bounds Rollback's empty-parent-directory cleanup so it never
// climbs outside the tree the transaction actually touched.
func NewTransaction(installRoot string) *Transaction {
	return &Transaction{installRoot: installRoot}
}

func (t *Transaction) addInstalledFile(path string) {
	t.installedFiles = append(t.installedFiles, path)
}

func (t *Transaction) addBackup(original, backupPath string) {
	t.backups = append(t.backups, backup{original: original, backup: backupPath})
}

// Rollback removes every file this transaction created and restores every
// backed-up file to its pre-transaction contents (spec §4.8 "rollback()
// restores the filesystem to pre-call state").
func (t *Transaction) Rollback() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, f := range t.installedFiles {
		if info, err := os.Lstat(f); err == nil {
			if info.IsDir() {
				record(os.RemoveAll(f))
			} else {
				record(os.Remove(f))
			}
		}
	}

	for _, b := range t.backups {
		if _, err := os.Stat(b.backup); err != nil {
			continue
		}
		if _, err := os.Stat(b.original); err == nil {
			record(os.Remove(b.original))
		}
		record(os.Rename(b.backup, b.original))
	}

	t.cleanupEmptyParents()

	if firstErr != nil {
		return clierr.New(clierr.IO, "Transaction.Rollback", firstErr)
	}
	return nil
}

// cleanupEmptyParents removes directories left empty once installedFiles are
// torn down, climbing from each file's parent up toward installRoot and
// stopping at the first non-empty directory (os.Remove fails on those) or
// once it reaches installRoot itself. A package that fails mid-install
// shouldn't leave behind the directory tree it was about to populate.
func (t *Transaction) cleanupEmptyParents() {
	visited := map[string]bool{}
	for _, f := range t.installedFiles {
		dir := filepath.Dir(f)
		for t.isUnderInstallRoot(dir) && !visited[dir] {
			visited[dir] = true
			if err := os.Remove(dir); err != nil {
				break
			}
			dir = filepath.Dir(dir)
		}
	}
}

func (t *Transaction) isUnderInstallRoot(dir string) bool {
	if t.installRoot == "" {
		return false
	}
	clean := filepath.Clean(dir)
	root := filepath.Clean(t.installRoot)
	return clean != root && strings.HasPrefix(clean, root+string(filepath.Separator))
}
