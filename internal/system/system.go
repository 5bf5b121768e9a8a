// Package system shells out to host collaborators dpkg-deb and dpkg-query
// (spec §9 Host coupling). apt-ng does not reimplement dpkg's own database;
// it defers to it for the system-fallback step of dependency resolution and
// for host-level package queries outside apt-ng's own ledger. Grounded on
// the teacher's pkg/platform/utils.go commandExists check and the general
// os/exec shell-out idiom used throughout pkg/*/manager.go.
package system

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/KyoshiHikari/apt-ng/internal/clierr"
)

// DpkgQuery wraps the host's dpkg-query binary.
type DpkgQuery struct {
	binary string
}

// NewDpkgQuery constructs a DpkgQuery, defaulting to the dpkg-query found on
// PATH.
func NewDpkgQuery() *DpkgQuery {
	return &DpkgQuery{binary: "dpkg-query"}
}

// Available reports whether dpkg-query is installed on the host.
func (d *DpkgQuery) Available() bool {
	_, err := exec.LookPath(d.binary)
	return err == nil
}

// Satisfied implements solver.SystemQuerier: it reports whether the host's
// dpkg database considers name installed, used as fallback step 2d of the
// dependency resolution chain (spec §4.7). Only the status of a package
// called name is checked; a name that an installed host package merely
// provides is reported as not satisfied.
func (d *DpkgQuery) Satisfied(name string) bool {
	if !d.Available() {
		return false
	}
	cmd := exec.Command(d.binary, "-W", "-f=${Status}", name)
	out, err := cmd.Output()
	if err != nil {
		return false
	}
	return strings.Contains(string(out), "install ok installed")
}

// InstalledVersion returns the dpkg-recorded version of name, if any.
func (d *DpkgQuery) InstalledVersion(ctx context.Context, name string) (string, bool, error) {
	if !d.Available() {
		return "", false, nil
	}
	cmd := exec.CommandContext(ctx, d.binary, "-W", "-f=${Version}", name)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", false, nil
	}
	v := strings.TrimSpace(stdout.String())
	if v == "" {
		return "", false, nil
	}
	return v, true, nil
}

// ListFiles returns the paths dpkg's database has recorded for name, via
// `dpkg-query -L`, used as a removal backstop for files RemovePackage's own
// stored manifest may have missed.
func (d *DpkgQuery) ListFiles(ctx context.Context, name string) ([]string, error) {
	if !d.Available() {
		return nil, nil
	}
	cmd := exec.CommandContext(ctx, d.binary, "-L", name)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, nil
	}
	var paths []string
	for _, line := range strings.Split(stdout.String(), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == "/." {
			continue
		}
		paths = append(paths, line)
	}
	return paths, nil
}

// DpkgDeb wraps the host's dpkg-deb binary, used to inspect foreign .deb
// files apt-ng did not itself build (spec §9).
type DpkgDeb struct {
	binary string
}

// NewDpkgDeb constructs a DpkgDeb, defaulting to the dpkg-deb found on PATH.
func NewDpkgDeb() *DpkgDeb {
	return &DpkgDeb{binary: "dpkg-deb"}
}

// Available reports whether dpkg-deb is installed on the host.
func (d *DpkgDeb) Available() bool {
	_, err := exec.LookPath(d.binary)
	return err == nil
}

// Extract unpacks debPath's data archive into destDir via `dpkg-deb -x`.
func (d *DpkgDeb) Extract(ctx context.Context, debPath, destDir string) error {
	if !d.Available() {
		return clierr.New(clierr.IO, "DpkgDeb.Extract", fmt.Errorf("dpkg-deb not found on PATH"))
	}
	cmd := exec.CommandContext(ctx, d.binary, "-x", debPath, destDir)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return clierr.New(clierr.IO, "DpkgDeb.Extract", fmt.Errorf("%w: %s", err, stderr.String()))
	}
	return nil
}

// Fields returns the requested control-field values from debPath via
// `dpkg-deb -f`.
func (d *DpkgDeb) Fields(ctx context.Context, debPath string, fields ...string) (map[string]string, error) {
	if !d.Available() {
		return nil, clierr.New(clierr.IO, "DpkgDeb.Fields", fmt.Errorf("dpkg-deb not found on PATH"))
	}
	args := append([]string{"-f", debPath}, fields...)
	cmd := exec.CommandContext(ctx, d.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, clierr.New(clierr.IO, "DpkgDeb.Fields", fmt.Errorf("%w: %s", err, stderr.String()))
	}

	result := map[string]string{}
	for _, line := range strings.Split(stdout.String(), "\n") {
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		result[key] = val
	}
	return result, nil
}
