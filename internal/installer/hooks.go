package installer

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/KyoshiHikari/apt-ng/internal/clierr"
)

// HookType identifies one of the four maintainer script kinds (spec §4.9).
type HookType int

const (
	HookPreInstall HookType = iota
	HookPostInstall
	HookPreRemove
	HookPostRemove
)

func (h HookType) scriptName() string {
	switch h {
	case HookPreInstall:
		return "preinst"
	case HookPostInstall:
		return "postinst"
	case HookPreRemove:
		return "prerm"
	case HookPostRemove:
		return "postrm"
	default:
		return ""
	}
}

// adminInfoDir is where extracted maintainer scripts are persisted between
// install and a later remove, mirroring dpkg's /var/lib/dpkg/info layout
// (spec §4.9 doesn't name a storage location for .apx hooks since the
// upstream .apx format has no separate control stream the way .deb does;
// this is the apt-ng-side convention that makes prerm/postrm available at
// removal time without re-extracting the archive).
func (in *Installer) adminInfoDir() string {
	return filepath.Join(in.InstallRoot, "var", "lib", "apt-ng", "info")
}

// persistControlScripts copies any maintainer scripts found in
// extractedDir/DEBIAN/ into the admin info dir under name-prefixed
// filenames, for later removal hooks.
func (in *Installer) persistControlScripts(extractedDir, name string) error {
	controlDir := filepath.Join(extractedDir, "DEBIAN")
	if _, err := os.Stat(controlDir); err != nil {
		return nil // archive carries no control stream; not an error
	}
	if err := os.MkdirAll(in.adminInfoDir(), 0755); err != nil {
		return clierr.New(clierr.IO, "persistControlScripts", err)
	}
	for _, h := range []HookType{HookPreInstall, HookPostInstall, HookPreRemove, HookPostRemove} {
		src := filepath.Join(controlDir, h.scriptName())
		data, err := os.ReadFile(src)
		if err != nil {
			continue
		}
		dst := filepath.Join(in.adminInfoDir(), name+"."+h.scriptName())
		if err := os.WriteFile(dst, data, 0755); err != nil {
			return clierr.New(clierr.IO, "persistControlScripts", err)
		}
	}
	return nil
}

// runHook executes the maintainer script of kind h for package name, if one
// was persisted for it. installed/oldVersion determine the positional
// arguments per spec §4.8/§4.9. Missing scripts are a no-op, matching
// installer.rs's "no script found, skipping" behavior.
func (in *Installer) runHook(ctx context.Context, h HookType, name, oldVersion string, installed bool) error {
	scriptPath := filepath.Join(in.adminInfoDir(), name+"."+h.scriptName())
	if _, err := os.Stat(scriptPath); err != nil {
		return nil
	}

	var args []string
	switch h {
	case HookPreInstall:
		if installed {
			args = []string{"upgrade", oldVersion}
		} else {
			args = []string{"install"}
		}
	case HookPostInstall:
		args = []string{"configure", oldVersion}
	case HookPreRemove, HookPostRemove:
		args = []string{"remove"}
	}

	env := []string{
		"DPKG_MAINTSCRIPT_NAME=" + h.scriptName(),
		"DPKG_MAINTSCRIPT_PACKAGE=" + name,
		"DPKG_ROOT=" + in.InstallRoot,
		"DPKG_ADMINDIR=" + in.adminInfoDir(),
	}

	var out []byte
	var err error
	if in.Sandbox != nil && in.Sandbox.Available() {
		out, err = in.Sandbox.RunHook(ctx, scriptPath, args, env, in.InstallRoot)
		if err != nil {
			in.logger.Printf("sandbox execution failed for %s, falling back to direct execution: %v", h.scriptName(), err)
			out, err = in.runHookDirect(ctx, scriptPath, args, env)
		}
	} else {
		out, err = in.runHookDirect(ctx, scriptPath, args, env)
	}

	if err != nil {
		return clierr.WithPackage(clierr.IO, "runHook", name, fmt.Errorf("hook %s failed: %w: %s", h.scriptName(), err, out))
	}
	return nil
}

func (in *Installer) runHookDirect(ctx context.Context, scriptPath string, args, env []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", append([]string{scriptPath}, args...)...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Dir = in.InstallRoot
	return cmd.CombinedOutput()
}
