package installer

import (
	"context"
	"os/exec"
)

// SandboxPolicy configures hook sandboxing (spec §4.9): network access,
// resource limits, and additional bind-mounted paths beyond the install
// root and a private /tmp. Grounded on
// _examples/original_source/src/sandbox.rs's SandboxConfig.
type SandboxPolicy struct {
	NetworkAllowed bool
	MemoryLimit    int64 // bytes, 0 means unlimited
	WritablePaths  []string
	ReadOnlyPaths  []string
}

// DefaultSandboxPolicy mirrors sandbox.rs's Default impl: network denied,
// 512MB memory ceiling, /tmp writable.
func DefaultSandboxPolicy() SandboxPolicy {
	return SandboxPolicy{
		NetworkAllowed: false,
		MemoryLimit:    512 * 1024 * 1024,
		WritablePaths:  []string{"/tmp"},
	}
}

// Sandbox wraps bubblewrap (bwrap) for maintainer hook isolation
// (spec §4.9).
type Sandbox struct {
	Policy SandboxPolicy
}

// NewSandbox constructs a Sandbox with the given policy.
func NewSandbox(policy SandboxPolicy) *Sandbox {
	return &Sandbox{Policy: policy}
}

// Available reports whether bubblewrap is installed on the host.
func (s *Sandbox) Available() bool {
	_, err := exec.LookPath("bwrap")
	return err == nil
}

// RunHook executes scriptPath inside a bwrap sandbox: the host root is
// bind-mounted read-only, the configured writable paths and the install
// root are bound read-write, the configured read-only paths are bound
// read-only, /tmp is a private tmpfs, and network namespaces are unshared
// unless NetworkAllowed (spec §4.9).
func (s *Sandbox) RunHook(ctx context.Context, scriptPath string, args, env []string, installRoot string) ([]byte, error) {
	bwArgs := []string{"--unshare-all", "--die-with-parent"}

	if !s.Policy.NetworkAllowed {
		bwArgs = append(bwArgs, "--unshare-net")
	} else {
		bwArgs = append(bwArgs, "--share-net")
	}

	bwArgs = append(bwArgs, "--ro-bind", "/", "/")
	for _, p := range s.Policy.WritablePaths {
		bwArgs = append(bwArgs, "--bind", p, p)
	}
	for _, p := range s.Policy.ReadOnlyPaths {
		bwArgs = append(bwArgs, "--ro-bind", p, p)
	}
	bwArgs = append(bwArgs, "--bind", installRoot, installRoot)
	bwArgs = append(bwArgs, "--tmpfs", "/tmp")

	bwArgs = append(bwArgs, "--", "/bin/sh", scriptPath)
	bwArgs = append(bwArgs, args...)

	cmd := exec.CommandContext(ctx, "bwrap", bwArgs...)
	cmd.Env = env
	cmd.Dir = installRoot
	return cmd.CombinedOutput()
}
