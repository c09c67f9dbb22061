// Package sandbox wraps reasoning-agent subprocesses in a bubblewrap jail on
// Linux so an agent can only write inside its own workspace.
package sandbox

import (
	"context"
	"os/exec"
	"path/filepath"
	"runtime"
)

// WrapCommand returns an *exec.Cmd that runs binary with args. If home is
// non-empty and bubblewrap (bwrap) is available on Linux, the command runs
// inside a minimal bubblewrap sandbox. If workDir is non-empty, only workDir
// is writable and the rest of home is read-only; otherwise the whole home is
// writable. On other platforms, or when bwrap is missing, the command runs
// unwrapped.
func WrapCommand(ctx context.Context, home, workDir, binary string, args []string) *exec.Cmd {
	if home == "" || runtime.GOOS != "linux" {
		return exec.CommandContext(ctx, binary, args...)
	}
	bwrap, err := exec.LookPath("bwrap")
	if err != nil {
		return exec.CommandContext(ctx, binary, args...)
	}
	absHome, err := filepath.Abs(home)
	if err != nil {
		return exec.CommandContext(ctx, binary, args...)
	}
	var bwrapArgs []string
	if workDir != "" {
		absWork, _ := filepath.Abs(workDir)
		if absWork != "" && (absWork == absHome || (len(absWork) > len(absHome) && absWork[len(absHome)] == filepath.Separator)) {
			bwrapArgs = []string{
				"--ro-bind", absHome, absHome,
				"--bind", absWork, absWork,
				"--ro-bind", "/usr", "/usr",
				"--ro-bind", "/lib", "/lib",
				"--ro-bind", "/lib64", "/lib64",
				"--dev", "/dev",
				"--proc", "/proc",
				"--tmpfs", "/tmp",
				"--unshare-pid",
			}
		}
	}
	if bwrapArgs == nil {
		bwrapArgs = []string{
			"--bind", absHome, absHome,
			"--ro-bind", "/usr", "/usr",
			"--ro-bind", "/lib", "/lib",
			"--ro-bind", "/lib64", "/lib64",
			"--dev", "/dev",
			"--proc", "/proc",
			"--tmpfs", "/tmp",
			"--unshare-pid",
		}
	}
	bwrapArgs = append(bwrapArgs, "--", binary)
	bwrapArgs = append(bwrapArgs, args...)
	return exec.CommandContext(ctx, bwrap, bwrapArgs...)
}
