package cli

import (
	"fmt"
	"os/exec"
	"runtime"

	"github.com/ankittk/crew/internal/config"
	"github.com/spf13/cobra"
)

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Verify runtime dependencies",
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = config.MustHomeFrom(cmd.Context()) // currently unused, but ensures home resolves

			// bwrap is only needed for --sandbox-home; its absence is a
			// warning, not a failure.
			if runtime.GOOS == "linux" {
				if _, err := exec.LookPath("bwrap"); err != nil {
					_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "warning: bwrap not found on PATH (sandboxed subprocess runtime unavailable)")
				}
			}

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	return cmd
}
