package cli

import (
	"github.com/ankittk/crew/internal/config"
	"github.com/ankittk/crew/internal/daemon"
	"github.com/spf13/cobra"
)

func newDaemonCmd() *cobra.Command {
	var (
		port           int
		intervalSec    float64
		maxConcurrent  int
		dev            bool
		pprofAddr      string
		runtimeKind    string
		subprocessCmd  string
		subprocessArgs []string
		roleNames      []string
		workersPerRole int
		dbDriver       string
		dbURL          string
		enableOtel     bool
	)

	cmd := &cobra.Command{
		Use:    "daemon",
		Short:  "Internal: run daemon process",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			return daemon.StartForeground(cmd.Context(), daemon.StartOptions{
				Home:           home,
				Port:           port,
				IntervalSec:    intervalSec,
				MaxConcurrent:  maxConcurrent,
				Dev:            dev,
				PprofAddr:      pprofAddr,
				Runtime:        runtimeKind,
				SubprocessCmd:  subprocessCmd,
				SubprocessArgs: subprocessArgs,
				Roles:          roleNames,
				WorkersPerRole: workersPerRole,
				DBDriver:       dbDriver,
				DBURL:          dbURL,
				EnableOtel:     enableOtel,
			})
		},
	}

	cmd.Flags().IntVar(&port, "port", 3962, "Port for the HTTP API")
	cmd.Flags().Float64Var(&intervalSec, "interval", 5.0, "Worker poll interval (seconds)")
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 0, "Max concurrent active items per role (0 = unlimited)")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable dev mode")
	cmd.Flags().StringVar(&pprofAddr, "pprof", "", "Enable pprof on address (e.g. 127.0.0.1:6060)")
	cmd.Flags().StringVar(&runtimeKind, "runtime", "stub", "Runtime: stub or subprocess")
	cmd.Flags().StringVar(&subprocessCmd, "subprocess-cmd", "", "Command for subprocess runtime")
	cmd.Flags().StringSliceVar(&subprocessArgs, "subprocess-args", nil, "Args for subprocess runtime")
	cmd.Flags().StringSliceVar(&roleNames, "roles", nil, "Roles to run workers for (default: all)")
	cmd.Flags().IntVar(&workersPerRole, "workers-per-role", 1, "Worker goroutines per role")
	cmd.Flags().StringVar(&dbDriver, "db-driver", "sqlite", "Store driver: sqlite or postgres")
	cmd.Flags().StringVar(&dbURL, "db-url", "", "DB connection string (for postgres; or set DATABASE_URL)")
	cmd.Flags().BoolVar(&enableOtel, "otel", true, "Enable OpenTelemetry metrics")

	return cmd
}
