package daemon

import (
	"context"
	"log/slog"
	"time"

	agentrt "github.com/ankittk/crew/internal/agent/runtime"
	"github.com/ankittk/crew/internal/httpapi"
	"github.com/ankittk/crew/internal/knowledge"
	"github.com/ankittk/crew/internal/roles"
	"github.com/ankittk/crew/pkg/models"
)

// runWorkers starts one goroutine per role agent and blocks until the context
// is cancelled. Worker failures stay inside the worker's own loop; this
// function only assembles and launches.
func runWorkers(ctx context.Context, opts StartOptions, app *httpapi.App) {
	interval := time.Duration(opts.IntervalSec * float64(time.Second))
	if interval <= 0 {
		interval = models.DefaultWorkerPollInterval
	}
	perRole := opts.WorkersPerRole
	if perRole <= 0 {
		perRole = 1
	}

	roleSet := make([]models.Role, 0, len(models.AllRoles))
	if len(opts.Roles) == 0 {
		roleSet = models.AllRoles
	} else {
		for _, raw := range opts.Roles {
			role, err := models.ParseRole(raw)
			if err != nil {
				slog.Warn("skipping unknown role", "role", raw)
				continue
			}
			roleSet = append(roleSet, role)
		}
	}

	emit := func(ev agentrt.Event) {
		out := httpapi.Event{Type: ev.Type, Role: ev.Role, Agent: ev.Agent, Detail: ev.Data, At: ev.Timestamp}
		if ev.ItemID != nil {
			out.ItemID = *ev.ItemID
		}
		app.Hub.Publish(out)
	}

	for _, role := range roleSet {
		roleDir := knowledge.RoleDir(opts.Home, string(role))
		roleCfg, err := knowledge.LoadRoleConfig(roleDir)
		if err != nil {
			slog.Warn("role config unreadable, using defaults", "role", role, "err", err)
		}
		for n := 1; n <= perRole; n++ {
			w := &roles.Worker{
				Role:         role,
				AgentID:      roles.AgentIDFor(role, n),
				Store:        app.Store,
				Sched:        app.Sched,
				Bus:          app.Bus,
				Runtime:      buildRuntime(opts, roleDir),
				Retriever:    knowledge.FileRetriever{Dir: knowledge.KnowledgeDir(opts.Home)},
				Journal:      &knowledge.Journal{Role: string(role), Home: opts.Home},
				RoleCfg:      roleCfg,
				PollInterval: interval,
				Emit:         emit,
				Log:          slog.Default(),
			}
			go w.Run(ctx)
		}
	}

	runMaintenance(ctx, app)
}

// buildRuntime picks the reasoning runtime per options. The subprocess
// runtime gets the role directory as its only writable path when sandboxed.
func buildRuntime(opts StartOptions, roleDir string) agentrt.Runtime {
	if opts.Runtime == "subprocess" && opts.SubprocessCmd != "" {
		return agentrt.SubprocessRuntime{
			Command:        opts.SubprocessCmd,
			Args:           opts.SubprocessArgs,
			SandboxHome:    opts.SandboxHome,
			SandboxWorkDir: roleDir,
		}
	}
	return agentrt.StubRuntime{}
}

// runMaintenance blocks until cancel, periodically reclaiming stale leases and
// purging aged dead letters.
func runMaintenance(ctx context.Context, app *httpapi.App) {
	ticker := time.NewTicker(models.DefaultSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := app.Sched.SweepStale(ctx)
			if err != nil {
				slog.Error("stale lease sweep failed", "err", err)
			} else if swept > 0 {
				app.Hub.Publish(httpapi.Event{Type: "leases_swept", Count: swept})
			}
			purged, err := app.Bus.CleanupDeadLetters(ctx, models.DefaultDeadLetterMaxAge)
			if err != nil {
				slog.Error("dead letter cleanup failed", "err", err)
			} else if purged > 0 {
				slog.Info("dead letters purged", "count", purged)
			}
		}
	}
}
