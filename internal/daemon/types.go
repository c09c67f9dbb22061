package daemon

// StartOptions configures the daemon (home, port, worker cadence, runtime, DB).
type StartOptions struct {
	Home           string
	Port           int
	IntervalSec    float64 // worker poll interval; 0 uses the default
	MaxConcurrent  int     // per-role admission cap; 0 = unlimited
	Dev            bool
	PprofAddr      string
	Runtime        string   // "stub" (default) or "subprocess"
	SubprocessCmd  string   // e.g. "crew-agent"
	SubprocessArgs []string // e.g. ["--config", "default"]
	SandboxHome    string   // if set, run subprocess inside bubblewrap with this dir visible (Linux only)
	Roles          []string // role names to run; empty runs all roles
	WorkersPerRole int      // agents per role; 0 = 1
	DBDriver       string   // "sqlite" (default) or "postgres"
	DBURL          string   // for postgres: connection string (or DATABASE_URL env)
	EnableOtel     bool     // enable OpenTelemetry metrics (Prometheus exporter + HTTP/SSE instrumentation)
}

// StatusInfo is the result of Status (running or not, PID, listen addr).
type StatusInfo struct {
	Running bool
	PID     int
	Addr    string
}
