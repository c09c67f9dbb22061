package config

import (
	"github.com/caarlos0/env/v11"
)

// Env carries the environment-variable overrides for the daemon. Flags win
// over these; these win over built-in defaults.
type Env struct {
	Home           string   `env:"CREW_HOME"`
	Port           int      `env:"CREW_PORT" envDefault:"3962"`
	APIKey         string   `env:"CREW_API_KEY"`
	DBDriver       string   `env:"CREW_DB_DRIVER" envDefault:"sqlite"`
	DBURL          string   `env:"DATABASE_URL"`
	Runtime        string   `env:"CREW_RUNTIME" envDefault:"stub"`
	SubprocessCmd  string   `env:"CREW_AGENT_CMD"`
	SubprocessArgs []string `env:"CREW_AGENT_ARGS" envSeparator:" "`
	SandboxHome    string   `env:"CREW_SANDBOX_HOME"`
	Roles          []string `env:"CREW_ROLES" envSeparator:","`
	WorkersPerRole int      `env:"CREW_WORKERS_PER_ROLE" envDefault:"1"`
	MaxConcurrent  int      `env:"CREW_MAX_CONCURRENT"`
	EnableOtel     bool     `env:"CREW_OTEL" envDefault:"false"`
	PprofAddr      string   `env:"CREW_PPROF_ADDR"`
}

// LoadEnv parses the process environment into Env.
func LoadEnv() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, err
	}
	return e, nil
}
