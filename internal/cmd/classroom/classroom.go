// Package classroom parses classroom server flags and launches the service.
package classroom

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/classroom-rpc/internal/platform/cmd"
	server "github.com/louisbranch/classroom-rpc/internal/services/classroom/app"
	"github.com/louisbranch/classroom-rpc/internal/services/classroom/credential"
)

// legacyDefaultExperimentEnv is honoured when the prefixed variable is unset.
const legacyDefaultExperimentEnv = "DEFAULT_EXPERIMENT"

// Config holds classroom command configuration.
type Config struct {
	HTTPAddr          string        `env:"CLASSROOM_RPC_ADDR" envDefault:"127.0.0.1:8000"`
	GRPCAddr          string        `env:"CLASSROOM_RPC_GRPC_ADDR" envDefault:"127.0.0.1:8001"`
	ExperimentsRoot   string        `env:"CLASSROOM_RPC_EXPERIMENTS_ROOT" envDefault:"experiments"`
	DefaultExperiment string        `env:"CLASSROOM_RPC_DEFAULT_EXPERIMENT"`
	ActivateRoot      bool          `env:"CLASSROOM_RPC_ACTIVATE_ROOT" envDefault:"true"`
	AdminUsername     string        `env:"CLASSROOM_RPC_ADMIN_USERNAME"`
	AdminPassword     string        `env:"CLASSROOM_RPC_ADMIN_PASSWORD"`
	Iterations        int           `env:"CLASSROOM_RPC_ITERATIONS" envDefault:"200000"`
	WriteBack         bool          `env:"CLASSROOM_RPC_WRITE_BACK"`
	SessionTTL        time.Duration `env:"CLASSROOM_RPC_SESSION_TTL" envDefault:"168h"`
	Watch             bool          `env:"CLASSROOM_RPC_WATCH"`
}

// ParseConfig parses environment and flags into Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.DefaultExperiment == "" {
		cfg.DefaultExperiment = strings.TrimSpace(os.Getenv(legacyDefaultExperimentEnv))
	}
	fs.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "The HTTP listen address")
	fs.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "The gRPC health listen address")
	fs.StringVar(&cfg.ExperimentsRoot, "experiments", cfg.ExperimentsRoot, "Directory holding one subdirectory per experiment")
	fs.StringVar(&cfg.DefaultExperiment, "default-experiment", cfg.DefaultExperiment, "Experiment bound to the root routes")
	fs.BoolVar(&cfg.ActivateRoot, "activate-root", cfg.ActivateRoot, "Activate the root experiment at startup")
	fs.IntVar(&cfg.Iterations, "iterations", cfg.Iterations, "PBKDF2 iterations for upgraded credentials")
	fs.BoolVar(&cfg.WriteBack, "write-back", cfg.WriteBack, "Persist upgraded plaintext credentials")
	fs.DurationVar(&cfg.SessionTTL, "session-ttl", cfg.SessionTTL, "Admin session lifetime")
	fs.BoolVar(&cfg.Watch, "watch", cfg.Watch, "Reload function modules when files change")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ServerConfig converts cfg into the server configuration, hashing the admin
// override when one is set.
func (cfg Config) ServerConfig() (server.Config, error) {
	creds := credential.Options{Iterations: cfg.Iterations, WriteBack: cfg.WriteBack}
	username := strings.TrimSpace(cfg.AdminUsername)
	switch {
	case username != "" && cfg.AdminPassword != "":
		override, err := credential.Hash(username, cfg.AdminPassword, cfg.Iterations)
		if err != nil {
			return server.Config{}, fmt.Errorf("hash admin override: %w", err)
		}
		creds.Override = &override
	case username != "" || cfg.AdminPassword != "":
		return server.Config{}, fmt.Errorf("admin override needs both username and password")
	}
	return server.Config{
		HTTPAddr:          cfg.HTTPAddr,
		GRPCAddr:          cfg.GRPCAddr,
		ExperimentsRoot:   cfg.ExperimentsRoot,
		DefaultExperiment: cfg.DefaultExperiment,
		ActivateRoot:      cfg.ActivateRoot,
		Watch:             cfg.Watch,
		SessionTTL:        cfg.SessionTTL,
		Credentials:       creds,
	}, nil
}

// Run starts the classroom server.
func Run(ctx context.Context, cfg Config) error {
	serverCfg, err := cfg.ServerConfig()
	if err != nil {
		return err
	}
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceClassroom, func(ctx context.Context) error {
		return server.Run(ctx, serverCfg)
	})
}
