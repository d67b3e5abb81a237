package classroom

import (
	"flag"
	"testing"
	"time"
)

func TestParseConfigDefaults(t *testing.T) {
	t.Setenv("CLASSROOM_RPC_DEFAULT_EXPERIMENT", "")
	t.Setenv("DEFAULT_EXPERIMENT", "")
	fs := flag.NewFlagSet("classroom", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != "127.0.0.1:8000" {
		t.Fatalf("http addr = %q, want 127.0.0.1:8000", cfg.HTTPAddr)
	}
	if cfg.ExperimentsRoot != "experiments" {
		t.Fatalf("experiments root = %q, want experiments", cfg.ExperimentsRoot)
	}
	if !cfg.ActivateRoot {
		t.Fatal("expected root activation by default")
	}
	if cfg.SessionTTL != 168*time.Hour {
		t.Fatalf("session ttl = %v, want 168h", cfg.SessionTTL)
	}
	if cfg.Iterations != 200000 {
		t.Fatalf("iterations = %d, want 200000", cfg.Iterations)
	}
}

func TestParseConfigEnvAndFlags(t *testing.T) {
	t.Setenv("CLASSROOM_RPC_ADDR", "env:9000")
	t.Setenv("CLASSROOM_RPC_EXPERIMENTS_ROOT", "/srv/experiments")
	t.Setenv("CLASSROOM_RPC_WATCH", "true")
	fs := flag.NewFlagSet("classroom", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-addr", "flag:9001", "-activate-root=false"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != "flag:9001" {
		t.Fatalf("http addr = %q, want flag:9001", cfg.HTTPAddr)
	}
	if cfg.ExperimentsRoot != "/srv/experiments" {
		t.Fatalf("experiments root = %q, want /srv/experiments", cfg.ExperimentsRoot)
	}
	if !cfg.Watch {
		t.Fatal("expected watch from env")
	}
	if cfg.ActivateRoot {
		t.Fatal("expected activate-root flag to win")
	}
}

func TestParseConfigLegacyDefaultExperiment(t *testing.T) {
	t.Setenv("CLASSROOM_RPC_DEFAULT_EXPERIMENT", "")
	t.Setenv("DEFAULT_EXPERIMENT", "lab1")
	cfg, err := ParseConfig(flag.NewFlagSet("classroom", flag.ContinueOnError), nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.DefaultExperiment != "lab1" {
		t.Fatalf("default experiment = %q, want lab1", cfg.DefaultExperiment)
	}

	t.Setenv("CLASSROOM_RPC_DEFAULT_EXPERIMENT", "lab2")
	cfg, err = ParseConfig(flag.NewFlagSet("classroom", flag.ContinueOnError), nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.DefaultExperiment != "lab2" {
		t.Fatalf("default experiment = %q, want lab2", cfg.DefaultExperiment)
	}
}

func TestServerConfigAdminOverride(t *testing.T) {
	t.Parallel()

	cfg := Config{AdminUsername: " teacher ", AdminPassword: "s3cret", Iterations: 1000}
	serverCfg, err := cfg.ServerConfig()
	if err != nil {
		t.Fatalf("server config: %v", err)
	}
	override := serverCfg.Credentials.Override
	if override == nil {
		t.Fatal("expected credential override")
	}
	if !override.Verify("teacher", "s3cret") {
		t.Fatal("override does not verify teacher/s3cret")
	}

	serverCfg, err = Config{Iterations: 1000}.ServerConfig()
	if err != nil {
		t.Fatalf("server config: %v", err)
	}
	if serverCfg.Credentials.Override != nil {
		t.Fatal("expected no override without env credentials")
	}
}

func TestServerConfigRejectsPartialOverride(t *testing.T) {
	t.Parallel()

	if _, err := (Config{AdminUsername: "teacher"}).ServerConfig(); err == nil {
		t.Fatal("expected error for username without password")
	}
	if _, err := (Config{AdminPassword: "x"}).ServerConfig(); err == nil {
		t.Fatal("expected error for password without username")
	}
}
