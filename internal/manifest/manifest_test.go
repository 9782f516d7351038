package manifest

import (
	"os"
	"strings"
	"testing"

	"github.com/dojoworks/dojo/internal/apperr"
	"github.com/dojoworks/dojo/internal/protocol"
)

func testOptions() Options {
	return Options{
		CallbackURL: "http://dojo.internal:8080",
		StorageURL:  "https://store.example.dev",
		WorkerToken: "token-123",
	}
}

func TestBuildDefaults(t *testing.T) {
	m, err := Build("run-1", protocol.RunConfig{Algorithm: "ppo"}, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	if m.Name != "dojo-run-1" {
		t.Errorf("name = %q", m.Name)
	}
	if m.Resources.Accelerators != DefaultAccelerator {
		t.Errorf("accelerators = %q", m.Resources.Accelerators)
	}
	if m.Resources.JobRecovery != nil {
		t.Error("on-demand workloads should not request job recovery")
	}
	if !strings.Contains(m.Run, "--timesteps 100000") {
		t.Errorf("run = %q, want default timesteps", m.Run)
	}
	if m.Workdir != "." {
		t.Errorf("workdir = %q", m.Workdir)
	}
	for _, key := range []string{"RUN_ID", "CONVEX_URL", "METRICS_INTERVAL", "DOJO_CALLBACK_URL", "DOJO_WORKER_TOKEN"} {
		if m.Envs[key] == "" {
			t.Errorf("env %s not set", key)
		}
	}
	if m.Envs["RUN_ID"] != "run-1" {
		t.Errorf("RUN_ID = %q", m.Envs["RUN_ID"])
	}
}

func TestBuildSpotRecovery(t *testing.T) {
	cfg := protocol.RunConfig{Algorithm: "dqn", UseSpot: true}
	m, err := Build("run-2", cfg, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	if m.Resources.JobRecovery == nil || m.Resources.JobRecovery.MaxRestartsOnErrors != DefaultMaxRestarts {
		t.Errorf("jobRecovery = %+v, want default %d restarts", m.Resources.JobRecovery, DefaultMaxRestarts)
	}

	cfg.MaxRestarts = 5
	m, err = Build("run-2", cfg, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	if m.Resources.JobRecovery.MaxRestartsOnErrors != 5 {
		t.Errorf("maxRestarts = %d, want 5", m.Resources.JobRecovery.MaxRestartsOnErrors)
	}
}

func TestBuildUnknownAlgorithm(t *testing.T) {
	_, err := Build("run-3", protocol.RunConfig{Algorithm: "es"}, testOptions())
	if apperr.CodeOf(err) != apperr.CodeValidation {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestBuildEnvOverride(t *testing.T) {
	cfg := protocol.RunConfig{
		Algorithm: "sac",
		EnvID:     "env-9",
		Envs:      map[string]string{"METRICS_INTERVAL": "60", "EXTRA": "1"},
	}
	m, err := Build("run-4", cfg, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	if m.Envs["METRICS_INTERVAL"] != "60" {
		t.Errorf("user env should win, got %q", m.Envs["METRICS_INTERVAL"])
	}
	if m.Envs["EXTRA"] != "1" {
		t.Error("user env EXTRA dropped")
	}
	if !strings.Contains(m.Run, "--env-id env-9") {
		t.Errorf("run = %q, want env id flag", m.Run)
	}
}

func TestRenderYAML(t *testing.T) {
	cfg := protocol.RunConfig{Algorithm: "ppo", UseSpot: true, AutostopMinutes: 30}
	m, err := Build("train-7", cfg, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	out, err := m.Render()
	if err != nil {
		t.Fatal(err)
	}
	doc := string(out)
	for _, want := range []string{
		"name: dojo-train-7",
		"use_spot: true",
		"autostop: 30",
		"max_restarts_on_errors: 3",
		"RUN_ID: train-7",
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("rendered manifest missing %q:\n%s", want, doc)
		}
	}
}

func TestWriteTemp(t *testing.T) {
	m, err := Build("run-5", protocol.RunConfig{Algorithm: "a2c"}, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	path, err := m.WriteTemp()
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(path)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "dojo-run-5") {
		t.Errorf("materialized manifest missing name:\n%s", data)
	}
	if !strings.HasSuffix(path, ".yaml") {
		t.Errorf("path = %q, want .yaml suffix", path)
	}
}
