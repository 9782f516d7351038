// Package manifest renders training workloads into the YAML document
// the compute backend consumes. The orchestrator materializes the
// rendered manifest to a temporary path before submitting it.
package manifest

import (
	"fmt"
	"os"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/dojoworks/dojo/internal/apperr"
	"github.com/dojoworks/dojo/internal/protocol"
)

// Workload defaults applied when the RunConfig leaves them unset.
const (
	DefaultAccelerator     = "T4:1"
	DefaultMaxRestarts     = 3
	DefaultMetricsInterval = 15
	DefaultTimesteps       = 100_000
)

// JobRecovery asks the provider to restart preempted workloads.
type JobRecovery struct {
	MaxRestartsOnErrors int `yaml:"max_restarts_on_errors"`
}

// Resources describes the compute the workload needs.
type Resources struct {
	Accelerators string       `yaml:"accelerators,omitempty"`
	UseSpot      bool         `yaml:"use_spot,omitempty"`
	Autostop     int          `yaml:"autostop,omitempty"`
	JobRecovery  *JobRecovery `yaml:"job_recovery,omitempty"`
}

// Manifest is the provider-agnostic workload document.
type Manifest struct {
	Name       string            `yaml:"name"`
	Resources  Resources         `yaml:"resources"`
	Workdir    string            `yaml:"workdir,omitempty"`
	Setup      string            `yaml:"setup,omitempty"`
	Run        string            `yaml:"run"`
	Envs       map[string]string `yaml:"envs,omitempty"`
	FileMounts map[string]string `yaml:"file_mounts,omitempty"`
}

// Options carries the studio-side wiring every workload receives.
type Options struct {
	// CallbackURL is where the worker pushes metrics, logs, and status.
	CallbackURL string
	// StorageURL is the document store the worker reads scenes from.
	StorageURL string
	// WorkerToken authenticates the worker's callbacks.
	WorkerToken string
}

type trainerCommands struct {
	setup string
	run   string
}

// trainers maps each supported algorithm to its setup and run commands.
var trainers = map[string]trainerCommands{
	"ppo": {
		setup: "pip install 'dojo-trainers[ppo]'",
		run:   "python -m dojo_trainers.ppo",
	},
	"dqn": {
		setup: "pip install 'dojo-trainers[dqn]'",
		run:   "python -m dojo_trainers.dqn",
	},
	"a2c": {
		setup: "pip install 'dojo-trainers[a2c]'",
		run:   "python -m dojo_trainers.a2c",
	},
	"sac": {
		setup: "pip install 'dojo-trainers[sac]'",
		run:   "python -m dojo_trainers.sac",
	},
}

// Build compiles a RunConfig into a workload manifest. User-provided
// env vars win over the studio's standard set.
func Build(runID string, cfg protocol.RunConfig, opts Options) (*Manifest, error) {
	trainer, ok := trainers[cfg.Algorithm]
	if !ok {
		return nil, apperr.Validation("algorithm", fmt.Sprintf("unsupported algorithm %q", cfg.Algorithm))
	}

	accelerator := cfg.Accelerator
	if accelerator == "" {
		accelerator = DefaultAccelerator
	}
	timesteps := cfg.Timesteps
	if timesteps <= 0 {
		timesteps = DefaultTimesteps
	}
	interval := cfg.MetricsInterval
	if interval <= 0 {
		interval = DefaultMetricsInterval
	}

	resources := Resources{
		Accelerators: accelerator,
		UseSpot:      cfg.UseSpot,
		Autostop:     cfg.AutostopMinutes,
	}
	if cfg.UseSpot {
		restarts := cfg.MaxRestarts
		if restarts <= 0 {
			restarts = DefaultMaxRestarts
		}
		resources.JobRecovery = &JobRecovery{MaxRestartsOnErrors: restarts}
	}

	run := fmt.Sprintf("%s --run-id $RUN_ID --timesteps %d", trainer.run, timesteps)
	if cfg.EnvID != "" {
		run += fmt.Sprintf(" --env-id %s", cfg.EnvID)
	}

	workdir := cfg.Workdir
	if workdir == "" {
		workdir = "."
	}

	envs := map[string]string{
		"RUN_ID":            runID,
		"CONVEX_URL":        opts.StorageURL,
		"METRICS_INTERVAL":  fmt.Sprintf("%d", interval),
		"DOJO_CALLBACK_URL": opts.CallbackURL,
		"DOJO_WORKER_TOKEN": opts.WorkerToken,
	}

	return &Manifest{
		Name:      "dojo-" + runID,
		Resources: resources,
		Workdir:   workdir,
		Setup:     trainer.setup,
		Run:       run,
		Envs:      lo.Assign(envs, cfg.Envs),
	}, nil
}

// Render serializes the manifest to YAML.
func (m *Manifest) Render() ([]byte, error) {
	out, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("render manifest: %w", err)
	}
	return out, nil
}

// WriteTemp materializes the manifest to a temporary YAML file and
// returns its path. The caller removes it after submission.
func (m *Manifest) WriteTemp() (string, error) {
	data, err := m.Render()
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp("", "dojo-task-*.yaml")
	if err != nil {
		return "", fmt.Errorf("create manifest file: %w", err)
	}
	path := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close manifest: %w", err)
	}
	return path, nil
}
