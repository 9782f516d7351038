// Package compute abstracts the cloud execution layer that runs training
// workloads. The orchestrator drives a Backend without knowing whether jobs
// land on a SkyPilot-managed cluster or an in-memory fake.
package compute

import (
	"context"
	"strings"
	"time"

	"github.com/dojoworks/dojo/internal/protocol"
)

// Status is one backend job observation, mapped onto the run state machine.
type Status struct {
	State protocol.RunState

	// ProviderState is the backend-native state string before mapping,
	// kept for operator-facing diagnostics.
	ProviderState string

	Resources string
	Duration  time.Duration
	CostUSD   float64
}

// Backend executes training jobs on some substrate.
type Backend interface {
	// Name identifies the backend in logs and status payloads.
	Name() string

	// Configured reports whether the backend is ready to accept jobs.
	Configured(ctx context.Context) bool

	// Setup attempts a one-shot configuration of the backend, for example
	// validating cloud credentials. Called when Configured returns false.
	Setup(ctx context.Context) error

	// Submit launches the job described by the manifest file and returns
	// the backend's job identifier.
	Submit(ctx context.Context, manifestPath, name string) (string, error)

	// Status fetches the current state of a submitted job.
	Status(ctx context.Context, jobID string) (*Status, error)

	// Logs returns up to maxLines of the most recent job output and
	// whether older lines were dropped. maxLines <= 0 means no limit.
	Logs(ctx context.Context, jobID string, maxLines int) ([]string, bool, error)

	// Cancel stops a running job. Cancelling a finished job is not an error.
	Cancel(ctx context.Context, jobID string) error
}

// mapProviderState folds a backend-native state string onto the run state
// machine. Unknown states are treated as still pending rather than failed so
// that a provider adding states does not flip live runs into a terminal one.
func mapProviderState(raw string) protocol.RunState {
	switch s := strings.ToUpper(strings.TrimSpace(raw)); {
	case s == "INIT" || s == "PENDING" || s == "STARTING":
		return protocol.RunPending
	case s == "RUNNING" || s == "SETTING_UP" || s == "RECOVERING":
		return protocol.RunRunning
	case s == "SUCCEEDED":
		return protocol.RunSucceeded
	case strings.HasPrefix(s, "FAILED"):
		return protocol.RunFailed
	case s == "CANCELLED" || s == "CANCELLING":
		return protocol.RunCancelled
	default:
		return protocol.RunPending
	}
}

// tail returns the last max lines of lines and whether any were dropped.
func tail(lines []string, max int) ([]string, bool) {
	if max <= 0 || len(lines) <= max {
		return lines, false
	}
	return lines[len(lines)-max:], true
}
