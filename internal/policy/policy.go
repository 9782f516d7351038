// Package policy implements action selection for rollouts: uniform
// random, greedy goal-seeking, and serialized trained models. Policies
// are deterministic given their RNG handle; the engine seeds one RNG per
// rollout so parallel batches stay reproducible.
package policy

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/dojoworks/dojo/internal/apperr"
	"github.com/dojoworks/dojo/internal/envspec"
	"github.com/dojoworks/dojo/internal/sim"
)

// Kind names a policy family.
type Kind string

const (
	KindRandom  Kind = "random"
	KindGreedy  Kind = "greedy"
	KindTrained Kind = "trained_model"
)

// Spec selects and parameterizes a policy. Trained models resolve
// through ModelRef: either a direct URL or a runId whose latest
// checkpoint is looked up.
type Spec struct {
	Kind     Kind   `json:"kind"`
	ModelURL string `json:"modelUrl,omitempty"`
	RunID    string `json:"runId,omitempty"`
	Seed     int64  `json:"seed,omitempty"`
}

// Policy chooses one action per agent for the current state.
type Policy interface {
	// Name identifies the policy for cache keys and rollout records.
	Name() string
	// Select returns actions for every agent, in spec agent order.
	Select(c *envspec.Compiled, st *sim.State, rng *rand.Rand) ([]sim.Action, error)
}

// New builds a policy from its spec. Trained models are fetched through
// the loader; random and greedy need none.
func New(ctx context.Context, ps Spec, loader *Loader) (Policy, error) {
	switch ps.Kind {
	case KindRandom:
		return Random{}, nil
	case KindGreedy:
		return Greedy{}, nil
	case KindTrained:
		if loader == nil {
			return nil, apperr.Validation("policy", "no model loader configured")
		}
		return loader.Load(ctx, ps)
	default:
		return nil, apperr.Validation("policy.kind", fmt.Sprintf("unknown policy kind %q", ps.Kind))
	}
}

// Validate rejects malformed policy specs before any work is scheduled.
func (ps *Spec) Validate() error {
	switch ps.Kind {
	case KindRandom, KindGreedy:
		return nil
	case KindTrained:
		if ps.ModelURL == "" && ps.RunID == "" {
			return apperr.Validation("policy", "trained_model needs modelUrl or runId")
		}
		return nil
	default:
		return apperr.Validation("policy.kind", fmt.Sprintf("unknown policy kind %q", ps.Kind))
	}
}
