// Package rollout drives episodes end to end: it prepares specs through
// the compiled-environment cache, runs single rollouts, fans batches out
// over a bounded worker pool, and offers a vectorized fast path. All
// drivers honor cooperative cancellation between steps.
package rollout

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dojoworks/dojo/internal/cache"
	"github.com/dojoworks/dojo/internal/envspec"
	"github.com/dojoworks/dojo/internal/metrics"
	"github.com/dojoworks/dojo/internal/policy"
	"github.com/dojoworks/dojo/internal/sim"
)

// DefaultMaxSteps bounds episodes when neither the caller nor a timeout
// rule supplies a budget.
const DefaultMaxSteps = 1000

// StepRecord is one entry of a rollout trace.
type StepRecord struct {
	State  *sim.State   `json:"state"`
	Action []sim.Action `json:"action"`
	Reward float64      `json:"reward"`
	Done   bool         `json:"done"`
}

// Rollout is the full result of one episode.
type Rollout struct {
	ID                string       `json:"id"`
	SpecHash          string       `json:"specHash"`
	Policy            string       `json:"policy"`
	Seed              int64        `json:"seed"`
	MaxSteps          int          `json:"maxSteps"`
	Steps             []StepRecord `json:"steps"`
	TotalReward       float64      `json:"totalReward"`
	EpisodeLength     int          `json:"episodeLength"`
	Success           bool         `json:"success"`
	TerminationReason string       `json:"terminationReason"`
	Error             string       `json:"error,omitempty"`
	StartedAt         time.Time    `json:"startedAt"`
	DurationMS        float64      `json:"durationMs"`
}

// Options parameterize one rollout.
type Options struct {
	// MaxSteps caps the episode. Zero means: use the spec's timeout rule
	// if it has one, else DefaultMaxSteps.
	MaxSteps int
	// Seed feeds the per-rollout RNG handed to the policy.
	Seed int64
	// OnStep, when set, receives every step record as it is produced.
	// Streaming is best-effort: callback errors and panics are swallowed.
	OnStep func(StepRecord)
}

// Engine owns the rollout drivers and the compiled-environment cache.
type Engine struct {
	log     *zap.Logger
	caches  *cache.Store
	workers int
}

// NewEngine builds an Engine. workers bounds RunParallel's default pool
// size; zero or negative falls back to one worker per logical CPU at
// call time.
func NewEngine(caches *cache.Store, workers int, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{log: log, caches: caches, workers: workers}
}

// Prepare sanitizes and validates a raw spec and returns its compiled
// form, reusing the cached compilation when an identical spec was seen
// before.
func (e *Engine) Prepare(spec *envspec.EnvSpec) (*envspec.Compiled, error) {
	clean := envspec.Sanitize(spec)
	hash, err := envspec.SpecHash(clean)
	if err != nil {
		return nil, err
	}
	key := "spec:" + hash
	if e.caches != nil {
		if hit, ok := e.caches.Get(cache.NamespaceCompiled, key); ok {
			return hit.(*envspec.Compiled), nil
		}
	}
	if err := envspec.ReadyForRollout(clean); err != nil {
		return nil, err
	}
	compiled, err := envspec.Compile(clean)
	if err != nil {
		return nil, err
	}
	if e.caches != nil {
		e.caches.Set(cache.NamespaceCompiled, key, compiled)
	}
	return compiled, nil
}

// Run executes one episode to completion, cancellation, or failure. The
// returned rollout is always non-nil; driver-level failures are recorded
// on it rather than raised.
func (e *Engine) Run(ctx context.Context, c *envspec.Compiled, pol policy.Policy, opts Options) *Rollout {
	start := time.Now()
	budget := resolveBudget(c, opts.MaxSteps)
	r := &Rollout{
		ID:        uuid.NewString(),
		SpecHash:  c.Hash,
		Policy:    pol.Name(),
		Seed:      opts.Seed,
		MaxSteps:  budget,
		Steps:     []StepRecord{},
		StartedAt: start.UTC(),
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	state := sim.Init(c)

	for !state.Done && state.Step < budget {
		if ctx.Err() != nil {
			r.TerminationReason = sim.ReasonCancelled
			break
		}
		acts, err := pol.Select(c, state, rng)
		if err != nil {
			r.Error = err.Error()
			r.TerminationReason = "error"
			break
		}
		state = sim.Step(c, state, acts, budget)
		rec := StepRecord{State: state, Action: acts, Reward: state.StepReward(), Done: state.Done}
		r.Steps = append(r.Steps, rec)
		emit(opts.OnStep, rec)
	}

	r.EpisodeLength = state.Step
	r.TotalReward = state.TotalReward
	if r.TerminationReason == "" {
		r.TerminationReason = state.Reason
	}
	r.Success = derivesSuccess(c, state, r.Steps)
	if r.TerminationReason == sim.ReasonCancelled || r.Error != "" {
		r.Success = false
	}
	r.DurationMS = float64(time.Since(start)) / float64(time.Millisecond)

	metrics.RecordRollout(pol.Name(), outcomeOf(r), len(r.Steps), time.Since(start))
	e.log.Debug("rollout finished",
		zap.String("rollout_id", r.ID),
		zap.String("policy", r.Policy),
		zap.Int("steps", r.EpisodeLength),
		zap.Float64("total_reward", r.TotalReward),
		zap.String("reason", r.TerminationReason))
	return r
}

// emit delivers a step record to a streaming callback, swallowing any
// panic: streaming must never take a rollout down.
func emit(cb func(StepRecord), rec StepRecord) {
	if cb == nil {
		return
	}
	defer func() { _ = recover() }()
	cb(rec)
}

// resolveBudget folds the caller budget, the spec timeout rule, and the
// default together into a final step cap.
func resolveBudget(c *envspec.Compiled, maxSteps int) int {
	budget := maxSteps
	if t := envspec.TimeoutSteps(&c.Spec.Rules); t > 0 && (budget <= 0 || t < budget) {
		budget = t
	}
	if budget <= 0 {
		budget = DefaultMaxSteps
	}
	return budget
}

// derivesSuccess reports whether the episode ended with an agent at a
// goal or with any goal-flavored event on record.
func derivesSuccess(c *envspec.Compiled, final *sim.State, steps []StepRecord) bool {
	for _, gi := range c.Goals {
		if gi >= len(final.Objects) {
			continue
		}
		goal := final.Objects[gi].Position
		for i := range final.Agents {
			if final.Agents[i].Position.Dist(goal) <= sim.GoalRadius {
				return true
			}
		}
	}
	for i := range steps {
		for _, ev := range steps[i].State.Info.Events {
			if strings.Contains(ev, "goal") {
				return true
			}
		}
	}
	return false
}

func outcomeOf(r *Rollout) string {
	switch {
	case r.Error != "":
		return "failed"
	case r.TerminationReason == sim.ReasonCancelled:
		return "cancelled"
	default:
		return "completed"
	}
}
