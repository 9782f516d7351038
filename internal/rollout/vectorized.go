package rollout

import (
	"context"
	"math/rand"

	"github.com/dojoworks/dojo/internal/envspec"
	"github.com/dojoworks/dojo/internal/policy"
	"github.com/dojoworks/dojo/internal/sim"
)

// RunVectorized advances b episodes in lockstep: per tick it collects
// one action set per live episode and applies them through the batched
// kernel. Each episode keeps its own RNG seeded opts.Seed+i, so the
// results are step-for-step identical to b sequential Run calls with
// matching seeds.
func (e *Engine) RunVectorized(ctx context.Context, c *envspec.Compiled, pol policy.Policy, opts Options, b int) []*Rollout {
	if b <= 0 {
		return nil
	}
	budget := resolveBudget(c, opts.MaxSteps)

	states := make([]*sim.State, b)
	rngs := make([]*rand.Rand, b)
	rollouts := make([]*Rollout, b)
	for i := 0; i < b; i++ {
		states[i] = sim.Init(c)
		rngs[i] = rand.New(rand.NewSource(opts.Seed + int64(i)))
		rollouts[i] = newEmptyRollout(c, pol.Name(), opts.Seed+int64(i))
		rollouts[i].MaxSteps = budget
	}

	live := b
	for live > 0 {
		if ctx.Err() != nil {
			for i := 0; i < b; i++ {
				if !states[i].Done && rollouts[i].Error == "" {
					rollouts[i].TerminationReason = sim.ReasonCancelled
				}
			}
			break
		}

		var liveIdx []int
		var batchStates []*sim.State
		var batchActs [][]sim.Action
		for i := 0; i < b; i++ {
			if states[i].Done || rollouts[i].Error != "" {
				continue
			}
			acts, err := pol.Select(c, states[i], rngs[i])
			if err != nil {
				rollouts[i].Error = err.Error()
				rollouts[i].TerminationReason = "error"
				live--
				continue
			}
			liveIdx = append(liveIdx, i)
			batchStates = append(batchStates, states[i])
			batchActs = append(batchActs, acts)
		}

		next := sim.StepBatch(c, batchStates, batchActs, budget)
		for j, i := range liveIdx {
			states[i] = next[j]
			rec := StepRecord{
				State:  next[j],
				Action: batchActs[j],
				Reward: next[j].StepReward(),
				Done:   next[j].Done,
			}
			rollouts[i].Steps = append(rollouts[i].Steps, rec)
			emit(opts.OnStep, rec)
			if next[j].Done {
				live--
			}
		}
	}

	for i := 0; i < b; i++ {
		r := rollouts[i]
		r.EpisodeLength = states[i].Step
		r.TotalReward = states[i].TotalReward
		if r.TerminationReason == "" {
			r.TerminationReason = states[i].Reason
		}
		r.Success = derivesSuccess(c, states[i], r.Steps)
		if r.TerminationReason == sim.ReasonCancelled || r.Error != "" {
			r.Success = false
		}
	}
	return rollouts
}
