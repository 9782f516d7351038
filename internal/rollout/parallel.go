package rollout

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/dojoworks/dojo/internal/envspec"
	"github.com/dojoworks/dojo/internal/policy"
	"github.com/dojoworks/dojo/internal/sim"
)

// RunParallel executes n independent rollouts over a bounded worker
// pool. Rollout i uses seed opts.Seed+i, so the result multiset matches
// n sequential Run calls with the same seeds. A worker failure or a
// cancelled context yields a failed or cancelled record in place, never
// a short result slice.
func (e *Engine) RunParallel(ctx context.Context, c *envspec.Compiled, pol policy.Policy, opts Options, n, workers int) []*Rollout {
	if n <= 0 {
		return nil
	}
	if workers <= 0 {
		workers = e.workers
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > n {
		workers = n
	}

	sem := semaphore.NewWeighted(int64(workers))
	results := make([]*Rollout, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		seed := opts.Seed + int64(i)
		if err := sem.Acquire(ctx, 1); err != nil {
			// Cancelled before this rollout could start.
			results[i] = cancelledRollout(c, pol.Name(), seed)
			continue
		}
		wg.Add(1)
		go func(slot int, seed int64) {
			defer wg.Done()
			defer sem.Release(1)
			defer func() {
				if rec := recover(); rec != nil {
					results[slot] = failedRollout(c, pol.Name(), seed, fmt.Sprintf("worker panic: %v", rec))
				}
			}()
			o := opts
			o.Seed = seed
			results[slot] = e.Run(ctx, c, pol, o)
		}(i, seed)
	}
	wg.Wait()
	return results
}

func newEmptyRollout(c *envspec.Compiled, polName string, seed int64) *Rollout {
	return &Rollout{
		ID:        uuid.NewString(),
		SpecHash:  c.Hash,
		Policy:    polName,
		Seed:      seed,
		Steps:     []StepRecord{},
		StartedAt: time.Now().UTC(),
	}
}

func cancelledRollout(c *envspec.Compiled, polName string, seed int64) *Rollout {
	r := newEmptyRollout(c, polName, seed)
	r.TerminationReason = sim.ReasonCancelled
	return r
}

func failedRollout(c *envspec.Compiled, polName string, seed int64, msg string) *Rollout {
	r := newEmptyRollout(c, polName, seed)
	r.Error = msg
	r.TerminationReason = "error"
	return r
}
