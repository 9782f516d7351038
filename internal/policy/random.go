package policy

import (
	"math/rand"

	"github.com/dojoworks/dojo/internal/apperr"
	"github.com/dojoworks/dojo/internal/envspec"
	"github.com/dojoworks/dojo/internal/sim"
)

// Random selects uniformly: over the discrete action set, or a vector
// uniform in [-1,1] per dimension for continuous spaces.
type Random struct{}

func (Random) Name() string { return string(KindRandom) }

func (Random) Select(c *envspec.Compiled, st *sim.State, rng *rand.Rand) ([]sim.Action, error) {
	as := &c.Spec.ActionSpace
	out := make([]sim.Action, len(st.Agents))
	for i := range st.Agents {
		switch as.Kind {
		case envspec.ActionsDiscrete:
			if len(as.Actions) == 0 {
				return nil, apperr.Validation("actionSpace.actions", "empty discrete action set")
			}
			out[i] = sim.Action{
				AgentID: st.Agents[i].ID,
				Name:    as.Actions[rng.Intn(len(as.Actions))],
			}
		case envspec.ActionsContinuous:
			dims := as.Dims
			if dims <= 0 {
				dims = 2
			}
			vec := make([]float64, dims)
			for d := range vec {
				vec[d] = rng.Float64()*2 - 1
			}
			out[i] = sim.Action{AgentID: st.Agents[i].ID, Vector: vec}
		default:
			return nil, apperr.Validation("actionSpace.kind", "unknown action space kind")
		}
	}
	return out, nil
}
