package policy

import (
	"math"
	"math/rand"

	"github.com/dojoworks/dojo/internal/envspec"
	"github.com/dojoworks/dojo/internal/sim"
)

// Greedy pathfinds each agent toward its nearest goal object. Discrete
// worlds pick the compass direction on the dominant axis and fall back
// through the other directions when the landing cell is blocked or out
// of bounds; continuous worlds emit the unit vector toward the goal.
// Greedy uses no randomness, so identical states always produce
// identical actions.
type Greedy struct{}

func (Greedy) Name() string { return string(KindGreedy) }

// arrivedRadius stops continuous agents jittering on top of the goal.
const arrivedRadius = 0.1

func (Greedy) Select(c *envspec.Compiled, st *sim.State, _ *rand.Rand) ([]sim.Action, error) {
	out := make([]sim.Action, len(st.Agents))
	for i := range st.Agents {
		agent := &st.Agents[i]
		goal, ok := nearestGoal(c, st, agent.Position)
		if !ok {
			// Nothing to seek; stand still.
			out[i] = sim.Action{AgentID: agent.ID}
			if c.Spec.ActionSpace.Kind == envspec.ActionsContinuous {
				out[i].Vector = []float64{0, 0}
			}
			continue
		}
		if c.Spec.ActionSpace.Kind == envspec.ActionsContinuous {
			out[i] = sim.Action{AgentID: agent.ID, Vector: unitToward(agent.Position, goal)}
			continue
		}
		out[i] = sim.Action{AgentID: agent.ID, Name: pickDirection(c, st, agent, goal)}
	}
	return out, nil
}

func nearestGoal(c *envspec.Compiled, st *sim.State, from envspec.Vec2) (envspec.Vec2, bool) {
	best := envspec.Vec2{}
	bestDist := math.Inf(1)
	for _, gi := range c.Goals {
		p := st.Objects[gi].Position
		if d := from.Dist(p); d < bestDist {
			best, bestDist = p, d
		}
	}
	return best, !math.IsInf(bestDist, 1)
}

func unitToward(from, to envspec.Vec2) []float64 {
	dx, dy := to.X-from.X, to.Y-from.Y
	n := math.Hypot(dx, dy)
	if n <= arrivedRadius {
		return []float64{0, 0}
	}
	return []float64{dx / n, dy / n}
}

// pickDirection chooses the compass move: preferred direction on the
// dominant axis first, then the two perpendicular directions, then the
// reverse. Perpendicular fallbacks are tried in the fixed order down,
// up (or right, left), which is what walks an agent around a wall
// instead of bouncing between the same two cells. If every direction is
// blocked the preferred one is returned anyway and the kernel records
// the collision.
func pickDirection(c *envspec.Compiled, st *sim.State, agent *sim.AgentState, goal envspec.Vec2) string {
	dx := goal.X - agent.Position.X
	dy := goal.Y - agent.Position.Y

	var preferred string
	if math.Abs(dx) >= math.Abs(dy) {
		if dx >= 0 {
			preferred = "right"
		} else {
			preferred = "left"
		}
	} else {
		if dy >= 0 {
			preferred = "down"
		} else {
			preferred = "up"
		}
	}

	for _, dir := range directionOrder(preferred) {
		if landingValid(c, st, agent, dir) {
			return dir
		}
	}
	return preferred
}

func directionOrder(preferred string) []string {
	switch preferred {
	case "right":
		return []string{"right", "down", "up", "left"}
	case "left":
		return []string{"left", "down", "up", "right"}
	case "down":
		return []string{"down", "right", "left", "up"}
	default: // up
		return []string{"up", "right", "left", "down"}
	}
}

// landingValid simulates the landing cell for one compass move: inside
// the world and clear of obstacles and other agents.
func landingValid(c *envspec.Compiled, st *sim.State, agent *sim.AgentState, dir string) bool {
	step := c.Spec.EffectiveCellSize()
	p := agent.Position
	switch dir {
	case "up":
		p.Y -= step
	case "down":
		p.Y += step
	case "left":
		p.X -= step
	case "right":
		p.X += step
	}
	if !c.Spec.InBounds(p) {
		return false
	}
	if c.NearBlocking(p, sim.ObstacleRadius) {
		return false
	}
	for i := range st.Agents {
		if st.Agents[i].ID == agent.ID {
			continue
		}
		if p.Dist(st.Agents[i].Position) < sim.AgentRadius {
			return false
		}
	}
	return true
}
