package sim

import (
	"fmt"
	"math"

	"github.com/dojoworks/dojo/internal/envspec"
)

// Movement constants. Collision radii are strict less-than: an object
// exactly on the radius does not collide, which is what lets a grid
// agent occupy the cell adjacent to a wall.
const (
	MaxSpeed       = 0.1
	ObstacleRadius = 1.0
	AgentRadius    = 0.5
	GoalRadius     = 0.5
)

// EventHitWall is recorded whenever a move is rejected by collision.
const EventHitWall = "hit obstacle"

const (
	directionUp    = "up"
	directionDown  = "down"
	directionLeft  = "left"
	directionRight = "right"
)

// Step advances the episode by one tick: apply every action in order,
// raise user events, grant rewards, then check termination. The input
// state is never mutated; a finished state is returned as an untouched
// clone.
func Step(c *envspec.Compiled, st *State, actions []Action, maxSteps int) *State {
	next := st.Clone()
	if next.Done {
		return next
	}
	next.Info = Info{Events: []string{}, Rewards: []RewardGrant{}}

	for i := range actions {
		applyAction(c, next, &actions[i])
	}

	fired := evalEventRules(c, next)

	for i := range c.Spec.Rules.Rewards {
		r := &c.Spec.Rules.Rewards[i]
		if evalCondition(c, next, &r.Condition, fired) {
			next.Info.Rewards = append(next.Info.Rewards, RewardGrant{
				RuleID: r.ID,
				Value:  r.Reward,
				Reason: string(r.Condition.Kind),
			})
			next.TotalReward += r.Reward
		}
	}

	for i := range c.Spec.Rules.Terminations {
		t := &c.Spec.Rules.Terminations[i]
		if t.Condition.Kind == envspec.CondTimeout {
			continue // driver-level, see TimeoutSteps
		}
		if evalCondition(c, next, &t.Condition, fired) {
			next.Done = true
			next.Reason = t.ID
			break
		}
	}
	if anyAgentAtGoal(c, next) {
		next.Done = true
		if next.Reason == "" {
			next.Reason = ReasonGoalReached
		}
	}

	next.Step++
	if maxSteps > 0 && next.Step >= maxSteps {
		next.Done = true
		if next.Reason == "" {
			next.Reason = ReasonMaxSteps
		}
	}
	return next
}

// StepBatch advances many independent episodes in one call. states and
// actions are parallel slices; the result preserves order.
func StepBatch(c *envspec.Compiled, states []*State, actions [][]Action, maxSteps int) []*State {
	out := make([]*State, len(states))
	for i := range states {
		out[i] = Step(c, states[i], actions[i], maxSteps)
	}
	return out
}

func applyAction(c *envspec.Compiled, st *State, act *Action) {
	agent := resolveAgent(st, act.AgentID)
	if agent == nil {
		st.Info.Events = append(st.Info.Events, "unknown agent "+act.AgentID)
		return
	}
	var candidate envspec.Vec2
	var dir string
	switch c.Spec.ActionSpace.Kind {
	case envspec.ActionsDiscrete:
		delta, ok := compassDelta(act.Name)
		if !ok {
			st.Info.Events = append(st.Info.Events, "action "+act.Name)
			return
		}
		step := c.Spec.EffectiveCellSize()
		if c.Spec.WorldKind != envspec.WorldGrid {
			step = MaxSpeed
		}
		candidate = envspec.Vec2{
			X: agent.Position.X + delta.X*step,
			Y: agent.Position.Y + delta.Y*step,
		}
		dir = act.Name
	case envspec.ActionsContinuous:
		v := actionVector(act.Vector)
		candidate = envspec.Vec2{
			X: agent.Position.X + v.X*MaxSpeed,
			Y: agent.Position.Y + v.Y*MaxSpeed,
		}
		dir = dominantDirection(v)
	default:
		return
	}

	candidate = clampToWorld(c.Spec, candidate)
	if c.Spec.WorldKind == envspec.WorldGrid {
		candidate.X = math.Round(candidate.X)
		candidate.Y = math.Round(candidate.Y)
	}

	if collides(c, st, agent.ID, candidate) {
		st.Info.Events = append(st.Info.Events, EventHitWall)
		return
	}
	agent.Position = candidate
	if c.Spec.ActionSpace.Kind == envspec.ActionsContinuous {
		v := actionVector(act.Vector)
		if v.X != 0 || v.Y != 0 {
			agent.Rotation = math.Atan2(v.Y, v.X)
		}
	}
	st.Info.Events = append(st.Info.Events,
		fmt.Sprintf("moved %s to (%g, %g)", dir, candidate.X, candidate.Y))
}

func resolveAgent(st *State, id string) *AgentState {
	if id == "" {
		if len(st.Agents) == 0 {
			return nil
		}
		return &st.Agents[0]
	}
	return st.Agent(id)
}

// compassDelta maps the four move actions onto unit deltas. Screen
// convention: down increases y.
func compassDelta(name string) (envspec.Vec2, bool) {
	switch name {
	case directionUp:
		return envspec.Vec2{Y: -1}, true
	case directionDown:
		return envspec.Vec2{Y: 1}, true
	case directionLeft:
		return envspec.Vec2{X: -1}, true
	case directionRight:
		return envspec.Vec2{X: 1}, true
	}
	return envspec.Vec2{}, false
}

// actionVector normalizes a raw action vector to at most unit length,
// dropping non-finite components.
func actionVector(raw []float64) envspec.Vec2 {
	var v envspec.Vec2
	if len(raw) > 0 && finiteF(raw[0]) {
		v.X = raw[0]
	}
	if len(raw) > 1 && finiteF(raw[1]) {
		v.Y = raw[1]
	}
	if n := math.Hypot(v.X, v.Y); n > 1 {
		v.X /= n
		v.Y /= n
	}
	return v
}

func clampToWorld(s *envspec.EnvSpec, p envspec.Vec2) envspec.Vec2 {
	minX, minY, maxX, maxY := s.Bounds()
	p.X = math.Min(math.Max(p.X, minX), maxX)
	p.Y = math.Min(math.Max(p.Y, minY), maxY)
	return p
}

// collides rejects a candidate strictly within ObstacleRadius of a wall
// or obstacle, or strictly within AgentRadius of any other agent.
func collides(c *envspec.Compiled, st *State, agentID string, candidate envspec.Vec2) bool {
	if c.NearBlocking(candidate, ObstacleRadius) {
		return true
	}
	for i := range st.Agents {
		other := &st.Agents[i]
		if other.ID == agentID {
			continue
		}
		if candidate.Dist(other.Position) < AgentRadius {
			return true
		}
	}
	return false
}

func anyAgentAtGoal(c *envspec.Compiled, st *State) bool {
	for _, gi := range c.Goals {
		goal := st.Objects[gi].Position
		for i := range st.Agents {
			if st.Agents[i].Position.Dist(goal) <= GoalRadius {
				return true
			}
		}
	}
	return false
}

func dominantDirection(v envspec.Vec2) string {
	if math.Abs(v.X) >= math.Abs(v.Y) {
		if v.X >= 0 {
			return directionRight
		}
		return directionLeft
	}
	if v.Y >= 0 {
		return directionDown
	}
	return directionUp
}

func finiteF(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
