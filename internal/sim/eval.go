package sim

import (
	"github.com/dojoworks/dojo/internal/envspec"
)

// evalEventRules evaluates the spec's event rules in order against the
// post-move state, appending each fired event name to the step's events.
// Later rules see events raised by earlier ones.
func evalEventRules(c *envspec.Compiled, st *State) map[string]bool {
	fired := make(map[string]bool)
	for i := range c.Spec.Rules.Events {
		e := &c.Spec.Rules.Events[i]
		if evalCondition(c, st, &e.Condition, fired) {
			fired[e.Name] = true
			st.Info.Events = append(st.Info.Events, e.Name)
		}
	}
	return fired
}

// evalCondition evaluates one condition against the post-move state.
// Distance checks are Euclidean; proximity uses inclusive tolerance,
// collision uses the strict obstacle radius.
func evalCondition(c *envspec.Compiled, st *State, cond *envspec.Condition, fired map[string]bool) bool {
	switch cond.Kind {
	case envspec.CondAgentAtPosition:
		if cond.Position == nil {
			return false
		}
		tol := cond.EffectiveTolerance()
		return anyMatchingAgent(st, cond.AgentID, func(a *AgentState) bool {
			return a.Position.Dist(*cond.Position) <= tol
		})

	case envspec.CondAgentAtObject:
		idx := objectTargets(c, cond)
		tol := cond.EffectiveTolerance()
		return agentNearObjects(st, cond.AgentID, idx, tol)

	case envspec.CondCollision:
		return anyMatchingAgent(st, cond.AgentID, func(a *AgentState) bool {
			return c.NearBlocking(a.Position, ObstacleRadius)
		})

	case envspec.CondStep:
		return true

	case envspec.CondTimeout:
		return false // driver-level budget, never truthy in the kernel

	case envspec.CondReachGoal:
		return agentNearObjects(st, cond.AgentID, c.ByType[envspec.ObjectGoal], envspec.DefaultTolerance)
	case envspec.CondHitTrap:
		return agentNearObjects(st, cond.AgentID, c.ByType[envspec.ObjectTrap], envspec.DefaultTolerance)
	case envspec.CondCollectKey:
		return agentNearObjects(st, cond.AgentID, c.ByType[envspec.ObjectKey], envspec.DefaultTolerance)

	case envspec.CondEvent:
		if !fired[cond.Event] {
			return false
		}
		if cond.AgentID == "" || cond.AgentID == envspec.AnyAgent {
			return true
		}
		return eventRaisedByAgent(c, st, cond.Event, cond.AgentID, fired)

	case envspec.CondStepCount:
		return envspec.Compare(cond.Op, float64(st.Step), cond.Value)
	case envspec.CondTotalReward:
		return envspec.Compare(cond.Op, st.TotalReward, cond.Value)

	case envspec.CondAll:
		for i := range cond.Children {
			if !evalCondition(c, st, &cond.Children[i], fired) {
				return false
			}
		}
		return len(cond.Children) > 0
	case envspec.CondAny:
		for i := range cond.Children {
			if evalCondition(c, st, &cond.Children[i], fired) {
				return true
			}
		}
		return false
	case envspec.CondNot:
		if len(cond.Children) != 1 {
			return false
		}
		return !evalCondition(c, st, &cond.Children[0], fired)
	}
	return false
}

// eventRaisedByAgent narrows a fired event to one agent by re-running
// the raising rule's condition scoped to that agent. Composite and
// event-typed raisers carry no single raising agent, so the qualifier
// matches any of them.
func eventRaisedByAgent(c *envspec.Compiled, st *State, name, agentID string, fired map[string]bool) bool {
	for i := range c.Spec.Rules.Events {
		e := &c.Spec.Rules.Events[i]
		if e.Name != name {
			continue
		}
		switch e.Condition.Kind {
		case envspec.CondAll, envspec.CondAny, envspec.CondNot, envspec.CondEvent:
			return true
		}
		scoped := e.Condition
		scoped.AgentID = agentID
		if evalCondition(c, st, &scoped, fired) {
			return true
		}
	}
	return false
}

// objectTargets resolves the object slots an agent_at_object condition
// tests against: a single object by id, or every object of a type.
func objectTargets(c *envspec.Compiled, cond *envspec.Condition) []int {
	if cond.ObjectID != "" {
		if i, ok := c.ObjectIndex[cond.ObjectID]; ok {
			return []int{i}
		}
		return nil
	}
	return c.ByType[cond.ObjectType]
}

func anyMatchingAgent(st *State, agentID string, pred func(*AgentState) bool) bool {
	if agentID == "" || agentID == envspec.AnyAgent {
		for i := range st.Agents {
			if pred(&st.Agents[i]) {
				return true
			}
		}
		return false
	}
	a := st.Agent(agentID)
	return a != nil && pred(a)
}

func agentNearObjects(st *State, agentID string, idx []int, tol float64) bool {
	if len(idx) == 0 {
		return false
	}
	return anyMatchingAgent(st, agentID, func(a *AgentState) bool {
		for _, oi := range idx {
			if oi < len(st.Objects) && a.Position.Dist(st.Objects[oi].Position) <= tol {
				return true
			}
		}
		return false
	})
}
