package envspec

import "fmt"

// ConditionKind tags the condition variant.
type ConditionKind string

const (
	// CondAgentAtPosition fires when an agent is within tolerance of a
	// fixed position.
	CondAgentAtPosition ConditionKind = "agent_at_position"
	// CondAgentAtObject fires when an agent is within 0.5 of a specific
	// object, or of any object of a type when ObjectType is set instead.
	CondAgentAtObject ConditionKind = "agent_at_object"
	// CondCollision fires when an agent's position is strictly within
	// 1.0 of any wall or obstacle.
	CondCollision ConditionKind = "collision"
	// CondStep fires on every step.
	CondStep ConditionKind = "step"
	// CondTimeout is driver-level: the rollout driver reads its step
	// budget; the kernel never evaluates it truthy.
	CondTimeout ConditionKind = "timeout"
	// Type sugar: agent near any object of the matching type, tolerance 0.5.
	CondReachGoal  ConditionKind = "reach_goal"
	CondHitTrap    ConditionKind = "hit_trap"
	CondCollectKey ConditionKind = "collect_key"
	// CondEvent fires when a named user event was raised this step.
	CondEvent ConditionKind = "event"
	// Counter comparisons.
	CondStepCount   ConditionKind = "step_count"
	CondTotalReward ConditionKind = "total_reward"
	// Combinators.
	CondAll ConditionKind = "all"
	CondAny ConditionKind = "any"
	CondNot ConditionKind = "not"
)

// CompareOp is the comparison operator for counter conditions.
type CompareOp string

const (
	OpGTE CompareOp = "gte"
	OpLTE CompareOp = "lte"
	OpEQ  CompareOp = "eq"
	OpGT  CompareOp = "gt"
	OpLT  CompareOp = "lt"
)

// AnyAgent matches every agent in agent-scoped conditions. An empty
// AgentID means the same thing.
const AnyAgent = "any"

// Condition is a predicate over the world state, evaluated after each
// step. Kind selects the variant; the remaining fields are read per
// variant and ignored otherwise. Combinators nest through Children.
type Condition struct {
	Kind ConditionKind `json:"kind"`

	// Agent-scoped kinds. Empty or "any" matches every agent.
	AgentID string `json:"agentId,omitempty"`

	// agent_at_position
	Position  *Vec2   `json:"position,omitempty"`
	Tolerance float64 `json:"tolerance,omitempty"`

	// agent_at_object
	ObjectID   string     `json:"objectId,omitempty"`
	ObjectType ObjectType `json:"objectType,omitempty"`

	// step_count, total_reward
	Op    CompareOp `json:"op,omitempty"`
	Value float64   `json:"value,omitempty"`

	// timeout
	Steps int `json:"steps,omitempty"`

	// event
	Event string `json:"event,omitempty"`

	// all, any, not
	Children []Condition `json:"children,omitempty"`
}

// DefaultTolerance is the proximity radius used when a positional
// condition leaves Tolerance unset. Object and type-sugar conditions
// always use it.
const DefaultTolerance = 0.5

// EffectiveTolerance returns the condition's tolerance, defaulting to
// DefaultTolerance.
func (c *Condition) EffectiveTolerance() float64 {
	if c.Tolerance > 0 {
		return c.Tolerance
	}
	return DefaultTolerance
}

// MaxConditionDepth bounds combinator nesting so hostile specs cannot
// blow the evaluator stack.
const MaxConditionDepth = 16

func (c *Condition) validate(path string, depth int) error {
	if depth > MaxConditionDepth {
		return fmt.Errorf("%s: condition nesting exceeds %d levels", path, MaxConditionDepth)
	}
	switch c.Kind {
	case CondAgentAtPosition:
		if c.Position == nil {
			return fmt.Errorf("%s.position: required for agent_at_position", path)
		}
		if !c.Position.Finite() {
			return fmt.Errorf("%s.position: must be finite", path)
		}
		if c.Tolerance < 0 || !finite(c.Tolerance) {
			return fmt.Errorf("%s.tolerance: must be a non-negative finite number", path)
		}
	case CondAgentAtObject:
		if c.ObjectID == "" && c.ObjectType == "" {
			return fmt.Errorf("%s: agent_at_object needs objectId or objectType", path)
		}
		if c.ObjectType != "" && !validObjectType(c.ObjectType) {
			return fmt.Errorf("%s.objectType: unknown type %q", path, c.ObjectType)
		}
	case CondCollision, CondStep, CondReachGoal, CondHitTrap, CondCollectKey:
		// no extra fields
	case CondTimeout:
		if c.Steps < 0 {
			return fmt.Errorf("%s.steps: must be non-negative", path)
		}
	case CondStepCount, CondTotalReward:
		if !validOp(c.Op) {
			return fmt.Errorf("%s.op: unknown comparison %q", path, c.Op)
		}
		if !finite(c.Value) {
			return fmt.Errorf("%s.value: must be finite", path)
		}
	case CondEvent:
		if c.Event == "" {
			return fmt.Errorf("%s.event: required for event condition", path)
		}
	case CondAll, CondAny:
		if len(c.Children) == 0 {
			return fmt.Errorf("%s.children: %s needs at least one child", path, c.Kind)
		}
		for i := range c.Children {
			if err := c.Children[i].validate(fmt.Sprintf("%s.children[%d]", path, i), depth+1); err != nil {
				return err
			}
		}
	case CondNot:
		if len(c.Children) != 1 {
			return fmt.Errorf("%s.children: not takes exactly one child", path)
		}
		if err := c.Children[0].validate(path+".children[0]", depth+1); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%s.kind: unknown condition kind %q", path, c.Kind)
	}
	return nil
}

func validOp(op CompareOp) bool {
	switch op {
	case OpGTE, OpLTE, OpEQ, OpGT, OpLT:
		return true
	}
	return false
}

func validObjectType(t ObjectType) bool {
	switch t {
	case ObjectWall, ObjectObstacle, ObjectGoal, ObjectTrap, ObjectKey, ObjectDoor, ObjectCustom:
		return true
	}
	return false
}

// Compare applies op to got against want.
func Compare(op CompareOp, got, want float64) bool {
	switch op {
	case OpGTE:
		return got >= want
	case OpLTE:
		return got <= want
	case OpEQ:
		return got == want
	case OpGT:
		return got > want
	case OpLT:
		return got < want
	}
	return false
}

// TimeoutSteps returns the step budget of the first timeout termination
// rule, or 0 when none is declared. The rollout driver folds this into
// its maxSteps budget; the kernel itself ignores timeout rules.
func TimeoutSteps(r *Rules) int {
	for i := range r.Terminations {
		if r.Terminations[i].Condition.Kind == CondTimeout {
			return r.Terminations[i].Condition.Steps
		}
	}
	return 0
}
