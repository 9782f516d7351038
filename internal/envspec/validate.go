package envspec

import (
	"fmt"
	"math"

	"github.com/dojoworks/dojo/internal/apperr"
)

// Validate checks the spec against the structural caps and semantic
// rules. It stops at the first violation and returns a validation error
// carrying the offending field path. A nil error means the spec is safe
// to compile and simulate.
func Validate(s *EnvSpec) error {
	if s == nil {
		return apperr.Validation("spec", "spec is required")
	}
	switch s.WorldKind {
	case WorldGrid, WorldContinuous2D:
	default:
		return apperr.Validation("worldKind", fmt.Sprintf("unknown world kind %q", s.WorldKind))
	}
	if s.Width <= 0 || !finite(s.Width) {
		return apperr.Validation("width", "must be a positive finite number")
	}
	if s.Height <= 0 || !finite(s.Height) {
		return apperr.Validation("height", "must be a positive finite number")
	}
	if s.Width*s.Height > MaxArea {
		return apperr.Validation("width", fmt.Sprintf("world area %.0f exceeds cap %d", s.Width*s.Height, MaxArea))
	}
	if s.WorldKind == WorldGrid {
		if s.Width != float64(int(s.Width)) || s.Height != float64(int(s.Height)) {
			return apperr.Validation("width", "grid dimensions must be integers")
		}
	}
	if s.CellSize != 0 && (s.CellSize < 0 || !finite(s.CellSize)) {
		return apperr.Validation("cellSize", "must be a positive finite number")
	}
	switch s.CoordinateSystem {
	case "", CoordGrid, CoordCartesian, CoordOther:
	default:
		return apperr.Validation("coordinateSystem", fmt.Sprintf("unknown coordinate system %q", s.CoordinateSystem))
	}

	if len(s.Agents) == 0 {
		return apperr.Validation("agents", "at least one agent is required")
	}
	if len(s.Agents) > MaxAgents {
		return apperr.Validation("agents", fmt.Sprintf("%d agents exceeds cap %d", len(s.Agents), MaxAgents))
	}
	agentIDs := make(map[string]struct{}, len(s.Agents))
	for i := range s.Agents {
		a := &s.Agents[i]
		field := fmt.Sprintf("agents[%d]", i)
		if a.ID == "" {
			return apperr.Validation(field+".id", "agent id is required")
		}
		if a.ID == AnyAgent {
			return apperr.Validation(field+".id", `"any" is reserved`)
		}
		if _, dup := agentIDs[a.ID]; dup {
			return apperr.Validation(field+".id", fmt.Sprintf("duplicate agent id %q", a.ID))
		}
		agentIDs[a.ID] = struct{}{}
		if !a.Position.Finite() {
			return apperr.Validation(field+".position", "must be finite")
		}
		if !s.InBounds(a.Position) {
			return apperr.Validation(field+".position", "outside world bounds")
		}
		if len(a.Sensors) > MaxSensors {
			return apperr.Validation(field+".sensors", fmt.Sprintf("%d sensors exceeds cap %d", len(a.Sensors), MaxSensors))
		}
	}

	if len(s.Objects) > MaxObjects {
		return apperr.Validation("objects", fmt.Sprintf("%d objects exceeds cap %d", len(s.Objects), MaxObjects))
	}
	objectIDs := make(map[string]struct{}, len(s.Objects))
	for i := range s.Objects {
		o := &s.Objects[i]
		field := fmt.Sprintf("objects[%d]", i)
		if o.ID == "" {
			return apperr.Validation(field+".id", "object id is required")
		}
		if _, dup := objectIDs[o.ID]; dup {
			return apperr.Validation(field+".id", fmt.Sprintf("duplicate object id %q", o.ID))
		}
		objectIDs[o.ID] = struct{}{}
		if !validObjectType(o.Type) {
			return apperr.Validation(field+".type", fmt.Sprintf("unknown object type %q", o.Type))
		}
		if !o.Position.Finite() {
			return apperr.Validation(field+".position", "must be finite")
		}
		if !s.InBounds(o.Position) {
			return apperr.Validation(field+".position", "outside world bounds")
		}
	}

	if err := validateActionSpace(&s.ActionSpace); err != nil {
		return err
	}
	if err := validateRules(&s.Rules); err != nil {
		return err
	}
	return nil
}

func validateActionSpace(as *ActionSpace) error {
	switch as.Kind {
	case ActionsDiscrete:
		if len(as.Actions) == 0 {
			return apperr.Validation("actionSpace.actions", "discrete action space needs at least one action")
		}
		if len(as.Actions) > MaxDiscreteActions {
			return apperr.Validation("actionSpace.actions", fmt.Sprintf("%d actions exceeds cap %d", len(as.Actions), MaxDiscreteActions))
		}
		seen := make(map[string]struct{}, len(as.Actions))
		for i, name := range as.Actions {
			if name == "" {
				return apperr.Validation(fmt.Sprintf("actionSpace.actions[%d]", i), "action name is required")
			}
			if _, dup := seen[name]; dup {
				return apperr.Validation(fmt.Sprintf("actionSpace.actions[%d]", i), fmt.Sprintf("duplicate action %q", name))
			}
			seen[name] = struct{}{}
		}
	case ActionsContinuous:
		if as.Dims < 1 {
			return apperr.Validation("actionSpace.dims", "continuous action space needs dims >= 1")
		}
		lo, hi := as.Range[0], as.Range[1]
		if !finite(lo) || !finite(hi) {
			return apperr.Validation("actionSpace.range", "must be finite")
		}
		if lo >= hi {
			return apperr.Validation("actionSpace.range", "range low must be below high")
		}
	default:
		return apperr.Validation("actionSpace.kind", fmt.Sprintf("unknown action space kind %q", as.Kind))
	}
	return nil
}

func validateRules(r *Rules) error {
	eventNames := make(map[string]struct{}, len(r.Events))
	eventIDs := make(map[string]struct{}, len(r.Events))
	for i := range r.Events {
		e := &r.Events[i]
		field := fmt.Sprintf("rules.events[%d]", i)
		if e.ID == "" {
			return apperr.Validation(field+".id", "rule id is required")
		}
		if _, dup := eventIDs[e.ID]; dup {
			return apperr.Validation(field+".id", fmt.Sprintf("duplicate rule id %q", e.ID))
		}
		eventIDs[e.ID] = struct{}{}
		if e.Name == "" {
			return apperr.Validation(field+".name", "event name is required")
		}
		if _, dup := eventNames[e.Name]; dup {
			return apperr.Validation(field+".name", fmt.Sprintf("duplicate event name %q", e.Name))
		}
		eventNames[e.Name] = struct{}{}
		if err := e.Condition.validate(field+".condition", 0); err != nil {
			return apperr.Validation(field+".condition", err.Error())
		}
	}

	rewardIDs := make(map[string]struct{}, len(r.Rewards))
	for i := range r.Rewards {
		rr := &r.Rewards[i]
		field := fmt.Sprintf("rules.rewards[%d]", i)
		if rr.ID == "" {
			return apperr.Validation(field+".id", "rule id is required")
		}
		if _, dup := rewardIDs[rr.ID]; dup {
			return apperr.Validation(field+".id", fmt.Sprintf("duplicate rule id %q", rr.ID))
		}
		rewardIDs[rr.ID] = struct{}{}
		if !finite(rr.Reward) {
			return apperr.Validation(field+".reward", "must be finite")
		}
		if err := rr.Condition.validate(field+".condition", 0); err != nil {
			return apperr.Validation(field+".condition", err.Error())
		}
		if err := checkEventRefs(&rr.Condition, eventNames, field+".condition"); err != nil {
			return err
		}
	}

	termIDs := make(map[string]struct{}, len(r.Terminations))
	for i := range r.Terminations {
		tr := &r.Terminations[i]
		field := fmt.Sprintf("rules.terminations[%d]", i)
		if tr.ID == "" {
			return apperr.Validation(field+".id", "rule id is required")
		}
		if _, dup := termIDs[tr.ID]; dup {
			return apperr.Validation(field+".id", fmt.Sprintf("duplicate rule id %q", tr.ID))
		}
		termIDs[tr.ID] = struct{}{}
		if err := tr.Condition.validate(field+".condition", 0); err != nil {
			return apperr.Validation(field+".condition", err.Error())
		}
		if err := checkEventRefs(&tr.Condition, eventNames, field+".condition"); err != nil {
			return err
		}
	}
	return nil
}

// ReadyForRollout layers the rollout-time requirements on top of
// Validate: a spec may be stored without rules while it is being drafted,
// but episodes need at least one reward and one termination rule.
func ReadyForRollout(s *EnvSpec) error {
	if err := Validate(s); err != nil {
		return err
	}
	if len(s.Rules.Rewards) == 0 {
		return apperr.Validation("rules.rewards", "at least one reward rule is required before rollout")
	}
	if len(s.Rules.Terminations) == 0 {
		return apperr.Validation("rules.terminations", "at least one termination rule is required before rollout")
	}
	return nil
}

// checkEventRefs walks a condition tree and rejects references to event
// names no event rule declares.
func checkEventRefs(c *Condition, declared map[string]struct{}, path string) error {
	if c.Kind == CondEvent {
		if _, ok := declared[c.Event]; !ok {
			return apperr.Validation(path+".event", fmt.Sprintf("undeclared event %q", c.Event))
		}
	}
	for i := range c.Children {
		if err := checkEventRefs(&c.Children[i], declared, fmt.Sprintf("%s.children[%d]", path, i)); err != nil {
			return err
		}
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
