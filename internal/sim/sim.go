// Package sim is the deterministic episode kernel. Init and Step are
// pure: given the same compiled spec, state, and actions they always
// produce the same next state, with no I/O, clocks, or hidden randomness.
// Policies own all RNG; the kernel never rolls dice.
package sim

import (
	"github.com/dojoworks/dojo/internal/envspec"
)

// Termination reasons set by the kernel itself. User termination rules
// terminate with their rule id as the reason.
const (
	ReasonGoalReached = "goal_reached"
	ReasonMaxSteps    = "max_steps"
	ReasonCancelled   = "cancelled"
)

// InitEvent is recorded as the sole event of a freshly initialized state.
const InitEvent = "Episode started"

// AgentState is one agent's live pose.
type AgentState struct {
	ID       string       `json:"id"`
	Position envspec.Vec2 `json:"position"`
	Rotation float64      `json:"rotation,omitempty"`
}

// ObjectState is one object's live pose. Objects do not move today, but
// states carry them so a snapshot is self-contained.
type ObjectState struct {
	ID       string             `json:"id"`
	Type     envspec.ObjectType `json:"type"`
	Position envspec.Vec2       `json:"position"`
}

// RewardGrant records one reward rule firing during a step.
type RewardGrant struct {
	RuleID string  `json:"ruleId"`
	Value  float64 `json:"value"`
	Reason string  `json:"reason"`
}

// Info carries the events and reward grants of the latest step only;
// Step replaces it wholesale each tick.
type Info struct {
	Events  []string      `json:"events"`
	Rewards []RewardGrant `json:"rewards"`
}

// State is the complete episode state. Step returns a fresh State and
// never mutates its input, so callers may retain snapshots freely.
type State struct {
	Step        int           `json:"step"`
	Agents      []AgentState  `json:"agents"`
	Objects     []ObjectState `json:"objects"`
	TotalReward float64       `json:"totalReward"`
	Done        bool          `json:"done"`
	Reason      string        `json:"reason,omitempty"`
	Info        Info          `json:"info"`
}

// Action is one agent's command for a tick. Discrete spaces use Name;
// continuous spaces use Vector. An empty AgentID targets the first agent.
type Action struct {
	AgentID string    `json:"agentId,omitempty"`
	Name    string    `json:"name,omitempty"`
	Vector  []float64 `json:"vector,omitempty"`
}

// Init builds the step-zero state from the compiled spec: agents and
// objects at their declared positions, counters zeroed, and the start
// event recorded.
func Init(c *envspec.Compiled) *State {
	s := c.Spec
	st := &State{
		Agents:  make([]AgentState, len(s.Agents)),
		Objects: make([]ObjectState, len(s.Objects)),
		Info: Info{
			Events:  []string{InitEvent},
			Rewards: []RewardGrant{},
		},
	}
	for i := range s.Agents {
		a := &s.Agents[i]
		st.Agents[i] = AgentState{ID: a.ID, Position: a.Position, Rotation: a.Rotation}
	}
	for i := range s.Objects {
		o := &s.Objects[i]
		st.Objects[i] = ObjectState{ID: o.ID, Type: o.Type, Position: o.Position}
	}
	return st
}

// Clone deep-copies the state.
func (st *State) Clone() *State {
	out := *st
	out.Agents = append([]AgentState(nil), st.Agents...)
	out.Objects = append([]ObjectState(nil), st.Objects...)
	out.Info.Events = append([]string(nil), st.Info.Events...)
	out.Info.Rewards = append([]RewardGrant(nil), st.Info.Rewards...)
	return &out
}

// Agent returns the state of the agent with the given id, or nil.
func (st *State) Agent(id string) *AgentState {
	for i := range st.Agents {
		if st.Agents[i].ID == id {
			return &st.Agents[i]
		}
	}
	return nil
}

// StepReward sums the reward grants of the latest step.
func (st *State) StepReward() float64 {
	var sum float64
	for _, g := range st.Info.Rewards {
		sum += g.Value
	}
	return sum
}
