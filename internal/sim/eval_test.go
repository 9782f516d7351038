package sim

import (
	"testing"

	"github.com/dojoworks/dojo/internal/envspec"
)

func TestConditionKinds(t *testing.T) {
	s := grid(6, 6)
	s.Objects = append(s.Objects,
		envspec.ObjectSpec{ID: "trap-1", Type: envspec.ObjectTrap, Position: envspec.Vec2{X: 3, Y: 0}},
		envspec.ObjectSpec{ID: "key-1", Type: envspec.ObjectKey, Position: envspec.Vec2{X: 0, Y: 3}},
		envspec.ObjectSpec{ID: "w1", Type: envspec.ObjectWall, Position: envspec.Vec2{X: 2, Y: 2}},
	)
	c := compile(t, s)
	st := Init(c)
	st.TotalReward = 5
	st.Step = 3

	vec := func(x, y float64) *envspec.Vec2 { return &envspec.Vec2{X: x, Y: y} }
	cases := []struct {
		name string
		cond envspec.Condition
		want bool
	}{
		{"at position hit", envspec.Condition{Kind: envspec.CondAgentAtPosition, Position: vec(0, 0)}, true},
		{"at position near", envspec.Condition{Kind: envspec.CondAgentAtPosition, Position: vec(0.4, 0), Tolerance: 0.5}, true},
		{"at position miss", envspec.Condition{Kind: envspec.CondAgentAtPosition, Position: vec(3, 3)}, false},
		{"at position wrong agent", envspec.Condition{Kind: envspec.CondAgentAtPosition, AgentID: "ghost", Position: vec(0, 0)}, false},
		{"at object by id miss", envspec.Condition{Kind: envspec.CondAgentAtObject, ObjectID: "trap-1"}, false},
		{"at object by type", envspec.Condition{Kind: envspec.CondAgentAtObject, ObjectType: envspec.ObjectKey}, false},
		{"step always", envspec.Condition{Kind: envspec.CondStep}, true},
		{"timeout never", envspec.Condition{Kind: envspec.CondTimeout, Steps: 1}, false},
		{"reach goal miss", envspec.Condition{Kind: envspec.CondReachGoal}, false},
		{"collision miss", envspec.Condition{Kind: envspec.CondCollision}, false},
		{"step count gte", envspec.Condition{Kind: envspec.CondStepCount, Op: envspec.OpGTE, Value: 3}, true},
		{"step count lt", envspec.Condition{Kind: envspec.CondStepCount, Op: envspec.OpLT, Value: 3}, false},
		{"total reward", envspec.Condition{Kind: envspec.CondTotalReward, Op: envspec.OpEQ, Value: 5}, true},
		{"event unfired", envspec.Condition{Kind: envspec.CondEvent, Event: "boom"}, false},
		{
			"all",
			envspec.Condition{Kind: envspec.CondAll, Children: []envspec.Condition{
				{Kind: envspec.CondStep},
				{Kind: envspec.CondStepCount, Op: envspec.OpEQ, Value: 3},
			}},
			true,
		},
		{
			"any short circuit",
			envspec.Condition{Kind: envspec.CondAny, Children: []envspec.Condition{
				{Kind: envspec.CondReachGoal},
				{Kind: envspec.CondStep},
			}},
			true,
		},
		{
			"not",
			envspec.Condition{Kind: envspec.CondNot, Children: []envspec.Condition{
				{Kind: envspec.CondReachGoal},
			}},
			true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := evalCondition(c, st, &tc.cond, nil); got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestConditionProximityAfterMove(t *testing.T) {
	s := grid(6, 6)
	s.Objects = append(s.Objects,
		envspec.ObjectSpec{ID: "trap-1", Type: envspec.ObjectTrap, Position: envspec.Vec2{X: 1, Y: 0}})
	c := compile(t, s)

	st := Step(c, Init(c), move("a1", "right"), 50)
	hit := envspec.Condition{Kind: envspec.CondHitTrap}
	if !evalCondition(c, st, &hit, nil) {
		t.Error("agent on the trap should satisfy hit_trap")
	}
	byID := envspec.Condition{Kind: envspec.CondAgentAtObject, ObjectID: "trap-1"}
	if !evalCondition(c, st, &byID, nil) {
		t.Error("agent on the trap should satisfy agent_at_object")
	}
}

func TestEventRulesFeedDownstreamConditions(t *testing.T) {
	s := grid(6, 6)
	s.Rules.Events = []envspec.EventRule{{
		ID:   "e-1",
		Name: "stepped_once",
		Condition: envspec.Condition{
			Kind: envspec.CondStepCount, Op: envspec.OpEQ, Value: 0,
		},
	}}
	s.Rules.Rewards = []envspec.RewardRule{{
		ID:        "r-event",
		Condition: envspec.Condition{Kind: envspec.CondEvent, Event: "stepped_once"},
		Reward:    2,
	}}
	c := compile(t, s)

	st := Step(c, Init(c), move("a1", "right"), 50)
	if st.TotalReward != 2 {
		t.Errorf("totalReward = %v, want 2 from event-driven reward", st.TotalReward)
	}
	found := false
	for _, e := range st.Info.Events {
		if e == "stepped_once" {
			found = true
		}
	}
	if !found {
		t.Errorf("events = %v, want to include fired event name", st.Info.Events)
	}

	// Next tick the event no longer fires.
	st = Step(c, st, move("a1", "right"), 50)
	if st.TotalReward != 2 {
		t.Errorf("totalReward = %v, event reward granted twice", st.TotalReward)
	}
}

func TestEventConditionAgentQualifier(t *testing.T) {
	s := grid(6, 6)
	s.Agents = append(s.Agents, envspec.AgentSpec{ID: "a2", Position: envspec.Vec2{X: 5, Y: 5}})
	s.Rules.Events = []envspec.EventRule{{
		ID:   "e-origin",
		Name: "at_origin",
		Condition: envspec.Condition{
			Kind: envspec.CondAgentAtPosition, Position: &envspec.Vec2{X: 0, Y: 0},
		},
	}}
	c := compile(t, s)
	st := Init(c)

	fired := evalEventRules(c, st)
	if !fired["at_origin"] {
		t.Fatal("event rule did not fire")
	}

	raisedBy := func(agentID string) bool {
		cond := envspec.Condition{Kind: envspec.CondEvent, Event: "at_origin", AgentID: agentID}
		return evalCondition(c, st, &cond, fired)
	}
	if !raisedBy("") {
		t.Error("unqualified event condition should match")
	}
	if !raisedBy("a1") {
		t.Error("a1 sits at the origin: qualified condition should match")
	}
	if raisedBy("a2") {
		t.Error("a2 never raised the event: qualified condition should not match")
	}
}
