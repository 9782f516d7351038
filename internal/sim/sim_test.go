package sim

import (
	"math"
	"reflect"
	"testing"

	"github.com/dojoworks/dojo/internal/envspec"
)

func compile(t *testing.T, s *envspec.EnvSpec) *envspec.Compiled {
	t.Helper()
	if err := envspec.Validate(s); err != nil {
		t.Fatalf("test spec invalid: %v", err)
	}
	c, err := envspec.Compile(s)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return c
}

// grid returns a w x h grid spec with one agent at [0,0] and a goal in
// the far corner.
func grid(w, h float64) *envspec.EnvSpec {
	return &envspec.EnvSpec{
		WorldKind: envspec.WorldGrid,
		Width:     w,
		Height:    h,
		Agents:    []envspec.AgentSpec{{ID: "a1", Position: envspec.Vec2{X: 0, Y: 0}}},
		Objects: []envspec.ObjectSpec{
			{ID: "goal-1", Type: envspec.ObjectGoal, Position: envspec.Vec2{X: w - 1, Y: h - 1}},
		},
		ActionSpace: envspec.ActionSpace{
			Kind:    envspec.ActionsDiscrete,
			Actions: []string{"up", "down", "left", "right"},
		},
		Rules: envspec.Rules{
			Rewards: []envspec.RewardRule{
				{ID: "r-goal", Condition: envspec.Condition{Kind: envspec.CondReachGoal}, Reward: 10},
			},
			Terminations: []envspec.TerminationRule{
				{ID: "t-timeout", Condition: envspec.Condition{Kind: envspec.CondTimeout, Steps: 50}},
			},
		},
	}
}

func move(id, dir string) []Action {
	return []Action{{AgentID: id, Name: dir}}
}

func TestInit(t *testing.T) {
	c := compile(t, grid(5, 5))
	st := Init(c)
	if st.Step != 0 || st.Done || st.TotalReward != 0 {
		t.Errorf("fresh state = %+v", st)
	}
	if got := st.Agents[0].Position; got.X != 0 || got.Y != 0 {
		t.Errorf("agent position = %+v", got)
	}
	if len(st.Info.Events) != 1 || st.Info.Events[0] != InitEvent {
		t.Errorf("init events = %v", st.Info.Events)
	}
	if len(st.Objects) != 1 || st.Objects[0].Type != envspec.ObjectGoal {
		t.Errorf("objects = %+v", st.Objects)
	}
}

func TestStepMovesAndRecordsEvent(t *testing.T) {
	c := compile(t, grid(5, 5))
	st := Step(c, Init(c), move("a1", "right"), 50)
	if got := st.Agents[0].Position; got.X != 1 || got.Y != 0 {
		t.Fatalf("position = %+v, want {1 0}", got)
	}
	if st.Step != 1 {
		t.Errorf("step = %d", st.Step)
	}
	want := "moved right to (1, 0)"
	if len(st.Info.Events) != 1 || st.Info.Events[0] != want {
		t.Errorf("events = %v, want [%q]", st.Info.Events, want)
	}
}

func TestStepDoesNotMutateInput(t *testing.T) {
	c := compile(t, grid(5, 5))
	st := Init(c)
	before := st.Clone()
	Step(c, st, move("a1", "down"), 50)
	if !reflect.DeepEqual(st, before) {
		t.Error("input state mutated")
	}
}

func TestStepIdentityWhenDone(t *testing.T) {
	c := compile(t, grid(5, 5))
	st := Init(c)
	st.Done = true
	st.Reason = ReasonGoalReached
	st.Step = 7
	next := Step(c, st, move("a1", "down"), 50)
	if !reflect.DeepEqual(next, st) {
		t.Errorf("done state changed: %+v -> %+v", st, next)
	}
}

func TestStepUnknownAgentRecordsEvent(t *testing.T) {
	c := compile(t, grid(5, 5))
	st := Step(c, Init(c), move("ghost", "right"), 50)
	if got := st.Agents[0].Position; got.X != 0 || got.Y != 0 {
		t.Errorf("agent moved for a ghost action: %+v", got)
	}
	want := "unknown agent ghost"
	if len(st.Info.Events) != 1 || st.Info.Events[0] != want {
		t.Errorf("events = %v, want [%q]", st.Info.Events, want)
	}
	if st.Step != 1 {
		t.Errorf("step = %d, want 1", st.Step)
	}
}

func TestStepBlockedByWall(t *testing.T) {
	s := grid(5, 5)
	s.Objects = append(s.Objects,
		envspec.ObjectSpec{ID: "w1", Type: envspec.ObjectWall, Position: envspec.Vec2{X: 1, Y: 0}})
	c := compile(t, s)

	st := Step(c, Init(c), move("a1", "right"), 50)
	if got := st.Agents[0].Position; got.X != 0 || got.Y != 0 {
		t.Fatalf("blocked agent moved to %+v", got)
	}
	if len(st.Info.Events) != 1 || st.Info.Events[0] != EventHitWall {
		t.Errorf("events = %v, want [%q]", st.Info.Events, EventHitWall)
	}
	if st.Step != 1 {
		t.Errorf("blocked step must still count, step = %d", st.Step)
	}
}

func TestStepDiagonalWallDoesNotBlock(t *testing.T) {
	// A wall exactly 1.0 away does not collide: the radius is strict.
	s := grid(5, 5)
	s.Objects = append(s.Objects,
		envspec.ObjectSpec{ID: "w1", Type: envspec.ObjectWall, Position: envspec.Vec2{X: 2, Y: 0}})
	c := compile(t, s)

	st := Step(c, Init(c), move("a1", "right"), 50) // to [1,0], dist 1.0 from wall
	if got := st.Agents[0].Position; got.X != 1 || got.Y != 0 {
		t.Fatalf("agent should sit adjacent to the wall, got %+v", got)
	}
}

func TestStepBlockedByOtherAgent(t *testing.T) {
	s := grid(4, 4)
	s.Agents = append(s.Agents,
		envspec.AgentSpec{ID: "a2", Position: envspec.Vec2{X: 0, Y: 1}})
	c := compile(t, s)

	// Both agents commanded down; a1 is blocked by a2, a2 moves away.
	st := Step(c, Init(c), []Action{
		{AgentID: "a1", Name: "down"},
		{AgentID: "a2", Name: "down"},
	}, 50)
	if got := st.Agent("a1").Position; got.X != 0 || got.Y != 0 {
		t.Errorf("a1 = %+v, want blocked at {0 0}", got)
	}
	if got := st.Agent("a2").Position; got.X != 0 || got.Y != 2 {
		t.Errorf("a2 = %+v, want {0 2}", got)
	}

	// No two agents ever share a cell over further ticks.
	for i := 0; i < 3; i++ {
		st = Step(c, st, []Action{
			{AgentID: "a1", Name: "down"},
			{AgentID: "a2", Name: "down"},
		}, 50)
		if st.Agent("a1").Position == st.Agent("a2").Position {
			t.Fatalf("tick %d: agents share cell %+v", i, st.Agent("a1").Position)
		}
	}
}

func TestStepClampsAtEdge(t *testing.T) {
	c := compile(t, grid(5, 5))
	st := Step(c, Init(c), move("a1", "up"), 50) // candidate [0,-1] clamps to [0,0]
	if got := st.Agents[0].Position; got.X != 0 || got.Y != 0 {
		t.Errorf("position = %+v, want clamped {0 0}", got)
	}
}

func TestGridPositionsStayIntegral(t *testing.T) {
	s := grid(6, 6)
	s.CellSize = 1
	c := compile(t, s)
	st := Init(c)
	dirs := []string{"right", "down", "right", "up", "left", "down", "down"}
	for _, d := range dirs {
		st = Step(c, st, move("a1", d), 50)
		p := st.Agents[0].Position
		if p.X != math.Trunc(p.X) || p.Y != math.Trunc(p.Y) {
			t.Fatalf("non-integral grid position %+v after %q", p, d)
		}
	}
}

func TestRewardConsistency(t *testing.T) {
	s := grid(5, 5)
	s.Rules.Rewards = append(s.Rules.Rewards,
		envspec.RewardRule{ID: "r-step", Condition: envspec.Condition{Kind: envspec.CondStep}, Reward: -0.1})
	c := compile(t, s)

	st := Init(c)
	for i := 0; i < 4; i++ {
		prev := st.TotalReward
		st = Step(c, st, move("a1", "right"), 50)
		if got, want := st.TotalReward-prev, st.StepReward(); math.Abs(got-want) > 1e-12 {
			t.Fatalf("step %d: total delta %v != grant sum %v", i, got, want)
		}
	}
	// Step penalty fires every tick.
	if len(st.Info.Rewards) != 1 || st.Info.Rewards[0].RuleID != "r-step" {
		t.Errorf("grants = %+v", st.Info.Rewards)
	}
}

func TestAutoGoalTermination(t *testing.T) {
	c := compile(t, grid(3, 3))
	st := Init(c)
	for _, d := range []string{"right", "right", "down", "down"} {
		st = Step(c, st, move("a1", d), 50)
	}
	if !st.Done {
		t.Fatal("episode should be done at the goal")
	}
	if st.Reason != ReasonGoalReached {
		t.Errorf("reason = %q, want %q", st.Reason, ReasonGoalReached)
	}
	if st.TotalReward != 10 {
		t.Errorf("totalReward = %v, want 10", st.TotalReward)
	}
	if st.Step != 4 {
		t.Errorf("step = %d, want 4", st.Step)
	}
}

func TestUserTerminationReasonWins(t *testing.T) {
	s := grid(3, 3)
	// Terminate the moment the agent leaves the first column, which also
	// coincides with nothing else.
	s.Rules.Terminations = append(s.Rules.Terminations, envspec.TerminationRule{
		ID: "t-left-home",
		Condition: envspec.Condition{
			Kind:     envspec.CondAgentAtPosition,
			AgentID:  "a1",
			Position: &envspec.Vec2{X: 1, Y: 0},
		},
	})
	c := compile(t, s)
	st := Step(c, Init(c), move("a1", "right"), 50)
	if !st.Done || st.Reason != "t-left-home" {
		t.Errorf("done=%v reason=%q, want rule id reason", st.Done, st.Reason)
	}
}

func TestMaxStepsTruncation(t *testing.T) {
	c := compile(t, grid(5, 5))
	st := Init(c)
	for i := 0; i < 3; i++ {
		st = Step(c, st, move("a1", "up"), 3)
	}
	if !st.Done || st.Reason != ReasonMaxSteps {
		t.Errorf("done=%v reason=%q, want max_steps at budget", st.Done, st.Reason)
	}
	if st.Step != 3 {
		t.Errorf("step = %d, want 3", st.Step)
	}
}

func TestGoalReasonSurvivesMaxSteps(t *testing.T) {
	// Reaching the goal on the final budgeted step keeps goal_reached.
	c := compile(t, grid(3, 3))
	st := Init(c)
	dirs := []string{"right", "right", "down", "down"}
	for _, d := range dirs {
		st = Step(c, st, move("a1", d), 4)
	}
	if st.Reason != ReasonGoalReached {
		t.Errorf("reason = %q, want %q", st.Reason, ReasonGoalReached)
	}
}

func TestContinuousMove(t *testing.T) {
	s := grid(10, 10)
	s.WorldKind = envspec.WorldContinuous2D
	s.ActionSpace = envspec.ActionSpace{
		Kind: envspec.ActionsContinuous, Dims: 2, Range: [2]float64{-1, 1},
	}
	s.Objects[0].Position = envspec.Vec2{X: 5, Y: 0}
	c := compile(t, s)

	st := Step(c, Init(c), []Action{{AgentID: "a1", Vector: []float64{1, 0}}}, 200)
	if got := st.Agents[0].Position; math.Abs(got.X-MaxSpeed) > 1e-12 || got.Y != 0 {
		t.Fatalf("position = %+v, want {%v 0}", got, MaxSpeed)
	}

	// Oversized vectors are normalized to unit length first.
	st = Step(c, Init(c), []Action{{AgentID: "a1", Vector: []float64{3, 4}}}, 200)
	want := envspec.Vec2{X: 0.6 * MaxSpeed, Y: 0.8 * MaxSpeed}
	got := st.Agents[0].Position
	if math.Abs(got.X-want.X) > 1e-12 || math.Abs(got.Y-want.Y) > 1e-12 {
		t.Errorf("position = %+v, want %+v", got, want)
	}
	if math.Abs(st.Agents[0].Rotation-math.Atan2(4, 3)) > 1e-12 {
		t.Errorf("rotation = %v", st.Agents[0].Rotation)
	}
}

func TestContinuousReachesGoalAroundFiftySteps(t *testing.T) {
	s := grid(10, 10)
	s.WorldKind = envspec.WorldContinuous2D
	s.CoordinateSystem = envspec.CoordOther
	s.ActionSpace = envspec.ActionSpace{
		Kind: envspec.ActionsContinuous, Dims: 2, Range: [2]float64{-1, 1},
	}
	s.Objects[0].Position = envspec.Vec2{X: 5, Y: 0}
	c := compile(t, s)

	st := Init(c)
	for !st.Done && st.Step < 200 {
		st = Step(c, st, []Action{{AgentID: "a1", Vector: []float64{1, 0}}}, 200)
	}
	if !st.Done || st.Reason != ReasonGoalReached {
		t.Fatalf("done=%v reason=%q", st.Done, st.Reason)
	}
	if st.Step < 40 || st.Step > 60 {
		t.Errorf("episode length = %d, want about 50", st.Step)
	}
	if st.TotalReward != 10 {
		t.Errorf("totalReward = %v, want 10", st.TotalReward)
	}
}

func TestStepDeterminism(t *testing.T) {
	c := compile(t, grid(5, 5))
	dirs := []string{"right", "down", "right", "down", "left"}
	run := func() *State {
		st := Init(c)
		for _, d := range dirs {
			st = Step(c, st, move("a1", d), 50)
		}
		return st
	}
	if a, b := run(), run(); !reflect.DeepEqual(a, b) {
		t.Errorf("identical inputs diverged:\n%+v\n%+v", a, b)
	}
}

func TestStepBatch(t *testing.T) {
	c := compile(t, grid(5, 5))
	states := []*State{Init(c), Init(c), Init(c)}
	acts := [][]Action{move("a1", "right"), move("a1", "down"), move("a1", "up")}
	out := StepBatch(c, states, acts, 50)
	if len(out) != 3 {
		t.Fatalf("batch size = %d", len(out))
	}
	if got := out[0].Agents[0].Position; got.X != 1 || got.Y != 0 {
		t.Errorf("batch[0] = %+v", got)
	}
	if got := out[1].Agents[0].Position; got.X != 0 || got.Y != 1 {
		t.Errorf("batch[1] = %+v", got)
	}
	if got := out[2].Agents[0].Position; got.X != 0 || got.Y != 0 {
		t.Errorf("batch[2] = %+v", got)
	}
}
