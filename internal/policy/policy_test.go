package policy

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"reflect"
	"testing"

	"github.com/dojoworks/dojo/internal/envspec"
	"github.com/dojoworks/dojo/internal/sim"
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

func gridWorld(w, h float64) *envspec.EnvSpec {
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

func TestRandomDeterministicWithSeed(t *testing.T) {
	c := compile(t, gridWorld(5, 5))
	st := sim.Init(c)

	pick := func(seed int64) []string {
		rng := rand.New(rand.NewSource(seed))
		var names []string
		for i := 0; i < 20; i++ {
			acts, err := Random{}.Select(c, st, rng)
			if err != nil {
				t.Fatal(err)
			}
			names = append(names, acts[0].Name)
		}
		return names
	}
	if a, b := pick(42), pick(42); !reflect.DeepEqual(a, b) {
		t.Errorf("same seed diverged: %v vs %v", a, b)
	}
	if a, b := pick(1), pick(2); reflect.DeepEqual(a, b) {
		t.Error("different seeds produced identical 20-action sequences")
	}
}

func TestRandomContinuousInRange(t *testing.T) {
	s := gridWorld(10, 10)
	s.WorldKind = envspec.WorldContinuous2D
	s.ActionSpace = envspec.ActionSpace{Kind: envspec.ActionsContinuous, Dims: 2, Range: [2]float64{-1, 1}}
	c := compile(t, s)
	st := sim.Init(c)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		acts, err := Random{}.Select(c, st, rng)
		if err != nil {
			t.Fatal(err)
		}
		if len(acts[0].Vector) != 2 {
			t.Fatalf("vector dims = %d", len(acts[0].Vector))
		}
		for _, v := range acts[0].Vector {
			if v < -1 || v > 1 {
				t.Fatalf("component %v outside [-1,1]", v)
			}
		}
	}
}

func TestRandomMultiAgent(t *testing.T) {
	s := gridWorld(5, 5)
	s.Agents = append(s.Agents, envspec.AgentSpec{ID: "a2", Position: envspec.Vec2{X: 2, Y: 2}})
	c := compile(t, s)
	st := sim.Init(c)

	acts, err := Random{}.Select(c, st, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}
	if len(acts) != 2 || acts[0].AgentID != "a1" || acts[1].AgentID != "a2" {
		t.Errorf("actions = %+v", acts)
	}
}

func TestGreedyWalksStraightToGoal(t *testing.T) {
	c := compile(t, gridWorld(3, 3))
	st := sim.Init(c)
	for !st.Done && st.Step < 10 {
		acts, err := Greedy{}.Select(c, st, nil)
		if err != nil {
			t.Fatal(err)
		}
		st = sim.Step(c, st, acts, 50)
	}
	if !st.Done || st.Reason != sim.ReasonGoalReached {
		t.Fatalf("done=%v reason=%q", st.Done, st.Reason)
	}
	if st.Step > 5 {
		t.Errorf("steps = %d, want <= 5", st.Step)
	}
	if st.TotalReward != 10 {
		t.Errorf("totalReward = %v, want 10", st.TotalReward)
	}
}

func TestGreedyDetoursAroundWalls(t *testing.T) {
	s := gridWorld(5, 5)
	s.Objects[0].Position = envspec.Vec2{X: 4, Y: 0}
	s.Objects = append(s.Objects,
		envspec.ObjectSpec{ID: "w1", Type: envspec.ObjectWall, Position: envspec.Vec2{X: 2, Y: 0}},
		envspec.ObjectSpec{ID: "w2", Type: envspec.ObjectWall, Position: envspec.Vec2{X: 2, Y: 1}},
	)
	s.Rules.Rewards = append(s.Rules.Rewards,
		envspec.RewardRule{ID: "r-step", Condition: envspec.Condition{Kind: envspec.CondStep}, Reward: -0.1})
	c := compile(t, s)

	st := sim.Init(c)
	for !st.Done && st.Step < 50 {
		acts, err := Greedy{}.Select(c, st, nil)
		if err != nil {
			t.Fatal(err)
		}
		st = sim.Step(c, st, acts, 50)
	}
	if !st.Done || st.Reason != sim.ReasonGoalReached {
		t.Fatalf("done=%v reason=%q step=%d", st.Done, st.Reason, st.Step)
	}
	if st.Step < 6 || st.Step > 10 {
		t.Errorf("episode length = %d, want detour between 6 and 10", st.Step)
	}
	if st.TotalReward <= 0 {
		t.Errorf("totalReward = %v, want net positive", st.TotalReward)
	}
}

func TestGreedyEmitsPreferredWhenFullyBlocked(t *testing.T) {
	s := gridWorld(3, 3)
	s.Objects = append(s.Objects,
		envspec.ObjectSpec{ID: "w1", Type: envspec.ObjectWall, Position: envspec.Vec2{X: 1, Y: 0}},
		envspec.ObjectSpec{ID: "w2", Type: envspec.ObjectWall, Position: envspec.Vec2{X: 0, Y: 1}},
	)
	c := compile(t, s)
	st := sim.Init(c)

	acts, err := Greedy{}.Select(c, st, nil)
	if err != nil {
		t.Fatal(err)
	}
	if acts[0].Name != "right" {
		t.Errorf("action = %q, want preferred direction even when blocked", acts[0].Name)
	}
	next := sim.Step(c, st, acts, 50)
	if got := next.Agents[0].Position; got.X != 0 || got.Y != 0 {
		t.Errorf("agent moved to %+v through a wall", got)
	}
}

func TestGreedyContinuousUnitVector(t *testing.T) {
	s := gridWorld(10, 10)
	s.WorldKind = envspec.WorldContinuous2D
	s.ActionSpace = envspec.ActionSpace{Kind: envspec.ActionsContinuous, Dims: 2, Range: [2]float64{-1, 1}}
	s.Objects[0].Position = envspec.Vec2{X: 3, Y: 4}
	c := compile(t, s)
	st := sim.Init(c)

	acts, err := Greedy{}.Select(c, st, nil)
	if err != nil {
		t.Fatal(err)
	}
	v := acts[0].Vector
	if math.Abs(v[0]-0.6) > 1e-12 || math.Abs(v[1]-0.8) > 1e-12 {
		t.Errorf("vector = %v, want unit vector {0.6 0.8}", v)
	}

	// Within the arrival radius the policy stops.
	st.Agents[0].Position = envspec.Vec2{X: 3.05, Y: 4}
	acts, err = Greedy{}.Select(c, st, nil)
	if err != nil {
		t.Fatal(err)
	}
	if acts[0].Vector[0] != 0 || acts[0].Vector[1] != 0 {
		t.Errorf("vector = %v, want zero inside arrival radius", acts[0].Vector)
	}
}

func modelDoc(t *testing.T, m Model) []byte {
	t.Helper()
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestLoaderFetchParseAndCache(t *testing.T) {
	doc := modelDoc(t, Model{
		Format:    ModelFormat,
		Algorithm: "dqn",
		// Score "right" by the normalized goal dx; everything else zero.
		Weights: [][]float64{
			{0, 0, 0, 0},
			{0, 0, 0, 0},
			{0, 0, 0, 0},
			{0, 0, 1, 0},
		},
	})
	fetches := 0
	fetch := func(ctx context.Context, url string) ([]byte, error) {
		fetches++
		return doc, nil
	}
	loader := NewLoader(fetch, nil, nil)

	p, err := loader.Load(context.Background(), Spec{Kind: KindTrained, ModelURL: "blob://m1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := loader.Load(context.Background(), Spec{Kind: KindTrained, ModelURL: "blob://m1"}); err != nil {
		t.Fatal(err)
	}
	if fetches != 1 {
		t.Errorf("fetches = %d, want cached second load", fetches)
	}

	c := compile(t, gridWorld(5, 5))
	st := sim.Init(c)
	acts, err := p.Select(c, st, nil)
	if err != nil {
		t.Fatal(err)
	}
	if acts[0].Name != "right" {
		t.Errorf("action = %q, want right toward goal", acts[0].Name)
	}

	loader.Invalidate("blob://m1")
	if _, err := loader.Load(context.Background(), Spec{Kind: KindTrained, ModelURL: "blob://m1"}); err != nil {
		t.Fatal(err)
	}
	if fetches != 2 {
		t.Errorf("fetches = %d, want refetch after invalidation", fetches)
	}
}

func TestLoaderResolvesRunID(t *testing.T) {
	doc := modelDoc(t, Model{
		Format:    ModelFormat,
		Algorithm: "ppo",
		Weights:   [][]float64{{0, 0, 0, 0}},
		Actions:   []string{"up"},
	})
	fetch := func(ctx context.Context, url string) ([]byte, error) {
		if url != "blob://runs/run-7/policy" {
			t.Errorf("fetch url = %q", url)
		}
		return doc, nil
	}
	resolve := func(ctx context.Context, runID string) (string, error) {
		return "blob://runs/" + runID + "/policy", nil
	}
	loader := NewLoader(fetch, resolve, nil)
	if _, err := loader.Load(context.Background(), Spec{Kind: KindTrained, RunID: "run-7"}); err != nil {
		t.Fatal(err)
	}
}

func TestLoaderRejectsBadDocuments(t *testing.T) {
	cases := []struct {
		name string
		doc  []byte
	}{
		{"not json", []byte(`weights`)},
		{"wrong format", []byte(`{"format":"other/v9","weights":[[1]]}`)},
		{"no weights", []byte(`{"format":"dojo-policy/v1","weights":[]}`)},
		{"ragged", []byte(`{"format":"dojo-policy/v1","weights":[[1,2],[1]]}`)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			loader := NewLoader(func(ctx context.Context, url string) ([]byte, error) {
				return tc.doc, nil
			}, nil, nil)
			if _, err := loader.Load(context.Background(), Spec{Kind: KindTrained, ModelURL: "blob://bad"}); err == nil {
				t.Error("expected load error")
			}
		})
	}
}

func TestModelFamilies(t *testing.T) {
	cases := map[string]string{
		"dqn":     "value_based",
		"ppo":     "policy_gradient",
		"sac":     "actor_critic",
		"mystery": "unknown",
	}
	for alg, want := range cases {
		m := Model{Algorithm: alg}
		if got := m.Family(); got != want {
			t.Errorf("family(%s) = %q, want %q", alg, got, want)
		}
	}
}

func TestTrainedContinuousClampsOutput(t *testing.T) {
	s := gridWorld(10, 10)
	s.WorldKind = envspec.WorldContinuous2D
	s.ActionSpace = envspec.ActionSpace{Kind: envspec.ActionsContinuous, Dims: 2, Range: [2]float64{-1, 1}}
	c := compile(t, s)
	st := sim.Init(c)

	p := &Trained{model: &Model{
		Format:    ModelFormat,
		Algorithm: "sac",
		Weights:   [][]float64{{100, 0, 0, 0}, {-100, 0, 0, 0}},
		Bias:      []float64{5, -5},
	}, url: "test"}
	st.Agents[0].Position = envspec.Vec2{X: 5, Y: 5}
	acts, err := p.Select(c, st, nil)
	if err != nil {
		t.Fatal(err)
	}
	if acts[0].Vector[0] != 1 || acts[0].Vector[1] != -1 {
		t.Errorf("vector = %v, want clamped to [1 -1]", acts[0].Vector)
	}
}

func TestSpecValidate(t *testing.T) {
	if err := (&Spec{Kind: KindGreedy}).Validate(); err != nil {
		t.Errorf("greedy: %v", err)
	}
	if err := (&Spec{Kind: KindTrained}).Validate(); err == nil {
		t.Error("trained without ref should fail")
	}
	if err := (&Spec{Kind: "alien"}).Validate(); err == nil {
		t.Error("unknown kind should fail")
	}
}
