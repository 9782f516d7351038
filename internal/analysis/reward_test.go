package analysis

import (
	"math"
	"reflect"
	"strings"
	"testing"

	"github.com/dojoworks/dojo/internal/envspec"
	"github.com/dojoworks/dojo/internal/rollout"
	"github.com/dojoworks/dojo/internal/sim"
)

func record(step int, pos envspec.Vec2, action string, grants ...sim.RewardGrant) rollout.StepRecord {
	st := &sim.State{
		Step:   step,
		Agents: []sim.AgentState{{ID: "a1", Position: pos}},
		Info:   sim.Info{Rewards: grants},
	}
	var acts []sim.Action
	if action != "" {
		acts = []sim.Action{{AgentID: "a1", Name: action}}
	}
	return rollout.StepRecord{State: st, Action: acts, Reward: st.StepReward()}
}

func grant(rule string, value float64) sim.RewardGrant {
	return sim.RewardGrant{RuleID: rule, Value: value}
}

func specWithRules(ids ...string) *envspec.EnvSpec {
	s := &envspec.EnvSpec{}
	for _, id := range ids {
		s.Rules.Rewards = append(s.Rules.Rewards, envspec.RewardRule{ID: id})
	}
	return s
}

func TestAnalyzeRollout(t *testing.T) {
	var steps []rollout.StepRecord
	for i := 0; i < 10; i++ {
		grants := []sim.RewardGrant{grant("r-step", -0.5)}
		if i == 9 {
			grants = append(grants, grant("r-goal", 10))
		}
		steps = append(steps, record(i+1, envspec.Vec2{X: float64(i)}, "right", grants...))
	}

	report := AnalyzeRollout(specWithRules("r-step", "r-goal", "r-never"), steps)

	if report.Steps != 10 {
		t.Fatalf("steps = %d", report.Steps)
	}
	byID := map[string]RuleCredit{}
	for _, r := range report.Rules {
		byID[r.RuleID] = r
	}
	if len(byID) != 3 {
		t.Fatalf("rules = %d, want 3", len(byID))
	}
	if rs := byID["r-step"]; rs.Total != -5 || rs.FireCount != 10 || rs.FireRate != 1 || rs.Mean != -0.5 {
		t.Errorf("r-step credit = %+v", rs)
	}
	if rg := byID["r-goal"]; rg.Total != 10 || rg.FireCount != 1 || rg.FireRate != 0.1 || rg.Min != 10 || rg.Max != 10 {
		t.Errorf("r-goal credit = %+v", rg)
	}
	if rn := byID["r-never"]; rn.FireCount != 0 || rn.Total != 0 {
		t.Errorf("r-never credit = %+v", rn)
	}

	curve := report.Curves["r-goal"]
	if len(curve) != 10 || curve[0] != 0 || curve[8] != 0 || curve[9] != 10 {
		t.Errorf("r-goal curve = %v", curve)
	}
	if sc := report.Curves["r-step"]; sc[0] != -0.5 || sc[9] != -5 {
		t.Errorf("r-step curve ends = %v, %v", sc[0], sc[9])
	}

	if !reflect.DeepEqual(report.TopRules, []string{"r-step", "r-goal"}) {
		t.Errorf("topRules = %v", report.TopRules)
	}
	if len(report.Heatmap) != 11 {
		t.Errorf("heatmap cells = %d, want 11", len(report.Heatmap))
	}
	if math.Abs(report.RewardDensity-1.1) > 1e-9 {
		t.Errorf("rewardDensity = %v, want 1.1", report.RewardDensity)
	}
	if !hasWarning(report.Warnings, "unreachable?") {
		t.Errorf("warnings = %v, want unreachable hint for r-never", report.Warnings)
	}
}

func TestAnalyzeRolloutDenseShapingWarning(t *testing.T) {
	grants := make([]sim.RewardGrant, 11)
	for i := range grants {
		grants[i] = grant("r"+strings.Repeat("x", i+1), 1)
	}
	steps := []rollout.StepRecord{record(1, envspec.Vec2{}, "up", grants...)}
	report := AnalyzeRollout(nil, steps)
	if !hasWarning(report.Warnings, "dense shaping") {
		t.Errorf("warnings = %v, want dense shaping", report.Warnings)
	}
}

func TestAnalyzeRolloutConflictingRules(t *testing.T) {
	var grants []sim.RewardGrant
	for i := 0; i < 6; i++ {
		grants = append(grants,
			grant("pos"+strings.Repeat("p", i+1), 1),
			grant("neg"+strings.Repeat("n", i+1), -1))
	}
	steps := []rollout.StepRecord{
		record(1, envspec.Vec2{}, "up", grants...),
		record(2, envspec.Vec2{}, "up"),
	}
	report := AnalyzeRollout(nil, steps)
	if !hasWarning(report.Warnings, "conflicting") {
		t.Errorf("warnings = %v, want conflicting", report.Warnings)
	}
}

func TestAnalyzeRolloutEmpty(t *testing.T) {
	report := AnalyzeRollout(nil, nil)
	if !reflect.DeepEqual(report.Warnings, []string{"empty input"}) {
		t.Errorf("warnings = %v", report.Warnings)
	}
	if report.Steps != 0 || len(report.Rules) != 0 {
		t.Errorf("report not zeroed: %+v", report)
	}
}

func hasWarning(warnings []string, substr string) bool {
	for _, w := range warnings {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}
