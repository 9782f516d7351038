package analysis

import (
	"fmt"
	"sort"

	"github.com/samber/lo"

	"github.com/dojoworks/dojo/internal/envspec"
	"github.com/dojoworks/dojo/internal/rollout"
)

// RuleCredit summarizes every grant one reward rule produced during an
// episode.
type RuleCredit struct {
	RuleID    string  `json:"ruleId"`
	Total     float64 `json:"total"`
	Mean      float64 `json:"mean"`
	Std       float64 `json:"std"`
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	FireCount int     `json:"fireCount"`
	FireRate  float64 `json:"fireRate"`
}

// HeatCell is one (step, rule) activity sample.
type HeatCell struct {
	Step  int     `json:"step"`
	Rule  string  `json:"rule"`
	Value float64 `json:"value"`
}

// RewardReport credits an episode's reward back to the rules that
// produced it.
type RewardReport struct {
	Steps         int                  `json:"steps"`
	Rules         []RuleCredit         `json:"rules"`
	Curves        map[string][]float64 `json:"curves"`
	TopRules      []string             `json:"topRules"`
	Heatmap       []HeatCell           `json:"heatmap"`
	RewardDensity float64              `json:"rewardDensity"`
	Warnings      []string             `json:"warnings"`
}

const (
	lowFireRate     = 0.01
	denseShaping    = 10.0
	conflictingSign = 5
	topRuleCount    = 10
)

// AnalyzeRollout groups per-step reward grants by rule and derives
// credit summaries, cumulative curves, the most active rules, and an
// activity heatmap. Rules declared in the spec but never observed are
// reported with zero credit so dead rules are visible. spec may be nil
// when only observed activity matters.
func AnalyzeRollout(spec *envspec.EnvSpec, steps []rollout.StepRecord) *RewardReport {
	report := &RewardReport{Curves: map[string][]float64{}}
	if len(steps) == 0 {
		report.Warnings = []string{"empty input"}
		return report
	}
	report.Steps = len(steps)

	known := map[string]bool{}
	if spec != nil {
		for i := range spec.Rules.Rewards {
			known[spec.Rules.Rewards[i].ID] = true
		}
	}
	values := map[string][]float64{}
	totalGrants := 0
	for s, rec := range steps {
		if rec.State == nil {
			continue
		}
		for _, grant := range rec.State.Info.Rewards {
			known[grant.RuleID] = true
			values[grant.RuleID] = append(values[grant.RuleID], grant.Value)
			report.Heatmap = append(report.Heatmap, HeatCell{Step: s, Rule: grant.RuleID, Value: grant.Value})
			totalGrants++
		}
	}

	ruleIDs := lo.Keys(known)
	sort.Strings(ruleIDs)
	for _, id := range ruleIDs {
		vs := values[id]
		low, high := minMax(vs)
		report.Rules = append(report.Rules, RuleCredit{
			RuleID:    id,
			Total:     lo.Sum(vs),
			Mean:      mean(vs),
			Std:       std(vs),
			Min:       low,
			Max:       high,
			FireCount: len(vs),
			FireRate:  float64(len(vs)) / float64(len(steps)),
		})
		report.Curves[id] = cumulativeCurve(id, steps)
	}
	report.RewardDensity = float64(totalGrants) / float64(len(steps))
	report.TopRules = topRules(report.Rules)
	report.Warnings = rewardWarnings(report)
	return report
}

// cumulativeCurve is the running total of one rule's grants, one point
// per step.
func cumulativeCurve(ruleID string, steps []rollout.StepRecord) []float64 {
	curve := make([]float64, len(steps))
	var running float64
	for s, rec := range steps {
		if rec.State != nil {
			for _, grant := range rec.State.Info.Rewards {
				if grant.RuleID == ruleID {
					running += grant.Value
				}
			}
		}
		curve[s] = running
	}
	return curve
}

func topRules(rules []RuleCredit) []string {
	active := lo.Filter(rules, func(r RuleCredit, _ int) bool { return r.FireCount > 0 })
	sort.Slice(active, func(i, j int) bool {
		if active[i].FireCount != active[j].FireCount {
			return active[i].FireCount > active[j].FireCount
		}
		return active[i].RuleID < active[j].RuleID
	})
	if len(active) > topRuleCount {
		active = active[:topRuleCount]
	}
	return lo.Map(active, func(r RuleCredit, _ int) string { return r.RuleID })
}

func rewardWarnings(report *RewardReport) []string {
	var warnings []string
	positive, negative := 0, 0
	for _, r := range report.Rules {
		switch {
		case r.FireCount == 0:
			warnings = append(warnings, fmt.Sprintf("rule %q never fired (unreachable?)", r.RuleID))
		case r.FireRate < lowFireRate:
			warnings = append(warnings, fmt.Sprintf("rule %q fire rate %.4f is below %.2f", r.RuleID, r.FireRate, lowFireRate))
		}
		if r.FireCount > 0 && r.Mean > 0 {
			positive++
		}
		if r.FireCount > 0 && r.Mean < 0 {
			negative++
		}
	}
	if report.RewardDensity > denseShaping {
		warnings = append(warnings, fmt.Sprintf("reward density %.1f exceeds %.0f (dense shaping)", report.RewardDensity, denseShaping))
	}
	if positive > conflictingSign && negative > conflictingSign {
		warnings = append(warnings, fmt.Sprintf("%d positive-mean and %d negative-mean rules (conflicting)", positive, negative))
	}
	return warnings
}
