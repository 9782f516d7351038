package analysis

import (
	"sort"

	"github.com/samber/lo"

	"github.com/dojoworks/dojo/internal/envspec"
	"github.com/dojoworks/dojo/internal/rollout"
)

// Consistency buckets for per-rule fire rates across episodes.
const (
	ConsistencyHigh   = "high"
	ConsistencyMedium = "medium"
	ConsistencyLow    = "low"

	highConsistencyStd   = 0.1
	mediumConsistencyStd = 0.3
)

// RuleConsistency describes how stably one rule fires across episodes.
type RuleConsistency struct {
	RuleID       string  `json:"ruleId"`
	MeanFireRate float64 `json:"meanFireRate"`
	FireRateStd  float64 `json:"fireRateStd"`
	Consistency  string  `json:"consistency"`
}

// ReasonCount pairs a termination reason with how often it occurred.
type ReasonCount struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

// BatchReport aggregates reward behavior across a batch of episodes.
type BatchReport struct {
	Episodes       int               `json:"episodes"`
	RewardMean     float64           `json:"rewardMean"`
	RewardStd      float64           `json:"rewardStd"`
	Rules          []RuleConsistency `json:"rules"`
	TopTermination []ReasonCount     `json:"topTermination"`
	Warnings       []string          `json:"warnings"`
}

// AnalyzeRollouts aggregates episode totals, classifies per-rule fire
// rate stability, and ranks termination causes across a batch.
func AnalyzeRollouts(spec *envspec.EnvSpec, rollouts []*rollout.Rollout) *BatchReport {
	report := &BatchReport{}
	if len(rollouts) == 0 {
		report.Warnings = []string{"empty input"}
		return report
	}
	report.Episodes = len(rollouts)

	totals := lo.Map(rollouts, func(r *rollout.Rollout, _ int) float64 { return r.TotalReward })
	report.RewardMean = mean(totals)
	report.RewardStd = std(totals)

	known := map[string]bool{}
	if spec != nil {
		for i := range spec.Rules.Rewards {
			known[spec.Rules.Rewards[i].ID] = true
		}
	}
	perEpisode := make([]map[string]float64, len(rollouts))
	for i, r := range rollouts {
		perEpisode[i] = fireRates(r)
		for id := range perEpisode[i] {
			known[id] = true
		}
	}

	ruleIDs := lo.Keys(known)
	sort.Strings(ruleIDs)
	for _, id := range ruleIDs {
		rates := make([]float64, len(rollouts))
		for i := range rollouts {
			rates[i] = perEpisode[i][id]
		}
		report.Rules = append(report.Rules, RuleConsistency{
			RuleID:       id,
			MeanFireRate: mean(rates),
			FireRateStd:  std(rates),
			Consistency:  classifyConsistency(std(rates)),
		})
	}

	counts := lo.CountValuesBy(rollouts, func(r *rollout.Rollout) string { return r.TerminationReason })
	report.TopTermination = lo.MapToSlice(counts, func(reason string, n int) ReasonCount {
		return ReasonCount{Reason: reason, Count: n}
	})
	sort.Slice(report.TopTermination, func(i, j int) bool {
		if report.TopTermination[i].Count != report.TopTermination[j].Count {
			return report.TopTermination[i].Count > report.TopTermination[j].Count
		}
		return report.TopTermination[i].Reason < report.TopTermination[j].Reason
	})
	return report
}

// fireRates maps rule IDs to fires-per-step for one episode.
func fireRates(r *rollout.Rollout) map[string]float64 {
	rates := map[string]float64{}
	if len(r.Steps) == 0 {
		return rates
	}
	for _, rec := range r.Steps {
		if rec.State == nil {
			continue
		}
		for _, grant := range rec.State.Info.Rewards {
			rates[grant.RuleID]++
		}
	}
	for id := range rates {
		rates[id] /= float64(len(r.Steps))
	}
	return rates
}

func classifyConsistency(fireRateStd float64) string {
	switch {
	case fireRateStd < highConsistencyStd:
		return ConsistencyHigh
	case fireRateStd < mediumConsistencyStd:
		return ConsistencyMedium
	default:
		return ConsistencyLow
	}
}
