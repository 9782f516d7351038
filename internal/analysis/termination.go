package analysis

import (
	"fmt"
	"sort"

	"github.com/samber/lo"

	"github.com/dojoworks/dojo/internal/rollout"
)

// conflictShare is the fraction of episodes two termination reasons
// must each reach before they are flagged as competing.
const conflictShare = 0.30

// ReasonStats describes the termination-step distribution of one
// reason. Std uses the trimmed estimator so stray episodes do not
// dominate it.
type ReasonStats struct {
	Count    int     `json:"count"`
	Mean     float64 `json:"mean"`
	Median   float64 `json:"median"`
	Std      float64 `json:"std"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Skewness float64 `json:"skewness"`
	Kurtosis float64 `json:"kurtosis"`
}

// TerminationReport summarizes why and when episodes ended.
type TerminationReport struct {
	Episodes  int                    `json:"episodes"`
	Counts    map[string]int         `json:"counts"`
	PerReason map[string]ReasonStats `json:"perReason"`
	P10       float64                `json:"p10"`
	P90       float64                `json:"p90"`
	Premature int                    `json:"premature"`
	Late      int                    `json:"late"`
	Conflicts []string               `json:"conflicts"`
	Warnings  []string               `json:"warnings"`
}

// AnalyzeTerminations breaks a batch down by termination reason,
// characterizes each reason's step distribution, and flags outlier and
// conflicting terminations.
func AnalyzeTerminations(rollouts []*rollout.Rollout) *TerminationReport {
	report := &TerminationReport{
		Counts:    map[string]int{},
		PerReason: map[string]ReasonStats{},
	}
	if len(rollouts) == 0 {
		report.Warnings = []string{"empty input"}
		return report
	}
	report.Episodes = len(rollouts)

	byReason := map[string][]float64{}
	lengths := make([]float64, len(rollouts))
	for i, r := range rollouts {
		reason := r.TerminationReason
		if reason == "" {
			reason = "unknown"
		}
		report.Counts[reason]++
		byReason[reason] = append(byReason[reason], float64(r.EpisodeLength))
		lengths[i] = float64(r.EpisodeLength)
	}
	for reason, steps := range byReason {
		low, high := minMax(steps)
		report.PerReason[reason] = ReasonStats{
			Count:    len(steps),
			Mean:     mean(steps),
			Median:   median(steps),
			Std:      trimmedStd(steps),
			Min:      low,
			Max:      high,
			Skewness: skewness(steps),
			Kurtosis: kurtosis(steps),
		}
	}

	report.P10 = percentile(lengths, 10)
	report.P90 = percentile(lengths, 90)
	for _, l := range lengths {
		if l < report.P10 {
			report.Premature++
		}
		if l > report.P90 {
			report.Late++
		}
	}

	report.Conflicts = conflictingReasons(report.Counts, len(rollouts))
	if len(report.Conflicts) > 0 {
		report.Warnings = append(report.Warnings, fmt.Sprintf(
			"termination reasons %v each cover at least %.0f%% of episodes",
			report.Conflicts, conflictShare*100))
	}
	return report
}

// conflictingReasons returns every reason covering at least
// conflictShare of episodes, but only when two or more compete.
func conflictingReasons(counts map[string]int, episodes int) []string {
	dominant := lo.OmitBy(counts, func(_ string, n int) bool {
		return float64(n)/float64(episodes) < conflictShare
	})
	if len(dominant) < 2 {
		return nil
	}
	reasons := lo.Keys(dominant)
	sort.Strings(reasons)
	return reasons
}
