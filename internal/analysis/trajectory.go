package analysis

import (
	"math"
	"sort"

	"github.com/samber/lo"

	"github.com/dojoworks/dojo/internal/envspec"
	"github.com/dojoworks/dojo/internal/rollout"
	"github.com/dojoworks/dojo/internal/sim"
)

const (
	// Oscillation detection parameters: revisits are counted against
	// positions up to backAndForthWindow steps back, and an episode
	// oscillates when revisits cover at least half its steps or the
	// displacement series strongly anti-correlates with itself.
	backAndForthWindow   = 5
	oscillationAutocorr  = -0.5
	oscillationRevisited = 0.5

	// Attractor clustering parameters.
	attractorRadius     = 1.0
	attractorMinSamples = 5
)

// Oscillation reports repetitive movement in one episode.
type Oscillation struct {
	Autocorrelation float64 `json:"autocorrelation"`
	BackAndForth    int     `json:"backAndForth"`
	Detected        bool    `json:"detected"`
}

// Attractor is a spatial cluster the agent kept returning to.
type Attractor struct {
	Center envspec.Vec2 `json:"center"`
	Visits int          `json:"visits"`
	Dwell  int          `json:"dwell"`
}

// TrajectoryReport describes the movement structure of one episode.
// Position-derived fields follow the first agent; action and
// efficiency fields cover all agents.
type TrajectoryReport struct {
	Steps          int                `json:"steps"`
	ActionCounts   map[string]int     `json:"actionCounts"`
	ActionDist     map[string]float64 `json:"actionDist"`
	Entropy        float64            `json:"entropy"`
	PathEfficiency float64            `json:"pathEfficiency"`
	Oscillation    Oscillation        `json:"oscillation"`
	Attractors     []Attractor        `json:"attractors"`
	Warnings       []string           `json:"warnings"`
}

// AnalyzeTrajectory mines one episode's step records for action usage,
// path efficiency, oscillation, and spatial attractors.
func AnalyzeTrajectory(steps []rollout.StepRecord) *TrajectoryReport {
	report := &TrajectoryReport{
		ActionCounts: map[string]int{},
		ActionDist:   map[string]float64{},
	}
	if len(steps) == 0 {
		report.Warnings = []string{"empty input"}
		return report
	}
	report.Steps = len(steps)

	total := 0
	for _, rec := range steps {
		for i := range rec.Action {
			report.ActionCounts[actionLabel(&rec.Action[i])]++
			total++
		}
	}
	for label, n := range report.ActionCounts {
		report.ActionDist[label] = float64(n) / float64(total)
	}
	report.Entropy = shannonEntropy(lo.Values(report.ActionDist))
	report.PathEfficiency = pathEfficiency(steps)

	positions := primaryPositions(steps)
	report.Oscillation = detectOscillation(positions)
	report.Attractors = findAttractors(positions)
	return report
}

// actionLabel names an action for distribution purposes: the discrete
// name when present, otherwise the dominant axis of the movement
// vector.
func actionLabel(act *sim.Action) string {
	if act.Name != "" {
		return act.Name
	}
	if len(act.Vector) < 2 {
		return "noop"
	}
	x, y := act.Vector[0], act.Vector[1]
	if x == 0 && y == 0 {
		return "noop"
	}
	if math.Abs(x) >= math.Abs(y) {
		if x >= 0 {
			return "right"
		}
		return "left"
	}
	if y >= 0 {
		return "down"
	}
	return "up"
}

// pathEfficiency is net displacement over total distance traveled,
// averaged across agents and clamped to [0, 1]. Agents that never move
// score 0.
func pathEfficiency(steps []rollout.StepRecord) float64 {
	first := steps[0].State
	if first == nil || len(first.Agents) == 0 {
		return 0
	}
	var sum float64
	for a := range first.Agents {
		var gross float64
		start := first.Agents[a].Position
		prev := start
		end := start
		for _, rec := range steps[1:] {
			if rec.State == nil || a >= len(rec.State.Agents) {
				continue
			}
			p := rec.State.Agents[a].Position
			gross += prev.Dist(p)
			prev = p
			end = p
		}
		sum += clamp01(start.Dist(end) / gross)
	}
	return sum / float64(len(first.Agents))
}

func primaryPositions(steps []rollout.StepRecord) []envspec.Vec2 {
	var out []envspec.Vec2
	for _, rec := range steps {
		if rec.State == nil || len(rec.State.Agents) == 0 {
			continue
		}
		out = append(out, rec.State.Agents[0].Position)
	}
	return out
}

// detectOscillation combines lag-1 autocorrelation of step displacement
// magnitudes with revisit counting inside a sliding window. On grids
// the displacement series is near constant, so the revisit counter
// carries the signal there.
func detectOscillation(positions []envspec.Vec2) Oscillation {
	var osc Oscillation
	if len(positions) < 3 {
		return osc
	}
	displacements := make([]float64, len(positions)-1)
	for i := 1; i < len(positions); i++ {
		displacements[i-1] = positions[i-1].Dist(positions[i])
	}
	osc.Autocorrelation = autocorrelation(displacements, 1)

	for i := 2; i < len(positions); i++ {
		from := i - backAndForthWindow
		if from < 0 {
			from = 0
		}
		for j := from; j <= i-2; j++ {
			if positions[i].Dist(positions[j]) < 1e-9 {
				osc.BackAndForth++
				break
			}
		}
	}

	revisited := float64(osc.BackAndForth) / float64(len(positions))
	osc.Detected = osc.Autocorrelation <= oscillationAutocorr || revisited >= oscillationRevisited
	return osc
}

// findAttractors clusters visited positions with density-based
// clustering and reports each cluster's center, visit count, and the
// longest consecutive dwell.
func findAttractors(positions []envspec.Vec2) []Attractor {
	clusters := dbscan(positions, attractorRadius, attractorMinSamples)
	out := make([]Attractor, 0, len(clusters))
	for _, idx := range clusters {
		var cx, cy float64
		for _, i := range idx {
			cx += positions[i].X
			cy += positions[i].Y
		}
		n := float64(len(idx))
		out = append(out, Attractor{
			Center: envspec.Vec2{X: cx / n, Y: cy / n},
			Visits: len(idx),
			Dwell:  longestRun(idx),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Visits > out[j].Visits })
	return out
}

// dbscan returns clusters of point indices: a cluster grows from any
// point with at least minPts neighbors within radius, sweeping in
// reachable core points. Points that end up in no cluster are noise.
func dbscan(points []envspec.Vec2, radius float64, minPts int) [][]int {
	const (
		unlabeled = 0
		noise     = -1
	)
	labels := make([]int, len(points))
	nextCluster := 0

	neighbors := func(i int) []int {
		var out []int
		for j := range points {
			if points[i].Dist(points[j]) <= radius {
				out = append(out, j)
			}
		}
		return out
	}

	for i := range points {
		if labels[i] != unlabeled {
			continue
		}
		seed := neighbors(i)
		if len(seed) < minPts {
			labels[i] = noise
			continue
		}
		nextCluster++
		labels[i] = nextCluster
		queue := seed
		for len(queue) > 0 {
			j := queue[0]
			queue = queue[1:]
			if labels[j] == noise {
				labels[j] = nextCluster
			}
			if labels[j] != unlabeled {
				continue
			}
			labels[j] = nextCluster
			if reach := neighbors(j); len(reach) >= minPts {
				queue = append(queue, reach...)
			}
		}
	}

	clusters := make([][]int, nextCluster)
	for i, label := range labels {
		if label > 0 {
			clusters[label-1] = append(clusters[label-1], i)
		}
	}
	return clusters
}

// longestRun is the length of the longest stretch of consecutive step
// indices, i.e. the longest uninterrupted stay inside the cluster.
func longestRun(idx []int) int {
	if len(idx) == 0 {
		return 0
	}
	sorted := append([]int(nil), idx...)
	sort.Ints(sorted)
	best, run := 1, 1
	for i := 1; i < len(sorted); i++ {
		if sorted[i] == sorted[i-1]+1 {
			run++
		} else {
			run = 1
		}
		if run > best {
			best = run
		}
	}
	return best
}

// TrajectoryBatchReport summarizes movement structure across episodes.
type TrajectoryBatchReport struct {
	Episodes       int       `json:"episodes"`
	EntropyMean    float64   `json:"entropyMean"`
	EntropyStd     float64   `json:"entropyStd"`
	PerStepEntropy []float64 `json:"perStepEntropy"`
	Diversity      float64   `json:"diversity"`
	Warnings       []string  `json:"warnings"`
}

// AnalyzeTrajectories compares trajectories across a batch: entropy
// spread, the per-step entropy curve, and average pairwise divergence
// between aligned trajectories.
func AnalyzeTrajectories(rollouts []*rollout.Rollout) *TrajectoryBatchReport {
	report := &TrajectoryBatchReport{}
	if len(rollouts) == 0 {
		report.Warnings = []string{"empty input"}
		return report
	}
	report.Episodes = len(rollouts)

	entropies := make([]float64, len(rollouts))
	longest := 0
	for i, r := range rollouts {
		entropies[i] = AnalyzeTrajectory(r.Steps).Entropy
		if len(r.Steps) > longest {
			longest = len(r.Steps)
		}
	}
	report.EntropyMean = mean(entropies)
	report.EntropyStd = std(entropies)

	report.PerStepEntropy = make([]float64, longest)
	for s := 0; s < longest; s++ {
		counts := map[string]int{}
		total := 0
		for _, r := range rollouts {
			if s >= len(r.Steps) {
				continue
			}
			for i := range r.Steps[s].Action {
				counts[actionLabel(&r.Steps[s].Action[i])]++
				total++
			}
		}
		if total == 0 {
			continue
		}
		probs := lo.MapToSlice(counts, func(_ string, n int) float64 {
			return float64(n) / float64(total)
		})
		report.PerStepEntropy[s] = shannonEntropy(probs)
	}

	report.Diversity = pairwiseDiversity(rollouts)
	return report
}

// pairwiseDiversity is the mean per-step distance between the primary
// agents of every trajectory pair, aligned from step zero over the
// shorter of the two.
func pairwiseDiversity(rollouts []*rollout.Rollout) float64 {
	paths := lo.Map(rollouts, func(r *rollout.Rollout, _ int) []envspec.Vec2 {
		return primaryPositions(r.Steps)
	})
	var sum float64
	pairs := 0
	for i := 0; i < len(paths); i++ {
		for j := i + 1; j < len(paths); j++ {
			n := len(paths[i])
			if len(paths[j]) < n {
				n = len(paths[j])
			}
			if n == 0 {
				continue
			}
			var d float64
			for s := 0; s < n; s++ {
				d += paths[i][s].Dist(paths[j][s])
			}
			sum += d / float64(n)
			pairs++
		}
	}
	if pairs == 0 {
		return 0
	}
	return sum / float64(pairs)
}
