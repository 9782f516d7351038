package analysis

import (
	"math"
	"sync"
)

// Summary is a rolling mean/std/min/max over one diagnostic signal.
type Summary struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	Std   float64 `json:"std"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// Accumulator keeps running moments without storing samples, so it can
// absorb unbounded training streams. The zero value is ready to use.
type Accumulator struct {
	count int
	mean  float64
	m2    float64
	min   float64
	max   float64
}

// Add folds one sample in. Non-finite samples are dropped.
func (a *Accumulator) Add(x float64) {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return
	}
	a.count++
	if a.count == 1 {
		a.min, a.max = x, x
	} else {
		if x < a.min {
			a.min = x
		}
		if x > a.max {
			a.max = x
		}
	}
	delta := x - a.mean
	a.mean += delta / float64(a.count)
	a.m2 += delta * (x - a.mean)
}

// Summary snapshots the accumulator.
func (a *Accumulator) Summary() Summary {
	s := Summary{Count: a.count, Mean: a.mean, Min: a.min, Max: a.max}
	if a.count > 1 {
		s.Std = math.Sqrt(a.m2 / float64(a.count))
	}
	return s
}

// Diagnostics accumulates training-health signals streamed by running
// workers: TD error, value estimates, policy entropy, KL shift between
// policy versions, and gradient norms. Safe for concurrent use.
type Diagnostics struct {
	mu       sync.Mutex
	tdError  Accumulator
	value    Accumulator
	entropy  Accumulator
	kl       Accumulator
	gradNorm Accumulator
}

// NewDiagnostics returns an empty diagnostics stream.
func NewDiagnostics() *Diagnostics {
	return &Diagnostics{}
}

// ObserveTDError records one temporal-difference error sample.
func (d *Diagnostics) ObserveTDError(v float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tdError.Add(v)
}

// ObserveValue records one value-function estimate.
func (d *Diagnostics) ObserveValue(v float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.value.Add(v)
}

// ObservePolicy records the entropy of one action-probability vector.
func (d *Diagnostics) ObservePolicy(probs []float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entropy.Add(shannonEntropy(probs))
}

// ObservePolicyShift records the KL divergence from an old to a new
// action distribution.
func (d *Diagnostics) ObservePolicyShift(oldProbs, newProbs []float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.kl.Add(klDivergence(oldProbs, newProbs))
}

// ObserveGradNorm records one gradient-norm sample.
func (d *Diagnostics) ObserveGradNorm(v float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gradNorm.Add(v)
}

// DiagnosticsReport is a point-in-time view of all diagnostic streams.
type DiagnosticsReport struct {
	TDError  Summary  `json:"tdError"`
	Value    Summary  `json:"value"`
	Entropy  Summary  `json:"entropy"`
	KL       Summary  `json:"kl"`
	GradNorm Summary  `json:"gradNorm"`
	Warnings []string `json:"warnings,omitempty"`
}

// Snapshot summarizes every stream as of now.
func (d *Diagnostics) Snapshot() *DiagnosticsReport {
	d.mu.Lock()
	defer d.mu.Unlock()
	report := &DiagnosticsReport{
		TDError:  d.tdError.Summary(),
		Value:    d.value.Summary(),
		Entropy:  d.entropy.Summary(),
		KL:       d.kl.Summary(),
		GradNorm: d.gradNorm.Summary(),
	}
	total := report.TDError.Count + report.Value.Count + report.Entropy.Count +
		report.KL.Count + report.GradNorm.Count
	if total == 0 {
		report.Warnings = []string{"empty input"}
	}
	return report
}

// klDivergence is KL(old || new) in bits. Vanishing new-distribution
// entries are floored so a single zero does not blow the divergence up
// to infinity.
func klDivergence(oldProbs, newProbs []float64) float64 {
	const floor = 1e-12
	var kl float64
	for i, p := range oldProbs {
		if p <= 0 || i >= len(newProbs) {
			continue
		}
		q := newProbs[i]
		if q < floor {
			q = floor
		}
		kl += p * math.Log2(p/q)
	}
	return kl
}
