package analysis

import (
	"math"
	"sort"
)

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// std is the population standard deviation. Every summary in this
// package uses the population form so single-sample inputs report 0
// instead of NaN.
func std(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var sum float64
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)))
}

func minMax(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	lo, hi := xs[0], xs[0]
	for _, x := range xs[1:] {
		if x < lo {
			lo = x
		}
		if x > hi {
			hi = x
		}
	}
	return lo, hi
}

func median(xs []float64) float64 {
	n := len(xs)
	if n == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// percentile interpolates linearly between closest ranks. p is in
// [0, 100].
func percentile(xs []float64, p float64) float64 {
	n := len(xs)
	if n == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	if n == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(n-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo < 0 {
		lo = 0
	}
	if hi > n-1 {
		hi = n - 1
	}
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// trimmedStd drops the lowest and highest tenth of the samples before
// taking the population standard deviation, which keeps a handful of
// outlier episodes from swamping the spread estimate. Small samples
// fall back to the plain deviation.
func trimmedStd(xs []float64) float64 {
	n := len(xs)
	trim := n / 10
	if trim == 0 || n-2*trim < 2 {
		return std(xs)
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	return std(sorted[trim : n-trim])
}

func centralMoment(xs []float64, k int) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := mean(xs)
	var sum float64
	for _, x := range xs {
		sum += math.Pow(x-m, float64(k))
	}
	return sum / float64(len(xs))
}

// skewness is the population moment coefficient g1; degenerate
// distributions report 0.
func skewness(xs []float64) float64 {
	m2 := centralMoment(xs, 2)
	if len(xs) < 3 || m2 < 1e-12 {
		return 0
	}
	return centralMoment(xs, 3) / math.Pow(m2, 1.5)
}

// kurtosis is the excess kurtosis g2 (normal distribution reports 0).
func kurtosis(xs []float64) float64 {
	m2 := centralMoment(xs, 2)
	if len(xs) < 4 || m2 < 1e-12 {
		return 0
	}
	return centralMoment(xs, 4)/(m2*m2) - 3
}

// autocorrelation is the Pearson correlation of the series against
// itself shifted by lag. Constant or too-short series report 0.
func autocorrelation(xs []float64, lag int) float64 {
	n := len(xs)
	if lag <= 0 || n <= lag+1 {
		return 0
	}
	a := xs[:n-lag]
	b := xs[lag:]
	ma, mb := mean(a), mean(b)
	var cov, va, vb float64
	for i := range a {
		da := a[i] - ma
		db := b[i] - mb
		cov += da * db
		va += da * da
		vb += db * db
	}
	if va < 1e-12 || vb < 1e-12 {
		return 0
	}
	return cov / math.Sqrt(va*vb)
}

// shannonEntropy is the base-2 entropy of a probability vector. Zero
// and negative entries are skipped; the vector is not renormalized.
func shannonEntropy(probs []float64) float64 {
	var h float64
	for _, p := range probs {
		if p <= 0 {
			continue
		}
		h -= p * math.Log2(p)
	}
	return h
}

func clamp01(x float64) float64 {
	switch {
	case math.IsNaN(x), x < 0:
		return 0
	case x > 1:
		return 1
	default:
		return x
	}
}
