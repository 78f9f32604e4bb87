package drift

import (
	"math"
	"sort"
)

// floorPct guards every bin percentage against zero before the PSI/KL log
// terms. 0.0001 keeps ln(p/q) finite without visibly distorting the sums.
const floorPct = 1e-4

// ksTwoSample computes the two-sample Kolmogorov-Smirnov statistic
// D = max |F1(x) - F2(x)| over the merged empirical CDFs.
func ksTwoSample(sample1, sample2 []float64) float64 {
	s1 := make([]float64, len(sample1))
	s2 := make([]float64, len(sample2))
	copy(s1, sample1)
	copy(s2, sample2)
	sort.Float64s(s1)
	sort.Float64s(s2)

	n1, n2 := float64(len(s1)), float64(len(s2))

	i, j := 0, 0
	maxD := 0.0

	for i < len(s1) && j < len(s2) {
		d1, d2 := s1[i], s2[j]

		cdf1 := float64(i) / n1
		cdf2 := float64(j) / n2

		diff := math.Abs(cdf1 - cdf2)
		if diff > maxD {
			maxD = diff
		}

		if d1 < d2 {
			i++
		} else if d2 < d1 {
			j++
		} else {
			// Equal values - advance both
			i++
			j++
		}
	}

	for i < len(s1) {
		diff := math.Abs(float64(i)/n1 - 1.0)
		if diff > maxD {
			maxD = diff
		}
		i++
	}
	for j < len(s2) {
		diff := math.Abs(1.0 - float64(j)/n2)
		if diff > maxD {
			maxD = diff
		}
		j++
	}

	return maxD
}

// ksPValue approximates P(D > observed) for the two-sample KS test using the
// Kolmogorov distribution series 2 * sum_{k>=1} (-1)^{k-1} exp(-2k²λ²),
// truncated at ten terms, where λ = sqrt(n1*n2/(n1+n2)) * D.
func ksPValue(statistic float64, n1, n2 int) float64 {
	ne := float64(n1) * float64(n2) / float64(n1+n2)
	lambda := math.Sqrt(ne) * statistic
	if lambda <= 0 {
		return 1.0
	}

	sum := 0.0
	for k := 1; k <= 10; k++ {
		sign := 1.0
		if k%2 == 0 {
			sign = -1.0
		}
		sum += sign * math.Exp(-2*float64(k*k)*lambda*lambda)
	}

	p := 2 * sum
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	return p
}

// baselineBinEdges returns bin edges at evenly spaced quantiles of the
// baseline sample. Collapsed edges (ties in the baseline) are merged, so the
// returned slice may describe fewer than bins bins.
func baselineBinEdges(baseline []float64, bins int) []float64 {
	sorted := make([]float64, len(baseline))
	copy(sorted, baseline)
	sort.Float64s(sorted)

	n := len(sorted)
	edges := make([]float64, 0, bins+1)
	edges = append(edges, math.Inf(-1))

	for b := 1; b < bins; b++ {
		idx := b * n / bins
		if idx >= n {
			idx = n - 1
		}
		edge := sorted[idx]
		if edge > edges[len(edges)-1] {
			edges = append(edges, edge)
		}
	}
	edges = append(edges, math.Inf(1))

	return edges
}

// binPercentages histograms a sample into the given edges and normalizes to
// percentages, flooring every bin at floorPct.
func binPercentages(sample []float64, edges []float64) []float64 {
	counts := make([]float64, len(edges)-1)
	for _, v := range sample {
		// First bin whose upper edge exceeds v. Upper edge is inclusive so
		// baseline maxima land in the last bin.
		idx := sort.SearchFloat64s(edges[1:], v)
		if idx >= len(counts) {
			idx = len(counts) - 1
		}
		counts[idx]++
	}

	total := float64(len(sample))
	pcts := make([]float64, len(counts))
	for i, c := range counts {
		p := c / total
		if p < floorPct {
			p = floorPct
		}
		pcts[i] = p
	}
	return pcts
}

// psi computes the Population Stability Index between two pre-binned
// percentage distributions: sum((recent - baseline) * ln(recent/baseline)).
// Each term is non-negative, so the sum is too.
func psi(baselinePct, recentPct []float64) float64 {
	sum := 0.0
	for i := range baselinePct {
		sum += (recentPct[i] - baselinePct[i]) * math.Log(recentPct[i]/baselinePct[i])
	}
	return sum
}

// symmetricKL computes 0.5*(KL(P||Q) + KL(Q||P)) over the same binned
// distributions, as a supplementary divergence signal.
func symmetricKL(baselinePct, recentPct []float64) float64 {
	forward, backward := 0.0, 0.0
	for i := range baselinePct {
		forward += baselinePct[i] * math.Log(baselinePct[i]/recentPct[i])
		backward += recentPct[i] * math.Log(recentPct[i]/baselinePct[i])
	}
	return 0.5 * (forward + backward)
}
