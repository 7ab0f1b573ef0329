package monitor

import "math"

// Epsilon replaces empty bucket shares so the log term stays finite.
const Epsilon = 1e-6

// Drift levels reported for a PSI value.
const (
	DriftHigh   = "high"
	DriftMedium = "medium"
	DriftLow    = "low"
)

// DriftLevel classifies a PSI value.
func DriftLevel(psi float64) string {
	switch {
	case psi > 0.2:
		return DriftHigh
	case psi > 0.1:
		return DriftMedium
	default:
		return DriftLow
	}
}

// Edges returns buckets+1 equal-width edges spanning both samples.
// It returns nil when the samples are empty or constant.
func Edges(reference, current []float64, buckets int) []float64 {
	if buckets <= 0 || len(reference) == 0 || len(current) == 0 {
		return nil
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, s := range [][]float64{reference, current} {
		for _, v := range s {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
	}
	if hi <= lo {
		return nil
	}

	width := (hi - lo) / float64(buckets)
	edges := make([]float64, buckets+1)
	for i := range edges {
		edges[i] = lo + float64(i)*width
	}
	edges[buckets] = hi
	return edges
}

// Histogram counts values into the buckets defined by edges. Buckets are
// [lo, hi) except the last, which also holds the maximum.
func Histogram(values, edges []float64) []int {
	if len(edges) < 2 {
		return nil
	}
	n := len(edges) - 1
	counts := make([]int, n)
	lo, hi := edges[0], edges[n]
	width := (hi - lo) / float64(n)
	for _, v := range values {
		i := int((v - lo) / width)
		if i < 0 {
			i = 0
		}
		if i >= n {
			i = n - 1
		}
		counts[i]++
	}
	return counts
}

// PSIFromCounts computes Σ (cur − ref) · ln(cur / ref) over bucket shares.
func PSIFromCounts(reference, current []int) float64 {
	refTotal, curTotal := sum(reference), sum(current)
	if refTotal == 0 || curTotal == 0 || len(reference) != len(current) {
		return 0
	}
	var psi float64
	for i := range reference {
		r := math.Max(Epsilon, float64(reference[i])/float64(refTotal))
		c := math.Max(Epsilon, float64(current[i])/float64(curTotal))
		psi += (c - r) * math.Log(c/r)
	}
	return psi
}

// PSIResult is one PSI computation with the histograms behind it.
type PSIResult struct {
	PSI             float64
	Edges           []float64
	ReferenceCounts []int
	CurrentCounts   []int
}

// ComputePSI bins both samples on shared equal-width edges and returns
// their PSI. Constant or empty samples have PSI 0.
func ComputePSI(reference, current []float64, buckets int) PSIResult {
	edges := Edges(reference, current, buckets)
	if edges == nil {
		return PSIResult{}
	}
	ref := Histogram(reference, edges)
	cur := Histogram(current, edges)
	return PSIResult{
		PSI:             PSIFromCounts(ref, cur),
		Edges:           edges,
		ReferenceCounts: ref,
		CurrentCounts:   cur,
	}
}

// Brier returns the mean squared error between predictions and outcomes.
// The second result is false when there are no labeled samples.
func Brier(predictions []float64, outcomes []bool) (float64, bool) {
	if len(predictions) == 0 || len(predictions) != len(outcomes) {
		return 0, false
	}
	var total float64
	for i, p := range predictions {
		y := 0.0
		if outcomes[i] {
			y = 1
		}
		total += (p - y) * (p - y)
	}
	return total / float64(len(predictions)), true
}

func sum(xs []int) int {
	t := 0
	for _, x := range xs {
		t += x
	}
	return t
}
