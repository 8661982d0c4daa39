package qkd

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"
)

// DefaultUniformTolerance is the allowed absolute deviation of an outcome's
// empirical probability from the uniform expectation before it is reported as
// an anomaly.
const DefaultUniformTolerance = 0.1

// ErrNoCounts reports a distribution analysis with nothing to analyze.
var ErrNoCounts = errors.New("qkd: no measurement counts")

// A StateAnalysis summarizes the empirical distribution of repeated
// measurement outcomes against the uniform expectation.
type StateAnalysis struct {
	// Distribution maps each outcome label to its empirical probability.
	// Probabilities sum to 1 within floating tolerance.
	Distribution map[string]float64

	// Anomalies lists human-readable descriptions of outcomes whose
	// probability deviates from uniform beyond the tolerance.
	Anomalies []string

	// TotalShots is the total number of observations.
	TotalShots int

	// ChiSquare and PValue report Pearson's chi-square statistic for the
	// uniform hypothesis. PValue is 1 when fewer than two outcomes exist.
	ChiSquare float64
	PValue    float64
}

// AnalyzeDistribution computes the empirical probability of each outcome and
// flags outcomes deviating from the uniform expectation by more than
// DefaultUniformTolerance. Counts must be non-negative and sum to a positive
// total.
func AnalyzeDistribution(counts map[string]int) (StateAnalysis, error) {
	if len(counts) == 0 {
		return StateAnalysis{}, ErrNoCounts
	}
	total := 0
	for label, c := range counts {
		if c < 0 {
			return StateAnalysis{}, fmt.Errorf("qkd: negative count %d for state %q", c, label)
		}
		total += c
	}
	if total == 0 {
		return StateAnalysis{}, ErrNoCounts
	}

	expected := 1.0 / float64(len(counts))
	analysis := StateAnalysis{
		Distribution: make(map[string]float64, len(counts)),
		TotalShots:   total,
		PValue:       1,
	}

	labels := make([]string, 0, len(counts))
	for label := range counts {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	for _, label := range labels {
		p := float64(counts[label]) / float64(total)
		analysis.Distribution[label] = p
		if math.Abs(p-expected) > DefaultUniformTolerance {
			analysis.Anomalies = append(analysis.Anomalies,
				fmt.Sprintf("non-uniform distribution in state %s: p=%.4f, expected %.4f", label, p, expected))
		}
		e := expected * float64(total)
		analysis.ChiSquare += (float64(counts[label]) - e) * (float64(counts[label]) - e) / e
	}

	if len(counts) > 1 {
		chi2 := distuv.ChiSquared{K: float64(len(counts) - 1)}
		analysis.PValue = chi2.Survival(analysis.ChiSquare)
	}
	return analysis, nil
}
