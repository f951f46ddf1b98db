package metrics

import (
	"math"
	"sort"

	"github.com/rawblock/chaintrace-engine/pkg/models"
)

// Clustering quality metrics for the calibration workflow.
//
// A calibration case compares the engine's predicted wallet grouping
// against a labeled ground-truth partition. Two standard measures:
//
//   ARI — Adjusted Rand Index, chance-corrected pair agreement.
//         1 = identical partitions, 0 = random, <0 worse than random.
//   VI  — Variation of Information, bits of information lost plus
//         gained moving between the partitions. 0 = identical, lower
//         is better.
//
// Both instantly expose cluster collapse (everything merged into one
// blob) and cluster shatter (every wallet alone), the two failure modes
// a bad threshold produces.

// PartitionFromClusters flattens a cluster set into per-wallet labels
// over the given universe. Wallets in no cluster each get their own
// singleton label, matching how ground-truth sets are labeled.
func PartitionFromClusters(universe []string, clusters []models.Cluster) []int {
	labelOf := make(map[string]int, len(universe))
	for i, c := range clusters {
		for _, m := range c.Members {
			labelOf[m] = i
		}
	}
	next := len(clusters)
	sorted := append([]string{}, universe...)
	sort.Strings(sorted)

	out := make([]int, len(sorted))
	for i, w := range sorted {
		if l, ok := labelOf[w]; ok {
			out[i] = l
		} else {
			out[i] = next
			next++
		}
	}
	return out
}

// contingency is the joint label-count table of two partitions
type contingency struct {
	n       int
	nij     [][]int
	rowSums []int
	colSums []int
}

func buildContingency(a, b []int) *contingency {
	index := func(labels []int) map[int]int {
		m := make(map[int]int)
		for _, l := range labels {
			if _, ok := m[l]; !ok {
				m[l] = len(m)
			}
		}
		return m
	}
	ai, bi := index(a), index(b)

	c := &contingency{
		n:       len(a),
		nij:     make([][]int, len(ai)),
		rowSums: make([]int, len(ai)),
		colSums: make([]int, len(bi)),
	}
	for i := range c.nij {
		c.nij[i] = make([]int, len(bi))
	}
	for k := 0; k < len(a); k++ {
		i, j := ai[a[k]], bi[b[k]]
		c.nij[i][j]++
		c.rowSums[i]++
		c.colSums[j]++
	}
	return c
}

// AdjustedRandIndex computes the chance-corrected pair agreement
// between a predicted and a ground-truth partition.
//
//	ARI = (Index - ExpectedIndex) / (MaxIndex - ExpectedIndex)
func AdjustedRandIndex(predicted, groundTruth []int) float64 {
	if len(predicted) != len(groundTruth) || len(predicted) < 2 {
		return 0.0
	}
	c := buildContingency(predicted, groundTruth)

	var sumNij, sumA, sumB float64
	for i := range c.nij {
		for j := range c.nij[i] {
			sumNij += comb2(c.nij[i][j])
		}
	}
	for _, a := range c.rowSums {
		sumA += comb2(a)
	}
	for _, b := range c.colSums {
		sumB += comb2(b)
	}

	nC2 := comb2(c.n)
	if nC2 == 0 {
		return 0.0
	}
	expected := (sumA * sumB) / nC2
	max := 0.5 * (sumA + sumB)
	if math.Abs(max-expected) < 1e-12 {
		return 1.0 // Both partitions trivial, perfect agreement
	}
	return (sumNij - expected) / (max - expected)
}

// VariationOfInformation computes the VI distance between two
// partitions in bits: the sum of the two conditional entropies.
func VariationOfInformation(predicted, groundTruth []int) float64 {
	if len(predicted) != len(groundTruth) || len(predicted) < 2 {
		return 0.0
	}
	c := buildContingency(predicted, groundTruth)
	nf := float64(c.n)

	var vi float64
	for i := range c.nij {
		for j := range c.nij[i] {
			nij := c.nij[i][j]
			if nij == 0 {
				continue
			}
			pij := float64(nij) / nf
			vi -= pij * math.Log2(float64(nij)/float64(c.colSums[j]))
			vi -= pij * math.Log2(float64(nij)/float64(c.rowSums[i]))
		}
	}
	return vi
}

// comb2 is C(n, 2)
func comb2(n int) float64 {
	if n < 2 {
		return 0
	}
	return float64(n) * float64(n-1) / 2.0
}
