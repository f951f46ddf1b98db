package calibrate

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/rawblock/chaintrace-engine/internal/config"
	"github.com/rawblock/chaintrace-engine/internal/features"
	"github.com/rawblock/chaintrace-engine/internal/scoring"
	"github.com/rawblock/chaintrace-engine/pkg/models"
)

func newTestCalibrator(t *testing.T) *Calibrator {
	t.Helper()
	cfg := config.Default()
	ex := features.NewExtractor(cfg.Window)
	scorer, err := scoring.NewScorer(cfg, ex, zerolog.Nop())
	require.NoError(t, err)
	return New(scorer, cfg.Thresholds, zerolog.Nop())
}

// linkedPair scores well above any sane cut, unlinkedPair well below.
func linkedPair(i int) LabeledPair {
	return LabeledPair{
		Features: models.PairFeatures{
			A: fmt.Sprintf("wallet|0xaa%02d", i), B: fmt.Sprintf("wallet|0xbb%02d", i),
			CoFunder: 1.0, CoTime: 0.9, CoAmount: 0.9, CoExit: 0.9, SharedSink: 1.0,
		},
		Linked: true,
	}
}

func unlinkedPair(i int) LabeledPair {
	return LabeledPair{
		Features: models.PairFeatures{
			A: fmt.Sprintf("wallet|0xcc%02d", i), B: fmt.Sprintf("wallet|0xdd%02d", i),
			CoFunder: 0, CoTime: 0.1, CoAmount: 0.2, CoExit: 0, SharedSink: 0,
		},
		Linked: false,
	}
}

// borderlinePair lands in the middle of the score range
func borderlinePair(i int, linked bool) LabeledPair {
	return LabeledPair{
		Features: models.PairFeatures{
			A: fmt.Sprintf("wallet|0xee%02d", i), B: fmt.Sprintf("wallet|0xff%02d", i),
			CoFunder: 0.5, CoTime: 0.5, CoAmount: 0.5, CoExit: 0.5, SharedSink: 0.5,
		},
		Linked: linked,
	}
}

func separableBucket(n int) []LabeledPair {
	pairs := make([]LabeledPair, 0, 2*n)
	for i := 0; i < n; i++ {
		pairs = append(pairs, linkedPair(i), unlinkedPair(i))
	}
	return pairs
}

func TestSeparableBucketReachesZeroLoss(t *testing.T) {
	c := newTestCalibrator(t)

	table, reports, err := c.Run(map[string][]LabeledPair{
		"bsc:lp_20k_100k": separableBucket(10),
	})
	require.NoError(t, err)
	require.Len(t, reports, 1)

	rep := reports[0]
	require.Equal(t, "bsc:lp_20k_100k", rep.Bucket)
	require.Equal(t, 20, rep.Samples)
	require.Zero(t, rep.Loss)
	require.Zero(t, rep.FPR)
	require.Zero(t, rep.FNR)
	require.InDelta(t, 1.0, rep.ARIAtBest, 1e-9)

	th, ok := table["bsc:lp_20k_100k"]
	require.True(t, ok)
	require.Greater(t, th.RelationStrong, th.RelationSuspected)
}

func TestZeroLossTiesPreferHigherCut(t *testing.T) {
	c := newTestCalibrator(t)

	_, reports, err := c.Run(map[string][]LabeledPair{
		"eth:lp_gt_100k": separableBucket(10),
	})
	require.NoError(t, err)

	// Every cut up to the positive score band has zero loss. The tie
	// break keeps the cut as tight as the grid allows.
	require.GreaterOrEqual(t, reports[0].Suspected, 0.75)
}

func TestFalsePositivesCostMoreThanMisses(t *testing.T) {
	c := newTestCalibrator(t)

	// The borderline band is mostly unlinked. A low cut sweeps it in
	// and pays 2.5x per false positive, so the fit must choose a cut
	// above the borderline score even though that misses the one
	// linked borderline pair.
	pairs := separableBucket(6)
	pairs = append(pairs, borderlinePair(0, true))
	for i := 1; i < 6; i++ {
		pairs = append(pairs, borderlinePair(i, false))
	}

	_, reports, err := c.Run(map[string][]LabeledPair{
		"base:lp_lt_20k": pairs,
	})
	require.NoError(t, err)

	rep := reports[0]
	borderScore := c.scorer.RelationScore(borderlinePair(0, true).Features)
	require.Greater(t, rep.Suspected, borderScore)
	require.Zero(t, rep.FPR)
	require.Greater(t, rep.FNR, 0.0)
}

func TestSmallBucketSkippedWithoutError(t *testing.T) {
	c := newTestCalibrator(t)

	table, reports, err := c.Run(map[string][]LabeledPair{
		"bsc:lp_lt_20k":   {linkedPair(0), unlinkedPair(0)},
		"bsc:lp_20k_100k": separableBucket(10),
	})
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.NotContains(t, table, "bsc:lp_lt_20k")
	require.Contains(t, table, "bsc:lp_20k_100k")
}

func TestCalibratedTableFeedsThresholdLookup(t *testing.T) {
	c := newTestCalibrator(t)

	table, _, err := c.Run(map[string][]LabeledPair{
		config.BucketKey("bsc", 50_000): separableBucket(10),
	})
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Calibration = table
	require.NoError(t, cfg.Validate())

	th, provenance := cfg.ThresholdsFor("bsc", 50_000)
	require.Equal(t, "calibrated:bsc:lp_20k_100k", provenance)
	require.Equal(t, table["bsc:lp_20k_100k"], th)

	_, provenance = cfg.ThresholdsFor("bsc", 500_000)
	require.Equal(t, "default", provenance)
}

func TestShatteredPartitionLowersAgreement(t *testing.T) {
	c := newTestCalibrator(t)

	// Half the linked pairs score below the cut, so the predicted
	// partition shatters the true clusters.
	pairs := separableBucket(8)
	for i := 0; i < 8; i++ {
		pairs = append(pairs, borderlinePair(i, true))
	}
	scores := make([]float64, len(pairs))
	for i, p := range pairs {
		scores[i] = c.scorer.RelationScore(p.Features)
	}

	ari := partitionAgreement(scores, pairs, 0.80)
	require.Less(t, ari, 1.0)
	require.Greater(t, ari, 0.0)
}
