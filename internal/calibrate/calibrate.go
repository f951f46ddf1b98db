package calibrate

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"

	"github.com/rawblock/chaintrace-engine/internal/config"
	"github.com/rawblock/chaintrace-engine/internal/metrics"
	"github.com/rawblock/chaintrace-engine/internal/scoring"
	"github.com/rawblock/chaintrace-engine/pkg/models"
)

// Threshold calibration.
//
// Labeled pair sets, bucketed by chain and liquidity band, drive a grid
// search over the relation cut points. The objective penalizes false
// accusations harder than missed links:
//
//	loss = 2.5·FPR + FNR
//
// A false positive names innocent wallets in a report; a false negative
// is a lead not followed. The resulting per-bucket thresholds are
// written into the config's calibration table, which flips the run's
// threshold provenance from "default" to "calibrated:<bucket>".

const (
	gridMin  = 0.30
	gridMax  = 0.95
	gridStep = 0.05

	// minSamples is the smallest labeled set worth calibrating on
	minSamples = 10

	fprWeight = 2.5
)

var ErrInsufficientSamples = errors.New("calibrate: bucket has too few labeled pairs")

// LabeledPair is one ground-truth example
type LabeledPair struct {
	Features models.PairFeatures `json:"features"`
	Linked   bool                `json:"linked"`
}

// BucketReport describes the chosen cut points for one bucket
type BucketReport struct {
	Bucket    string  `json:"bucket"`
	Samples   int     `json:"samples"`
	Suspected float64 `json:"suspected"`
	Strong    float64 `json:"strong"`
	Loss      float64 `json:"loss"`
	FPR       float64 `json:"fpr"`
	FNR       float64 `json:"fnr"`
	ARIAtBest float64 `json:"ariAtBest"`
}

// Calibrator fits relation thresholds against labeled pairs
type Calibrator struct {
	scorer *scoring.Scorer
	base   config.Thresholds
	log    zerolog.Logger
}

func New(scorer *scoring.Scorer, base config.Thresholds, log zerolog.Logger) *Calibrator {
	return &Calibrator{
		scorer: scorer,
		base:   base,
		log:    log.With().Str("component", "calibrate").Logger(),
	}
}

// Run calibrates every bucket with enough samples and returns the
// threshold table plus a per-bucket report. Buckets below the sample
// floor are skipped with a warning; they keep default provenance.
func (c *Calibrator) Run(byBucket map[string][]LabeledPair) (map[string]config.Thresholds, []BucketReport, error) {
	table := make(map[string]config.Thresholds)
	var reports []BucketReport

	buckets := make([]string, 0, len(byBucket))
	for b := range byBucket {
		buckets = append(buckets, b)
	}
	sort.Strings(buckets)

	for _, bucket := range buckets {
		pairs := byBucket[bucket]
		rep, err := c.fitBucket(bucket, pairs)
		if err != nil {
			if errors.Is(err, ErrInsufficientSamples) {
				c.log.Warn().Str("bucket", bucket).Int("samples", len(pairs)).Msg("bucket skipped")
				continue
			}
			return nil, nil, err
		}
		t := c.base
		t.RelationSuspected = rep.Suspected
		t.RelationStrong = rep.Strong
		check := config.Default()
		check.Thresholds = t
		if err := check.Validate(); err != nil {
			return nil, nil, fmt.Errorf("calibrate: bucket %s produced invalid thresholds: %w", bucket, err)
		}
		table[bucket] = t
		reports = append(reports, rep)
		c.log.Info().
			Str("bucket", bucket).
			Float64("suspected", rep.Suspected).
			Float64("strong", rep.Strong).
			Float64("loss", rep.Loss).
			Msg("bucket calibrated")
	}
	return table, reports, nil
}

// fitBucket grid-searches the suspected cut, then picks the tightest
// strong cut that accuses nobody falsely on the labeled data.
func (c *Calibrator) fitBucket(bucket string, pairs []LabeledPair) (BucketReport, error) {
	if len(pairs) < minSamples {
		return BucketReport{}, fmt.Errorf("%w: %s has %d", ErrInsufficientSamples, bucket, len(pairs))
	}

	scores := make([]float64, len(pairs))
	for i, p := range pairs {
		scores[i] = c.scorer.RelationScore(p.Features)
	}

	best := BucketReport{Bucket: bucket, Samples: len(pairs), Loss: math.Inf(1)}
	for cut := gridMin; cut <= gridMax-gridStep; cut += gridStep {
		fpr, fnr := ratesAt(scores, pairs, cut)
		loss := fprWeight*fpr + fnr
		// Ties go to the higher cut: fewer false accusations.
		if loss < best.Loss || (loss == best.Loss && cut > best.Suspected) {
			best.Suspected = round2(cut)
			best.Loss = round4(loss)
			best.FPR = round4(fpr)
			best.FNR = round4(fnr)
		}
	}

	best.Strong = round2(math.Min(best.Suspected+0.20, gridMax))
	for cut := best.Suspected + gridStep; cut <= gridMax; cut += gridStep {
		if falsePositivesAt(scores, pairs, cut) == 0 {
			best.Strong = round2(cut)
			break
		}
	}
	if best.Strong <= best.Suspected {
		best.Strong = round2(best.Suspected + gridStep)
	}

	best.ARIAtBest = partitionAgreement(scores, pairs, best.Suspected)
	return best, nil
}

// ratesAt computes FPR and FNR with "linked" predicted at score >= cut
func ratesAt(scores []float64, pairs []LabeledPair, cut float64) (fpr, fnr float64) {
	var tp, fp, tn, fn int
	for i, p := range pairs {
		predicted := scores[i] >= cut
		switch {
		case predicted && p.Linked:
			tp++
		case predicted && !p.Linked:
			fp++
		case !predicted && !p.Linked:
			tn++
		default:
			fn++
		}
	}
	if fp+tn > 0 {
		fpr = float64(fp) / float64(fp+tn)
	}
	if fn+tp > 0 {
		fnr = float64(fn) / float64(fn+tp)
	}
	return fpr, fnr
}

func falsePositivesAt(scores []float64, pairs []LabeledPair, cut float64) int {
	fp := 0
	for i, p := range pairs {
		if scores[i] >= cut && !p.Linked {
			fp++
		}
	}
	return fp
}

// partitionAgreement runs the pairwise decisions through union-find on
// both sides and compares the resulting partitions. A regression in ARI
// at the chosen cut means the thresholds shatter or collapse clusters
// even when the pair-level rates look fine.
func partitionAgreement(scores []float64, pairs []LabeledPair, cut float64) float64 {
	wallets := make(map[string]int)
	id := func(w string) int {
		if _, ok := wallets[w]; !ok {
			wallets[w] = len(wallets)
		}
		return wallets[w]
	}
	for _, p := range pairs {
		id(p.Features.A)
		id(p.Features.B)
	}

	predicted := newLabeler(len(wallets))
	truth := newLabeler(len(wallets))
	for i, p := range pairs {
		a, b := wallets[p.Features.A], wallets[p.Features.B]
		if scores[i] >= cut {
			predicted.union(a, b)
		}
		if p.Linked {
			truth.union(a, b)
		}
	}
	return metrics.AdjustedRandIndex(predicted.labels(), truth.labels())
}

// labeler is a minimal integer union-find for partition comparison
type labeler struct {
	parent []int
}

func newLabeler(n int) *labeler {
	l := &labeler{parent: make([]int, n)}
	for i := range l.parent {
		l.parent[i] = i
	}
	return l
}

func (l *labeler) find(i int) int {
	for l.parent[i] != i {
		l.parent[i] = l.parent[l.parent[i]]
		i = l.parent[i]
	}
	return i
}

func (l *labeler) union(a, b int) {
	ra, rb := l.find(a), l.find(b)
	if ra != rb {
		l.parent[rb] = ra
	}
}

func (l *labeler) labels() []int {
	out := make([]int, len(l.parent))
	for i := range l.parent {
		out[i] = l.find(i)
	}
	return out
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
