package shadow

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/rawblock/chaintrace-engine/internal/config"
	"github.com/rawblock/chaintrace-engine/internal/features"
	"github.com/rawblock/chaintrace-engine/internal/graph"
	"github.com/rawblock/chaintrace-engine/internal/ledger"
	"github.com/rawblock/chaintrace-engine/internal/metrics"
	"github.com/rawblock/chaintrace-engine/internal/scoring"
	"github.com/rawblock/chaintrace-engine/pkg/models"
)

// Shadow scoring.
//
// A candidate threshold table (usually a fresh calibration) runs
// against the same evidence as the live configuration before it is
// allowed to touch published clusters. The comparison is structural:
// both cluster sets are reduced to wallet partitions and measured with
// ARI and Variation of Information. A candidate that shatters or
// collapses live clusters shows up here first.

// Result captures the divergence between live and candidate scoring
type Result struct {
	LiveClusters      int     `json:"liveClusters"`
	CandidateClusters int     `json:"candidateClusters"`
	Wallets           int     `json:"wallets"`
	ARI               float64 `json:"ari"`
	VI                float64 `json:"vi"`
	Diverged          bool    `json:"diverged"`

	Candidate []models.Cluster `json:"candidate,omitempty"`
}

// Runner holds the live scorer and a scorer built from the candidate
// threshold table. Candidate output is never persisted.
type Runner struct {
	live      *scoring.Scorer
	candidate *scoring.Scorer
	ex        *features.Extractor
	log       zerolog.Logger
}

// New builds a runner from the live config and a candidate calibration
// table. The candidate config is the live one with the table merged
// over its calibration entries.
func New(cfg *config.Config, ex *features.Extractor, candidate map[string]config.Thresholds, log zerolog.Logger) (*Runner, error) {
	merged := *cfg
	merged.Calibration = make(map[string]config.Thresholds, len(cfg.Calibration)+len(candidate))
	for k, v := range cfg.Calibration {
		merged.Calibration[k] = v
	}
	for k, v := range candidate {
		merged.Calibration[k] = v
	}
	if err := merged.Validate(); err != nil {
		return nil, fmt.Errorf("shadow: candidate table invalid: %w", err)
	}

	liveScorer, err := scoring.NewScorer(cfg, ex, log)
	if err != nil {
		return nil, err
	}
	candScorer, err := scoring.NewScorer(&merged, ex, log)
	if err != nil {
		return nil, err
	}
	return &Runner{
		live:      liveScorer,
		candidate: candScorer,
		ex:        ex,
		log:       log.With().Str("component", "shadow").Logger(),
	}, nil
}

// Compare extracts features once and scores them under both
// configurations.
func (r *Runner) Compare(ctx context.Context, snap *graph.Snapshot, led *ledger.Ledger,
	announce time.Time, chain string, lpUSD float64) (Result, error) {

	wallets, pairs, err := r.ex.ExtractAll(ctx, snap, led, announce)
	if err != nil {
		return Result{}, err
	}

	liveClusters, err := r.live.BuildClusters(snap, wallets, pairs, chain, lpUSD)
	if err != nil {
		return Result{}, err
	}
	candClusters, err := r.candidate.BuildClusters(snap, wallets, pairs, chain, lpUSD)
	if err != nil {
		return Result{}, err
	}

	universe := make([]string, 0, len(wallets))
	for id := range wallets {
		universe = append(universe, id)
	}
	sort.Strings(universe)

	liveLabels := metrics.PartitionFromClusters(universe, liveClusters)
	candLabels := metrics.PartitionFromClusters(universe, candClusters)

	res := Result{
		LiveClusters:      len(liveClusters),
		CandidateClusters: len(candClusters),
		Wallets:           len(universe),
		ARI:               metrics.AdjustedRandIndex(liveLabels, candLabels),
		VI:                metrics.VariationOfInformation(liveLabels, candLabels),
		Candidate:         candClusters,
	}
	res.Diverged = res.ARI < 1.0

	if res.Diverged {
		r.log.Warn().
			Float64("ari", res.ARI).
			Float64("vi", res.VI).
			Int("live", res.LiveClusters).
			Int("candidate", res.CandidateClusters).
			Msg("candidate thresholds diverge from live clustering")
	}
	return res, nil
}
