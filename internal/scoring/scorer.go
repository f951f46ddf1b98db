package scoring

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rawblock/chaintrace-engine/internal/config"
	"github.com/rawblock/chaintrace-engine/internal/features"
	"github.com/rawblock/chaintrace-engine/internal/graph"
	"github.com/rawblock/chaintrace-engine/pkg/models"
)

// Cluster and signal scoring.
//
// Pairwise relation scores feed a union-find grouping; each resulting
// component is scored for insider probability and link confidence, its
// signals are partitioned into deterministic and heuristic tiers, and
// the false-positive library gets a veto before any high-risk label is
// attached. All weights and cut points come from configuration, never
// from constants in this package.

// ErrIncompleteFeature is returned when a pair references a wallet with
// no extracted features. Scoring refuses to guess around missing input.
var ErrIncompleteFeature = errors.New("scoring: pair references wallet without extracted features")

// Scorer applies configured weights and thresholds to extracted features
type Scorer struct {
	cfg *config.Config
	ex  *features.Extractor
	log zerolog.Logger
}

// NewScorer validates the configuration before anything is scored.
// An invalid weight table is fatal here, not at score time.
func NewScorer(cfg *config.Config, ex *features.Extractor, log zerolog.Logger) (*Scorer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scorer{cfg: cfg, ex: ex, log: log.With().Str("component", "scorer").Logger()}, nil
}

// RelationScore collapses a pair's coordination features into [0,1]
func (s *Scorer) RelationScore(p models.PairFeatures) float64 {
	w := s.cfg.Weights.Relation
	return round4(w.CoFunder*p.CoFunder +
		w.CoTime*p.CoTime +
		w.CoAmount*p.CoAmount +
		w.CoExit*p.CoExit +
		w.SharedSink*p.SharedSink)
}

// InsiderScore collapses cluster-level features into [0,1]
func (s *Scorer) InsiderScore(f models.InsiderFeatures) float64 {
	w := s.cfg.Weights.Insider
	return round4(w.PrePumpAccumulation*f.PrePumpAccumulation +
		w.EarlyClusterShare*f.EarlyClusterShare +
		w.SynchronizedExit*f.SynchronizedExit +
		w.SharedFunder*f.SharedFunder +
		w.SharedSink*f.SharedSink)
}

// LinkConfidence maps the three link components onto a 0-100 scale
func (s *Scorer) LinkConfidence(deterministic, crossSource, temporal float64) float64 {
	w := s.cfg.Weights.Link
	v := 100 * (w.DeterministicStrength*deterministic +
		w.CrossSourceAgreement*crossSource +
		w.TemporalStability*temporal)
	return round4(math.Min(100, math.Max(0, v)))
}

// ScoredPair is a pair with its computed relation score attached
type ScoredPair struct {
	models.PairFeatures
	Score float64 `json:"score"`
}

// ScorePairs scores every candidate pair. Every endpoint must have
// extracted features in the wallets map or the whole batch fails with
// ErrIncompleteFeature naming the missing wallet.
func (s *Scorer) ScorePairs(wallets map[string]models.WalletFeatures, pairs []models.PairFeatures) ([]ScoredPair, error) {
	out := make([]ScoredPair, 0, len(pairs))
	for _, p := range pairs {
		for _, id := range []string{p.A, p.B} {
			if _, ok := wallets[id]; !ok {
				return nil, fmt.Errorf("%w: %s", ErrIncompleteFeature, id)
			}
		}
		out = append(out, ScoredPair{PairFeatures: p, Score: s.RelationScore(p)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].A != out[j].A {
			return out[i].A < out[j].A
		}
		return out[i].B < out[j].B
	})
	return out, nil
}

// BuildClusters groups wallets connected by pairs at or above the
// suspected-relation threshold and scores each resulting cluster.
// chain and lpUSD select the calibration bucket; the resolved threshold
// provenance is recorded on every cluster.
func (s *Scorer) BuildClusters(snap *graph.Snapshot, wallets map[string]models.WalletFeatures, pairs []models.PairFeatures, chain string, lpUSD float64) ([]models.Cluster, error) {
	thresholds, provenance := s.cfg.ThresholdsFor(chain, lpUSD)

	scored, err := s.ScorePairs(wallets, pairs)
	if err != nil {
		return nil, err
	}

	uf := newUnionFind()
	linked := make([]ScoredPair, 0, len(scored))
	for _, p := range scored {
		if p.Score < thresholds.RelationSuspected {
			continue
		}
		// Infrastructure never joins a cluster, whatever the score says.
		if snap.IsInfrastructure(p.A) || snap.IsInfrastructure(p.B) {
			continue
		}
		uf.union(p.A, p.B)
		linked = append(linked, p)
	}

	pairsByMember := make(map[string][]ScoredPair)
	for _, p := range linked {
		pairsByMember[p.A] = append(pairsByMember[p.A], p)
	}

	var clusters []models.Cluster
	for _, members := range uf.components() {
		if len(members) < 2 {
			continue
		}
		c := s.scoreCluster(snap, members, wallets, pairsByMember, thresholds, provenance)
		clusters = append(clusters, c)
		s.log.Debug().
			Str("cluster", c.ID).
			Int("members", len(c.Members)).
			Float64("relation", c.RelationScore).
			Float64("insider", c.InsiderScore).
			Str("label", c.RelationLabel).
			Bool("demoted", c.Demoted).
			Msg("cluster scored")
	}
	return clusters, nil
}

func (s *Scorer) scoreCluster(snap *graph.Snapshot, members []string, wallets map[string]models.WalletFeatures, pairsByMember map[string][]ScoredPair, thresholds config.Thresholds, provenance string) models.Cluster {
	inCluster := make(map[string]bool, len(members))
	for _, m := range members {
		inCluster[m] = true
	}
	memberFeatures := make([]models.WalletFeatures, 0, len(members))
	for _, m := range members {
		memberFeatures = append(memberFeatures, wallets[m])
	}
	var clusterPairs []ScoredPair
	for _, m := range members {
		for _, p := range pairsByMember[m] {
			if inCluster[p.A] && inCluster[p.B] {
				clusterPairs = append(clusterPairs, p)
			}
		}
	}

	relation := meanPairScore(clusterPairs)
	rawPairs := make([]models.PairFeatures, len(clusterPairs))
	for i, p := range clusterPairs {
		rawPairs[i] = p.PairFeatures
	}
	insiderFeatures := s.ex.InsiderFeatures(memberFeatures, rawPairs)
	insider := s.InsiderScore(insiderFeatures)

	signals := buildSignals(clusterPairs)
	det, heur := 0, 0
	for _, sig := range signals {
		if sig.Tier == models.SignalDeterministic {
			det++
		} else {
			heur++
		}
	}

	linkConf := s.LinkConfidence(linkComponents(signals, clusterPairs))
	if provenance == "default" && linkConf >= thresholds.LinkHigh {
		// Uncalibrated thresholds never report a high-band confidence.
		linkConf = thresholds.LinkHigh - 0.0001
	}

	isInfra := func(id string) bool { return snap.IsInfrastructure(id) }
	alternatives := EvaluateFalsePositives(memberFeatures, insiderFeatures, isInfra)
	altNames := make([]string, 0, len(alternatives))
	for _, a := range alternatives {
		altNames = append(altNames, a.Name)
	}
	demoted := len(alternatives) > 0

	relationLabel := relationLabelFor(relation, det, heur, thresholds)
	insiderLabel := insiderLabelFor(insider, thresholds)
	if demoted {
		relationLabel = demoteRelation(relationLabel)
		insiderLabel = demoteInsider(insiderLabel)
	}

	var eids []int64
	for _, m := range memberFeatures {
		eids = append(eids, m.EvidenceEIDs...)
	}
	for _, p := range clusterPairs {
		eids = append(eids, p.EvidenceEIDs...)
	}

	return models.Cluster{
		ID:                      uuid.New().String(),
		Members:                 members,
		RelationScore:           relation,
		InsiderScore:            insider,
		LinkConfidence:          linkConf,
		RelationLabel:           relationLabel,
		InsiderLabel:            insiderLabel,
		Signals:                 signals,
		DeterministicSignals:    det,
		HeuristicSignals:        heur,
		AlternativeExplanations: altNames,
		Demoted:                 demoted,
		EvidenceEIDs:            dedupeEIDs(eids),
		ThresholdProvenance:     provenance,
	}
}

// buildSignals partitions the cluster's pair evidence into tiered
// signals. Deterministic signals anchor to a shared funding transaction
// or a shared final-destination address and are deduplicated on that
// anchor; heuristic signals are cluster-level aggregates.
func buildSignals(pairs []ScoredPair) []models.Signal {
	var signals []models.Signal
	seenDet := make(map[string]bool)
	for _, p := range pairs {
		if p.SharedFundTx != "" && p.CoFunder >= 1 {
			key := "shared_first_funder|" + p.SharedFundTx
			if !seenDet[key] {
				seenDet[key] = true
				signals = append(signals, models.Signal{
					Name:         "shared_first_funder",
					Tier:         models.SignalDeterministic,
					Value:        p.CoFunder,
					TxHash:       p.SharedFundTx,
					EvidenceEIDs: p.EvidenceEIDs,
				})
			}
		}
		if p.SharedSinkID != "" && p.SharedSink >= 1 {
			key := "shared_profit_sink|" + p.SharedSinkID
			if !seenDet[key] {
				seenDet[key] = true
				signals = append(signals, models.Signal{
					Name:         "shared_profit_sink",
					Tier:         models.SignalDeterministic,
					Value:        p.SharedSink,
					EvidenceEIDs: p.EvidenceEIDs,
				})
			}
		}
	}
	for name, value := range map[string]float64{
		"synchronized_timing": meanOf(pairs, func(p ScoredPair) float64 { return p.CoTime }),
		"amount_similarity":   meanOf(pairs, func(p ScoredPair) float64 { return p.CoAmount }),
		"synchronized_exit":   meanOf(pairs, func(p ScoredPair) float64 { return p.CoExit }),
	} {
		if value > 0 {
			signals = append(signals, models.Signal{Name: name, Tier: models.SignalHeuristic, Value: round4(value)})
		}
	}
	sort.Slice(signals, func(i, j int) bool {
		if signals[i].Tier != signals[j].Tier {
			return signals[i].Tier == models.SignalDeterministic
		}
		if signals[i].Name != signals[j].Name {
			return signals[i].Name < signals[j].Name
		}
		return signals[i].TxHash < signals[j].TxHash
	})
	return signals
}

// linkComponents derives the three link-confidence inputs from a
// cluster's signals and pairs.
func linkComponents(signals []models.Signal, pairs []ScoredPair) (deterministic, crossSource, temporal float64) {
	var detSum float64
	detN := 0
	for _, sig := range signals {
		if sig.Tier == models.SignalDeterministic {
			detSum += sig.Value
			detN++
		}
	}
	if detN > 0 {
		deterministic = detSum / float64(detN)
	}
	// Cross-source agreement: fraction of feature channels independently
	// above the halfway mark, averaged across pairs.
	if len(pairs) > 0 {
		var agree float64
		for _, p := range pairs {
			n := 0
			for _, v := range []float64{p.CoFunder, p.CoTime, p.CoAmount, p.CoExit, p.SharedSink} {
				if v >= 0.5 {
					n++
				}
			}
			agree += float64(n) / 5
		}
		crossSource = agree / float64(len(pairs))
	}
	temporal = meanOf(pairs, func(p ScoredPair) float64 { return p.CoTime })
	return deterministic, crossSource, temporal
}

// relationLabelFor applies the tiering invariant: the strongest label
// requires at least one deterministic signal and two heuristic signals
// in addition to clearing the score threshold.
func relationLabelFor(score float64, det, heur int, t config.Thresholds) string {
	switch {
	case score >= t.RelationStrong && det >= 1 && heur >= 2:
		return models.RelationHighConfidence
	case score >= t.RelationSuspected:
		return models.RelationSuspected
	default:
		return models.RelationWeak
	}
}

func insiderLabelFor(score float64, t config.Thresholds) string {
	switch {
	case score >= t.InsiderHigh:
		return models.InsiderHighProbability
	case score >= t.InsiderSuspected:
		return models.InsiderSuspected
	default:
		return models.InsiderInsufficient
	}
}

// demoteRelation drops a relation label one tier
func demoteRelation(label string) string {
	switch label {
	case models.RelationHighConfidence:
		return models.RelationSuspected
	case models.RelationSuspected:
		return models.RelationWeak
	default:
		return label
	}
}

func demoteInsider(label string) string {
	switch label {
	case models.InsiderHighProbability:
		return models.InsiderSuspected
	case models.InsiderSuspected:
		return models.InsiderInsufficient
	default:
		return label
	}
}

func meanPairScore(pairs []ScoredPair) float64 {
	if len(pairs) == 0 {
		return 0
	}
	var sum float64
	for _, p := range pairs {
		sum += p.Score
	}
	return round4(sum / float64(len(pairs)))
}

func meanOf(pairs []ScoredPair, f func(ScoredPair) float64) float64 {
	if len(pairs) == 0 {
		return 0
	}
	var sum float64
	for _, p := range pairs {
		sum += f(p)
	}
	return sum / float64(len(pairs))
}

func dedupeEIDs(eids []int64) []int64 {
	seen := make(map[int64]bool, len(eids))
	out := make([]int64, 0, len(eids))
	for _, e := range eids {
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
