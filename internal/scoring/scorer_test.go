package scoring

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rawblock/chaintrace-engine/internal/config"
	"github.com/rawblock/chaintrace-engine/internal/features"
	"github.com/rawblock/chaintrace-engine/internal/graph"
	"github.com/rawblock/chaintrace-engine/pkg/models"
)

func newTestScorer(t *testing.T, cfg *config.Config) *Scorer {
	t.Helper()
	ex := features.NewExtractor(cfg.Window)
	s, err := NewScorer(cfg, ex, zerolog.Nop())
	require.NoError(t, err)
	return s
}

// ringFixture builds four wallets funded from one source, buying in the
// same window with near-identical amounts, all exiting to one sink.
func ringFixture(t *testing.T) (*graph.Snapshot, map[string]models.WalletFeatures, []models.PairFeatures) {
	t.Helper()
	cfg := config.Default()
	g := graph.New(cfg.Denylist)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	funder := g.UpsertEntity(models.EntityWallet, "0xW0", base.Add(-time.Hour))
	sink := g.UpsertEntity(models.EntityWallet, "0xS1", base)
	ids := make([]string, 0, 4)
	for _, key := range []string{"0xW1", "0xW2", "0xW3", "0xW4"} {
		e := g.UpsertEntity(models.EntityWallet, key, base)
		ids = append(ids, e.ID)
	}

	wallets := make(map[string]models.WalletFeatures, 4)
	for i, id := range ids {
		wallets[id] = models.WalletFeatures{
			EntityID:       id,
			FirstFunder:    funder.ID,
			FirstFundTime:  base.Add(-30 * time.Minute),
			FirstFundTx:    "0xfundtx",
			FirstBuyTime:   base.Add(time.Duration(i) * time.Minute),
			FirstBuyAmount: 100 + float64(i),
			TotalInbound:   1000,
			TotalOutbound:  400,
			PreAnnounceIn:  800,
			BuyWindows:     []int{0, 0, 0, 0, 0, 0, 4, 0, 0, 0, 0, 0},
			SellWindows:    []int{0, 0, 0, 0, 0, 0, 0, 0, 0, 4, 0, 0},
			ProfitSink:     sink.ID,
			ProfitSinkTx:   "0xexittx",
			EvidenceEIDs:   []int64{int64(i + 1)},
		}
	}

	var pairs []models.PairFeatures
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			pairs = append(pairs, models.PairFeatures{
				A: ids[i], B: ids[j],
				CoFunder: 1.0, SharedFunder: funder.ID, SharedFundTx: "0xfundtx",
				CoTime: 0.95, CoAmount: 0.92, CoExit: 0.9,
				SharedSink: 1.0, SharedSinkID: sink.ID,
				EvidenceEIDs: []int64{int64(i + 1), int64(j + 1)},
			})
		}
	}
	return g.Snapshot(), wallets, pairs
}

func TestNewScorerRejectsInvalidWeights(t *testing.T) {
	cfg := config.Default()
	cfg.Weights.Relation.CoFunder = 0.9
	_, err := NewScorer(cfg, features.NewExtractor(cfg.Window), zerolog.Nop())
	assert.ErrorIs(t, err, config.ErrInvalidWeightConfiguration)
}

func TestRelationScoreWeightedSum(t *testing.T) {
	s := newTestScorer(t, config.Default())
	p := models.PairFeatures{CoFunder: 1.0, CoTime: 0.5, CoAmount: 0.4, CoExit: 0.2, SharedSink: 1.0}
	// 0.30*1 + 0.20*0.5 + 0.15*0.4 + 0.20*0.2 + 0.15*1 = 0.65
	assert.InDelta(t, 0.65, s.RelationScore(p), 1e-9)
}

func TestInsiderScoreWeightedSum(t *testing.T) {
	s := newTestScorer(t, config.Default())
	f := models.InsiderFeatures{PrePumpAccumulation: 0.8, EarlyClusterShare: 1.0, SynchronizedExit: 1.0, SharedFunder: 1.0, SharedSink: 1.0}
	// 0.25*0.8 + 0.20 + 0.20 + 0.20 + 0.15 = 0.95
	assert.InDelta(t, 0.95, s.InsiderScore(f), 1e-9)
}

func TestScorePairsIncompleteFeatures(t *testing.T) {
	s := newTestScorer(t, config.Default())
	wallets := map[string]models.WalletFeatures{"wallet|0xA": {EntityID: "wallet|0xA"}}
	_, err := s.ScorePairs(wallets, []models.PairFeatures{{A: "wallet|0xA", B: "wallet|0xMissing"}})
	assert.ErrorIs(t, err, ErrIncompleteFeature)
	assert.Contains(t, err.Error(), "0xMissing")
}

func TestBuildClustersCoordinatedRing(t *testing.T) {
	snap, wallets, pairs := ringFixture(t)
	s := newTestScorer(t, config.Default())

	clusters, err := s.BuildClusters(snap, wallets, pairs, "bsc", 50_000)
	require.NoError(t, err)
	require.Len(t, clusters, 1)

	c := clusters[0]
	assert.Len(t, c.Members, 4)
	assert.GreaterOrEqual(t, c.RelationScore, 0.75)
	assert.GreaterOrEqual(t, c.DeterministicSignals, 1)
	assert.GreaterOrEqual(t, c.HeuristicSignals, 2)
	assert.Equal(t, models.RelationHighConfidence, c.RelationLabel)
	assert.False(t, c.Demoted)
	assert.NotEmpty(t, c.EvidenceEIDs)
	assert.Equal(t, "default", c.ThresholdProvenance)

	// The shared funding transaction anchors a deterministic signal.
	found := false
	for _, sig := range c.Signals {
		if sig.Tier == models.SignalDeterministic && sig.TxHash == "0xfundtx" {
			found = true
		}
	}
	assert.True(t, found, "expected a tx-anchored deterministic signal")
}

func TestHighConfidenceRequiresDeterministicSignal(t *testing.T) {
	snap, wallets, pairs := ringFixture(t)
	s := newTestScorer(t, config.Default())

	// Strip the deterministic anchors: scores stay high but nothing is
	// tx-verifiable, so the top label must not be reachable.
	for i := range pairs {
		pairs[i].SharedFundTx = ""
		pairs[i].SharedSinkID = ""
		pairs[i].SharedSink = 0.9
	}
	clusters, err := s.BuildClusters(snap, wallets, pairs, "bsc", 50_000)
	require.NoError(t, err)
	require.Len(t, clusters, 1)

	c := clusters[0]
	assert.Equal(t, 0, c.DeterministicSignals)
	assert.GreaterOrEqual(t, c.RelationScore, 0.75)
	assert.Equal(t, models.RelationSuspected, c.RelationLabel)
}

func TestFalsePositiveDemotion(t *testing.T) {
	snap, wallets, pairs := ringFixture(t)
	s := newTestScorer(t, config.Default())

	// Balanced two-way flow across the ring looks like market making.
	for id, w := range wallets {
		w.TotalInbound = 1000
		w.TotalOutbound = 990
		wallets[id] = w
	}
	clusters, err := s.BuildClusters(snap, wallets, pairs, "bsc", 50_000)
	require.NoError(t, err)
	require.Len(t, clusters, 1)

	c := clusters[0]
	assert.True(t, c.Demoted)
	assert.Contains(t, c.AlternativeExplanations, "market_maker_round_trip")
	assert.Equal(t, models.RelationSuspected, c.RelationLabel)
}

func TestInfrastructureNeverClusters(t *testing.T) {
	cfg := config.Default()
	g := graph.New(cfg.Denylist)
	now := time.Now().UTC()
	router := g.UpsertEntity(models.EntityWallet, "0x10ED43c718714eb63d5aA57B78B54704E256024E", now)
	a := g.UpsertEntity(models.EntityWallet, "0xA", now)
	require.True(t, router.Infrastructure)

	wallets := map[string]models.WalletFeatures{
		a.ID:      {EntityID: a.ID},
		router.ID: {EntityID: router.ID},
	}
	pairs := []models.PairFeatures{{
		A: a.ID, B: router.ID,
		CoFunder: 1.0, CoTime: 1.0, CoAmount: 1.0, CoExit: 1.0, SharedSink: 1.0,
	}}

	s := newTestScorer(t, cfg)
	clusters, err := s.BuildClusters(g.Snapshot(), wallets, pairs, "bsc", 10_000)
	require.NoError(t, err)
	assert.Empty(t, clusters)
}

func TestWeakPairsDoNotLink(t *testing.T) {
	snap, wallets, pairs := ringFixture(t)
	s := newTestScorer(t, config.Default())

	for i := range pairs {
		pairs[i] = models.PairFeatures{A: pairs[i].A, B: pairs[i].B, CoTime: 0.3}
	}
	clusters, err := s.BuildClusters(snap, wallets, pairs, "bsc", 50_000)
	require.NoError(t, err)
	assert.Empty(t, clusters)
}

func TestDefaultProvenanceCapsLinkConfidence(t *testing.T) {
	snap, wallets, pairs := ringFixture(t)
	cfg := config.Default()
	s := newTestScorer(t, cfg)

	clusters, err := s.BuildClusters(snap, wallets, pairs, "bsc", 50_000)
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Less(t, clusters[0].LinkConfidence, cfg.Thresholds.LinkHigh)
}

func TestCalibratedProvenance(t *testing.T) {
	snap, wallets, pairs := ringFixture(t)
	cfg := config.Default()
	cfg.Calibration["bsc:lp_20k_100k"] = cfg.Thresholds
	s := newTestScorer(t, cfg)

	clusters, err := s.BuildClusters(snap, wallets, pairs, "bsc", 50_000)
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Equal(t, "calibrated:bsc:lp_20k_100k", clusters[0].ThresholdProvenance)
}

func TestUnionFindComponents(t *testing.T) {
	uf := newUnionFind()
	uf.union("a", "b")
	uf.union("b", "c")
	uf.union("x", "y")
	uf.find("lone")

	comps := uf.components()
	require.Len(t, comps, 3)
	assert.Equal(t, []string{"a", "b", "c"}, comps[0])
	assert.Equal(t, []string{"x", "y"}, comps[1])
	assert.Equal(t, []string{"lone"}, comps[2])
}

func TestEvaluateFalsePositivesAirdrop(t *testing.T) {
	members := []models.WalletFeatures{
		{EntityID: "w1", TotalInbound: 100},
		{EntityID: "w2", TotalInbound: 100},
		{EntityID: "w3", TotalInbound: 100},
	}
	insider := models.InsiderFeatures{SharedFunder: 1.0}
	alts := EvaluateFalsePositives(members, insider, nil)
	require.NotEmpty(t, alts)
	assert.Equal(t, "airdrop_fan_out", alts[0].Name)
}
