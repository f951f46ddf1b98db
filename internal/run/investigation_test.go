package run

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rawblock/chaintrace-engine/internal/config"
	"github.com/rawblock/chaintrace-engine/internal/gate"
	"github.com/rawblock/chaintrace-engine/internal/ledger"
	"github.com/rawblock/chaintrace-engine/internal/normalize"
	"github.com/rawblock/chaintrace-engine/pkg/models"
)

var announce = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func addr(i int) string {
	return fmt.Sprintf("0x%040x", i)
}

func txhash(i int) string {
	return fmt.Sprintf("0x%064x", i)
}

func newRun(t *testing.T) *Investigation {
	t.Helper()
	m, err := NewManager(config.Default(), zerolog.Nop())
	require.NoError(t, err)
	inv, err := m.Start(Params{Chain: "bsc", Asset: "TOKEN", Announce: announce, LPUSD: 50_000})
	require.NoError(t, err)
	return inv
}

func ingestTransfer(t *testing.T, inv *Investigation, seq int, at time.Time, from, to, hint string, amount float64) int64 {
	t.Helper()
	obs, err := normalize.Transfer(
		fmt.Sprintf("https://bscscan.com/tx/%d", seq),
		at.Add(time.Second), // fetched just after the block
		models.TierP1,
		models.TransferPayload{
			Chain: "bsc", TxHash: txhash(seq), From: from, To: to,
			Asset: "TOKEN", Amount: amount, BlockTime: at, Hint: hint,
		})
	require.NoError(t, err)
	eid, err := inv.Ingest(obs)
	require.NoError(t, err)
	return eid
}

// seedRing funds four wallets from one source, has them buy in the same
// window, and exits them all to one sink.
func seedRing(t *testing.T, inv *Investigation) {
	t.Helper()
	funder, pair, sink := addr(100), addr(200), addr(300)
	seq := 0
	for i := 1; i <= 4; i++ {
		w := addr(i)
		seq++
		ingestTransfer(t, inv, seq, announce.Add(-30*time.Minute), funder, w, "funding", 1000)
		seq++
		ingestTransfer(t, inv, seq, announce.Add(time.Duration(i)*time.Minute), w, pair, "trade", 500+float64(i))
		seq++
		ingestTransfer(t, inv, seq, announce.Add(40*time.Minute+time.Duration(i)*time.Minute), w, sink, "exit", 700)
	}
}

func TestIngestIsIdempotent(t *testing.T) {
	inv := newRun(t)
	obs, err := normalize.Transfer("https://bscscan.com/tx/1", announce, models.TierP1, models.TransferPayload{
		Chain: "bsc", TxHash: txhash(1), From: addr(1), To: addr(2),
		Asset: "TOKEN", Amount: 10, BlockTime: announce.Add(-time.Minute),
	})
	require.NoError(t, err)

	eid1, err := inv.Ingest(obs)
	require.NoError(t, err)
	eid2, err := inv.Ingest(obs)
	require.NoError(t, err)
	assert.Equal(t, eid1, eid2)
	assert.Equal(t, 1, inv.Ledger().Size())
}

func TestIngestRejectsKindPayloadMismatch(t *testing.T) {
	inv := newRun(t)

	// Kind names a transfer but the payload carries no sub-record.
	_, err := inv.Ingest(models.Observation{
		SourceURL:   "https://scan.example/tx/0xbad",
		FetchedAt:   announce,
		Kind:        models.KindTransfer,
		Tier:        models.TierP1,
		PayloadHash: "deadbeef",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrDataIntegrity)
	assert.Equal(t, 0, inv.Ledger().Size(), "malformed observations must not be recorded")
}

func TestRecomputeFindsCoordinatedCluster(t *testing.T) {
	inv := newRun(t)
	seedRing(t, inv)

	clusters, err := inv.Recompute(context.Background())
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Len(t, clusters[0].Members, 4)
	assert.GreaterOrEqual(t, clusters[0].RelationScore, 0.55)
	assert.NotEmpty(t, clusters[0].EvidenceEIDs, "zero-evidence clusters are illegal")

	got, err := inv.Cluster(clusters[0].ID)
	require.NoError(t, err)
	assert.Equal(t, clusters[0].ID, got.ID)

	_, err = inv.Cluster("missing")
	assert.ErrorIs(t, err, ErrClusterNotFound)
}

func TestRecomputeDiscardsStaleClusters(t *testing.T) {
	inv := newRun(t)
	seedRing(t, inv)

	first, err := inv.Recompute(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := inv.Recompute(context.Background())
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.NotEqual(t, first[0].ID, second[0].ID, "clusters are rebuilt, not patched")
	assert.ElementsMatch(t, first[0].Members, second[0].Members)
}

func ingestHolder(t *testing.T, inv *Investigation, seq int, p models.HolderPayload) {
	t.Helper()
	obs, err := normalize.HolderSnapshot(
		fmt.Sprintf("https://bscscan.com/token/holders/%d", seq),
		p.SnapshotAt.Add(time.Second), models.TierP1, p)
	require.NoError(t, err)
	_, err = inv.Ingest(obs)
	require.NoError(t, err)
}

func TestHolderFindingsFlagPreSeededWallets(t *testing.T) {
	inv := newRun(t)

	// Pre-seeded allocation: never moved, cannot even pay for gas.
	ingestHolder(t, inv, 1, models.HolderPayload{
		Chain: "bsc", Address: addr(10), BalancePct: 5.0,
		TxCount: 0, GasBalance: 0, SnapshotAt: announce,
	})
	// Organic holder: active, funded, small share.
	ingestHolder(t, inv, 2, models.HolderPayload{
		Chain: "bsc", Address: addr(11), BalancePct: 0.1,
		TxCount: 50, GasBalance: 1.0, SnapshotAt: announce,
	})

	findings := inv.HolderFindings()
	require.Len(t, findings, 1)
	assert.Equal(t, addr(10), findings[0].Address)
	assert.GreaterOrEqual(t, findings[0].RiskScore, 60)
}

func TestHolderFindingsUseLatestSnapshot(t *testing.T) {
	inv := newRun(t)

	ingestHolder(t, inv, 1, models.HolderPayload{
		Chain: "bsc", Address: addr(10), BalancePct: 5.0,
		TxCount: 0, GasBalance: 0, SnapshotAt: announce,
	})
	// A later snapshot shows the wallet woke up and holds almost nothing.
	ingestHolder(t, inv, 2, models.HolderPayload{
		Chain: "bsc", Address: addr(10), BalancePct: 0.2,
		TxCount: 40, GasBalance: 0.5, SnapshotAt: announce.Add(time.Hour),
	})

	assert.Empty(t, inv.HolderFindings(), "stale snapshot rows must not drive findings")
}

func TestShadowCompareMatchingTableAgrees(t *testing.T) {
	inv := newRun(t)
	seedRing(t, inv)

	// Candidate repeats the default cuts, so membership cannot move.
	candidate := map[string]config.Thresholds{
		config.BucketKey("bsc", 50_000): config.Default().Thresholds,
	}
	res, err := inv.ShadowCompare(context.Background(), candidate)
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.ARI)
	assert.False(t, res.Diverged)
	assert.Equal(t, res.LiveClusters, res.CandidateClusters)
}

func TestShadowCompareDetectsDivergentCandidate(t *testing.T) {
	inv := newRun(t)
	seedRing(t, inv)

	// Two wallets share a funder but little else: spread buys, unequal
	// amounts, no common exit. Their pair scores around 0.38, under the
	// live suspected cut but over a loosened candidate one.
	funder2 := addr(400)
	ingestTransfer(t, inv, 50, announce.Add(-30*time.Minute), funder2, addr(5), "funding", 1000)
	ingestTransfer(t, inv, 51, announce.Add(-30*time.Minute), funder2, addr(6), "funding", 1000)
	ingestTransfer(t, inv, 52, announce.Add(5*time.Minute), addr(5), addr(200), "trade", 100)
	ingestTransfer(t, inv, 53, announce.Add(45*time.Minute), addr(6), addr(200), "trade", 900)

	loose := config.Default().Thresholds
	loose.RelationSuspected = 0.35
	candidate := map[string]config.Thresholds{
		config.BucketKey("bsc", 50_000): loose,
	}

	res, err := inv.ShadowCompare(context.Background(), candidate)
	require.NoError(t, err)
	assert.Equal(t, 1, res.LiveClusters)
	assert.Equal(t, 2, res.CandidateClusters, "loosened cut should admit the weak pair")
	assert.Less(t, res.ARI, 1.0)
	assert.True(t, res.Diverged)
}

func TestShadowCompareRejectsInvalidTable(t *testing.T) {
	inv := newRun(t)
	seedRing(t, inv)

	bad := config.Default().Thresholds
	bad.RelationSuspected = bad.RelationStrong // ordering violation
	_, err := inv.ShadowCompare(context.Background(), map[string]config.Thresholds{
		config.BucketKey("bsc", 50_000): bad,
	})
	assert.Error(t, err)
}

func TestStatementIngestDrivesClaims(t *testing.T) {
	inv := newRun(t)

	ingest := func(seq int, claimID, statement string, tier models.EvidenceTier, asserts bool) {
		obs, err := normalize.Statement(
			fmt.Sprintf("https://source.example/%d", seq), announce.Add(time.Duration(seq)*time.Second), tier,
			models.StatementPayload{ClaimID: claimID, Statement: statement, Asserts: asserts})
		require.NoError(t, err)
		_, err = inv.Ingest(obs)
		require.NoError(t, err)
	}

	ingest(1, "ca-0xabc", "0xABC is the canonical contract", models.TierP1, true)
	ingest(2, "ca-0xabc", "team says nothing launched yet", models.TierP0, false)

	matrix := inv.ClaimMatrix()
	require.Len(t, matrix, 1)
	assert.Equal(t, models.ClaimContradicted, matrix[0].Status)
	assert.Equal(t, models.ClaimCanonicalAddress, matrix[0].Kind)

	log := inv.ContradictionLog()
	require.Len(t, log, 1)
	assert.Equal(t, "ca-0xabc", log[0].ClaimID)
}

func TestTimelineAnchorsContradictionsToEvidence(t *testing.T) {
	inv := newRun(t)

	ingest := func(seq int, asserts bool) {
		obs, err := normalize.Statement(
			fmt.Sprintf("https://source.example/%d", seq),
			announce.Add(time.Duration(seq)*time.Second), models.TierP1,
			models.StatementPayload{ClaimID: "ca-0xabc", Statement: fmt.Sprintf("statement %d", seq), Asserts: asserts})
		require.NoError(t, err)
		_, err = inv.Ingest(obs)
		require.NoError(t, err)
	}
	ingest(1, true)
	ingest(2, false)
	// The ring happens well after the conflicting statements.
	seedRing(t, inv)

	timeline := inv.Timeline()
	idx := -1
	for i, ev := range timeline {
		if ev.Kind == "contradiction" {
			idx = i
			assert.True(t, ev.At.Equal(announce.Add(2*time.Second)),
				"contradiction must sit at its newest conflicting observation, got %s", ev.At)
		}
	}
	require.NotEqual(t, -1, idx, "contradiction event missing from timeline")
	assert.Less(t, idx, len(timeline)-1, "contradiction must not trail the whole timeline")
}

func TestTimelineTurningPoints(t *testing.T) {
	inv := newRun(t)
	seedRing(t, inv)

	timeline := inv.Timeline()
	require.NotEmpty(t, timeline)

	turning := 0
	kinds := make(map[string]int)
	for _, ev := range timeline {
		if ev.TurningPoint {
			turning++
			kinds[ev.Kind]++
		}
	}
	assert.Equal(t, 3, turning, "first funding, first trade, first exit")
	assert.Equal(t, 1, kinds["funding"])
	assert.Equal(t, 1, kinds["trade"])
	assert.Equal(t, 1, kinds["exit"])

	for i := 1; i < len(timeline); i++ {
		assert.False(t, timeline[i].At.Before(timeline[i-1].At), "timeline must be chronological")
	}
}

func TestCheckCompleteness(t *testing.T) {
	inv := newRun(t)
	seedRing(t, inv)
	_, err := inv.Recompute(context.Background())
	require.NoError(t, err)

	res := inv.CheckCompleteness()
	require.False(t, res.Complete)
	assert.NotEmpty(t, res.Reasons)

	// Cover the remaining domains and questions.
	holderObs, err := normalize.HolderSnapshot("https://bscscan.com/token/x", announce, models.TierP1, models.HolderPayload{
		Chain: "bsc", Address: addr(1), Balance: 10, BalancePct: 2, SnapshotAt: announce,
	})
	require.NoError(t, err)
	_, err = inv.Ingest(holderObs)
	require.NoError(t, err)

	socialObs, err := normalize.SocialPost("https://x.com/team/status/9", announce, models.TierP2, models.SocialPayload{
		Platform: "twitter", Handle: "team", PostID: "9", Text: "launch", PostedAt: announce,
	})
	require.NoError(t, err)
	_, err = inv.Ingest(socialObs)
	require.NoError(t, err)

	domainObs, err := normalize.DomainRecord("https://whois.example/token.site", announce, models.TierP2, models.DomainPayload{
		Domain: "token.site",
	})
	require.NoError(t, err)
	_, err = inv.Ingest(domainObs)
	require.NoError(t, err)

	caObs, err := normalize.Statement("https://project.example/blog", announce, models.TierP0, models.StatementPayload{
		ClaimID: "ca-0xabc", Statement: "0xABC is the contract", Asserts: true,
	})
	require.NoError(t, err)
	_, err = inv.Ingest(caObs)
	require.NoError(t, err)

	coopObs, err := normalize.Statement("https://partner.example/pr", announce, models.TierP1, models.StatementPayload{
		ClaimID: "coop-partner", Statement: "X cooperates with Y", Asserts: true,
	})
	require.NoError(t, err)
	_, err = inv.Ingest(coopObs)
	require.NoError(t, err)

	inv.MarkDomainUnknown(gate.DomainContradictions)
	inv.AddHeadline(gate.Headline{Statement: "ring controls early supply", EvidenceEIDs: []int64{1, 2}})

	res = inv.CheckCompleteness()
	assert.True(t, res.Complete, "reasons: %v", res.Reasons)
}

func TestManagerGetAndList(t *testing.T) {
	m, err := NewManager(config.Default(), zerolog.Nop())
	require.NoError(t, err)

	a, err := m.Start(Params{Chain: "bsc", Asset: "A"})
	require.NoError(t, err)
	_, err = m.Start(Params{Chain: "eth", Asset: "B"})
	require.NoError(t, err)

	got, err := m.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, "A", got.Params.Asset)

	_, err = m.Get("nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.Len(t, m.List(), 2)
}
