package features

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rawblock/chaintrace-engine/internal/config"
	"github.com/rawblock/chaintrace-engine/internal/graph"
	"github.com/rawblock/chaintrace-engine/internal/ledger"
	"github.com/rawblock/chaintrace-engine/pkg/models"
)

var announce = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fixture wires a funder, two coordinated wallets and a shared sink
// through the ledger and graph, returning the snapshot for extraction.
type fixture struct {
	led  *ledger.Ledger
	g    *graph.Graph
	next int
}

func newFixture() *fixture {
	return &fixture{led: ledger.New(zerolog.Nop()), g: graph.New(config.Denylist{})}
}

func (fx *fixture) transfer(t *testing.T, from, to string, edgeType models.EdgeType, amount float64, at time.Time, hint string) {
	t.Helper()
	fx.next++
	fromID := graph.EntityID(models.EntityWallet, from)
	toID := graph.EntityID(models.EntityWallet, to)
	eid, err := fx.led.Record(models.Observation{
		SourceURL:   "https://scan.example/tx",
		FetchedAt:   at,
		Kind:        models.KindTransfer,
		Tier:        models.TierP1,
		PayloadHash: string(rune('a' + fx.next)),
		EntityRefs:  []string{fromID, toID},
		Payload: models.ObservationPayload{Transfer: &models.TransferPayload{
			Chain: "bsc", TxHash: "0xtx" + from + to, From: from, To: to,
			Amount: amount, BlockTime: at, Hint: hint,
		}},
	})
	if err != nil {
		t.Fatalf("record transfer: %v", err)
	}
	fx.g.UpsertEntity(models.EntityWallet, from, at)
	fx.g.UpsertEntity(models.EntityWallet, to, at)
	fx.g.UpsertEdge(fromID, toID, edgeType, eid)
}

func TestWalletFeatures_FirstFunderAndSink(t *testing.T) {
	fx := newFixture()
	w1 := graph.EntityID(models.EntityWallet, "0xW1")

	fx.transfer(t, "0xW0", "0xW1", models.EdgeFunding, 100, announce.Add(-2*time.Hour), "")
	fx.transfer(t, "0xOTHER", "0xW1", models.EdgeTransfer, 10, announce.Add(-time.Hour), "")
	fx.transfer(t, "0xW1", "0xPOOL", models.EdgeTrade, 50, announce.Add(5*time.Minute), "")
	fx.transfer(t, "0xW1", "0xS1", models.EdgeExit, 80, announce.Add(40*time.Minute), "")
	fx.transfer(t, "0xW1", "0xS2", models.EdgeExit, 5, announce.Add(45*time.Minute), "")

	ex := NewExtractor(config.Window{Span: time.Hour, Bucket: 5 * time.Minute})
	f := ex.WalletFeatures(fx.g.Snapshot(), fx.led, w1, announce)

	if f.FirstFunder != graph.EntityID(models.EntityWallet, "0xW0") {
		t.Errorf("first funder = %s, want wallet|0xW0", f.FirstFunder)
	}
	if f.FirstFundTx == "" {
		t.Error("first funding must carry its tx hash for the deterministic signal")
	}
	if f.ProfitSink != graph.EntityID(models.EntityWallet, "0xS1") {
		t.Errorf("profit sink = %s, want wallet|0xS1", f.ProfitSink)
	}
	if f.PreAnnounceIn != 110 {
		t.Errorf("pre-announce inbound = %.0f, want 110", f.PreAnnounceIn)
	}
	if f.DeltaTFirstBuy != 5*time.Minute {
		t.Errorf("delta to first buy = %s, want 5m", f.DeltaTFirstBuy)
	}
	if f.BuyWindows[1] != 1 {
		t.Errorf("buy at +5m must land in bucket 1, got %v", f.BuyWindows)
	}
}

func TestWalletFeatures_Deterministic(t *testing.T) {
	fx := newFixture()
	w1 := graph.EntityID(models.EntityWallet, "0xW1")
	fx.transfer(t, "0xW0", "0xW1", models.EdgeFunding, 100, announce.Add(-time.Hour), "")
	fx.transfer(t, "0xW1", "0xPOOL", models.EdgeTrade, 50, announce.Add(10*time.Minute), "")

	ex := NewExtractor(config.Window{Span: time.Hour, Bucket: 5 * time.Minute})
	snap := fx.g.Snapshot()

	f1 := ex.WalletFeatures(snap, fx.led, w1, announce)
	f2 := ex.WalletFeatures(snap, fx.led, w1, announce)

	if f1.FirstFunder != f2.FirstFunder || f1.TotalInbound != f2.TotalInbound ||
		f1.FirstBuyAmount != f2.FirstBuyAmount || len(f1.EvidenceEIDs) != len(f2.EvidenceEIDs) {
		t.Error("extraction must be deterministic over the same snapshot")
	}
}

func TestPairFeatures_Symmetric(t *testing.T) {
	fx := newFixture()
	a := graph.EntityID(models.EntityWallet, "0xA")
	b := graph.EntityID(models.EntityWallet, "0xB")

	fx.transfer(t, "0xW0", "0xA", models.EdgeFunding, 100, announce.Add(-time.Hour), "")
	fx.transfer(t, "0xW0", "0xB", models.EdgeFunding, 100, announce.Add(-time.Hour+time.Minute), "")
	fx.transfer(t, "0xA", "0xPOOL", models.EdgeTrade, 50, announce.Add(5*time.Minute), "")
	fx.transfer(t, "0xB", "0xPOOL", models.EdgeTrade, 52, announce.Add(7*time.Minute), "")
	fx.transfer(t, "0xA", "0xS1", models.EdgeExit, 90, announce.Add(40*time.Minute), "")
	fx.transfer(t, "0xB", "0xS1", models.EdgeExit, 95, announce.Add(42*time.Minute), "")

	ex := NewExtractor(config.Window{Span: time.Hour, Bucket: 5 * time.Minute})
	snap := fx.g.Snapshot()
	fa := ex.WalletFeatures(snap, fx.led, a, announce)
	fb := ex.WalletFeatures(snap, fx.led, b, announce)

	p1 := ex.PairFeatures(snap, fa, fb)
	p2 := ex.PairFeatures(snap, fb, fa)

	if p1.CoFunder != p2.CoFunder || p1.CoTime != p2.CoTime || p1.CoAmount != p2.CoAmount ||
		p1.CoExit != p2.CoExit || p1.SharedSink != p2.SharedSink {
		t.Errorf("pair features must be symmetric: %+v vs %+v", p1, p2)
	}

	if p1.CoFunder != 1.0 {
		t.Errorf("shared first funder must give co_funder 1.0, got %.2f", p1.CoFunder)
	}
	if p1.SharedFundTx == "" {
		t.Error("deterministic co_funder must carry the anchoring tx hash")
	}
	if p1.SharedSink != 1.0 {
		t.Errorf("same profit sink must give shared_sink 1.0, got %.2f", p1.SharedSink)
	}
	if p1.CoTime <= 0.9 {
		t.Errorf("buys 2 minutes apart in a 1h window must score high co_time, got %.3f", p1.CoTime)
	}
	if p1.CoAmount <= 0.9 {
		t.Errorf("near-identical amounts must score high co_amount, got %.3f", p1.CoAmount)
	}
}

func TestPairFeatures_MissingInputsDefaultToZero(t *testing.T) {
	fx := newFixture()
	fx.g.UpsertEntity(models.EntityWallet, "0xA", time.Time{})
	fx.g.UpsertEntity(models.EntityWallet, "0xB", time.Time{})
	a := graph.EntityID(models.EntityWallet, "0xA")
	b := graph.EntityID(models.EntityWallet, "0xB")

	ex := NewExtractor(config.Window{Span: time.Hour, Bucket: 5 * time.Minute})
	snap := fx.g.Snapshot()
	p := ex.PairFeatures(snap, ex.WalletFeatures(snap, fx.led, a, announce), ex.WalletFeatures(snap, fx.led, b, announce))

	if p.CoFunder != 0 || p.CoTime != 0 || p.CoAmount != 0 || p.CoExit != 0 || p.SharedSink != 0 {
		t.Errorf("wallets with no observations must score all-zero features, got %+v", p)
	}
}

func TestInsiderFeatures_SynchronizedExit(t *testing.T) {
	ex := NewExtractor(config.Window{Span: time.Hour, Bucket: 5 * time.Minute})

	sell := make([]int, 12)
	sell[8] = 3
	members := []models.WalletFeatures{
		{EntityID: "a", SellWindows: sell, TotalInbound: 100, PreAnnounceIn: 80},
		{EntityID: "b", SellWindows: sell, TotalInbound: 100, PreAnnounceIn: 90},
	}
	pairs := []models.PairFeatures{{A: "a", B: "b", CoFunder: 1.0, SharedSink: 1.0}}

	f := ex.InsiderFeatures(members, pairs)
	if f.SynchronizedExit != 1.0 {
		t.Errorf("all sells in one bucket must give synchronized_exit 1.0, got %.2f", f.SynchronizedExit)
	}
	if f.PrePumpAccumulation != 0.85 {
		t.Errorf("pre_pump_accumulation = %.2f, want 0.85", f.PrePumpAccumulation)
	}
	if f.SharedFunder != 1.0 || f.SharedSink != 1.0 {
		t.Errorf("pairwise agreement must carry through, got %+v", f)
	}
}

func TestExtractAll_SkipsInfrastructure(t *testing.T) {
	led := ledger.New(zerolog.Nop())
	g := graph.New(config.Denylist{Addresses: map[string]string{"0xrouter": "router"}})
	g.UpsertEntity(models.EntityWallet, "0xA", time.Time{})
	g.UpsertEntity(models.EntityWallet, "0xrouter", time.Time{})

	ex := NewExtractor(config.Window{Span: time.Hour, Bucket: 5 * time.Minute})
	feats, _, err := ex.ExtractAll(context.Background(), g.Snapshot(), led, announce)
	if err != nil {
		t.Fatalf("ExtractAll: %v", err)
	}
	if _, ok := feats[graph.EntityID(models.EntityWallet, "0xrouter")]; ok {
		t.Error("infrastructure wallets must be excluded from extraction")
	}
	if _, ok := feats[graph.EntityID(models.EntityWallet, "0xA")]; !ok {
		t.Error("plain wallets must be extracted")
	}
}

func TestDetectSuspiciousHolders(t *testing.T) {
	cfg := config.Holder{MinSuspiciousPct: 1.0, MinGasBalance: 0.005}
	holders := []models.HolderPayload{
		{Address: "0xH6", BalancePct: 1.22, TxCount: 0, GasBalance: 0.001},
		{Address: "0xH3", BalancePct: 1.63, TxCount: 1, GasBalance: 0.002},
		{Address: "0xOK", BalancePct: 0.2, TxCount: 50, GasBalance: 1.5},
	}

	findings := DetectSuspiciousHolders(holders, cfg)
	if len(findings) != 2 {
		t.Fatalf("expected 2 suspicious holders, got %d", len(findings))
	}
	// Zero-tx holder outranks single-tx holder.
	if findings[0].Address != "0xH6" {
		t.Errorf("highest risk should be the zero-tx holder, got %s", findings[0].Address)
	}
	if findings[0].RiskScore != 60 { // 40 zero-tx + 20 gas
		t.Errorf("zero-tx holder risk = %d, want 60", findings[0].RiskScore)
	}
}
