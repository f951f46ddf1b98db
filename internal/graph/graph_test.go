package graph

import (
	"testing"
	"time"

	"github.com/rawblock/chaintrace-engine/internal/config"
	"github.com/rawblock/chaintrace-engine/pkg/models"
)

func testDenylist() config.Denylist {
	return config.Denylist{
		Addresses: map[string]string{
			"0x10ed43c718714eb63d5aa57b78b54704e256024e": "PancakeSwap Router",
			"0x000000000000000000000000000000000000dead": "burn",
		},
		Prefixes: map[string]string{
			"bc1qm34lsc65zpw79lxes69zkqm": "Binance",
		},
	}
}

func TestUpsertEntity_Idempotent(t *testing.T) {
	g := New(testDenylist())
	seen := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	e1 := g.UpsertEntity(models.EntityWallet, "0xW1", seen)
	e2 := g.UpsertEntity(models.EntityWallet, "0xW1", seen.Add(time.Hour))

	if e1 != e2 {
		t.Error("UpsertEntity must return the existing node for a matching key")
	}
	if !e1.FirstSeen.Equal(seen) {
		t.Errorf("FirstSeen must keep the earliest timestamp, got %v", e1.FirstSeen)
	}

	// Earlier sighting moves FirstSeen back.
	g.UpsertEntity(models.EntityWallet, "0xW1", seen.Add(-time.Hour))
	if !e1.FirstSeen.Equal(seen.Add(-time.Hour)) {
		t.Errorf("FirstSeen must update to the earlier sighting")
	}
}

func TestUpsertEntity_DenylistTagging(t *testing.T) {
	g := New(testDenylist())

	tests := []struct {
		name      string
		etype     models.EntityType
		key       string
		infra     bool
		label     string
	}{
		{"router exact match", models.EntityContract, "0x10ED43c718714eb63d5aA57B78B54704E256024E", true, "PancakeSwap Router"},
		{"exchange prefix match", models.EntityWallet, "bc1qm34lsc65zpw79lxes69zkqmk6ee3ewf0j77s0h", true, "Binance"},
		{"lp pair by type", models.EntityLPPair, "0xPAIR", true, "liquidity_pool"},
		{"plain wallet", models.EntityWallet, "0xW9", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := g.UpsertEntity(tt.etype, tt.key, time.Time{})
			if e.Infrastructure != tt.infra {
				t.Errorf("Infrastructure = %v, want %v", e.Infrastructure, tt.infra)
			}
			if tt.label != "" && e.InfraLabel != tt.label {
				t.Errorf("InfraLabel = %q, want %q", e.InfraLabel, tt.label)
			}
		})
	}
}

func TestUpsertEdge_MergesEvidence(t *testing.T) {
	g := New(config.Denylist{})
	a := g.UpsertEntity(models.EntityWallet, "0xA", time.Time{})
	b := g.UpsertEntity(models.EntityWallet, "0xB", time.Time{})

	e1 := g.UpsertEdge(a.ID, b.ID, models.EdgeFunding, 1)
	e2 := g.UpsertEdge(a.ID, b.ID, models.EdgeFunding, 2)
	e3 := g.UpsertEdge(a.ID, b.ID, models.EdgeFunding, 2) // duplicate EID

	if e1 != e2 || e2 != e3 {
		t.Fatal("edges must be deduplicated on (from, to, type)")
	}
	if len(e1.EvidenceEIDs) != 2 {
		t.Errorf("expected 2 distinct EIDs merged, got %v", e1.EvidenceEIDs)
	}

	// Different type is a different logical edge.
	e4 := g.UpsertEdge(a.ID, b.ID, models.EdgeTransfer, 3)
	if e4 == e1 {
		t.Error("different edge type must create a separate edge")
	}
}

func TestNeighbors(t *testing.T) {
	g := New(config.Denylist{})
	a := g.UpsertEntity(models.EntityWallet, "0xA", time.Time{})
	b := g.UpsertEntity(models.EntityWallet, "0xB", time.Time{})
	c := g.UpsertEntity(models.EntityWallet, "0xC", time.Time{})
	g.UpsertEdge(a.ID, b.ID, models.EdgeFunding, 1)
	g.UpsertEdge(c.ID, a.ID, models.EdgeTransfer, 2)

	all := g.Neighbors(a.ID, "")
	if len(all) != 2 {
		t.Fatalf("expected 2 neighbors, got %d", len(all))
	}

	funding := g.Neighbors(a.ID, models.EdgeFunding)
	if len(funding) != 1 || funding[0].ID != b.ID {
		t.Errorf("expected funding neighbor %s, got %v", b.ID, funding)
	}
}

func TestSnapshot_Immutable(t *testing.T) {
	g := New(config.Denylist{})
	a := g.UpsertEntity(models.EntityWallet, "0xA", time.Time{})
	b := g.UpsertEntity(models.EntityWallet, "0xB", time.Time{})
	g.UpsertEdge(a.ID, b.ID, models.EdgeFunding, 1)

	snap := g.Snapshot()
	edgesBefore := len(snap.Edges)

	c := g.UpsertEntity(models.EntityWallet, "0xC", time.Time{})
	g.UpsertEdge(a.ID, c.ID, models.EdgeFunding, 2)

	if len(snap.Edges) != edgesBefore {
		t.Error("snapshot must not observe later graph mutation")
	}
	if _, ok := snap.Entities[c.ID]; ok {
		t.Error("snapshot must not contain entities added after capture")
	}
}

func TestSubgraph_RestrictsEdges(t *testing.T) {
	g := New(config.Denylist{})
	a := g.UpsertEntity(models.EntityWallet, "0xA", time.Time{})
	b := g.UpsertEntity(models.EntityWallet, "0xB", time.Time{})
	c := g.UpsertEntity(models.EntityWallet, "0xC", time.Time{})
	g.UpsertEdge(a.ID, b.ID, models.EdgeFunding, 1)
	g.UpsertEdge(b.ID, c.ID, models.EdgeFunding, 2)

	sub := g.Subgraph([]string{a.ID, b.ID})
	if len(sub.Entities) != 2 {
		t.Errorf("expected 2 entities in subgraph, got %d", len(sub.Entities))
	}
	if len(sub.Edges) != 1 {
		t.Errorf("expected only the A→B edge, got %d edges", len(sub.Edges))
	}
}

func TestFundingPaths_HopDecayAndInfraBoundary(t *testing.T) {
	g := New(testDenylist())
	funder := g.UpsertEntity(models.EntityWallet, "0xFUNDER", time.Time{})
	mid := g.UpsertEntity(models.EntityWallet, "0xMID", time.Time{})
	w := g.UpsertEntity(models.EntityWallet, "0xW", time.Time{})
	router := g.UpsertEntity(models.EntityContract, "0x10ed43c718714eb63d5aa57b78b54704e256024e", time.Time{})

	g.UpsertEdge(funder.ID, mid.ID, models.EdgeFunding, 1)
	g.UpsertEdge(mid.ID, w.ID, models.EdgeFunding, 2)
	g.UpsertEdge(router.ID, w.ID, models.EdgeTransfer, 3)

	paths := FundingPaths(g.Snapshot(), w.ID, 0.76)

	byFunder := make(map[string]FundingPath)
	for _, p := range paths {
		byFunder[p.Funder] = p
	}

	direct, ok := byFunder[mid.ID]
	if !ok || direct.Confidence != 1.0 {
		t.Errorf("direct funder must have confidence 1.0, got %+v", direct)
	}
	indirect, ok := byFunder[funder.ID]
	if !ok {
		t.Fatal("two-hop funder must be reachable")
	}
	if indirect.Confidence != 0.76 {
		t.Errorf("two-hop confidence = %.3f, want 0.76", indirect.Confidence)
	}
	// Router appears as a path endpoint but the walk stops behind it.
	if _, ok := byFunder[router.ID]; !ok {
		t.Error("infrastructure funder should still be reported as an endpoint")
	}
}

func TestSharedFunderConfidence(t *testing.T) {
	g := New(config.Denylist{})
	w0 := g.UpsertEntity(models.EntityWallet, "0xW0", time.Time{})
	a := g.UpsertEntity(models.EntityWallet, "0xA", time.Time{})
	b := g.UpsertEntity(models.EntityWallet, "0xB", time.Time{})
	g.UpsertEdge(w0.ID, a.ID, models.EdgeFunding, 1)
	g.UpsertEdge(w0.ID, b.ID, models.EdgeFunding, 2)

	funder, conf := SharedFunderConfidence(g.Snapshot(), a.ID, b.ID)
	if funder != w0.ID {
		t.Errorf("shared funder = %s, want %s", funder, w0.ID)
	}
	if conf != 1.0 {
		t.Errorf("direct shared funding confidence = %.3f, want 1.0", conf)
	}

	// Unrelated wallets share nothing.
	c := g.UpsertEntity(models.EntityWallet, "0xC", time.Time{})
	_, conf = SharedFunderConfidence(g.Snapshot(), a.ID, c.ID)
	if conf != 0 {
		t.Errorf("unfunded wallet must share no funder, got %.3f", conf)
	}
}
