package features

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rawblock/chaintrace-engine/internal/config"
	"github.com/rawblock/chaintrace-engine/internal/graph"
	"github.com/rawblock/chaintrace-engine/internal/ledger"
	"github.com/rawblock/chaintrace-engine/pkg/models"
)

// Feature Extractor
//
// Computes the per-wallet and per-pair features consumed by scoring.
// Extraction is pure over a graph snapshot plus the ledger: identical
// inputs always yield identical features. That determinism is load-
// bearing — calibration and regression testing replay recorded runs and
// must reproduce scores bit-for-bit.
//
// Missing inputs default to zero, which can only lower a score: a wallet
// with no observed buys contributes 0 to co_time, not an inflated guess.

// Extractor computes features over immutable graph snapshots
type Extractor struct {
	window config.Window
}

// NewExtractor creates an extractor with the configured timing window
func NewExtractor(window config.Window) *Extractor {
	return &Extractor{window: window}
}

// buckets returns the number of histogram buckets in the window
func (e *Extractor) buckets() int {
	return int(e.window.Span / e.window.Bucket)
}

// WalletFeatures computes the per-wallet features for one wallet entity.
// announce is the caller-supplied reference announcement time; timing
// deltas and the pre-pump accumulation are measured against it.
func (e *Extractor) WalletFeatures(snap *graph.Snapshot, led *ledger.Ledger, walletID string, announce time.Time) models.WalletFeatures {
	f := models.WalletFeatures{
		EntityID:    walletID,
		BuyWindows:  make([]int, e.buckets()),
		SellWindows: make([]int, e.buckets()),
	}

	// Inbound: first funder, accumulation.
	var firstFund time.Time
	for _, edge := range snap.Incoming(walletID) {
		if edge.Type != models.EdgeFunding && edge.Type != models.EdgeTransfer {
			continue
		}
		for _, t := range transfersOf(led, edge.EvidenceEIDs) {
			f.TotalInbound += t.payload.Amount
			if !announce.IsZero() && t.payload.BlockTime.Before(announce) {
				f.PreAnnounceIn += t.payload.Amount
			}
			f.EvidenceEIDs = append(f.EvidenceEIDs, t.eid)
			if firstFund.IsZero() || t.payload.BlockTime.Before(firstFund) {
				firstFund = t.payload.BlockTime
				f.FirstFunder = edge.From
				f.FirstFundTime = t.payload.BlockTime
				f.FirstFundTx = t.payload.TxHash
			}
		}
	}

	// Outbound: buys, exits, profit sink.
	sinkTotals := make(map[string]float64)
	sinkTx := make(map[string]string)
	var firstBuy time.Time
	for _, edge := range snap.Outgoing(walletID) {
		for _, t := range transfersOf(led, edge.EvidenceEIDs) {
			f.EvidenceEIDs = append(f.EvidenceEIDs, t.eid)
			switch edge.Type {
			case models.EdgeTrade:
				if t.payload.Hint == "exit" {
					f.TotalOutbound += t.payload.Amount
					e.bucketize(f.SellWindows, announce, t.payload.BlockTime)
					continue
				}
				if firstBuy.IsZero() || t.payload.BlockTime.Before(firstBuy) {
					firstBuy = t.payload.BlockTime
					f.FirstBuyTime = t.payload.BlockTime
					f.FirstBuyAmount = t.payload.Amount
				}
				e.bucketize(f.BuyWindows, announce, t.payload.BlockTime)
			case models.EdgeExit, models.EdgeTransfer:
				f.TotalOutbound += t.payload.Amount
				sinkTotals[edge.To] += t.payload.Amount
				if t.payload.Amount > 0 {
					sinkTx[edge.To] = t.payload.TxHash
				}
				if edge.Type == models.EdgeExit {
					e.bucketize(f.SellWindows, announce, t.payload.BlockTime)
				}
			}
		}
	}

	// Profit sink: counterparty with the largest cumulative outbound value.
	best := 0.0
	sinks := make([]string, 0, len(sinkTotals))
	for sink := range sinkTotals {
		sinks = append(sinks, sink)
	}
	sort.Strings(sinks) // deterministic tie-break
	for _, sink := range sinks {
		if sinkTotals[sink] > best {
			best = sinkTotals[sink]
			f.ProfitSink = sink
			f.ProfitSinkTx = sinkTx[sink]
		}
	}

	if !announce.IsZero() && !f.FirstBuyTime.IsZero() {
		f.DeltaTFirstBuy = f.FirstBuyTime.Sub(announce)
	}
	sort.Slice(f.EvidenceEIDs, func(i, j int) bool { return f.EvidenceEIDs[i] < f.EvidenceEIDs[j] })
	return f
}

// bucketize increments the histogram bucket containing ts, relative to
// the window start at announce. Events outside the window are dropped.
func (e *Extractor) bucketize(hist []int, announce, ts time.Time) {
	if announce.IsZero() || ts.Before(announce) {
		return
	}
	idx := int(ts.Sub(announce) / e.window.Bucket)
	if idx >= 0 && idx < len(hist) {
		hist[idx]++
	}
}

// PairFeatures computes the symmetric coordination features for a wallet
// pair. Symmetry holds by construction: every term is computed from
// commutative comparisons of the two wallets' features.
func (e *Extractor) PairFeatures(snap *graph.Snapshot, a, b models.WalletFeatures) models.PairFeatures {
	p := models.PairFeatures{A: a.EntityID, B: b.EntityID}

	// co_funder: direct shared first funder is deterministic (anchored by
	// the funding tx hashes); otherwise fall back to propagated
	// funding-path overlap, which is heuristic.
	if a.FirstFunder != "" && a.FirstFunder == b.FirstFunder && !snap.IsInfrastructure(a.FirstFunder) {
		p.CoFunder = 1.0
		p.SharedFunder = a.FirstFunder
		p.SharedFundTx = a.FirstFundTx
	} else {
		funder, conf := graph.SharedFunderConfidence(snap, a.EntityID, b.EntityID)
		p.CoFunder = conf
		p.SharedFunder = funder
	}

	// co_time: closeness of first buys within the scoring window.
	if !a.FirstBuyTime.IsZero() && !b.FirstBuyTime.IsZero() {
		gap := a.FirstBuyTime.Sub(b.FirstBuyTime)
		if gap < 0 {
			gap = -gap
		}
		p.CoTime = clamp01(1 - float64(gap)/float64(e.window.Span))
	}

	// co_amount: relative closeness of first buy sizes.
	if a.FirstBuyAmount > 0 && b.FirstBuyAmount > 0 {
		diff := math.Abs(a.FirstBuyAmount - b.FirstBuyAmount)
		p.CoAmount = clamp01(1 - diff/math.Max(a.FirstBuyAmount, b.FirstBuyAmount))
	}

	// co_exit: cosine similarity of sell-window histograms.
	p.CoExit = cosine(a.SellWindows, b.SellWindows)

	// shared_sink: same non-infrastructure profit sink is deterministic
	// (shared final-destination address).
	if a.ProfitSink != "" && a.ProfitSink == b.ProfitSink && !snap.IsInfrastructure(a.ProfitSink) {
		p.SharedSink = 1.0
		p.SharedSinkID = a.ProfitSink
	}

	p.EvidenceEIDs = mergeEIDs(a.EvidenceEIDs, b.EvidenceEIDs)
	return p
}

// InsiderFeatures aggregates per-wallet features into the cluster-level
// insider signals.
func (e *Extractor) InsiderFeatures(members []models.WalletFeatures, pairs []models.PairFeatures) models.InsiderFeatures {
	var f models.InsiderFeatures
	if len(members) == 0 {
		return f
	}

	// pre_pump_accumulation: share of total inbound value that arrived
	// before the announcement.
	var totalIn, preIn float64
	for _, m := range members {
		totalIn += m.TotalInbound
		preIn += m.PreAnnounceIn
	}
	if totalIn > 0 {
		f.PrePumpAccumulation = clamp01(preIn / totalIn)
	}

	// early_cluster_share: fraction of the cluster's buys landing in the
	// first quarter of the window.
	early, total := 0, 0
	for _, m := range members {
		quarter := len(m.BuyWindows) / 4
		if quarter == 0 {
			quarter = 1
		}
		for i, n := range m.BuyWindows {
			total += n
			if i < quarter {
				early += n
			}
		}
	}
	if total > 0 {
		f.EarlyClusterShare = clamp01(float64(early) / float64(total))
	}

	// synchronized_exit: concentration of the cluster's sells in the
	// single densest bucket.
	if n := e.buckets(); n > 0 {
		combined := make([]int, n)
		sells := 0
		for _, m := range members {
			for i, c := range m.SellWindows {
				combined[i] += c
				sells += c
			}
		}
		if sells > 0 {
			peak := 0
			for _, c := range combined {
				if c > peak {
					peak = c
				}
			}
			f.SynchronizedExit = clamp01(float64(peak) / float64(sells))
		}
	}

	// shared_funder / shared_sink: mean pairwise agreement.
	if len(pairs) > 0 {
		var funder, sink float64
		for _, p := range pairs {
			funder += p.CoFunder
			sink += p.SharedSink
		}
		f.SharedFunder = clamp01(funder / float64(len(pairs)))
		f.SharedSink = clamp01(sink / float64(len(pairs)))
	}
	return f
}

// ExtractAll computes wallet features for every non-infrastructure
// wallet in the snapshot, in parallel, then the full set of pair
// features. Parallelism is safe: the snapshot is immutable and each
// wallet's extraction is independent.
func (e *Extractor) ExtractAll(ctx context.Context, snap *graph.Snapshot, led *ledger.Ledger, announce time.Time) (map[string]models.WalletFeatures, []models.PairFeatures, error) {
	wallets := make([]string, 0)
	for _, id := range snap.Wallets() {
		if !snap.IsInfrastructure(id) {
			wallets = append(wallets, id)
		}
	}

	var mu sync.Mutex
	walletFeatures := make(map[string]models.WalletFeatures, len(wallets))

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, id := range wallets {
		g.Go(func() error {
			f := e.WalletFeatures(snap, led, id, announce)
			mu.Lock()
			walletFeatures[id] = f
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var pairs []models.PairFeatures
	for i := 0; i < len(wallets); i++ {
		for j := i + 1; j < len(wallets); j++ {
			pairs = append(pairs, e.PairFeatures(snap, walletFeatures[wallets[i]], walletFeatures[wallets[j]]))
		}
	}
	return walletFeatures, pairs, nil
}

func transfersOf(led *ledger.Ledger, eids []int64) []transferObs {
	var out []transferObs
	for _, eid := range eids {
		obs, err := led.Get(eid)
		if err != nil || obs.Payload.Transfer == nil {
			continue
		}
		out = append(out, transferObs{eid: eid, payload: *obs.Payload.Transfer})
	}
	return out
}

type transferObs struct {
	eid     int64
	payload models.TransferPayload
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func cosine(a, b []int) float64 {
	var dot, na, nb float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i] * b[i])
		na += float64(a[i] * a[i])
		nb += float64(b[i] * b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func mergeEIDs(a, b []int64) []int64 {
	seen := make(map[int64]bool, len(a)+len(b))
	var out []int64
	for _, eid := range a {
		if !seen[eid] {
			seen[eid] = true
			out = append(out, eid)
		}
	}
	for _, eid := range b {
		if !seen[eid] {
			seen[eid] = true
			out = append(out, eid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
