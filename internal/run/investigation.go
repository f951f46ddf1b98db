package run

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rawblock/chaintrace-engine/internal/claims"
	"github.com/rawblock/chaintrace-engine/internal/config"
	"github.com/rawblock/chaintrace-engine/internal/features"
	"github.com/rawblock/chaintrace-engine/internal/gate"
	"github.com/rawblock/chaintrace-engine/internal/graph"
	"github.com/rawblock/chaintrace-engine/internal/ledger"
	"github.com/rawblock/chaintrace-engine/internal/scoring"
	"github.com/rawblock/chaintrace-engine/internal/shadow"
	"github.com/rawblock/chaintrace-engine/internal/telemetry"
	"github.com/rawblock/chaintrace-engine/pkg/models"
)

// Investigation runs.
//
// An Investigation owns the full evidence state for one target: its
// ledger, graph, claim resolver, extracted features and scored
// clusters. Ingestion is serialized through one writer; analysis reads
// immutable graph snapshots, so a recompute never races a concurrent
// ingest. Scores are derived state: Recompute throws the previous
// clusters away and rebuilds them from current features every time.

var (
	ErrRunNotFound     = errors.New("run: investigation not found")
	ErrClusterNotFound = errors.New("run: cluster not found")
)

// Params describe the investigation target
type Params struct {
	Chain    string    `json:"chain"`
	Asset    string    `json:"asset"`
	Announce time.Time `json:"announce"` // Reference announcement time for timing features
	LPUSD    float64   `json:"lpUsd"`    // Liquidity size, selects the calibration bucket
	Mode     gate.Mode `json:"mode"`
}

// Investigation is the evidence state for one target
type Investigation struct {
	ID      string
	Params  Params
	Started time.Time

	mu       sync.Mutex
	led      *ledger.Ledger
	grph     *graph.Graph
	resolver *claims.Resolver
	cfg      *config.Config
	ex       *features.Extractor
	scorer   *scoring.Scorer
	log      zerolog.Logger

	clusters  []models.Cluster
	wallets   map[string]models.WalletFeatures
	holders   map[string]models.HolderPayload // latest snapshot row per address
	unknown   map[gate.Domain]bool
	headlines []gate.Headline
}

// Manager tracks live investigations
type Manager struct {
	mu   sync.RWMutex
	runs map[string]*Investigation
	cfg  *config.Config
	log  zerolog.Logger
}

func NewManager(cfg *config.Config, log zerolog.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{
		runs: make(map[string]*Investigation),
		cfg:  cfg,
		log:  log.With().Str("component", "run").Logger(),
	}, nil
}

// Start creates a new investigation for the given target
func (m *Manager) Start(p Params) (*Investigation, error) {
	if p.Mode == "" {
		p.Mode = gate.ModeStandard
	}
	led := ledger.New(m.log)
	ex := features.NewExtractor(m.cfg.Window)
	scorer, err := scoring.NewScorer(m.cfg, ex, m.log)
	if err != nil {
		return nil, err
	}
	inv := &Investigation{
		ID:       uuid.New().String(),
		Params:   p,
		Started:  time.Now().UTC(),
		led:      led,
		grph:     graph.New(m.cfg.Denylist),
		resolver: claims.NewResolver(led, m.log),
		cfg:      m.cfg,
		ex:       ex,
		scorer:   scorer,
		log:      m.log.With().Str("run", "").Logger(),
		wallets:  make(map[string]models.WalletFeatures),
		holders:  make(map[string]models.HolderPayload),
		unknown:  make(map[gate.Domain]bool),
	}
	inv.log = m.log.With().Str("run", inv.ID).Logger()

	m.mu.Lock()
	m.runs[inv.ID] = inv
	telemetry.SetActiveRuns(len(m.runs))
	m.mu.Unlock()
	m.log.Info().Str("run", inv.ID).Str("chain", p.Chain).Str("asset", p.Asset).Msg("investigation started")
	return inv, nil
}

// Get returns a live investigation by ID
func (m *Manager) Get(id string) (*Investigation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return inv, nil
}

// List returns the IDs of all live investigations, oldest first
func (m *Manager) List() []*Investigation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Investigation, 0, len(m.runs))
	for _, inv := range m.runs {
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// Ingest records one observation and applies its graph and claim
// consequences. The mutex makes this the single writer; concurrent
// monitors all funnel through here.
func (inv *Investigation) Ingest(obs models.Observation) (int64, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	eid, err := inv.led.Record(obs)
	if err != nil {
		telemetry.ObservationRejected(inv.ID, "integrity")
		return 0, err
	}
	recorded, err := inv.led.Get(eid)
	if err != nil {
		return 0, err
	}
	if err := inv.applyLocked(recorded); err != nil {
		return 0, err
	}
	telemetry.ObservationIngested(inv.ID, string(recorded.Kind))
	return eid, nil
}

// applyLocked derives graph and claim state from one recorded observation
func (inv *Investigation) applyLocked(obs models.Observation) error {
	// A nil sub-payload must never reach the kind switch below.
	if !obs.Payload.HasPayloadFor(obs.Kind) {
		return fmt.Errorf("%w: %s observation without matching payload", ledger.ErrDataIntegrity, obs.Kind)
	}
	switch obs.Kind {
	case models.KindTransfer:
		inv.applyTransferLocked(obs)
	case models.KindHolderSnapshot:
		h := obs.Payload.Holder
		e := inv.grph.UpsertEntity(models.EntityWallet, h.Address, h.SnapshotAt)
		inv.grph.SetAttribute(e.ID, "balance_pct", fmt.Sprintf("%.4f", h.BalancePct), obs.EID)
		if prev, ok := inv.holders[h.Address]; !ok || !h.SnapshotAt.Before(prev.SnapshotAt) {
			inv.holders[h.Address] = *h
		}
	case models.KindSocialPost:
		s := obs.Payload.Social
		inv.grph.UpsertEntity(models.EntitySocialHandle, s.Handle, s.PostedAt)
	case models.KindDomainRecord:
		d := obs.Payload.Domain
		first := obs.FetchedAt
		if !d.RegisteredAt.IsZero() {
			first = d.RegisteredAt
		}
		inv.grph.UpsertEntity(models.EntityDomain, d.Domain, first)
	case models.KindStatement:
		st := obs.Payload.Statement
		inv.resolver.Propose(st.ClaimID, st.Statement, claimKindFor(st.ClaimID))
		if _, err := inv.resolver.AddEvidence(st.ClaimID, obs.EID, st.Asserts); err != nil {
			return err
		}
	}
	return nil
}

func (inv *Investigation) applyTransferLocked(obs models.Observation) {
	t := obs.Payload.Transfer
	from := inv.grph.UpsertEntity(models.EntityWallet, t.From, t.BlockTime)
	to := inv.grph.UpsertEntity(models.EntityWallet, t.To, t.BlockTime)
	inv.grph.UpsertEdge(from.ID, to.ID, edgeTypeFor(t.Hint), obs.EID)
}

// edgeTypeFor maps a provider hint onto the edge taxonomy
func edgeTypeFor(hint string) models.EdgeType {
	switch hint {
	case "funding":
		return models.EdgeFunding
	case "trade":
		return models.EdgeTrade
	case "exit":
		return models.EdgeExit
	default:
		return models.EdgeTransfer
	}
}

// claimKindFor routes claim IDs to their kind by convention: IDs
// prefixed "ca-" are canonical-address questions, "coop-" cooperation.
func claimKindFor(claimID string) models.ClaimKind {
	switch {
	case strings.HasPrefix(claimID, "ca-"):
		return models.ClaimCanonicalAddress
	case strings.HasPrefix(claimID, "coop-"):
		return models.ClaimCooperation
	default:
		return models.ClaimGeneral
	}
}

// MarkDomainUnknown records that a mandated evidence domain was
// investigated and found empty, which satisfies the completeness gate.
func (inv *Investigation) MarkDomainUnknown(d gate.Domain) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.unknown[d] = true
}

// AddHeadline attaches a top-level conclusion with its citations
func (inv *Investigation) AddHeadline(h gate.Headline) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.headlines = append(inv.headlines, h)
}

// Recompute re-extracts features and rebuilds clusters from the current
// graph snapshot. Previous clusters are discarded, never patched.
func (inv *Investigation) Recompute(ctx context.Context) ([]models.Cluster, error) {
	started := time.Now()
	inv.mu.Lock()
	snap := inv.grph.Snapshot()
	inv.mu.Unlock()

	wallets, pairs, err := inv.ex.ExtractAll(ctx, snap, inv.led, inv.Params.Announce)
	if err != nil {
		return nil, err
	}
	clusters, err := inv.scorer.BuildClusters(snap, wallets, pairs, inv.Params.Chain, inv.Params.LPUSD)
	if err != nil {
		return nil, err
	}

	inv.mu.Lock()
	inv.wallets = wallets
	inv.clusters = clusters
	inv.mu.Unlock()

	for _, c := range clusters {
		telemetry.ClusterScored(inv.ID, c.RelationLabel)
	}
	telemetry.ObserveRecompute(inv.ID, time.Since(started))
	inv.log.Info().Int("wallets", len(wallets)).Int("clusters", len(clusters)).Msg("recompute finished")
	return clusters, nil
}

// ShadowCompare scores the run's evidence under a candidate threshold
// table without touching the published clusters.
func (inv *Investigation) ShadowCompare(ctx context.Context, candidate map[string]config.Thresholds) (shadow.Result, error) {
	runner, err := shadow.New(inv.cfg, inv.ex, candidate, inv.log)
	if err != nil {
		return shadow.Result{}, err
	}
	inv.mu.Lock()
	snap := inv.grph.Snapshot()
	inv.mu.Unlock()
	return runner.Compare(ctx, snap, inv.led, inv.Params.Announce, inv.Params.Chain, inv.Params.LPUSD)
}

// HolderFindings runs suspicious-holder detection over the latest
// snapshot row per address. Computed fresh on every call, like scores.
func (inv *Investigation) HolderFindings() []features.HolderFinding {
	inv.mu.Lock()
	rows := make([]models.HolderPayload, 0, len(inv.holders))
	for _, h := range inv.holders {
		rows = append(rows, h)
	}
	inv.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool { return rows[i].Address < rows[j].Address })
	return features.DetectSuspiciousHolders(rows, inv.cfg.Holder)
}

// Clusters returns the clusters from the latest recompute
func (inv *Investigation) Clusters() []models.Cluster {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	out := make([]models.Cluster, len(inv.clusters))
	copy(out, inv.clusters)
	return out
}

// Cluster returns one cluster by ID
func (inv *Investigation) Cluster(id string) (models.Cluster, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	for _, c := range inv.clusters {
		if c.ID == id {
			return c, nil
		}
	}
	return models.Cluster{}, fmt.Errorf("%w: %s", ErrClusterNotFound, id)
}

// ClaimMatrix returns every claim with its current status
func (inv *Investigation) ClaimMatrix() []models.Claim {
	return inv.resolver.Matrix()
}

// ContradictionLog returns the run's contradiction records
func (inv *Investigation) ContradictionLog() []models.ContradictionRecord {
	return inv.resolver.Contradictions()
}

// Resolver exposes the claim resolver for supersede operations
func (inv *Investigation) Resolver() *claims.Resolver { return inv.resolver }

// Ledger exposes the evidence ledger for citation lookups
func (inv *Investigation) Ledger() *ledger.Ledger { return inv.led }

// Timeline assembles the chronological event list from the ledger and
// the contradiction log. Turning points: the first funding event, the
// first trade, the first exit, every contradiction.
func (inv *Investigation) Timeline() []models.TimelineEvent {
	var events []models.TimelineEvent

	seenKind := make(map[string]bool)
	inv.mu.Lock()
	snap := inv.grph.Snapshot()
	inv.mu.Unlock()

	type txEvent struct {
		at   time.Time
		kind string
		desc string
		tx   string
		eid  int64
	}
	var raw []txEvent
	for _, e := range snap.Edges {
		for _, eid := range e.EvidenceEIDs {
			obs, err := inv.led.Get(eid)
			if err != nil || obs.Payload.Transfer == nil {
				continue
			}
			t := obs.Payload.Transfer
			raw = append(raw, txEvent{
				at:   t.BlockTime,
				kind: string(e.Type),
				desc: fmt.Sprintf("%s %.4f %s from %s to %s", e.Type, t.Amount, t.Asset, t.From, t.To),
				tx:   t.TxHash,
				eid:  eid,
			})
		}
	}
	sort.Slice(raw, func(i, j int) bool {
		if !raw[i].at.Equal(raw[j].at) {
			return raw[i].at.Before(raw[j].at)
		}
		return raw[i].eid < raw[j].eid
	})
	for _, ev := range raw {
		turning := false
		if !seenKind[ev.kind] && (ev.kind == "funding" || ev.kind == "trade" || ev.kind == "exit") {
			seenKind[ev.kind] = true
			turning = true
		}
		events = append(events, models.TimelineEvent{
			At:           ev.at,
			Kind:         ev.kind,
			Description:  ev.desc,
			TxHash:       ev.tx,
			EvidenceEID:  ev.eid,
			TurningPoint: turning,
		})
	}

	if !inv.Params.Announce.IsZero() {
		events = append(events, models.TimelineEvent{
			At:          inv.Params.Announce,
			Kind:        "announcement",
			Description: "reference announcement",
		})
	}
	for _, rec := range inv.resolver.Contradictions() {
		// Anchor to the newest conflicting observation so the event
		// sits where the conflict arose, not when it was noticed.
		at := rec.DetectedAt
		var newest time.Time
		for _, eid := range rec.ConflictingEIDs {
			if obs, err := inv.led.Get(eid); err == nil && obs.FetchedAt.After(newest) {
				newest = obs.FetchedAt
			}
		}
		if !newest.IsZero() {
			at = newest
		}
		events = append(events, models.TimelineEvent{
			At:           at,
			Kind:         "contradiction",
			Description:  fmt.Sprintf("contradiction on claim %s", rec.ClaimID),
			TurningPoint: true,
		})
	}
	sort.Slice(events, func(i, j int) bool { return events[i].At.Before(events[j].At) })
	return events
}

// CheckCompleteness runs the gate over the current run state
func (inv *Investigation) CheckCompleteness() gate.Result {
	timeline := inv.Timeline()

	inv.mu.Lock()
	citations := make(map[gate.Domain][]int64)
	for _, c := range inv.clusters {
		citations[gate.DomainOnchainActivity] = append(citations[gate.DomainOnchainActivity], c.EvidenceEIDs...)
	}
	unknown := make(map[gate.Domain]bool, len(inv.unknown))
	for d, v := range inv.unknown {
		unknown[d] = v
	}
	headlines := make([]gate.Headline, len(inv.headlines))
	copy(headlines, inv.headlines)
	for _, rec := range inv.resolver.Contradictions() {
		citations[gate.DomainContradictions] = append(citations[gate.DomainContradictions], rec.ConflictingEIDs...)
	}
	inv.mu.Unlock()

	for _, obs := range inv.allObservations() {
		for _, d := range domainsFor(obs) {
			citations[d] = append(citations[d], obs.EID)
		}
	}
	state := gate.RunState{
		DomainCitations: citations,
		UnknownDomains:  unknown,
		Headlines:       headlines,
		Timeline:        timeline,
		Claims:          inv.resolver.Matrix(),
	}
	return gate.Check(state, inv.Params.Mode, inv.cfg.Completeness)
}

// allObservations walks the ledger in EID order
func (inv *Investigation) allObservations() []models.Observation {
	var out []models.Observation
	for eid := int64(1); ; eid++ {
		obs, err := inv.led.Get(eid)
		if err != nil {
			break
		}
		out = append(out, obs)
	}
	return out
}

// domainsFor maps an observation to the evidence domains it covers
func domainsFor(obs models.Observation) []gate.Domain {
	switch obs.Kind {
	case models.KindTransfer:
		return []gate.Domain{gate.DomainOnchainActivity}
	case models.KindHolderSnapshot:
		return []gate.Domain{gate.DomainLiquidity}
	case models.KindSocialPost:
		return []gate.Domain{gate.DomainSocial}
	case models.KindDomainRecord:
		return []gate.Domain{gate.DomainWebsite}
	case models.KindStatement:
		domains := []gate.Domain{gate.DomainIdentity}
		if strings.HasPrefix(firstClaimRef(obs), "ca-") {
			domains = append(domains, gate.DomainCandidateAddress)
		}
		return domains
	}
	return nil
}

func firstClaimRef(obs models.Observation) string {
	if len(obs.ClaimRefs) > 0 {
		return obs.ClaimRefs[0]
	}
	return ""
}
