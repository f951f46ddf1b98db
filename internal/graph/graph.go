package graph

import (
	"sort"
	"sync"
	"time"

	"github.com/rawblock/chaintrace-engine/internal/config"
	"github.com/rawblock/chaintrace-engine/pkg/models"
)

// Entity Graph — typed nodes and evidence-backed edges
//
// Built incrementally from the Evidence Ledger, never the other way
// around: the graph only references EIDs, it never copies observation
// payloads. Upserts are idempotent; repeated observations merge their
// evidence into existing nodes/edges.
//
// Infrastructure entities (exchange hot wallets, routers, burn and LP
// addresses) are tagged at upsert time via the configured denylist.
// They stay in the graph for funding-path context but are excluded from
// cluster membership.

// EntityID derives the canonical node ID from the uniqueness key
func EntityID(t models.EntityType, key string) string {
	return string(t) + "|" + key
}

// Graph is the mutable entity-relationship store for one run.
// Mutation is serialized by the single-writer ingestion path; reads for
// scoring go through immutable Snapshots.
type Graph struct {
	mu       sync.RWMutex
	entities map[string]*models.Entity
	edges    map[string]*models.Edge
	outgoing map[string][]string // entity ID → edge keys
	incoming map[string][]string
	denylist *Denylist
}

// New creates an empty graph with the given infrastructure denylist
func New(dl config.Denylist) *Graph {
	return &Graph{
		entities: make(map[string]*models.Entity),
		edges:    make(map[string]*models.Edge),
		outgoing: make(map[string][]string),
		incoming: make(map[string][]string),
		denylist: NewDenylist(dl),
	}
}

// UpsertEntity returns the existing node for (type, key) or creates it.
// The denylist check runs once, at creation time.
func (g *Graph) UpsertEntity(t models.EntityType, key string, firstSeen time.Time) *models.Entity {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := EntityID(t, key)
	if e, ok := g.entities[id]; ok {
		if !firstSeen.IsZero() && (e.FirstSeen.IsZero() || firstSeen.Before(e.FirstSeen)) {
			e.FirstSeen = firstSeen
		}
		return e
	}

	e := &models.Entity{
		ID:         id,
		Type:       t,
		Key:        key,
		FirstSeen:  firstSeen,
		Attributes: make(map[string]models.AttributeValue),
	}
	if label, infra := g.denylist.Lookup(key); infra {
		e.Infrastructure = true
		e.InfraLabel = label
	}
	// LP pairs are infrastructure by type: liquidity addresses are never
	// cluster members.
	if t == models.EntityLPPair {
		e.Infrastructure = true
		if e.InfraLabel == "" {
			e.InfraLabel = "liquidity_pool"
		}
	}
	g.entities[id] = e
	return e
}

// SetAttribute records or supersedes an entity attribute with evidence.
// Superseding appends citations; it never erases the prior value's EIDs
// from the ledger.
func (g *Graph) SetAttribute(entityID, name, value string, eids ...int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entities[entityID]
	if !ok {
		return
	}
	attr := e.Attributes[name]
	attr.Value = value
	attr.EvidenceEIDs = append(attr.EvidenceEIDs, eids...)
	e.Attributes[name] = attr
}

// UpsertEdge merges evidence into the (from, to, type) edge, creating it
// on first sight. Both endpoints must already exist.
func (g *Graph) UpsertEdge(from, to string, t models.EdgeType, eid int64) *models.Edge {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := from + "|" + to + "|" + string(t)
	if e, ok := g.edges[key]; ok {
		for _, existing := range e.EvidenceEIDs {
			if existing == eid {
				return e
			}
		}
		e.EvidenceEIDs = append(e.EvidenceEIDs, eid)
		return e
	}

	e := &models.Edge{From: from, To: to, Type: t, EvidenceEIDs: []int64{eid}}
	g.edges[key] = e
	g.outgoing[from] = append(g.outgoing[from], key)
	g.incoming[to] = append(g.incoming[to], key)
	return e
}

// Entity looks up a node by ID
func (g *Graph) Entity(id string) (*models.Entity, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.entities[id]
	return e, ok
}

// Neighbors returns the distinct entities connected to entityID,
// optionally filtered by edge type (empty = all).
func (g *Graph) Neighbors(entityID string, t models.EdgeType) []*models.Entity {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]bool)
	var out []*models.Entity
	collect := func(keys []string, pick func(*models.Edge) string) {
		for _, k := range keys {
			e := g.edges[k]
			if t != "" && e.Type != t {
				continue
			}
			other := pick(e)
			if !seen[other] {
				seen[other] = true
				out = append(out, g.entities[other])
			}
		}
	}
	collect(g.outgoing[entityID], func(e *models.Edge) string { return e.To })
	collect(g.incoming[entityID], func(e *models.Edge) string { return e.From })

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshot captures an immutable copy of the graph for feature
// extraction and scoring. Extraction over a snapshot is pure: later
// graph mutation cannot change already-extracted features.
func (g *Graph) Snapshot() *Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.snapshotLocked(nil)
}

// Subgraph captures an immutable snapshot restricted to the given
// entities and the edges among them.
func (g *Graph) Subgraph(entityIDs []string) *Snapshot {
	keep := make(map[string]bool, len(entityIDs))
	for _, id := range entityIDs {
		keep[id] = true
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.snapshotLocked(keep)
}

func (g *Graph) snapshotLocked(keep map[string]bool) *Snapshot {
	s := &Snapshot{
		Entities: make(map[string]models.Entity),
		incoming: make(map[string][]models.Edge),
		outgoing: make(map[string][]models.Edge),
	}
	for id, e := range g.entities {
		if keep != nil && !keep[id] {
			continue
		}
		s.Entities[id] = *e
	}
	for _, e := range g.edges {
		if keep != nil && (!keep[e.From] || !keep[e.To]) {
			continue
		}
		edge := *e
		s.Edges = append(s.Edges, edge)
		s.outgoing[e.From] = append(s.outgoing[e.From], edge)
		s.incoming[e.To] = append(s.incoming[e.To], edge)
	}
	sort.Slice(s.Edges, func(i, j int) bool {
		if s.Edges[i].From != s.Edges[j].From {
			return s.Edges[i].From < s.Edges[j].From
		}
		if s.Edges[i].To != s.Edges[j].To {
			return s.Edges[i].To < s.Edges[j].To
		}
		return s.Edges[i].Type < s.Edges[j].Type
	})
	return s
}

// Snapshot is an immutable view of the graph at one instant
type Snapshot struct {
	Entities map[string]models.Entity
	Edges    []models.Edge
	incoming map[string][]models.Edge
	outgoing map[string][]models.Edge
}

// Incoming returns the edges pointing at the entity
func (s *Snapshot) Incoming(entityID string) []models.Edge { return s.incoming[entityID] }

// Outgoing returns the edges leaving the entity
func (s *Snapshot) Outgoing(entityID string) []models.Edge { return s.outgoing[entityID] }

// IsInfrastructure reports whether the entity is denylisted
func (s *Snapshot) IsInfrastructure(entityID string) bool {
	e, ok := s.Entities[entityID]
	return ok && e.Infrastructure
}

// Wallets returns the wallet entity IDs in the snapshot, sorted
func (s *Snapshot) Wallets() []string {
	var out []string
	for id, e := range s.Entities {
		if e.Type == models.EntityWallet {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
