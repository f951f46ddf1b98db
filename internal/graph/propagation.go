package graph

import (
	"math"

	"github.com/rawblock/chaintrace-engine/pkg/models"
)

// Funding-Path Propagation
//
// A shared funder is often hidden behind intermediary hops: W0 funds I1,
// I1 funds W3. A direct-edge check misses the link, so funding evidence
// is propagated backward along funding/transfer edges with per-hop decay.
// The decay models the growing chance that an intermediary is a distinct
// entity (exchange, payment processor) that breaks the chain.
//
//   hop 1: full strength (×1.0)
//   hop 2: ×0.76
//   hop 3: ×0.58
//   beyond maxFundingHops: too weak to act on
//
// Paths that traverse an infrastructure-tagged node terminate there:
// funds emerging from an exchange wallet carry no ownership signal.

const (
	// defaultHopDecay is the per-hop confidence decay factor
	defaultHopDecay = 0.76

	// maxFundingHops bounds the backward walk
	maxFundingHops = 4

	// minPathConfidence is the weakest propagated link worth reporting
	minPathConfidence = 0.3
)

// FundingPath is one backward chain from a wallet to an ultimate funder
type FundingPath struct {
	Wallet       string   `json:"wallet"` // Entity ID
	Funder       string   `json:"funder"`
	Hops         int      `json:"hops"`
	Confidence   float64  `json:"confidence"`
	EvidenceEIDs []int64  `json:"evidenceEids"`
	Via          []string `json:"via,omitempty"` // Intermediate entity IDs
}

// FundingPaths walks funding and transfer edges backward from the wallet
// and returns every reachable funder with its decayed confidence.
// Deterministic over a snapshot: the walk order is fixed by the
// snapshot's sorted edge order.
func FundingPaths(s *Snapshot, walletID string, hopDecay float64) []FundingPath {
	if hopDecay <= 0 || hopDecay > 1 {
		hopDecay = defaultHopDecay
	}

	var paths []FundingPath
	visited := map[string]bool{walletID: true}

	var walk func(current string, hops int, confidence float64, via []string, eids []int64)
	walk = func(current string, hops int, confidence float64, via []string, eids []int64) {
		if hops > maxFundingHops || confidence < minPathConfidence {
			return
		}
		for _, edge := range s.Incoming(current) {
			if edge.Type != models.EdgeFunding && edge.Type != models.EdgeTransfer {
				continue
			}
			funder := edge.From
			if visited[funder] {
				continue
			}
			pathEIDs := append(append([]int64{}, eids...), edge.EvidenceEIDs...)
			paths = append(paths, FundingPath{
				Wallet:       walletID,
				Funder:       funder,
				Hops:         hops,
				Confidence:   round3(confidence),
				EvidenceEIDs: pathEIDs,
				Via:          append([]string{}, via...),
			})
			// Infrastructure breaks the ownership chain.
			if s.IsInfrastructure(funder) {
				continue
			}
			visited[funder] = true
			walk(funder, hops+1, confidence*hopDecay, append(via, funder), pathEIDs)
			visited[funder] = false
		}
	}
	walk(walletID, 1, 1.0, nil, nil)
	return paths
}

// SharedFunderConfidence returns the strength of the best common funder
// between two wallets, with the funder entity ID. Direct shared funding
// scores 1.0; indirect paths decay per hop on each side.
func SharedFunderConfidence(s *Snapshot, a, b string) (string, float64) {
	bestFunder := ""
	best := 0.0

	pathsA := FundingPaths(s, a, defaultHopDecay)
	pathsB := FundingPaths(s, b, defaultHopDecay)

	byFunderB := make(map[string]float64, len(pathsB))
	for _, p := range pathsB {
		if p.Confidence > byFunderB[p.Funder] {
			byFunderB[p.Funder] = p.Confidence
		}
	}
	for _, p := range pathsA {
		cb, ok := byFunderB[p.Funder]
		if !ok || s.IsInfrastructure(p.Funder) {
			continue
		}
		combined := p.Confidence * cb
		if combined > best {
			best = combined
			bestFunder = p.Funder
		}
	}
	return bestFunder, round3(best)
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
