package gate

import (
	"fmt"
	"sort"

	"github.com/rawblock/chaintrace-engine/internal/config"
	"github.com/rawblock/chaintrace-engine/pkg/models"
)

// Completeness gate.
//
// Pure validation over the assembled evidence state of one run. It
// never mutates anything and an Incomplete result is not an error: it
// tells the caller which collection work is still missing before the
// verdict may be emitted as final.

// Mode selects the timeline density requirements
type Mode string

const (
	ModeStandard Mode = "standard"
	ModeDeep     Mode = "deep"
)

// Domain is one mandated evidence area. Every domain must carry at
// least one citation or be explicitly marked Unknown.
type Domain string

const (
	DomainIdentity         Domain = "identity"
	DomainCandidateAddress Domain = "candidate_address"
	DomainOnchainActivity  Domain = "onchain_activity"
	DomainLiquidity        Domain = "liquidity"
	DomainWebsite          Domain = "website"
	DomainSocial           Domain = "social"
	DomainContradictions   Domain = "contradictions"
)

// MandatedDomains lists every domain the gate requires, in report order
var MandatedDomains = []Domain{
	DomainIdentity,
	DomainCandidateAddress,
	DomainOnchainActivity,
	DomainLiquidity,
	DomainWebsite,
	DomainSocial,
	DomainContradictions,
}

// Headline is a top-level conclusion of the run. Two independent
// citations are required unless the conclusion is explicitly flagged
// single-source, which carries reduced confidence into the report.
type Headline struct {
	Statement    string  `json:"statement"`
	EvidenceEIDs []int64 `json:"evidenceEids"`
	SingleSource bool    `json:"singleSource"`
}

// RunState is the evidence snapshot the gate validates
type RunState struct {
	DomainCitations map[Domain][]int64     `json:"domainCitations"`
	UnknownDomains  map[Domain]bool        `json:"unknownDomains"` // Explicitly marked, not merely empty
	Headlines       []Headline             `json:"headlines"`
	Timeline        []models.TimelineEvent `json:"timeline"`
	Claims          []models.Claim         `json:"claims"`
}

// Result reports the gate outcome. Reasons is empty exactly when
// Complete is true.
type Result struct {
	Complete bool     `json:"complete"`
	Reasons  []string `json:"reasons,omitempty"`
}

// Check validates the run state against the mode's requirements.
func Check(state RunState, mode Mode, cfg config.Completeness) Result {
	var reasons []string

	for _, d := range MandatedDomains {
		if len(state.DomainCitations[d]) == 0 && !state.UnknownDomains[d] {
			reasons = append(reasons, fmt.Sprintf("domain %q has no citation and is not marked unknown", d))
		}
	}

	for _, h := range state.Headlines {
		if len(distinct(h.EvidenceEIDs)) < 2 && !h.SingleSource {
			reasons = append(reasons, fmt.Sprintf("headline %q cites fewer than 2 independent EIDs and is not flagged single-source", h.Statement))
		}
		if len(h.EvidenceEIDs) == 0 {
			reasons = append(reasons, fmt.Sprintf("headline %q cites no evidence", h.Statement))
		}
	}

	minEvents, minTurning := cfg.StandardMinEvents, cfg.StandardMinTurningPoints
	if mode == ModeDeep {
		minEvents, minTurning = cfg.DeepMinEvents, cfg.DeepMinTurningPoints
	}
	turning := 0
	for _, ev := range state.Timeline {
		if ev.TurningPoint {
			turning++
		}
	}
	if len(state.Timeline) < minEvents {
		reasons = append(reasons, fmt.Sprintf("timeline has %d events, %s mode requires %d", len(state.Timeline), mode, minEvents))
	}
	if turning < minTurning {
		reasons = append(reasons, fmt.Sprintf("timeline has %d turning points, %s mode requires %d", turning, mode, minTurning))
	}

	reasons = append(reasons, identityIndependence(state.Claims)...)

	return Result{Complete: len(reasons) == 0, Reasons: reasons}
}

// identityIndependence checks that the canonical-address question and
// the cooperation question are both answered, from disjoint evidence.
func identityIndependence(claims []models.Claim) []string {
	var reasons []string
	answered := func(kind models.ClaimKind) (map[int64]bool, bool) {
		eids := make(map[int64]bool)
		found := false
		for _, c := range claims {
			if c.Kind != kind {
				continue
			}
			if c.Status != models.ClaimProposed {
				found = true
			}
			for _, e := range c.EvidenceEIDs {
				eids[e] = true
			}
		}
		return eids, found
	}

	caEIDs, caAnswered := answered(models.ClaimCanonicalAddress)
	coopEIDs, coopAnswered := answered(models.ClaimCooperation)
	if !caAnswered {
		reasons = append(reasons, "canonical-address question is unanswered")
	}
	if !coopAnswered {
		reasons = append(reasons, "cooperation question is unanswered")
	}

	var shared []int64
	for e := range caEIDs {
		if coopEIDs[e] {
			shared = append(shared, e)
		}
	}
	if len(shared) > 0 {
		sort.Slice(shared, func(i, j int) bool { return shared[i] < shared[j] })
		reasons = append(reasons, fmt.Sprintf("canonical-address and cooperation claims share evidence %v", shared))
	}
	return reasons
}

func distinct(eids []int64) []int64 {
	seen := make(map[int64]bool, len(eids))
	out := make([]int64, 0, len(eids))
	for _, e := range eids {
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	return out
}
