package claims

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rawblock/chaintrace-engine/internal/ledger"
	"github.com/rawblock/chaintrace-engine/internal/telemetry"
	"github.com/rawblock/chaintrace-engine/pkg/models"
)

// Claim resolution and the contradiction log.
//
// Each claim runs a small state machine: Proposed until evidence
// arrives, Confirmed once at least one P0 and one P1 citation support
// it with nothing in conflict, Unverified when evidence exists but the
// tier requirements are unmet, Contradicted the moment two observations
// assert mutually exclusive facts. Contradicted is sticky for the run;
// only a strictly higher-tier observation can supersede the conflict,
// and the resolution path itself becomes a logged ContradictionRecord.
//
// The canonical-address question and the cooperation question are
// resolved from disjoint evidence pools. An EID attached to a claim of
// one of those kinds is rejected on any claim of the other kind, even
// when both claims cite the same source document.

var (
	// ErrUnknownClaim is returned for operations on a claim never proposed
	ErrUnknownClaim = errors.New("claims: unknown claim")

	// ErrCrossKindEvidence is returned when an EID already supporting a
	// canonical-address claim is offered to a cooperation claim or the
	// reverse.
	ErrCrossKindEvidence = errors.New("claims: evidence cannot span canonical-address and cooperation claims")

	// ErrInsufficientTier is returned when a supersede attempt does not
	// outrank the conflicting evidence.
	ErrInsufficientTier = errors.New("claims: superseding evidence must outrank the conflict")
)

// claimState is the resolver's working record for one claim
type claimState struct {
	claim       models.Claim
	supporting  []int64
	conflicting []int64
	superseded  map[int64]bool // Conflicting EIDs retired by a supersede
}

// Resolver owns claim status for one investigation run
type Resolver struct {
	mu             sync.RWMutex
	led            *ledger.Ledger
	log            zerolog.Logger
	states         map[string]*claimState
	order          []string
	kindByEID      map[int64]models.ClaimKind // Identity-kind evidence bookkeeping
	contradictions []models.ContradictionRecord
	now            func() time.Time
}

func NewResolver(led *ledger.Ledger, log zerolog.Logger) *Resolver {
	return &Resolver{
		led:       led,
		log:       log.With().Str("component", "claims").Logger(),
		states:    make(map[string]*claimState),
		kindByEID: make(map[int64]models.ClaimKind),
		now:       time.Now,
	}
}

// Propose registers a claim in the Proposed state. Re-proposing an
// existing claim is a no-op returning the current record.
func (r *Resolver) Propose(id, statement string, kind models.ClaimKind) models.Claim {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.states[id]; ok {
		return st.claim
	}
	st := &claimState{
		claim: models.Claim{
			ID:        id,
			Statement: statement,
			Kind:      kind,
			Status:    models.ClaimProposed,
			Tier:      models.TierP2,
		},
		superseded: make(map[int64]bool),
	}
	r.states[id] = st
	r.order = append(r.order, id)
	r.log.Debug().Str("claim", id).Str("kind", string(kind)).Msg("claim proposed")
	return st.claim
}

// AddEvidence attaches a recorded observation to a claim. asserts=false
// marks the observation as denying the claim's statement; the first
// support/denial pair forces the Contradicted state and logs a
// ContradictionRecord.
func (r *Resolver) AddEvidence(claimID string, eid int64, asserts bool) (models.Claim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[claimID]
	if !ok {
		return models.Claim{}, fmt.Errorf("%w: %s", ErrUnknownClaim, claimID)
	}
	if _, err := r.led.Get(eid); err != nil {
		return models.Claim{}, fmt.Errorf("claims: evidence %d: %w", eid, err)
	}
	if err := r.checkKindLocked(st.claim.Kind, eid); err != nil {
		return models.Claim{}, err
	}

	if asserts {
		st.supporting = appendUnique(st.supporting, eid)
	} else {
		st.conflicting = appendUnique(st.conflicting, eid)
	}
	st.claim.EvidenceEIDs = appendUnique(st.claim.EvidenceEIDs, eid)
	if st.claim.Kind == models.ClaimCanonicalAddress || st.claim.Kind == models.ClaimCooperation {
		r.kindByEID[eid] = st.claim.Kind
	}

	wasContradicted := st.claim.Status == models.ClaimContradicted
	r.resolveLocked(st)
	if st.claim.Status == models.ClaimContradicted && !wasContradicted {
		rec := models.ContradictionRecord{
			ClaimID:         claimID,
			ConflictingEIDs: append(append([]int64{}, st.supporting...), st.conflicting...),
			DetectedAt:      r.now().UTC(),
		}
		r.contradictions = append(r.contradictions, rec)
		telemetry.ContradictionLogged(claimID)
		r.log.Warn().Str("claim", claimID).Ints64("eids", rec.ConflictingEIDs).Msg("contradiction detected")
	}
	return st.claim, nil
}

// Supersede resolves a contradicted claim with a newer observation that
// strictly outranks every live conflicting citation. The resolution is
// itself logged as a fresh ContradictionRecord naming the superseding
// EID; the prior record stays in the log untouched.
func (r *Resolver) Supersede(claimID string, eid int64, resolution string) (models.Claim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[claimID]
	if !ok {
		return models.Claim{}, fmt.Errorf("%w: %s", ErrUnknownClaim, claimID)
	}
	if st.claim.Status != models.ClaimContradicted {
		return models.Claim{}, fmt.Errorf("claims: %s is %s, not contradicted", claimID, st.claim.Status)
	}
	obs, err := r.led.Get(eid)
	if err != nil {
		return models.Claim{}, fmt.Errorf("claims: evidence %d: %w", eid, err)
	}
	if err := r.checkKindLocked(st.claim.Kind, eid); err != nil {
		return models.Claim{}, err
	}
	for _, c := range st.conflicting {
		if st.superseded[c] {
			continue
		}
		cObs, err := r.led.Get(c)
		if err != nil {
			return models.Claim{}, fmt.Errorf("claims: conflicting evidence %d: %w", c, err)
		}
		if obs.Tier >= cObs.Tier {
			return models.Claim{}, fmt.Errorf("%w: %s is not above %s", ErrInsufficientTier, obs.Tier, cObs.Tier)
		}
		st.superseded[c] = true
	}

	st.supporting = appendUnique(st.supporting, eid)
	st.claim.EvidenceEIDs = appendUnique(st.claim.EvidenceEIDs, eid)
	if st.claim.Kind == models.ClaimCanonicalAddress || st.claim.Kind == models.ClaimCooperation {
		r.kindByEID[eid] = st.claim.Kind
	}
	r.contradictions = append(r.contradictions, models.ContradictionRecord{
		ClaimID:         claimID,
		ConflictingEIDs: append([]int64{}, st.conflicting...),
		DetectedAt:      r.now().UTC(),
		Resolution:      resolution,
		ResolvedByEID:   eid,
	})
	telemetry.ContradictionLogged(claimID)

	st.claim.Status = models.ClaimProposed
	r.resolveLocked(st)
	r.log.Info().Str("claim", claimID).Int64("eid", eid).Msg("contradiction superseded")
	return st.claim, nil
}

// Claim returns the current record for one claim
func (r *Resolver) Claim(id string) (models.Claim, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.states[id]
	if !ok {
		return models.Claim{}, fmt.Errorf("%w: %s", ErrUnknownClaim, id)
	}
	return st.claim, nil
}

// Matrix returns every claim in proposal order
func (r *Resolver) Matrix() []models.Claim {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Claim, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.states[id].claim)
	}
	return out
}

// Contradictions returns the full contradiction log, oldest first
func (r *Resolver) Contradictions() []models.ContradictionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ContradictionRecord, len(r.contradictions))
	copy(out, r.contradictions)
	return out
}

// resolveLocked recomputes a claim's status from its live evidence.
// Contradicted is sticky: it is only re-evaluated after Supersede has
// retired the conflict.
func (r *Resolver) resolveLocked(st *claimState) {
	if st.claim.Status == models.ClaimContradicted {
		return
	}
	liveConflicts := 0
	for _, c := range st.conflicting {
		if !st.superseded[c] {
			liveConflicts++
		}
	}
	if liveConflicts > 0 && len(st.supporting) > 0 {
		st.claim.Status = models.ClaimContradicted
		return
	}

	hasP0, hasP1 := false, false
	best := models.TierP2
	for _, eid := range st.supporting {
		obs, err := r.led.Get(eid)
		if err != nil {
			continue
		}
		switch obs.Tier {
		case models.TierP0:
			hasP0 = true
		case models.TierP1:
			hasP1 = true
		}
		if obs.Tier < best {
			best = obs.Tier
		}
	}
	st.claim.Tier = best
	switch {
	case len(st.supporting) == 0 && liveConflicts == 0:
		st.claim.Status = models.ClaimProposed
	case hasP0 && hasP1 && liveConflicts == 0:
		st.claim.Status = models.ClaimConfirmed
	default:
		st.claim.Status = models.ClaimUnverified
	}
}

// checkKindLocked enforces the identity/cooperation evidence wall
func (r *Resolver) checkKindLocked(kind models.ClaimKind, eid int64) error {
	prior, seen := r.kindByEID[eid]
	if !seen {
		return nil
	}
	identity := kind == models.ClaimCanonicalAddress || kind == models.ClaimCooperation
	if identity && prior != kind {
		return fmt.Errorf("%w: eid %d already backs a %s claim", ErrCrossKindEvidence, eid, prior)
	}
	return nil
}

func appendUnique(s []int64, v int64) []int64 {
	for _, x := range s {
		if x == v {
			return s
		}
	}
	s = append(s, v)
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	return s
}
