package models

import "time"

// ClaimStatus is the tagged state of a claim's verification.
// Transitions are monotone toward more evidence; a downgrade is only
// possible through a logged contradiction.
type ClaimStatus string

const (
	ClaimProposed     ClaimStatus = "proposed"
	ClaimConfirmed    ClaimStatus = "confirmed"
	ClaimUnverified   ClaimStatus = "unverified"
	ClaimContradicted ClaimStatus = "contradicted"
)

// ClaimKind separates the two identity questions that must never share
// evidence: whether an address is the canonical contract, and whether
// two parties cooperate. Evidence for one cannot satisfy the other.
type ClaimKind string

const (
	ClaimCanonicalAddress ClaimKind = "canonical_address"
	ClaimCooperation      ClaimKind = "cooperation"
	ClaimGeneral          ClaimKind = "general"
)

// Claim is a factual assertion under verification
type Claim struct {
	ID           string       `json:"id"`
	Statement    string       `json:"statement"`
	Kind         ClaimKind    `json:"kind"`
	Status       ClaimStatus  `json:"status"`
	Tier         EvidenceTier `json:"tier"` // Best tier among supporting citations
	EvidenceEIDs []int64      `json:"evidenceEids"`
}

// ContradictionRecord documents two observations asserting mutually
// exclusive facts about the same claim. Its presence forbids a
// Confirmed/Official verdict until a higher-tier observation supersedes
// the conflict, in which case Resolution names the superseding EID.
type ContradictionRecord struct {
	ClaimID         string    `json:"claimId"`
	ConflictingEIDs []int64   `json:"conflictingEids"`
	DetectedAt      time.Time `json:"detectedAt"`
	Resolution      string    `json:"resolution,omitempty"`
	ResolvedByEID   int64     `json:"resolvedByEid,omitempty"`
}

// TimelineEvent is one chronological event in an investigation run
type TimelineEvent struct {
	At           time.Time `json:"at"`
	Kind         string    `json:"kind"` // "funding"/"trade"/"exit"/"announcement"/"contradiction"/"cluster"
	Description  string    `json:"description"`
	TxHash       string    `json:"txHash,omitempty"`
	EvidenceEID  int64     `json:"evidenceEid,omitempty"`
	TurningPoint bool      `json:"turningPoint"`
}
