package models

import "time"

// EvidenceTier classifies source authority for an observation.
// Every downstream conclusion inherits the weakest tier of its citations,
// so tiers are assigned once at normalization time and never rewritten.
type EvidenceTier int

const (
	TierP0 EvidenceTier = iota // Official statement (project docs, verified account)
	TierP1                     // On-chain endorsement (contract state, signed message)
	TierP2                     // Secondary listing (aggregators, scanners, unverified posts)
)

func (t EvidenceTier) String() string {
	switch t {
	case TierP0:
		return "P0"
	case TierP1:
		return "P1"
	case TierP2:
		return "P2"
	default:
		return "unknown"
	}
}

// ObservationKind identifies the shape of an observation payload
type ObservationKind string

const (
	KindTransfer       ObservationKind = "transfer"
	KindHolderSnapshot ObservationKind = "holder_snapshot"
	KindSocialPost     ObservationKind = "social_post"
	KindDomainRecord   ObservationKind = "domain_record"
	KindStatement      ObservationKind = "statement" // Claim-bearing assertion (CA published, partnership, etc.)
)

// Observation is one provenance-tagged fact recorded in the Evidence Ledger.
// Immutable once recorded. EID is assigned by the ledger, monotonically,
// and is the citation key used by every derived conclusion.
type Observation struct {
	EID         int64              `json:"eid"`
	SourceURL   string             `json:"sourceUrl"`
	FetchedAt   time.Time          `json:"fetchedAt"`
	Kind        ObservationKind    `json:"kind"`
	Tier        EvidenceTier       `json:"tier"`
	PayloadHash string             `json:"payloadHash"` // SHA256 of the canonical payload encoding
	Payload     ObservationPayload `json:"payload"`
	EntityRefs  []string           `json:"entityRefs,omitempty"` // Entity IDs this observation mentions
	ClaimRefs   []string           `json:"claimRefs,omitempty"`  // Claim IDs this observation bears on
}

// ObservationPayload carries exactly one kind-specific payload.
// The zero sub-pointers are omitted from JSON, matching the wire shape
// produced by the normalizer.
type ObservationPayload struct {
	Transfer  *TransferPayload  `json:"transfer,omitempty"`
	Holder    *HolderPayload    `json:"holder,omitempty"`
	Social    *SocialPayload    `json:"social,omitempty"`
	Domain    *DomainPayload    `json:"domain,omitempty"`
	Statement *StatementPayload `json:"statement,omitempty"`
}

// HasPayloadFor reports whether the payload carries the sub-record the
// kind names. An observation whose kind and payload disagree is
// malformed; unknown kinds report false.
func (p ObservationPayload) HasPayloadFor(kind ObservationKind) bool {
	switch kind {
	case KindTransfer:
		return p.Transfer != nil
	case KindHolderSnapshot:
		return p.Holder != nil
	case KindSocialPost:
		return p.Social != nil
	case KindDomainRecord:
		return p.Domain != nil
	case KindStatement:
		return p.Statement != nil
	default:
		return false
	}
}

// TransferPayload is a normalized on-chain value movement
type TransferPayload struct {
	Chain     string    `json:"chain"` // "eth"/"bsc"/"base"/"sol"/"btc"
	TxHash    string    `json:"txHash"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Asset     string    `json:"asset"`
	Amount    float64   `json:"amount"`
	AmountUSD float64   `json:"amountUsd,omitempty"`
	BlockTime time.Time `json:"blockTime"`
	Hint      string    `json:"hint,omitempty"` // "funding"/"trade"/"exit" when the provider disambiguates
}

// HolderPayload is one row of a token holder snapshot
type HolderPayload struct {
	Chain      string    `json:"chain"`
	Address    string    `json:"address"`
	Balance    float64   `json:"balance"`
	BalancePct float64   `json:"balancePct"` // Share of total supply, 0-100
	TxCount    int       `json:"txCount"`
	GasBalance float64   `json:"gasBalance"` // Native-coin balance available for gas
	SnapshotAt time.Time `json:"snapshotAt"`
}

// SocialPayload is a normalized social media post
type SocialPayload struct {
	Platform string    `json:"platform"` // "twitter"/"telegram"/"discord"
	Handle   string    `json:"handle"`
	PostID   string    `json:"postId"`
	Text     string    `json:"text"`
	PostedAt time.Time `json:"postedAt"`
}

// DomainPayload is a normalized DNS/WHOIS record
type DomainPayload struct {
	Domain       string    `json:"domain"`
	Registrar    string    `json:"registrar,omitempty"`
	RegisteredAt time.Time `json:"registeredAt,omitempty"`
	NameServers  []string  `json:"nameServers,omitempty"`
}

// StatementPayload is a claim-bearing assertion extracted from a source.
// Asserts=false records an explicit denial ("token not yet launched"),
// which is what makes contradiction detection possible.
type StatementPayload struct {
	ClaimID   string `json:"claimId"`
	Statement string `json:"statement"`
	Asserts   bool   `json:"asserts"`
}
