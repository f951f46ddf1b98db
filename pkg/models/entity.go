package models

import "time"

// EntityType enumerates the node kinds in the entity graph
type EntityType string

const (
	EntityWallet       EntityType = "wallet"
	EntityContract     EntityType = "contract"
	EntityLPPair       EntityType = "lp_pair"
	EntityDomain       EntityType = "domain"
	EntitySocialHandle EntityType = "social_handle"
)

// AttributeValue is one attribute with its supporting citations.
// Attributes accumulate monotonically: a new value supersedes the old one
// but the superseded value's evidence remains in the ledger.
type AttributeValue struct {
	Value        string  `json:"value"`
	EvidenceEIDs []int64 `json:"evidenceEids"`
}

// Entity is a typed node in the evidence graph.
// Uniqueness key is (Type, Key); ID is derived from that pair.
type Entity struct {
	ID             string                    `json:"id"`
	Type           EntityType                `json:"type"`
	Key            string                    `json:"key"` // Address or handle
	FirstSeen      time.Time                 `json:"firstSeen"`
	Infrastructure bool                      `json:"infrastructure"` // Denylisted: never a cluster member
	InfraLabel     string                    `json:"infraLabel,omitempty"`
	Attributes     map[string]AttributeValue `json:"attributes,omitempty"`
}

// EdgeType enumerates the relationship kinds in the entity graph
type EdgeType string

const (
	EdgeFunding  EdgeType = "funding"
	EdgeTrade    EdgeType = "trade"
	EdgeTransfer EdgeType = "transfer"
	EdgeExit     EdgeType = "exit"
	EdgeClaims   EdgeType = "claims"
	EdgeLinks    EdgeType = "links"
	EdgeMentions EdgeType = "mentions"
)

// Edge is a typed, evidence-backed relationship between two entities.
// Edges are deduplicated on (From, To, Type); repeated observations merge
// their EIDs into the existing edge instead of creating a parallel one.
type Edge struct {
	From         string             `json:"from"` // Entity ID
	To           string             `json:"to"`   // Entity ID
	Type         EdgeType           `json:"type"`
	EvidenceEIDs []int64            `json:"evidenceEids"`
	Weights      map[string]float64 `json:"weights,omitempty"` // Feature weights attached by the extractor
}
