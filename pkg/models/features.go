package models

import "time"

// WalletFeatures holds the per-wallet features consumed by scoring.
// Extraction is pure over a graph snapshot: identical inputs always
// yield identical features, which is what makes calibration replayable.
type WalletFeatures struct {
	EntityID       string        `json:"entityId"`
	FirstFunder    string        `json:"firstFunder"` // Entity ID of the first inbound transfer's sender
	FirstFundTime  time.Time     `json:"firstFundTime"`
	FirstFundTx    string        `json:"firstFundTx"` // Tx hash anchoring the deterministic shared-funder signal
	FirstBuyTime   time.Time     `json:"firstBuyTime"`
	FirstBuyAmount float64       `json:"firstBuyAmount"`
	DeltaTFirstBuy time.Duration `json:"deltaTFirstBuy"` // Relative to the caller-supplied announcement time
	BuyWindows     []int         `json:"buyWindows"`     // Bucketed buy counts over the scoring window
	SellWindows    []int         `json:"sellWindows"`
	TotalInbound   float64       `json:"totalInbound"`
	TotalOutbound  float64       `json:"totalOutbound"`
	ProfitSink     string        `json:"profitSink"` // Entity ID receiving the largest cumulative outbound value
	ProfitSinkTx   string        `json:"profitSinkTx"`
	PreAnnounceIn  float64       `json:"preAnnounceIn"` // Inbound value accumulated before the announcement
	EvidenceEIDs   []int64       `json:"evidenceEids"`
}

// PairFeatures holds the pairwise coordination features in [0,1].
// Symmetric by construction: swapping A and B yields identical values.
type PairFeatures struct {
	A            string  `json:"a"` // Entity ID
	B            string  `json:"b"`
	CoFunder     float64 `json:"coFunder"`
	CoTime       float64 `json:"coTime"`
	CoAmount     float64 `json:"coAmount"`
	CoExit       float64 `json:"coExit"`
	SharedSink   float64 `json:"sharedSink"`
	SharedFunder string  `json:"sharedFunder,omitempty"` // Entity ID when CoFunder is deterministic
	SharedFundTx string  `json:"sharedFundTx,omitempty"` // Tx hash backing the deterministic signal
	SharedSinkID string  `json:"sharedSinkId,omitempty"`
	EvidenceEIDs []int64 `json:"evidenceEids"`
}

// InsiderFeatures holds the cluster-level features for insider scoring
type InsiderFeatures struct {
	PrePumpAccumulation float64 `json:"prePumpAccumulation"`
	EarlyClusterShare   float64 `json:"earlyClusterShare"`
	SynchronizedExit    float64 `json:"synchronizedExit"`
	SharedFunder        float64 `json:"sharedFunder"`
	SharedSink          float64 `json:"sharedSink"`
}
