package models

// SignalTier partitions scoring signals by verifiability.
// Deterministic signals trace to a single transaction hash or shared
// final-destination address and can be re-verified by re-executing the
// query. Heuristic signals are statistical co-occurrence.
type SignalTier string

const (
	SignalDeterministic SignalTier = "deterministic"
	SignalHeuristic     SignalTier = "heuristic"
)

// Signal is one scored contribution to a cluster verdict
type Signal struct {
	Name         string     `json:"name"`
	Tier         SignalTier `json:"tier"`
	Value        float64    `json:"value"`
	TxHash       string     `json:"txHash,omitempty"` // Set for deterministic signals
	EvidenceEIDs []int64    `json:"evidenceEids,omitempty"`
}

// Cluster verdict labels, ordered strongest first. Labels use the same
// vocabulary as the calibration pipeline so score records round-trip.
const (
	RelationHighConfidence = "high_confidence_linked_cluster"
	RelationSuspected      = "suspected_linked_cluster"
	RelationWeak           = "weak_link"

	InsiderHighProbability = "high_probability_insider"
	InsiderSuspected       = "suspected_insider"
	InsiderInsufficient    = "insufficient_evidence"
)

// Cluster is a derived grouping of coordinated wallet entities.
// Never hand-edited: recomputed whenever the underlying edges or
// features change.
type Cluster struct {
	ID                      string   `json:"id"`
	Members                 []string `json:"members"` // Entity IDs, wallets only
	RelationScore           float64  `json:"relationScore"`
	InsiderScore            float64  `json:"insiderScore"`
	LinkConfidence          float64  `json:"linkConfidence"` // 0-100
	RelationLabel           string   `json:"relationLabel"`
	InsiderLabel            string   `json:"insiderLabel"`
	Signals                 []Signal `json:"signals"`
	DeterministicSignals    int      `json:"deterministicSignals"`
	HeuristicSignals        int      `json:"heuristicSignals"`
	AlternativeExplanations []string `json:"alternativeExplanations,omitempty"`
	Demoted                 bool     `json:"demoted"` // True when the false-positive library forced a tier down
	EvidenceEIDs            []int64  `json:"evidenceEids"`
	ThresholdProvenance     string   `json:"thresholdProvenance"` // "default" or "calibrated:<bucket>"
}
