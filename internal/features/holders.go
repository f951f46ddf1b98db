package features

import (
	"fmt"
	"sort"

	"github.com/rawblock/chaintrace-engine/internal/config"
	"github.com/rawblock/chaintrace-engine/pkg/models"
)

// Suspicious Holder Detection
//
// Flags holder-snapshot patterns that recur in coordinated launches:
//   - Zero-tx large holders (pre-seeded allocations that never moved)
//   - Single-tx large holders (funded once, never sold)
//   - Large holders without enough native balance to pay for gas
//   - Large holdings with minimal overall activity
//
// Each flag carries an additive score; findings sort by total risk.
// Thresholds come from configuration, not constants, so they follow the
// same calibration workflow as the scoring weights.

// HolderFlag is one matched suspicion pattern
type HolderFlag struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Severity    string `json:"severity"` // critical/high/medium/low
	Score       int    `json:"score"`
}

// HolderFinding is a flagged holder with its combined risk score
type HolderFinding struct {
	Address        string       `json:"address"`
	BalancePct     float64      `json:"balancePct"`
	TxCount        int          `json:"txCount"`
	GasBalance     float64      `json:"gasBalance"`
	Flags          []HolderFlag `json:"flags"`
	RiskScore      int          `json:"riskScore"`
	Recommendation string       `json:"recommendation"`
}

// DetectSuspiciousHolders analyzes a holder snapshot and returns flagged
// holders sorted by risk score, highest first.
func DetectSuspiciousHolders(holders []models.HolderPayload, cfg config.Holder) []HolderFinding {
	var findings []HolderFinding

	for _, h := range holders {
		flags := analyzeHolder(h, cfg)
		if len(flags) == 0 {
			continue
		}

		score := 0
		for _, f := range flags {
			score += f.Score
		}
		findings = append(findings, HolderFinding{
			Address:        h.Address,
			BalancePct:     h.BalancePct,
			TxCount:        h.TxCount,
			GasBalance:     h.GasBalance,
			Flags:          flags,
			RiskScore:      score,
			Recommendation: recommend(score),
		})
	}

	sort.SliceStable(findings, func(i, j int) bool { return findings[i].RiskScore > findings[j].RiskScore })
	return findings
}

func analyzeHolder(h models.HolderPayload, cfg config.Holder) []HolderFlag {
	var flags []HolderFlag

	if h.TxCount == 0 && h.BalancePct >= cfg.MinSuspiciousPct {
		flags = append(flags, HolderFlag{
			Type:        "ZERO_TX_LARGE_HOLDING",
			Description: fmt.Sprintf("Zero transactions but holds %.2f%% of supply", h.BalancePct),
			Severity:    "critical",
			Score:       40,
		})
	}

	if h.TxCount == 1 && h.BalancePct >= cfg.MinSuspiciousPct {
		flags = append(flags, HolderFlag{
			Type:        "SINGLE_TX_LARGE_HOLDING",
			Description: fmt.Sprintf("Only 1 transaction but holds %.2f%% of supply", h.BalancePct),
			Severity:    "high",
			Score:       30,
		})
	}

	if h.GasBalance < cfg.MinGasBalance {
		flags = append(flags, HolderFlag{
			Type:        "INSUFFICIENT_GAS",
			Description: fmt.Sprintf("Only %.6f native balance (< %.3f threshold)", h.GasBalance, cfg.MinGasBalance),
			Severity:    "medium",
			Score:       20,
		})
	}

	if h.BalancePct >= 1.5 && h.TxCount > 0 && h.TxCount < 5 {
		flags = append(flags, HolderFlag{
			Type:        "LARGE_HOLDING_LOW_ACTIVITY",
			Description: fmt.Sprintf("Holds %.2f%% with only %d transactions", h.BalancePct, h.TxCount),
			Severity:    "medium",
			Score:       15,
		})
	}

	return flags
}

func recommend(score int) string {
	switch {
	case score >= 60:
		return "investigate immediately: strong pre-seed signature"
	case score >= 40:
		return "add to watchlist and trace funding source"
	case score >= 20:
		return "monitor for first movement"
	default:
		return "low priority"
	}
}
