package scoring

import (
	"github.com/rawblock/chaintrace-engine/pkg/models"
)

// False-Positive Library
//
// Benign activity patterns whose feature profiles mimic coordinated
// clusters. Before a high-risk verdict is finalized, every candidate
// cluster is checked against these; a plausible match demotes the
// verdict one tier and records the alternative explanation on the
// cluster, so the report shows WHY the engine held back.
//
//   market_maker_round_trip  — balanced two-way flow, many trades
//   exchange_consolidation    — profits route to infrastructure
//   airdrop_fan_out           — one funder seeds many wallets that never buy

// AlternativeExplanation names a benign pattern that fits the cluster
type AlternativeExplanation struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// falsePositiveCheck inspects one candidate cluster's member features
type falsePositiveCheck func(members []models.WalletFeatures, insider models.InsiderFeatures) *AlternativeExplanation

var falsePositiveLibrary = []falsePositiveCheck{
	checkMarketMakerRoundTrip,
	checkExchangeConsolidation,
	checkAirdropFanOut,
}

// EvaluateFalsePositives returns every benign pattern that fits the
// cluster's feature profile. Empty result means no demotion.
func EvaluateFalsePositives(members []models.WalletFeatures, insider models.InsiderFeatures, isInfra func(string) bool) []AlternativeExplanation {
	var out []AlternativeExplanation
	seen := make(map[string]bool)
	add := func(alt *AlternativeExplanation) {
		if alt != nil && !seen[alt.Name] {
			seen[alt.Name] = true
			out = append(out, *alt)
		}
	}
	for _, check := range falsePositiveLibrary {
		add(check(members, insider))
	}
	add(checkInfraSink(members, isInfra))
	return out
}

// checkMarketMakerRoundTrip: market makers and arbitrage bots move value
// both ways in near-equal volume. Coordinated insiders accumulate then
// exit; balanced flow is the opposite signature.
func checkMarketMakerRoundTrip(members []models.WalletFeatures, _ models.InsiderFeatures) *AlternativeExplanation {
	if len(members) == 0 {
		return nil
	}
	balanced := 0
	for _, m := range members {
		if m.TotalInbound == 0 || m.TotalOutbound == 0 {
			continue
		}
		ratio := m.TotalOutbound / m.TotalInbound
		if ratio > 0.85 && ratio < 1.15 {
			balanced++
		}
	}
	if balanced*2 >= len(members) {
		return &AlternativeExplanation{
			Name:        "market_maker_round_trip",
			Description: "majority of members show balanced two-way flow consistent with market making or arbitrage",
		}
	}
	return nil
}

// checkExchangeConsolidation is structural: synchronized exits with no
// pre-announcement accumulation look like scheduled exchange sweeps,
// not insiders cashing out a position built in advance.
func checkExchangeConsolidation(_ []models.WalletFeatures, insider models.InsiderFeatures) *AlternativeExplanation {
	if insider.SynchronizedExit > 0.9 && insider.PrePumpAccumulation < 0.05 {
		return &AlternativeExplanation{
			Name:        "exchange_consolidation",
			Description: "synchronized outflow without prior accumulation matches scheduled exchange consolidation",
		}
	}
	return nil
}

// checkAirdropFanOut: an airdrop seeds many wallets from one funder with
// identical amounts; recipients that never bought are not a trading ring.
func checkAirdropFanOut(members []models.WalletFeatures, insider models.InsiderFeatures) *AlternativeExplanation {
	if len(members) < 3 || insider.SharedFunder < 0.9 {
		return nil
	}
	neverBought := 0
	for _, m := range members {
		if m.FirstBuyTime.IsZero() {
			neverBought++
		}
	}
	if neverBought*2 >= len(members) {
		return &AlternativeExplanation{
			Name:        "airdrop_fan_out",
			Description: "shared funder seeded wallets that never traded, consistent with an airdrop distribution",
		}
	}
	return nil
}

// checkInfraSink: profits all routing to a denylisted address is an
// exchange deposit pattern, not a shared private sink.
func checkInfraSink(members []models.WalletFeatures, isInfra func(string) bool) *AlternativeExplanation {
	if len(members) == 0 || isInfra == nil {
		return nil
	}
	infraSinks := 0
	for _, m := range members {
		if m.ProfitSink != "" && isInfra(m.ProfitSink) {
			infraSinks++
		}
	}
	if infraSinks == len(members) {
		return &AlternativeExplanation{
			Name:        "exchange_consolidation",
			Description: "all member profits route to known infrastructure deposit addresses",
		}
	}
	return nil
}
