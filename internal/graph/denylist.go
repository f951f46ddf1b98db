package graph

import (
	"strings"

	"github.com/rawblock/chaintrace-engine/internal/config"
)

// Infrastructure Denylist
//
// Known infrastructure addresses — exchange hot wallets, DEX routers,
// burn/dead addresses, liquidity pools — must never be treated as
// cluster members: funding through a shared exchange wallet is not
// evidence of coordination, it is how exchanges work.
//
// Lookup supports two forms loaded from configuration:
//   1. Exact address match (EVM routers, burn addresses)
//   2. Address prefix match (exchange hot wallet clusters; major
//      exchanges manage prefix-identifiable address ranges)
//
// In production deployments the configured set is a slice of a much
// larger tagged-address database; the engine only needs the lookup
// semantics to be stable.

// Denylist answers "is this address known infrastructure, and whose?"
type Denylist struct {
	exact    map[string]string // lowercased address → label
	prefixes map[string]string // case-preserved prefix → label
}

// NewDenylist builds the lookup maps from config. EVM addresses are
// matched case-insensitively; prefixes are matched as given, since
// base58/bech32 prefixes are case-significant.
func NewDenylist(cfg config.Denylist) *Denylist {
	dl := &Denylist{
		exact:    make(map[string]string, len(cfg.Addresses)),
		prefixes: make(map[string]string, len(cfg.Prefixes)),
	}
	for addr, label := range cfg.Addresses {
		dl.exact[strings.ToLower(addr)] = label
	}
	for prefix, label := range cfg.Prefixes {
		dl.prefixes[prefix] = label
	}
	return dl
}

// Lookup returns the infrastructure label for an address, if any
func (d *Denylist) Lookup(address string) (string, bool) {
	if label, ok := d.exact[strings.ToLower(address)]; ok {
		return label, true
	}
	for prefix, label := range d.prefixes {
		if strings.HasPrefix(address, prefix) {
			return label, true
		}
	}
	return "", false
}
