package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/rawblock/chaintrace-engine/internal/graph"
	"github.com/rawblock/chaintrace-engine/pkg/models"
)

// Observation normalizer.
//
// Provider payloads arrive in whatever shape the upstream API emits;
// everything downstream of here sees one uniform Observation record.
// The payload hash is a sha256 over the canonical JSON encoding of the
// normalized payload, which is what makes the ledger's idempotence
// check meaningful across re-fetches.

// ErrMalformedPayload is returned when a provider payload cannot be
// normalized into a valid observation.
var ErrMalformedPayload = errors.New("normalize: malformed payload")

var (
	evmAddressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	evmTxHashRe  = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
)

// Address canonicalizes a chain address. EVM addresses are validated
// as 20-byte hex and lowercased; Bitcoin addresses are decoded against
// mainnet parameters and re-encoded in their canonical form.
func Address(chain, addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	switch chain {
	case "btc":
		decoded, err := btcutil.DecodeAddress(addr, &chaincfg.MainNetParams)
		if err != nil {
			return "", fmt.Errorf("%w: btc address %q: %v", ErrMalformedPayload, addr, err)
		}
		return decoded.EncodeAddress(), nil
	default:
		if !evmAddressRe.MatchString(addr) {
			return "", fmt.Errorf("%w: %s address %q", ErrMalformedPayload, chain, addr)
		}
		return strings.ToLower(addr), nil
	}
}

// TxHash canonicalizes a transaction hash for the given chain
func TxHash(chain, h string) (string, error) {
	h = strings.TrimSpace(h)
	switch chain {
	case "btc":
		parsed, err := chainhash.NewHashFromStr(h)
		if err != nil {
			return "", fmt.Errorf("%w: btc tx hash %q: %v", ErrMalformedPayload, h, err)
		}
		return parsed.String(), nil
	default:
		if !evmTxHashRe.MatchString(h) {
			return "", fmt.Errorf("%w: %s tx hash %q", ErrMalformedPayload, chain, h)
		}
		return strings.ToLower(h), nil
	}
}

// PayloadHash returns the sha256 hex digest of the payload's canonical
// JSON encoding. Struct encoding order is fixed, so identical payloads
// always hash identically.
func PayloadHash(p models.ObservationPayload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// TierForSource assigns the default evidence tier from the source host.
// On-chain explorers rank P1; everything unrecognized ranks P2. P0 is
// never inferred: official statements are tagged by the caller, who
// knows the account is verified.
func TierForSource(sourceURL string) models.EvidenceTier {
	host := strings.ToLower(sourceURL)
	for _, h := range []string{"etherscan.io", "bscscan.com", "basescan.org", "blockstream.info", "mempool.space"} {
		if strings.Contains(host, h) {
			return models.TierP1
		}
	}
	return models.TierP2
}

// Transfer normalizes one transfer record into an observation
func Transfer(sourceURL string, fetchedAt time.Time, tier models.EvidenceTier, p models.TransferPayload) (models.Observation, error) {
	var err error
	if p.From, err = Address(p.Chain, p.From); err != nil {
		return models.Observation{}, err
	}
	if p.To, err = Address(p.Chain, p.To); err != nil {
		return models.Observation{}, err
	}
	if p.TxHash, err = TxHash(p.Chain, p.TxHash); err != nil {
		return models.Observation{}, err
	}
	if p.Amount < 0 || p.BlockTime.IsZero() {
		return models.Observation{}, fmt.Errorf("%w: transfer amount/time", ErrMalformedPayload)
	}
	payload := models.ObservationPayload{Transfer: &p}
	return build(sourceURL, fetchedAt, models.KindTransfer, tier, payload,
		[]string{graph.EntityID(models.EntityWallet, p.From), graph.EntityID(models.EntityWallet, p.To)}, nil)
}

// HolderSnapshot normalizes one holder-list row
func HolderSnapshot(sourceURL string, fetchedAt time.Time, tier models.EvidenceTier, p models.HolderPayload) (models.Observation, error) {
	var err error
	if p.Address, err = Address(p.Chain, p.Address); err != nil {
		return models.Observation{}, err
	}
	if p.BalancePct < 0 || p.BalancePct > 100 || p.SnapshotAt.IsZero() {
		return models.Observation{}, fmt.Errorf("%w: holder snapshot fields", ErrMalformedPayload)
	}
	payload := models.ObservationPayload{Holder: &p}
	return build(sourceURL, fetchedAt, models.KindHolderSnapshot, tier, payload,
		[]string{graph.EntityID(models.EntityWallet, p.Address)}, nil)
}

// SocialPost normalizes one social-media post
func SocialPost(sourceURL string, fetchedAt time.Time, tier models.EvidenceTier, p models.SocialPayload) (models.Observation, error) {
	if p.Handle == "" || p.PostedAt.IsZero() {
		return models.Observation{}, fmt.Errorf("%w: social post fields", ErrMalformedPayload)
	}
	p.Handle = strings.ToLower(strings.TrimPrefix(p.Handle, "@"))
	payload := models.ObservationPayload{Social: &p}
	return build(sourceURL, fetchedAt, models.KindSocialPost, tier, payload,
		[]string{graph.EntityID(models.EntitySocialHandle, p.Handle)}, nil)
}

// DomainRecord normalizes one DNS/WHOIS record
func DomainRecord(sourceURL string, fetchedAt time.Time, tier models.EvidenceTier, p models.DomainPayload) (models.Observation, error) {
	if p.Domain == "" {
		return models.Observation{}, fmt.Errorf("%w: empty domain", ErrMalformedPayload)
	}
	p.Domain = strings.ToLower(strings.TrimSuffix(p.Domain, "."))
	payload := models.ObservationPayload{Domain: &p}
	return build(sourceURL, fetchedAt, models.KindDomainRecord, tier, payload,
		[]string{graph.EntityID(models.EntityDomain, p.Domain)}, nil)
}

// Statement normalizes a claim-bearing assertion
func Statement(sourceURL string, fetchedAt time.Time, tier models.EvidenceTier, p models.StatementPayload) (models.Observation, error) {
	if p.ClaimID == "" || p.Statement == "" {
		return models.Observation{}, fmt.Errorf("%w: statement fields", ErrMalformedPayload)
	}
	payload := models.ObservationPayload{Statement: &p}
	return build(sourceURL, fetchedAt, models.KindStatement, tier, payload, nil, []string{p.ClaimID})
}

func build(sourceURL string, fetchedAt time.Time, kind models.ObservationKind, tier models.EvidenceTier, payload models.ObservationPayload, entityRefs, claimRefs []string) (models.Observation, error) {
	if sourceURL == "" || fetchedAt.IsZero() {
		return models.Observation{}, fmt.Errorf("%w: missing source url or fetch time", ErrMalformedPayload)
	}
	hash, err := PayloadHash(payload)
	if err != nil {
		return models.Observation{}, err
	}
	return models.Observation{
		SourceURL:   sourceURL,
		FetchedAt:   fetchedAt.UTC(),
		Kind:        kind,
		Tier:        tier,
		PayloadHash: hash,
		Payload:     payload,
		EntityRefs:  entityRefs,
		ClaimRefs:   claimRefs,
	}, nil
}
