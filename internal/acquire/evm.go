package acquire

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rawblock/chaintrace-engine/internal/config"
	"github.com/rawblock/chaintrace-engine/internal/normalize"
	"github.com/rawblock/chaintrace-engine/pkg/models"
)

// EVM explorer adapter. Fetches token transfers and holder snapshots
// from etherscan-family APIs and hands back normalized observations;
// nothing provider-specific leaves this file.

type EVMClient struct {
	chain string
	pool  *Pool
	log   zerolog.Logger
	now   func() time.Time
}

func NewEVMClient(chain string, endpoints []Endpoint, cfg config.Acquire, log zerolog.Logger) *EVMClient {
	return &EVMClient{
		chain: chain,
		pool:  NewPool(endpoints, cfg, log),
		log:   log.With().Str("component", "acquire.evm").Str("chain", chain).Logger(),
		now:   time.Now,
	}
}

// explorer wire formats, etherscan-compatible
type evmTransferRow struct {
	Hash      string `json:"hash"`
	From      string `json:"from"`
	To        string `json:"to"`
	Value     string `json:"value"`
	TokenSym  string `json:"tokenSymbol"`
	TimeStamp string `json:"timeStamp"`
}

type evmHolderRow struct {
	Address  string  `json:"TokenHolderAddress"`
	Quantity float64 `json:"TokenHolderQuantity,string"`
	Share    float64 `json:"TokenHolderShare,string"`
}

type evmEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// TokenTransfers fetches the transfer history for one address and
// returns it as normalized observations. Rows that fail normalization
// are skipped and counted, never fatal for the batch.
func (c *EVMClient) TokenTransfers(ctx context.Context, token, address string) ([]models.Observation, error) {
	path := fmt.Sprintf("/api?module=account&action=tokentx&contractaddress=%s&address=%s&sort=asc", token, address)
	body, err := c.pool.Fetch(ctx, path)
	if err != nil {
		return nil, err
	}
	rows, err := decodeEnvelope[[]evmTransferRow](body)
	if err != nil {
		return nil, err
	}

	sourceURL := fmt.Sprintf("https://%sscan/token/%s?a=%s", c.chain, token, address)
	fetchedAt := c.now().UTC()
	tier := normalize.TierForSource(sourceURL)

	out := make([]models.Observation, 0, len(rows))
	skipped := 0
	for _, row := range rows {
		blockTime, amount, err := parseRow(row.TimeStamp, row.Value)
		if err != nil {
			skipped++
			continue
		}
		obs, err := normalize.Transfer(sourceURL, fetchedAt, tier, models.TransferPayload{
			Chain:     c.chain,
			TxHash:    row.Hash,
			From:      row.From,
			To:        row.To,
			Asset:     row.TokenSym,
			Amount:    amount,
			BlockTime: blockTime,
		})
		if err != nil {
			skipped++
			continue
		}
		out = append(out, obs)
	}
	if skipped > 0 {
		c.log.Warn().Int("skipped", skipped).Str("address", address).Msg("dropped malformed transfer rows")
	}
	return out, nil
}

// HolderSnapshot fetches the current top-holder list for a token
func (c *EVMClient) HolderSnapshot(ctx context.Context, token string) ([]models.Observation, error) {
	path := fmt.Sprintf("/api?module=token&action=tokenholderlist&contractaddress=%s", token)
	body, err := c.pool.Fetch(ctx, path)
	if err != nil {
		return nil, err
	}
	rows, err := decodeEnvelope[[]evmHolderRow](body)
	if err != nil {
		return nil, err
	}

	sourceURL := fmt.Sprintf("https://%sscan/token/%s#balances", c.chain, token)
	fetchedAt := c.now().UTC()
	tier := normalize.TierForSource(sourceURL)

	out := make([]models.Observation, 0, len(rows))
	for _, row := range rows {
		obs, err := normalize.HolderSnapshot(sourceURL, fetchedAt, tier, models.HolderPayload{
			Chain:      c.chain,
			Address:    row.Address,
			Balance:    row.Quantity,
			BalancePct: row.Share,
			SnapshotAt: fetchedAt,
		})
		if err != nil {
			continue
		}
		out = append(out, obs)
	}
	return out, nil
}

func decodeEnvelope[T any](body []byte) (T, error) {
	var zero T
	var env evmEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return zero, &FetchError{Kind: FetchMalformed, Err: err}
	}
	if env.Status != "1" {
		return zero, &FetchError{Kind: FetchMalformed, Err: fmt.Errorf("explorer error: %s", env.Message)}
	}
	var result T
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return zero, &FetchError{Kind: FetchMalformed, Err: err}
	}
	return result, nil
}

func parseRow(ts, value string) (time.Time, float64, error) {
	var unix int64
	if _, err := fmt.Sscanf(ts, "%d", &unix); err != nil || unix <= 0 {
		return time.Time{}, 0, fmt.Errorf("bad timestamp %q", ts)
	}
	var amount float64
	if _, err := fmt.Sscanf(value, "%f", &amount); err != nil {
		return time.Time{}, 0, fmt.Errorf("bad value %q", value)
	}
	return time.Unix(unix, 0).UTC(), amount, nil
}
