package acquire

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/rawblock/chaintrace-engine/pkg/models"
)

// Poll sources. These adapt the chain clients onto the Monitor's
// Source interface so config-declared feeds can stream straight into a
// run's ingestion loop.

// mempoolTxPerTick caps how many unresolved mempool transactions one
// tick expands; the rest are picked up on later ticks.
const mempoolTxPerTick = 25

// TokenActivitySource polls an EVM explorer for a token's transfer
// history and holder snapshot.
type TokenActivitySource struct {
	client  *EVMClient
	token   string
	address string
	log     zerolog.Logger
}

func NewTokenActivitySource(client *EVMClient, token, address string, log zerolog.Logger) *TokenActivitySource {
	return &TokenActivitySource{
		client:  client,
		token:   token,
		address: address,
		log:     log.With().Str("component", "acquire.source").Str("token", token).Logger(),
	}
}

func (s *TokenActivitySource) Poll(ctx context.Context) ([]models.Observation, error) {
	var out []models.Observation
	if s.address != "" {
		transfers, err := s.client.TokenTransfers(ctx, s.token, s.address)
		if err != nil {
			return nil, err
		}
		out = append(out, transfers...)
	}
	holders, err := s.client.HolderSnapshot(ctx, s.token)
	if err != nil {
		// Transfers already fetched still count; holder data is a gap.
		s.log.Warn().Err(err).Msg("holder snapshot unavailable")
		return out, nil
	}
	return append(out, holders...), nil
}

// MempoolSource polls a Bitcoin node's mempool and expands new
// transactions into transfer observations.
type MempoolSource struct {
	client *BitcoinClient
	seen   map[string]bool
	log    zerolog.Logger
}

func NewMempoolSource(client *BitcoinClient, log zerolog.Logger) *MempoolSource {
	return &MempoolSource{
		client: client,
		seen:   make(map[string]bool),
		log:    log.With().Str("component", "acquire.source").Str("chain", "btc").Logger(),
	}
}

func (s *MempoolSource) Poll(ctx context.Context) ([]models.Observation, error) {
	txids, err := s.client.Mempool()
	if err != nil {
		return nil, err
	}

	var out []models.Observation
	resolved := 0
	for _, txid := range txids {
		if s.seen[txid] {
			continue
		}
		if resolved >= mempoolTxPerTick {
			break
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}
		obs, err := s.client.TransactionObservations(txid)
		if err != nil {
			s.log.Debug().Err(err).Str("txid", txid).Msg("transaction lookup failed")
			continue
		}
		s.seen[txid] = true
		resolved++
		out = append(out, obs...)
	}
	return out, nil
}
