package acquire

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/rs/zerolog"

	"github.com/rawblock/chaintrace-engine/internal/normalize"
	"github.com/rawblock/chaintrace-engine/pkg/models"
)

// Bitcoin acquisition adapter. Talks JSON-RPC to a Bitcoin Core node
// and flattens each transaction into per-output transfer observations.
// Input attribution follows the largest-input convention: the address
// behind the biggest input is treated as the sender for every output.

type BitcoinConfig struct {
	Host string
	User string
	Pass string
}

type BitcoinClient struct {
	rpc *rpcclient.Client
	log zerolog.Logger
	now func() time.Time
}

func NewBitcoinClient(cfg BitcoinConfig, log zerolog.Logger) (*BitcoinClient, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true, // Bitcoin Core only supports HTTP POST mode
		DisableTLS:   true,
	}
	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("acquire: btc rpc: %w", err)
	}
	height, err := client.GetBlockCount()
	if err != nil {
		client.Shutdown()
		return nil, fmt.Errorf("acquire: btc rpc unreachable: %w", err)
	}
	l := log.With().Str("component", "acquire.btc").Logger()
	l.Info().Int64("height", height).Str("host", cfg.Host).Msg("connected to bitcoin node")
	return &BitcoinClient{rpc: client, log: l, now: time.Now}, nil
}

func (c *BitcoinClient) Shutdown() { c.rpc.Shutdown() }

// Mempool returns the txids currently in the node's mempool
func (c *BitcoinClient) Mempool() ([]string, error) {
	hashes, err := c.rpc.GetRawMempool()
	if err != nil {
		return nil, fmt.Errorf("acquire: btc mempool: %w", err)
	}
	out := make([]string, len(hashes))
	for i, h := range hashes {
		out[i] = h.String()
	}
	return out, nil
}

// TransactionObservations resolves one transaction into normalized
// transfer observations, one per standard output.
func (c *BitcoinClient) TransactionObservations(txid string) ([]models.Observation, error) {
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, fmt.Errorf("acquire: btc txid %q: %w", txid, err)
	}
	tx, err := c.rpc.GetRawTransactionVerbose(hash)
	if err != nil {
		return nil, fmt.Errorf("acquire: btc tx %s: %w", txid, err)
	}

	sender := c.largestInputAddress(tx)
	blockTime := time.Unix(tx.Blocktime, 0).UTC()
	if tx.Blocktime == 0 {
		blockTime = c.now().UTC() // Unconfirmed, seen in mempool
	}
	sourceURL := "https://mempool.space/tx/" + tx.Txid
	fetchedAt := c.now().UTC()

	var out []models.Observation
	for _, vout := range tx.Vout {
		addr := outputAddress(vout)
		if addr == "" || sender == "" || addr == sender {
			continue
		}
		obs, err := normalize.Transfer(sourceURL, fetchedAt, models.TierP1, models.TransferPayload{
			Chain:     "btc",
			TxHash:    tx.Txid,
			From:      sender,
			To:        addr,
			Asset:     "BTC",
			Amount:    vout.Value,
			BlockTime: blockTime,
		})
		if err != nil {
			c.log.Debug().Str("tx", tx.Txid).Err(err).Msg("skipping unnormalizable output")
			continue
		}
		out = append(out, obs)
	}
	return out, nil
}

// largestInputAddress resolves each input's previous output and picks
// the address funding the most value into the transaction.
func (c *BitcoinClient) largestInputAddress(tx *btcjson.TxRawResult) string {
	var best string
	var bestValue float64
	for _, vin := range tx.Vin {
		if vin.Txid == "" {
			continue // Coinbase
		}
		prevHash, err := chainhash.NewHashFromStr(vin.Txid)
		if err != nil {
			continue
		}
		prev, err := c.rpc.GetRawTransactionVerbose(prevHash)
		if err != nil || int(vin.Vout) >= len(prev.Vout) {
			continue
		}
		pOut := prev.Vout[vin.Vout]
		addr := outputAddress(pOut)
		if addr != "" && pOut.Value > bestValue {
			best, bestValue = addr, pOut.Value
		}
	}
	return best
}

func outputAddress(vout btcjson.Vout) string {
	if vout.ScriptPubKey.Address != "" {
		return vout.ScriptPubKey.Address
	}
	if len(vout.ScriptPubKey.Addresses) > 0 {
		return vout.ScriptPubKey.Addresses[0]
	}
	return ""
}
