// Package chainrpc wraps the blockchain node's RPC interface with the
// handful of calls the coinswap roles need: looking up a UTXO's
// confirmation state, broadcasting a transaction, and finding the witness
// of whatever transaction spends a given output.
package chainrpc

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"

	"github.com/btcswap/coinswap/coinswaperr"
)

// Config carries the connection parameters for the backing node's RPC
// server, the same fields chainregistry.go assembles into a
// rpcclient.ConnConfig.
type Config struct {
	Host         string
	User         string
	Pass         string
	Certificates []byte
	DisableTLS   bool
}

// Client wraps *rpcclient.Client with the coinswap-specific convenience
// methods built on top of the raw RPC calls.
type Client struct {
	rpc *rpcclient.Client
}

// New builds a client for the node's RPC server. It runs in HTTP POST
// mode, in which rpcclient.New opens no connection: the node is first
// contacted by the first RPC call, so an unreachable node surfaces as
// that call's error rather than as an error from New.
func New(cfg Config) (*Client, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		Certificates: cfg.Certificates,
		DisableTLS:   cfg.DisableTLS,
		HTTPPostMode: true,
	}

	rpc, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, coinswaperr.RPC(fmt.Errorf("chainrpc: dial: %w", err))
	}

	log.Infof("chainrpc: connected to %s", cfg.Host)
	return &Client{rpc: rpc}, nil
}

// Shutdown closes the RPC connection.
func (c *Client) Shutdown() {
	c.rpc.Shutdown()
}

// TxOutResult reports a UTXO's on-chain state: whether it's spent and, if
// unspent, how many confirmations it has and what its scriptPubKey is.
type TxOutResult struct {
	Exists        bool
	Confirmations int64
	Value         int64
	PkScript      []byte
}

// GetTxOut fetches the current state of outpoint, the RPC backing for
// proof-of-funding's confirmation check ("funding tx not confirmed" /
// "funding tx output doesnt exist").
func (c *Client) GetTxOut(txid chainhash.Hash, index uint32) (TxOutResult, error) {
	result, err := c.rpc.GetTxOut(&txid, index, false)
	if err != nil {
		return TxOutResult{}, coinswaperr.RPC(fmt.Errorf("chainrpc: gettxout: %w", err))
	}
	if result == nil {
		return TxOutResult{Exists: false}, nil
	}

	pkScript, err := decodeHexScript(result.ScriptPubKey.Hex)
	if err != nil {
		return TxOutResult{}, coinswaperr.RPC(fmt.Errorf("chainrpc: gettxout: %w", err))
	}

	return TxOutResult{
		Exists:        true,
		Confirmations: result.Confirmations,
		Value:         btcToSatoshis(result.Value),
		PkScript:      pkScript,
	}, nil
}

// GetTxOutConfirmations is the narrow view of GetTxOut that proof-of-
// funding validation needs, satisfying maker.ChainBackend without that
// package importing chainrpc's full result type.
func (c *Client) GetTxOutConfirmations(txid chainhash.Hash, index uint32) (int64, bool, error) {
	result, err := c.GetTxOut(txid, index)
	if err != nil {
		return 0, false, err
	}
	return result.Confirmations, result.Exists, nil
}

// SendRawTransaction broadcasts tx to the network.
func (c *Client) SendRawTransaction(tx *wire.MsgTx) (chainhash.Hash, error) {
	hash, err := c.rpc.SendRawTransaction(tx, false)
	if err != nil {
		return chainhash.Hash{}, coinswaperr.RPC(fmt.Errorf("chainrpc: sendrawtransaction: %w", err))
	}
	return *hash, nil
}

// GetBlockCount returns the node's current best-block height, used to
// compute absolute locktimes from the relative block counts offers quote.
func (c *Client) GetBlockCount() (int64, error) {
	height, err := c.rpc.GetBlockCount()
	if err != nil {
		return 0, coinswaperr.RPC(fmt.Errorf("chainrpc: getblockcount: %w", err))
	}
	return height, nil
}

// GetRawTransaction fetches a transaction by txid, used to re-derive a
// funding transaction's outputs when validating proof-of-funding.
func (c *Client) GetRawTransaction(txid chainhash.Hash) (*wire.MsgTx, error) {
	tx, err := c.rpc.GetRawTransaction(&txid)
	if err != nil {
		return nil, coinswaperr.RPC(fmt.Errorf("chainrpc: getrawtransaction: %w", err))
	}
	return tx.MsgTx(), nil
}

// maxSpendScanDepth bounds how many recent blocks FindSpendingWitness
// scans looking for a confirmed spend, since btcd's rpcclient has no
// Core-style gettxspendingprevout/txindex spend lookup to call directly.
// A watchtower polls far more often than this many blocks are produced,
// so the window only matters for a process that's been offline a while;
// the recovery automaton tolerates a late reaction, it just can't
// tolerate a wrong one.
const maxSpendScanDepth = 2016

// FindSpendingWitness looks for a transaction that spends outpoint
// (txid, index), checking the mempool first and then confirmed blocks
// going back maxSpendScanDepth, and returns the witness stack of the
// matching input. This is the poll-based stand-in for
// chainntfs.ChainNotifier.RegisterSpendNtfn (see DESIGN.md): instead of
// a long-lived subscription, recovery.Monitor calls this once per tick.
func (c *Client) FindSpendingWitness(txid chainhash.Hash, index uint32) (wire.TxWitness, bool, error) {
	target := wire.OutPoint{Hash: txid, Index: index}

	mempoolTxids, err := c.rpc.GetRawMempool()
	if err != nil {
		return nil, false, coinswaperr.RPC(fmt.Errorf("chainrpc: getrawmempool: %w", err))
	}
	for _, memTxid := range mempoolTxids {
		tx, err := c.GetRawTransaction(*memTxid)
		if err != nil {
			continue
		}
		if witness, ok := findSpendingInput(tx, target); ok {
			return witness, true, nil
		}
	}

	tip, err := c.GetBlockCount()
	if err != nil {
		return nil, false, coinswaperr.RPC(fmt.Errorf("chainrpc: getblockcount: %w", err))
	}

	start := tip - maxSpendScanDepth
	if start < 0 {
		start = 0
	}
	for height := tip; height >= start; height-- {
		blockHash, err := c.rpc.GetBlockHash(height)
		if err != nil {
			return nil, false, coinswaperr.RPC(fmt.Errorf("chainrpc: getblockhash(%d): %w", height, err))
		}
		block, err := c.rpc.GetBlock(blockHash)
		if err != nil {
			return nil, false, coinswaperr.RPC(fmt.Errorf("chainrpc: getblock(%s): %w", blockHash, err))
		}
		for _, tx := range block.Transactions {
			if witness, ok := findSpendingInput(tx, target); ok {
				return witness, true, nil
			}
		}
	}

	return nil, false, nil
}

// findSpendingInput reports the witness of whichever input of tx spends
// target, if any.
func findSpendingInput(tx *wire.MsgTx, target wire.OutPoint) (wire.TxWitness, bool) {
	for _, txIn := range tx.TxIn {
		if txIn.PreviousOutPoint == target {
			return txIn.Witness, true
		}
	}
	return nil, false
}

// ImportPubKey tells the backing wallet to watch an address derived from
// pubkey, used so the watchtower's node surfaces relevant mempool/block
// notifications for contracts it's tracking.
func (c *Client) ImportPubKey(pubKeyHex string) error {
	if err := c.rpc.ImportPubKey(pubKeyHex); err != nil {
		return coinswaperr.RPC(fmt.Errorf("chainrpc: importpubkey: %w", err))
	}
	return nil
}

func decodeHexScript(hexStr string) ([]byte, error) {
	return hex.DecodeString(hexStr)
}

func btcToSatoshis(btc float64) int64 {
	return int64(btc*1e8 + 0.5)
}
