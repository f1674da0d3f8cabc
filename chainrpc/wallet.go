package chainrpc

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/btcswap/coinswap/coinswaperr"
)

// Unspent is one spendable output the node wallet reports, the subset of
// listunspent's result the swap roles consume.
type Unspent struct {
	Outpoint      wire.OutPoint
	Amount        int64
	Confirmations int64
	Spendable     bool
}

// ListUnspent returns the node wallet's spendable outputs.
func (c *Client) ListUnspent() ([]Unspent, error) {
	results, err := c.rpc.ListUnspent()
	if err != nil {
		return nil, coinswaperr.RPC(fmt.Errorf("chainrpc: listunspent: %w", err))
	}

	unspents := make([]Unspent, 0, len(results))
	for _, r := range results {
		txid, err := chainhashFromStr(r.TxID)
		if err != nil {
			return nil, coinswaperr.RPC(fmt.Errorf("chainrpc: listunspent txid: %w", err))
		}
		unspents = append(unspents, Unspent{
			Outpoint:      wire.OutPoint{Hash: txid, Index: r.Vout},
			Amount:        btcToSatoshis(r.Amount),
			Confirmations: r.Confirmations,
			Spendable:     r.Spendable,
		})
	}
	return unspents, nil
}

// LockUnspent flips the wallet-side spendability lock on the given
// outpoints, so funds reserved for an in-flight swap can't be double-
// spent by an unrelated wallet operation. unlock=true releases them.
func (c *Client) LockUnspent(unlock bool, outpoints []wire.OutPoint) error {
	ops := make([]*wire.OutPoint, len(outpoints))
	for i := range outpoints {
		ops[i] = &outpoints[i]
	}
	if err := c.rpc.LockUnspent(unlock, ops); err != nil {
		return coinswaperr.RPC(fmt.Errorf("chainrpc: lockunspent: %w", err))
	}
	return nil
}

// GetNewAddress asks the node wallet for a fresh receive address, used
// for timelock-recovery sweeps and test funding.
func (c *Client) GetNewAddress() (btcutil.Address, error) {
	addr, err := c.rpc.GetNewAddress("")
	if err != nil {
		return nil, coinswaperr.RPC(fmt.Errorf("chainrpc: getnewaddress: %w", err))
	}
	return addr, nil
}

// GenerateToAddress mines blocks to addr. Regtest only; a live network
// node rejects the call.
func (c *Client) GenerateToAddress(numBlocks int64, addr btcutil.Address) error {
	if _, err := c.rpc.GenerateToAddress(numBlocks, addr, nil); err != nil {
		return coinswaperr.RPC(fmt.Errorf("chainrpc: generatetoaddress: %w", err))
	}
	return nil
}

// ImportDescriptors registers a watch-only descriptor with the node
// wallet, the descriptor-era replacement for importmulti. rpcclient has
// no typed wrapper for it at this vintage, so the request goes out raw.
func (c *Client) ImportDescriptors(descriptor string) error {
	request := []struct {
		Desc      string `json:"desc"`
		Timestamp string `json:"timestamp"`
	}{{Desc: descriptor, Timestamp: "now"}}

	params, err := marshalParams(request)
	if err != nil {
		return coinswaperr.RPC(err)
	}
	if _, err := c.rpc.RawRequest("importdescriptors", params); err != nil {
		return coinswaperr.RPC(fmt.Errorf("chainrpc: importdescriptors: %w", err))
	}
	return nil
}

// fundRawTransactionResult is the subset of fundrawtransaction's reply
// this client reads.
type fundRawTransactionResult struct {
	Hex string `json:"hex"`
}

// signRawTransactionWithWalletResult is the subset of
// signrawtransactionwithwallet's reply this client reads.
type signRawTransactionWithWalletResult struct {
	Hex      string `json:"hex"`
	Complete bool   `json:"complete"`
}

// CreateFundingTx builds, funds, and signs (but does not broadcast) a
// transaction paying value satoshis to pkScript, returning the signed
// transaction and the index of the funding output. Input selection,
// change, and fees are the node wallet's via fundrawtransaction; this
// matches how both taker.Swap and maker.Maker expect their funding
// source to behave.
func (c *Client) CreateFundingTx(pkScript []byte, value int64) (*wire.MsgTx, uint32, error) {
	skeleton := wire.NewMsgTx(2)
	skeleton.AddTxOut(&wire.TxOut{Value: value, PkScript: pkScript})
	var buf bytes.Buffer
	if err := skeleton.Serialize(&buf); err != nil {
		return nil, 0, coinswaperr.RPC(fmt.Errorf("chainrpc: serialize funding skeleton: %w", err))
	}

	params, err := marshalParams(hex.EncodeToString(buf.Bytes()))
	if err != nil {
		return nil, 0, coinswaperr.RPC(err)
	}
	rawFunded, err := c.rpc.RawRequest("fundrawtransaction", params)
	if err != nil {
		return nil, 0, coinswaperr.RPC(fmt.Errorf("chainrpc: fundrawtransaction: %w", err))
	}
	var funded fundRawTransactionResult
	if err := json.Unmarshal(rawFunded, &funded); err != nil {
		return nil, 0, coinswaperr.RPC(fmt.Errorf("chainrpc: fundrawtransaction reply: %w", err))
	}

	params, err = marshalParams(funded.Hex)
	if err != nil {
		return nil, 0, coinswaperr.RPC(err)
	}
	rawSigned, err := c.rpc.RawRequest("signrawtransactionwithwallet", params)
	if err != nil {
		return nil, 0, coinswaperr.RPC(fmt.Errorf("chainrpc: signrawtransactionwithwallet: %w", err))
	}
	var signed signRawTransactionWithWalletResult
	if err := json.Unmarshal(rawSigned, &signed); err != nil {
		return nil, 0, coinswaperr.RPC(fmt.Errorf("chainrpc: signrawtransactionwithwallet reply: %w", err))
	}
	if !signed.Complete {
		return nil, 0, coinswaperr.RPC(fmt.Errorf("chainrpc: wallet could not fully sign funding tx"))
	}

	raw, err := hex.DecodeString(signed.Hex)
	if err != nil {
		return nil, 0, coinswaperr.RPC(fmt.Errorf("chainrpc: decode signed funding tx: %w", err))
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, 0, coinswaperr.RPC(fmt.Errorf("chainrpc: deserialize signed funding tx: %w", err))
	}

	for i, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, pkScript) && out.Value == value {
			return tx, uint32(i), nil
		}
	}
	return nil, 0, coinswaperr.RPC(fmt.Errorf("chainrpc: funded tx lost the funding output"))
}

func marshalParams(values ...interface{}) ([]json.RawMessage, error) {
	params := make([]json.RawMessage, len(values))
	for i, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("chainrpc: marshal param: %w", err)
		}
		params[i] = raw
	}
	return params, nil
}

func chainhashFromStr(s string) (chainhash.Hash, error) {
	h, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return chainhash.Hash{}, err
	}
	return *h, nil
}
