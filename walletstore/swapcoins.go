package walletstore

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"

	bolt "go.etcd.io/bbolt"

	"github.com/btcswap/coinswap/swapcoin"
)

// swapCoinRecord is the on-disk JSON shape for any of the three
// swapcoin.Coin kinds; only the fields relevant to a record's Kind are
// populated, following swapcoin.go's own per-kind field layout.
type swapCoinRecord struct {
	Kind Kind `json:"kind"`

	MyPrivkeyHex      string `json:"my_privkey,omitempty"`
	OtherPrivkeyHex   string `json:"other_privkey,omitempty"`
	MyPubkeyHex       string `json:"my_pubkey,omitempty"`
	SenderPubHex      string `json:"sender_pubkey,omitempty"`
	ReceiverPub       string `json:"receiver_pubkey,omitempty"`
	OtherPubHex       string `json:"other_pubkey,omitempty"`
	ContractTxHex     string `json:"contract_tx"`
	ContractRdmS      string `json:"contract_redeemscript"`
	FundingVal        int64  `json:"funding_amount"`
	PreimageHex       string `json:"preimage,omitempty"`
	HashlockPrivHex   string `json:"hashlock_privkey,omitempty"`
	OtherSigHex       string `json:"others_contract_sig,omitempty"`
}

// Kind mirrors swapcoin.Kind for JSON (de)serialization without this
// package importing swapcoin's internal representation directly.
type Kind = swapcoin.Kind

// PutSwapCoin persists coin under fundingOutpoint.
func (d *DB) PutSwapCoin(fundingOutpoint wire.OutPoint, coin swapcoin.Coin) error {
	record, err := encodeSwapCoin(coin)
	if err != nil {
		return fmt.Errorf("walletstore: encode swap coin: %w", err)
	}

	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("walletstore: marshal swap coin: %w", err)
	}

	return d.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(swapCoinsBucket)
		return bucket.Put(outpointKey(fundingOutpoint), body)
	})
}

// GetSwapCoin loads the swap coin persisted under fundingOutpoint.
func (d *DB) GetSwapCoin(fundingOutpoint wire.OutPoint) (swapcoin.Coin, error) {
	var body []byte
	err := d.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(swapCoinsBucket)
		stored := bucket.Get(outpointKey(fundingOutpoint))
		if stored == nil {
			return fmt.Errorf("walletstore: no swap coin for outpoint %s", fundingOutpoint)
		}
		body = append([]byte(nil), stored...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var record swapCoinRecord
	if err := json.Unmarshal(body, &record); err != nil {
		return nil, fmt.Errorf("walletstore: unmarshal swap coin: %w", err)
	}
	return decodeSwapCoin(record)
}

// SwapCoinEntry pairs a persisted swap coin with the funding outpoint it
// was filed under, the shape ListSwapCoins returns since a coin's own
// fields don't carry its funding outpoint.
type SwapCoinEntry struct {
	FundingOutpoint wire.OutPoint
	Coin            swapcoin.Coin
}

// ListSwapCoins returns every swap coin this wallet currently holds,
// across all three kinds, for the recovery automaton to walk at startup
// and on each poll without the caller needing to already know which
// outpoints to look up.
func (d *DB) ListSwapCoins() ([]SwapCoinEntry, error) {
	var entries []SwapCoinEntry
	err := d.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(swapCoinsBucket)
		return bucket.ForEach(func(k, v []byte) error {
			outpoint, err := outpointFromKey(k)
			if err != nil {
				return err
			}
			var record swapCoinRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("walletstore: unmarshal swap coin at %s: %w", outpoint, err)
			}
			coin, err := decodeSwapCoin(record)
			if err != nil {
				return fmt.Errorf("walletstore: decode swap coin at %s: %w", outpoint, err)
			}
			entries = append(entries, SwapCoinEntry{FundingOutpoint: outpoint, Coin: coin})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// SetSwapCoinPreimage records a learned hashlock preimage against the
// incoming swap coin funded at fundingOutpoint, so a later recovery pass
// can use it to claim the coin via the hashlock branch without needing to
// re-observe the spend that revealed it.
func (d *DB) SetSwapCoinPreimage(fundingOutpoint wire.OutPoint, preimage [32]byte) error {
	coin, err := d.GetSwapCoin(fundingOutpoint)
	if err != nil {
		return err
	}
	incoming, ok := coin.(*swapcoin.IncomingSwapCoin)
	if !ok {
		return fmt.Errorf("walletstore: swap coin at %s is not incoming, got %T", fundingOutpoint, coin)
	}
	incoming.Preimage = &preimage
	return d.PutSwapCoin(fundingOutpoint, incoming)
}

func encodeSwapCoin(coin swapcoin.Coin) (swapCoinRecord, error) {
	txHex, err := encodeTxHex(coin.ContractTx())
	if err != nil {
		return swapCoinRecord{}, err
	}

	record := swapCoinRecord{
		Kind:          coin.Kind(),
		ContractTxHex: txHex,
		ContractRdmS:  hex.EncodeToString(coin.ContractRedeemscript()),
		FundingVal:    coin.FundingAmount(),
	}

	switch c := coin.(type) {
	case *swapcoin.IncomingSwapCoin:
		if c.MyPrivkey != nil {
			record.MyPrivkeyHex = hex.EncodeToString(c.MyPrivkey.Serialize())
		}
		if c.OtherPrivkey != nil {
			record.OtherPrivkeyHex = hex.EncodeToString(c.OtherPrivkey.Serialize())
		}
		record.MyPubkeyHex = serializePubkeyHex(c.MyPubkey)
		record.OtherPubHex = serializePubkeyHex(c.OtherPub)
		if c.Preimage != nil {
			record.PreimageHex = hex.EncodeToString(c.Preimage[:])
		}
		if c.HashlockPriv != nil {
			record.HashlockPrivHex = hex.EncodeToString(c.HashlockPriv.Serialize())
		}
		if len(c.OtherSig) > 0 {
			record.OtherSigHex = hex.EncodeToString(c.OtherSig)
		}
	case *swapcoin.OutgoingSwapCoin:
		if c.MyPrivkey != nil {
			record.MyPrivkeyHex = hex.EncodeToString(c.MyPrivkey.Serialize())
		}
		if c.OtherPrivkey != nil {
			record.OtherPrivkeyHex = hex.EncodeToString(c.OtherPrivkey.Serialize())
		}
		record.MyPubkeyHex = serializePubkeyHex(c.MyPubkey)
		record.OtherPubHex = serializePubkeyHex(c.OtherPub)
		if len(c.OtherSig) > 0 {
			record.OtherSigHex = hex.EncodeToString(c.OtherSig)
		}
	case *swapcoin.WatchOnlySwapCoin:
		record.SenderPubHex = serializePubkeyHex(c.SenderPub)
		record.ReceiverPub = serializePubkeyHex(c.ReceiverPub)
	default:
		return swapCoinRecord{}, fmt.Errorf("walletstore: unknown swap coin type %T", coin)
	}

	return record, nil
}

func decodeSwapCoin(record swapCoinRecord) (swapcoin.Coin, error) {
	tx, err := decodeTxHex(record.ContractTxHex)
	if err != nil {
		return nil, err
	}
	contractRedeemscript, err := hex.DecodeString(record.ContractRdmS)
	if err != nil {
		return nil, fmt.Errorf("walletstore: decode contract redeemscript: %w", err)
	}

	switch record.Kind {
	case swapcoin.KindIncoming:
		myPub, err := parsePubkeyHex(record.MyPubkeyHex)
		if err != nil {
			return nil, err
		}
		otherPub, err := parsePubkeyHex(record.OtherPubHex)
		if err != nil {
			return nil, err
		}
		coin := &swapcoin.IncomingSwapCoin{
			MyPubkey:     myPub,
			OtherPub:     otherPub,
			ContractTxn:  tx,
			ContractRdmS: contractRedeemscript,
			FundingVal:   record.FundingVal,
		}
		if record.MyPrivkeyHex != "" {
			priv, err := parsePrivkeyHex(record.MyPrivkeyHex)
			if err != nil {
				return nil, err
			}
			coin.MyPrivkey = priv
		}
		if record.PreimageHex != "" {
			raw, err := hex.DecodeString(record.PreimageHex)
			if err != nil {
				return nil, fmt.Errorf("walletstore: decode preimage: %w", err)
			}
			var preimage [32]byte
			copy(preimage[:], raw)
			coin.Preimage = &preimage
		}
		if record.HashlockPrivHex != "" {
			priv, err := parsePrivkeyHex(record.HashlockPrivHex)
			if err != nil {
				return nil, err
			}
			coin.HashlockPriv = priv
		}
		if record.OtherPrivkeyHex != "" {
			priv, err := parsePrivkeyHex(record.OtherPrivkeyHex)
			if err != nil {
				return nil, err
			}
			coin.OtherPrivkey = priv
		}
		if record.OtherSigHex != "" {
			sig, err := hex.DecodeString(record.OtherSigHex)
			if err != nil {
				return nil, fmt.Errorf("walletstore: decode contract sig: %w", err)
			}
			coin.OtherSig = sig
		}
		return coin, nil

	case swapcoin.KindOutgoing:
		myPub, err := parsePubkeyHex(record.MyPubkeyHex)
		if err != nil {
			return nil, err
		}
		otherPub, err := parsePubkeyHex(record.OtherPubHex)
		if err != nil {
			return nil, err
		}
		coin := &swapcoin.OutgoingSwapCoin{
			MyPubkey:     myPub,
			OtherPub:     otherPub,
			ContractTxn:  tx,
			ContractRdmS: contractRedeemscript,
			FundingVal:   record.FundingVal,
		}
		if record.MyPrivkeyHex != "" {
			priv, err := parsePrivkeyHex(record.MyPrivkeyHex)
			if err != nil {
				return nil, err
			}
			coin.MyPrivkey = priv
		}
		if record.OtherPrivkeyHex != "" {
			priv, err := parsePrivkeyHex(record.OtherPrivkeyHex)
			if err != nil {
				return nil, err
			}
			coin.OtherPrivkey = priv
		}
		if record.OtherSigHex != "" {
			sig, err := hex.DecodeString(record.OtherSigHex)
			if err != nil {
				return nil, fmt.Errorf("walletstore: decode contract sig: %w", err)
			}
			coin.OtherSig = sig
		}
		return coin, nil

	case swapcoin.KindWatchOnly:
		senderPub, err := parsePubkeyHex(record.SenderPubHex)
		if err != nil {
			return nil, err
		}
		receiverPub, err := parsePubkeyHex(record.ReceiverPub)
		if err != nil {
			return nil, err
		}
		return &swapcoin.WatchOnlySwapCoin{
			SenderPub:    senderPub,
			ReceiverPub:  receiverPub,
			ContractTxn:  tx,
			ContractRdmS: contractRedeemscript,
			FundingVal:   record.FundingVal,
		}, nil

	default:
		return nil, fmt.Errorf("walletstore: unknown swap coin kind %v", record.Kind)
	}
}

func serializePubkeyHex(pub *btcec.PublicKey) string {
	if pub == nil {
		return ""
	}
	return hex.EncodeToString(pub.SerializeCompressed())
}

func parsePubkeyHex(s string) (*btcec.PublicKey, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("walletstore: decode pubkey hex: %w", err)
	}
	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("walletstore: parse pubkey: %w", err)
	}
	return pub, nil
}

func parsePrivkeyHex(s string) (*btcec.PrivateKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("walletstore: decode privkey hex: %w", err)
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return priv, nil
}

func encodeTxHex(tx *wire.MsgTx) (string, error) {
	if tx == nil {
		return "", nil
	}
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("walletstore: serialize tx: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

func decodeTxHex(s string) (*wire.MsgTx, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("walletstore: decode tx hex: %w", err)
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("walletstore: deserialize tx: %w", err)
	}
	return tx, nil
}
