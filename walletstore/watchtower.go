package walletstore

import (
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/wire"

	bolt "go.etcd.io/bbolt"
)

// WatchedContract is one contract a watchtower is tracking until it
// resolves, either by the hashlock redeem, the timelock reclaim, or a
// cooperative spend the watchtower observed on-chain.
type WatchedContract struct {
	FundingOutpoint wire.OutPoint `json:"-"`
	ContractTxHex   string        `json:"contract_tx"`
	RedeemscriptHex string        `json:"contract_redeemscript"`
	LocktimeHeight  int32         `json:"locktime_height"`
	Resolved        bool          `json:"resolved"`
}

// PutWatchedContract records or updates a contract the watchtower is
// responsible for, keyed by its funding outpoint.
func (d *DB) PutWatchedContract(w WatchedContract) error {
	body, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("walletstore: marshal watched contract: %w", err)
	}
	return d.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(watchtowerBucket)
		return bucket.Put(outpointKey(w.FundingOutpoint), body)
	})
}

// ListUnresolvedWatchedContracts returns every tracked contract that
// hasn't yet been marked Resolved, the watchtower's restart-recovery set.
func (d *DB) ListUnresolvedWatchedContracts() ([]WatchedContract, error) {
	var out []WatchedContract
	err := d.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(watchtowerBucket)
		return bucket.ForEach(func(k, v []byte) error {
			var w WatchedContract
			if err := json.Unmarshal(v, &w); err != nil {
				return fmt.Errorf("walletstore: unmarshal watched contract: %w", err)
			}
			if !w.Resolved {
				copy(w.FundingOutpoint.Hash[:], k[:32])
				w.FundingOutpoint.Index = byteOrder.Uint32(k[32:])
				out = append(out, w)
			}
			return nil
		})
	})
	return out, err
}

// MarkWatchedContractResolved flags the contract at fundingOutpoint as
// resolved so it's skipped on future restarts.
func (d *DB) MarkWatchedContractResolved(fundingOutpoint wire.OutPoint) error {
	return d.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(watchtowerBucket)
		key := outpointKey(fundingOutpoint)
		stored := bucket.Get(key)
		if stored == nil {
			return fmt.Errorf("walletstore: no watched contract for outpoint %s", fundingOutpoint)
		}
		var w WatchedContract
		if err := json.Unmarshal(stored, &w); err != nil {
			return fmt.Errorf("walletstore: unmarshal watched contract: %w", err)
		}
		w.Resolved = true
		body, err := json.Marshal(w)
		if err != nil {
			return fmt.Errorf("walletstore: marshal watched contract: %w", err)
		}
		return bucket.Put(key, body)
	})
}
