package walletstore

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	bolt "go.etcd.io/bbolt"
)

// masterKeyKey is the meta bucket entry holding this role's tweakable
// root private key, the scalar every per-hop multisig and hashlock key
// is derived from via contract.TweakScalar/TweakPoint.
var masterKeyKey = []byte("master-key")

// PutMasterKey persists priv as this wallet's tweakable root key. It is
// written once at wallet creation time and never rotated in place; a new
// root key means a new wallet file.
func (d *DB) PutMasterKey(priv *btcec.PrivateKey) error {
	return d.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(metaBucket)
		return b.Put(masterKeyKey, priv.Serialize())
	})
}

// MasterKey loads the wallet's tweakable root key, returning an error if
// the wallet hasn't been initialized with one yet (Open creates the file
// and its buckets, but GenerateWallet is what populates this key).
func (d *DB) MasterKey() (*btcec.PrivateKey, error) {
	var raw []byte
	err := d.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(metaBucket)
		v := b.Get(masterKeyKey)
		if v == nil {
			return fmt.Errorf("walletstore: no master key stored, run generate-wallet first")
		}
		raw = append(raw, v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return priv, nil
}
