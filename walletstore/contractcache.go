package walletstore

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/wire"

	bolt "go.etcd.io/bbolt"
)

// outpointKey serializes a wire.OutPoint as txid||4-byte-BE-index, the
// same encoding channeldb uses for chanPoint-keyed buckets, so that bbolt's
// byte-lexicographic cursor ordering groups every output of the same
// funding transaction together.
func outpointKey(op wire.OutPoint) []byte {
	key := make([]byte, 32+4)
	copy(key[:32], op.Hash[:])
	byteOrder.PutUint32(key[32:], op.Index)
	return key
}

// outpointFromKey is outpointKey's inverse, used by cursor-walking callers
// like ListSwapCoins that need the outpoint a stored record was filed
// under, not just the record's bytes.
func outpointFromKey(key []byte) (wire.OutPoint, error) {
	if len(key) != 32+4 {
		return wire.OutPoint{}, fmt.Errorf("walletstore: malformed outpoint key of length %d", len(key))
	}
	var op wire.OutPoint
	copy(op.Hash[:], key[:32])
	op.Index = byteOrder.Uint32(key[32:])
	return op, nil
}

// DoesPrevoutMatchCachedContract implements the multi-contract attack
// defense: it reports whether fundingOutpoint already has a cached
// contract_redeemscript, and if so, whether contractRedeemscript matches
// it exactly. A maker must call this before signing a sender's contract
// transaction and refuse to sign if it returns (true, false) — a taker
// offering a second, different contract for an outpoint it already
// committed one for is the signature of the multiple-contract attack.
func (d *DB) DoesPrevoutMatchCachedContract(
	fundingOutpoint wire.OutPoint,
	contractRedeemscript []byte,
) (cached bool, matches bool, err error) {
	err = d.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(contractCacheBucket)
		stored := bucket.Get(outpointKey(fundingOutpoint))
		if stored == nil {
			cached = false
			return nil
		}
		cached = true
		matches = bytes.Equal(stored, contractRedeemscript)
		return nil
	})
	return cached, matches, err
}

// AddPrevoutAndContractToCache records contractRedeemscript as the
// committed contract for fundingOutpoint. Must only be called after
// DoesPrevoutMatchCachedContract has been checked and the contract has
// passed validation — caching before validation would let a rejected
// contract poison the cache against a legitimate later offer for the same
// outpoint.
func (d *DB) AddPrevoutAndContractToCache(fundingOutpoint wire.OutPoint, contractRedeemscript []byte) error {
	return d.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(contractCacheBucket)
		key := outpointKey(fundingOutpoint)
		if existing := bucket.Get(key); existing != nil && !bytes.Equal(existing, contractRedeemscript) {
			return fmt.Errorf("walletstore: refusing to overwrite cached contract for outpoint %s", fundingOutpoint)
		}
		value := make([]byte, len(contractRedeemscript))
		copy(value, contractRedeemscript)
		return bucket.Put(key, value)
	})
}
