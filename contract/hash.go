package contract

import (
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcutil"
)

// sha256Sum returns the plain single SHA-256 digest used to build a P2WSH
// witness program (BIP141), as opposed to the double-SHA256 used for txids.
func sha256Sum(b []byte) [32]byte {
	return sha256.Sum256(b)
}

// Hash160 returns RIPEMD160(SHA256(b)), the digest used by OP_HASH160 in
// the contract redeemscript's hashlock branch. Exported since callers
// building the hashlock target from a fresh preimage need the same
// digest the contract script itself checks against.
func Hash160(b []byte) [20]byte {
	var out [20]byte
	copy(out[:], btcutil.Hash160(b))
	return out
}
