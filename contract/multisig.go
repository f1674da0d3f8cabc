// Package contract builds and parses the on-chain primitives of the
// coinswap protocol: the 2-of-2 funding multisig, the hashlock/timelock
// contract redeemscript, per-swap key tweaking, and the presigned
// contract transaction.
//
// The byte layout built here must match exactly; every offset is part of
// the wire contract between two independently-implemented swap peers, not
// an implementation detail.
package contract

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// MultisigRedeemscript builds the 2-of-2 multisig redeemscript from two
// compressed public keys. Pubkeys are NOT BIP67-sorted: the protocol always presents them in a fixed
// (initiator, counterparty) order and ParseMultisigPubkeys below returns
// them in the same order they were written, since callers need to tell
// which of the two keys is their own.
func MultisigRedeemscript(pubA, pubB *btcec.PublicKey) ([]byte, error) {
	aBytes := pubA.SerializeCompressed()
	bBytes := pubB.SerializeCompressed()

	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_2)
	builder.AddData(aBytes)
	builder.AddData(bBytes)
	builder.AddOp(txscript.OP_2)
	builder.AddOp(txscript.OP_CHECKMULTISIG)
	return builder.Script()
}

// multisigPubkeyOffsets gives the byte offsets of the two 33-byte
// compressed pubkeys within a script built by MultisigRedeemscript:
// OP_2 <push-33> <pub1> <push-33> <pub2> OP_2 OP_CHECKMULTISIG.
const (
	multisigPub1Offset = 2
	multisigPub2Offset = 36
	multisigPubkeyLen  = 33
	multisigScriptLen  = 1 + 1 + 33 + 1 + 33 + 1 + 1
)

// ParseMultisigPubkeys extracts the two compressed pubkeys from a
// redeemscript built by MultisigRedeemscript, in the order they appear.
func ParseMultisigPubkeys(redeemscript []byte) (*btcec.PublicKey, *btcec.PublicKey, error) {
	if len(redeemscript) != multisigScriptLen {
		return nil, nil, fmt.Errorf("multisig redeemscript: wrong length %d", len(redeemscript))
	}

	pub1Bytes := redeemscript[multisigPub1Offset : multisigPub1Offset+multisigPubkeyLen]
	pub2Bytes := redeemscript[multisigPub2Offset : multisigPub2Offset+multisigPubkeyLen]

	pub1, err := btcec.ParsePubKey(pub1Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("multisig redeemscript: pubkey 1: %w", err)
	}
	pub2, err := btcec.ParsePubKey(pub2Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("multisig redeemscript: pubkey 2: %w", err)
	}
	return pub1, pub2, nil
}

// MatchesMultisigTemplate reports whether redeemscript has exactly the
// shape produced by MultisigRedeemscript for *some* pair of compressed
// pubkeys: same length, and every byte outside the two 33-byte pubkey
// slots equal to the fixed template. Proof-of-funding validation depends
// on it rejecting anything that superficially looks like a 2-of-2
// multisig script but hides extra opcodes.
func MatchesMultisigTemplate(redeemscript []byte) bool {
	if len(redeemscript) != multisigScriptLen {
		return false
	}

	var placeholder [multisigPubkeyLen]byte
	for i := range placeholder {
		placeholder[i] = 0x02
	}

	templated := make([]byte, len(redeemscript))
	copy(templated, redeemscript)
	copy(templated[multisigPub1Offset:multisigPub1Offset+multisigPubkeyLen], placeholder[:])
	copy(templated[multisigPub2Offset:multisigPub2Offset+multisigPubkeyLen], placeholder[:])

	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_2)
	builder.AddData(placeholder[:])
	builder.AddData(placeholder[:])
	builder.AddOp(txscript.OP_2)
	builder.AddOp(txscript.OP_CHECKMULTISIG)
	template, err := builder.Script()
	if err != nil {
		return false
	}
	return bytes.Equal(templated, template)
}

// WitnessScriptHash builds the P2WSH scriptPubkey (a version-0 witness
// program committing to sha256(redeemscript)) paying to redeemscript.
func WitnessScriptHash(redeemscript []byte) ([]byte, error) {
	scriptHash := sha256Sum(redeemscript)
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_0)
	builder.AddData(scriptHash[:])
	return builder.Script()
}

// FindFundingOutput locates the index of the funding transaction's output
// paying to the P2WSH of multisigRedeemscript. Returns ok=false if no
// output matches.
func FindFundingOutput(fundingTx *wire.MsgTx, multisigRedeemscript []byte) (uint32, bool, error) {
	pkScript, err := WitnessScriptHash(multisigRedeemscript)
	if err != nil {
		return 0, false, err
	}
	for i, out := range fundingTx.TxOut {
		if bytes.Equal(out.PkScript, pkScript) {
			return uint32(i), true, nil
		}
	}
	return 0, false, nil
}
