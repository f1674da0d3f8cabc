package contract

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// ContractFeeStipend is the flat miner-fee deduction (in satoshis) taken
// out of the funding amount when building a contract transaction. Fixed
// rather than fee-rate-derived because the contract tx is presigned long
// before it broadcasts, and its weight never varies between swaps.
const ContractFeeStipend = 1000

// BuildContractTx builds the presigned 1-in-1-out contract (escape)
// transaction spending fundingOutpoint into the P2WSH of
// contractRedeemscript, deducting ContractFeeStipend from fundingValue.
// This is used identically for both the sender's and the receiver's
// contract transaction; the roles differ only in who holds which
// tweaked private key, never in transaction shape.
func BuildContractTx(
	fundingOutpoint wire.OutPoint,
	fundingValue int64,
	contractRedeemscript []byte,
) (*wire.MsgTx, error) {
	pkScript, err := WitnessScriptHash(contractRedeemscript)
	if err != nil {
		return nil, fmt.Errorf("build contract tx: %w", err)
	}

	tx := wire.NewMsgTx(2)
	tx.LockTime = 0
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: fundingOutpoint,
		Sequence:         0,
	})
	tx.AddTxOut(&wire.TxOut{
		Value:    fundingValue - ContractFeeStipend,
		PkScript: pkScript,
	})
	return tx, nil
}

// SignContractTx produces the BIP143 witness signature over the contract
// transaction's sole input, spending fundingPkScript/fundingValue via
// multisigRedeemscript.
func SignContractTx(
	tx *wire.MsgTx,
	multisigRedeemscript []byte,
	fundingValue int64,
	priv *btcec.PrivateKey,
) ([]byte, error) {
	sigHashes := txscript.NewTxSigHashes(tx, singleOutputFetcher(multisigRedeemscript, fundingValue))

	sigHash, err := txscript.CalcWitnessSigHash(
		multisigRedeemscript, sigHashes, txscript.SigHashAll, tx, 0, fundingValue,
	)
	if err != nil {
		return nil, fmt.Errorf("sign contract tx: sighash: %w", err)
	}

	sig := ecdsa.Sign(priv, sigHash)
	return append(sig.Serialize(), byte(txscript.SigHashAll)), nil
}

// VerifyContractTxSig reports whether sig is a valid BIP143 signature by
// pub over tx's sole input, spending fundingValue via multisigRedeemscript.
// Returns false (never an error) on a bad signature: a signature that
// doesn't verify is a normal negative result, not an exceptional one.
func VerifyContractTxSig(
	tx *wire.MsgTx,
	multisigRedeemscript []byte,
	fundingValue int64,
	pub *btcec.PublicKey,
	sig []byte,
) bool {
	if len(sig) == 0 {
		return false
	}
	// Strip the trailing sighash-type byte DER signatures carry on the wire.
	rawSig := sig
	if rawSig[len(rawSig)-1] == byte(txscript.SigHashAll) {
		rawSig = rawSig[:len(rawSig)-1]
	}

	parsedSig, err := ecdsa.ParseDERSignature(rawSig)
	if err != nil {
		return false
	}

	sigHashes := txscript.NewTxSigHashes(tx, singleOutputFetcher(multisigRedeemscript, fundingValue))
	sigHash, err := txscript.CalcWitnessSigHash(
		multisigRedeemscript, sigHashes, txscript.SigHashAll, tx, 0, fundingValue,
	)
	if err != nil {
		return false
	}

	return parsedSig.Verify(sigHash, pub)
}

// singleOutputFetcher builds a txscript.PrevOutputFetcher for a
// transaction with exactly one relevant input, the shape every contract
// and funding transaction in this protocol has.
func singleOutputFetcher(pkScriptSource []byte, value int64) txscript.PrevOutputFetcher {
	pkScript, err := WitnessScriptHash(pkScriptSource)
	if err != nil {
		// WitnessScriptHash only fails if sha256 somehow fails, which it
		// cannot in practice; fall back to a zero-value fetcher rather
		// than panicking on signing.
		pkScript = nil
	}
	return txscript.NewCannedPrevOutputFetcher(pkScript, value)
}

// ContractTxID returns the txid of tx, convenience wrapper used throughout
// the protocol state machines when logging or caching by outpoint.
func ContractTxID(tx *wire.MsgTx) chainhash.Hash {
	return tx.TxHash()
}

// ValidateContractTx checks a counterparty-supplied contract transaction
// against the shape BuildContractTx produces: exactly one input spending
// fundingOutpoint and exactly one output paying the P2WSH of
// contractRedeemscript. A peer handing over anything else is either
// confused or attacking, so each failure carries its own diagnostic.
func ValidateContractTx(
	tx *wire.MsgTx,
	fundingOutpoint wire.OutPoint,
	contractRedeemscript []byte,
) error {
	if len(tx.TxIn) != 1 || len(tx.TxOut) != 1 {
		return fmt.Errorf("invalid number of inputs or outputs")
	}
	if tx.TxIn[0].PreviousOutPoint != fundingOutpoint {
		return fmt.Errorf("not spending the funding outpoint")
	}
	wantPkScript, err := WitnessScriptHash(contractRedeemscript)
	if err != nil {
		return fmt.Errorf("validate contract tx: %w", err)
	}
	if !scriptBytesEqual(tx.TxOut[0].PkScript, wantPkScript) {
		return fmt.Errorf("doesnt pay to requested contract")
	}
	return nil
}

func scriptBytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
