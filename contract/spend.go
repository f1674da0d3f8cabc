package contract

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// hashlockCSVSequence is the relative-locktime argument
// BuildContractRedeemscript's hashlock branch pushes ahead of
// OP_CHECKSEQUENCEVERIFY (the literal "1" in the script). A spend taking
// that branch must set its input's nSequence to at least this value with
// BIP68's relative-locktime semantics, which a sequence of 1 trivially
// satisfies.
const hashlockCSVSequence = 1

// contractOutputIndex is the index of a contract transaction's sole
// output, the P2WSH of its contractRedeemscript every spend below targets.
const contractOutputIndex = 0

// BuildHashlockSpendTx builds and signs a transaction spending
// contractTx's output via the hashlock branch: preimage plus a signature
// by the hashlock-branch private key. feeSat is deducted from the
// contract output's value to pay for this sweep's own weight.
func BuildHashlockSpendTx(
	contractTx *wire.MsgTx,
	contractRedeemscript []byte,
	preimage [32]byte,
	hashlockPriv *btcec.PrivateKey,
	destPkScript []byte,
	feeSat int64,
) (*wire.MsgTx, error) {
	spendTx, contractValue, err := buildSpendTxSkeleton(contractTx, destPkScript, feeSat, hashlockCSVSequence)
	if err != nil {
		return nil, err
	}

	sig, err := signContractSpend(spendTx, contractRedeemscript, contractValue, hashlockPriv)
	if err != nil {
		return nil, fmt.Errorf("build hashlock spend: %w", err)
	}

	spendTx.TxIn[0].Witness = wire.TxWitness{sig, preimage[:], contractRedeemscript}
	return spendTx, nil
}

// BuildTimelockSpendTx builds and signs a transaction reclaiming
// contractTx's output via the timelock branch: an empty hashlock-check
// push and a signature by the timelock-branch private key. The caller
// must not broadcast this before contractTx has reached locktime
// confirmations, since the CSV check in the witness script enforces that
// on-chain regardless.
func BuildTimelockSpendTx(
	contractTx *wire.MsgTx,
	contractRedeemscript []byte,
	locktime uint16,
	timelockPriv *btcec.PrivateKey,
	destPkScript []byte,
	feeSat int64,
) (*wire.MsgTx, error) {
	spendTx, contractValue, err := buildSpendTxSkeleton(contractTx, destPkScript, feeSat, uint32(locktime))
	if err != nil {
		return nil, err
	}

	sig, err := signContractSpend(spendTx, contractRedeemscript, contractValue, timelockPriv)
	if err != nil {
		return nil, fmt.Errorf("build timelock spend: %w", err)
	}

	spendTx.TxIn[0].Witness = wire.TxWitness{sig, nil, contractRedeemscript}
	return spendTx, nil
}

// buildSpendTxSkeleton builds the common 1-in-1-out shape both contract
// spend paths share, returning the unsigned transaction and the contract
// output's value (needed for BIP143 signing).
func buildSpendTxSkeleton(
	contractTx *wire.MsgTx,
	destPkScript []byte,
	feeSat int64,
	sequence uint32,
) (*wire.MsgTx, int64, error) {
	if len(contractTx.TxOut) <= contractOutputIndex {
		return nil, 0, fmt.Errorf("contract spend: contract tx has no output %d", contractOutputIndex)
	}
	contractValue := contractTx.TxOut[contractOutputIndex].Value

	tx := wire.NewMsgTx(2)
	tx.LockTime = 0
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: contractTx.TxHash(), Index: contractOutputIndex},
		Sequence:         sequence,
	})
	tx.AddTxOut(&wire.TxOut{
		Value:    contractValue - feeSat,
		PkScript: destPkScript,
	})
	return tx, contractValue, nil
}

// signContractSpend produces the BIP143 witness signature over spendTx's
// sole input, using contractRedeemscript as the script code — the
// signature shared by both the hashlock and timelock spend paths, which
// differ only in the rest of the witness stack.
func signContractSpend(
	spendTx *wire.MsgTx,
	contractRedeemscript []byte,
	contractValue int64,
	priv *btcec.PrivateKey,
) ([]byte, error) {
	sigHashes := txscript.NewTxSigHashes(spendTx, singleOutputFetcher(contractRedeemscript, contractValue))
	sigHash, err := txscript.CalcWitnessSigHash(
		contractRedeemscript, sigHashes, txscript.SigHashAll, spendTx, 0, contractValue,
	)
	if err != nil {
		return nil, fmt.Errorf("sighash: %w", err)
	}

	sig := ecdsa.Sign(priv, sigHash)
	return append(sig.Serialize(), byte(txscript.SigHashAll)), nil
}
