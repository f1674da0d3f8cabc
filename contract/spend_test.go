package contract

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

func mustNewPrivKey(t *testing.T) *btcec.PrivateKey {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	return priv
}

func buildTestContract(t *testing.T) (hashlockPriv, timelockPriv *btcec.PrivateKey, preimage [32]byte, redeemscript []byte) {
	t.Helper()
	hashlockPriv = mustNewPrivKey(t)
	timelockPriv = mustNewPrivKey(t)
	nonce, err := NewNonce()
	if err != nil {
		t.Fatalf("NewNonce: %v", err)
	}
	preimage = nonce
	hashvalue := Hash160(preimage[:])

	redeemscript, err = BuildContractRedeemscript(hashlockPriv.PubKey(), timelockPriv.PubKey(), hashvalue, 100)
	if err != nil {
		t.Fatalf("BuildContractRedeemscript: %v", err)
	}
	return hashlockPriv, timelockPriv, preimage, redeemscript
}

func testFundingOutpoint() wire.OutPoint {
	return wire.OutPoint{Hash: chainhash.Hash{1, 2, 3}, Index: 0}
}

// verifyContractSpend checks that spendTx's sole input satisfies the
// witness script spending contractPkScript/contractValue, the same
// engine-driven check txscript's own tests use rather than re-deriving
// the stack-machine trace by hand.
func verifyContractSpend(t *testing.T, spendTx *wire.MsgTx, contractRedeemscript []byte, contractValue int64) {
	t.Helper()
	contractPkScript, err := WitnessScriptHash(contractRedeemscript)
	if err != nil {
		t.Fatalf("WitnessScriptHash: %v", err)
	}
	fetcher := singleOutputFetcher(contractRedeemscript, contractValue)
	sigHashes := txscript.NewTxSigHashes(spendTx, fetcher)

	engine, err := txscript.NewEngine(
		contractPkScript, spendTx, 0, txscript.StandardVerifyFlags, nil,
		sigHashes, contractValue, fetcher,
	)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if err := engine.Execute(); err != nil {
		t.Fatalf("script verification failed: %v", err)
	}
}

func TestHashlockSpendExecutesAgainstWitnessScript(t *testing.T) {
	hashlockPriv, _, preimage, redeemscript := buildTestContract(t)

	contractTx, err := BuildContractTx(testFundingOutpoint(), 50000, redeemscript)
	if err != nil {
		t.Fatalf("BuildContractTx: %v", err)
	}
	contractValue := contractTx.TxOut[0].Value

	destPkScript, err := WitnessScriptHash(redeemscript)
	if err != nil {
		t.Fatalf("WitnessScriptHash: %v", err)
	}

	spendTx, err := BuildHashlockSpendTx(contractTx, redeemscript, preimage, hashlockPriv, destPkScript, 500)
	if err != nil {
		t.Fatalf("BuildHashlockSpendTx: %v", err)
	}

	verifyContractSpend(t, spendTx, redeemscript, contractValue)
}

func TestTimelockSpendExecutesAgainstWitnessScript(t *testing.T) {
	_, timelockPriv, _, redeemscript := buildTestContract(t)

	contractTx, err := BuildContractTx(testFundingOutpoint(), 50000, redeemscript)
	if err != nil {
		t.Fatalf("BuildContractTx: %v", err)
	}
	contractValue := contractTx.TxOut[0].Value

	destPkScript, err := WitnessScriptHash(redeemscript)
	if err != nil {
		t.Fatalf("WitnessScriptHash: %v", err)
	}

	spendTx, err := BuildTimelockSpendTx(contractTx, redeemscript, 100, timelockPriv, destPkScript, 500)
	if err != nil {
		t.Fatalf("BuildTimelockSpendTx: %v", err)
	}

	verifyContractSpend(t, spendTx, redeemscript, contractValue)
}

func TestHashlockSpendRejectsWrongPreimage(t *testing.T) {
	hashlockPriv, _, _, redeemscript := buildTestContract(t)

	contractTx, err := BuildContractTx(testFundingOutpoint(), 50000, redeemscript)
	if err != nil {
		t.Fatalf("BuildContractTx: %v", err)
	}
	destPkScript, err := WitnessScriptHash(redeemscript)
	if err != nil {
		t.Fatalf("WitnessScriptHash: %v", err)
	}

	var wrongPreimage [32]byte
	spendTx, err := BuildHashlockSpendTx(contractTx, redeemscript, wrongPreimage, hashlockPriv, destPkScript, 500)
	if err != nil {
		t.Fatalf("BuildHashlockSpendTx: %v", err)
	}

	contractPkScript, err := WitnessScriptHash(redeemscript)
	if err != nil {
		t.Fatalf("WitnessScriptHash: %v", err)
	}
	contractValue := contractTx.TxOut[0].Value
	fetcher := singleOutputFetcher(redeemscript, contractValue)
	engine, err := txscript.NewEngine(
		contractPkScript, spendTx, 0, txscript.StandardVerifyFlags, nil,
		txscript.NewTxSigHashes(spendTx, fetcher), contractValue, fetcher,
	)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if err := engine.Execute(); err == nil {
		t.Fatal("expected script verification to fail with the wrong preimage")
	}
}
