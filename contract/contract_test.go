package contract

import (
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

func mustDecodeWIF(t *testing.T, wif string) *btcutil.WIF {
	t.Helper()
	w, err := btcutil.DecodeWIF(wif)
	if err != nil {
		t.Fatalf("decode WIF: %v", err)
	}
	return w
}

func mustParseHex(t *testing.T, hexStr string) []byte {
	t.Helper()
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		t.Fatalf("decode hex: %v", err)
	}
	return b
}

// TestTweakPointMatchesReferenceVector reproduces the reference
// implementation's nonce-tweak test: priv = WIF decode of a fixed test
// key, nonce = 32 bytes of 0x02, and the resulting tweaked pubkey must
// match exactly.
func TestTweakPointMatchesReferenceVector(t *testing.T) {
	wif := mustDecodeWIF(t, "cVt4o7BGAig1UXywgGSmARhxMdzP5qvQsxKkSsc1XEkw3tDTQFpy")

	var nonce [NonceSize]byte
	for i := range nonce {
		nonce[i] = 2
	}

	tweaked, err := TweakPoint(wif.PrivKey.PubKey(), nonce)
	if err != nil {
		t.Fatalf("TweakPoint: %v", err)
	}

	const want = "03bf98c86c3d536136378cf43ac42861ece609de87f5a44e19b730e8e9bd791938"
	got := hex.EncodeToString(tweaked.SerializeCompressed())
	if got != want {
		t.Fatalf("tweaked pubkey mismatch:\n got  %s\n want %s", got, want)
	}
}

// TestMultisigRedeemscriptMatchesReferenceVector reproduces the reference
// implementation's known-answer multisig script test.
func TestMultisigRedeemscriptMatchesReferenceVector(t *testing.T) {
	pub1, err := btcec.ParsePubKey(mustParseHex(t, "032e58afe51f9ed8ad3cc7897f634d881fdbe49a81564629ded8156bebd2ffd1af"))
	if err != nil {
		t.Fatalf("parse pub1: %v", err)
	}
	pub2, err := btcec.ParsePubKey(mustParseHex(t, "039b6347398505f5ec93826dc61c19f47c66c0283ee9be980e29ce325a0f4679ef"))
	if err != nil {
		t.Fatalf("parse pub2: %v", err)
	}

	script, err := MultisigRedeemscript(pub1, pub2)
	if err != nil {
		t.Fatalf("MultisigRedeemscript: %v", err)
	}

	const want = "5221032e58afe51f9ed8ad3cc7897f634d881fdbe49a81564629ded8156bebd2ffd1af21039b6347398505f5ec93826dc61c19f47c66c0283ee9be980e29ce325a0f4679ef52ae"
	if got := hex.EncodeToString(script); got != want {
		t.Fatalf("multisig script mismatch:\n got  %s\n want %s", got, want)
	}
}

// TestBuildContractTxDeductsFeeStipend reproduces the reference
// implementation's contract transaction known-answer test: a fixed
// funding outpoint and value, deducting the fixed fee stipend.
func TestBuildContractTxDeductsFeeStipend(t *testing.T) {
	txidBytes := mustParseHex(t, "5df6e0e2761359d30a8275058e299fcc0381534545f55cf43e41983f5d4c9456")
	var txid chainhash.Hash
	copy(txid[:], txidBytes)

	outpoint := wire.OutPoint{Hash: txid, Index: 42}

	redeemscript := mustParseHex(t, "5221032e58afe51f9ed8ad3cc7897f634d881fdbe49a81564629ded8156bebd2ffd1af21039b6347398505f5ec93826dc61c19f47c66c0283ee9be980e29ce325a0f4679ef52ae")

	tx, err := BuildContractTx(outpoint, 30000, redeemscript)
	if err != nil {
		t.Fatalf("BuildContractTx: %v", err)
	}

	if len(tx.TxIn) != 1 || len(tx.TxOut) != 1 {
		t.Fatalf("expected 1 input and 1 output, got %d/%d", len(tx.TxIn), len(tx.TxOut))
	}
	if got, want := tx.TxOut[0].Value, int64(29000); got != want {
		t.Fatalf("output value = %d, want %d", got, want)
	}
	if got, want := tx.TxIn[0].PreviousOutPoint, outpoint; got != want {
		t.Fatalf("input outpoint = %v, want %v", got, want)
	}
}

func testKeypairs(t *testing.T) (*btcec.PublicKey, *btcec.PublicKey) {
	t.Helper()
	w := mustDecodeWIF(t, "cVt4o7BGAig1UXywgGSmARhxMdzP5qvQsxKkSsc1XEkw3tDTQFpy")
	return w.PrivKey.PubKey(), w.PrivKey.PubKey()
}

// TestParseLocktimeSingleByte covers the common case: a locktime small
// enough to fit in one byte round-trips exactly.
func TestParseLocktimeSingleByte(t *testing.T) {
	hashlockPub, timelockPub := testKeypairs(t)

	var hashvalue [hashvalueLen]byte
	script, err := BuildContractRedeemscript(hashlockPub, timelockPub, hashvalue, 100)
	if err != nil {
		t.Fatalf("BuildContractRedeemscript: %v", err)
	}

	got, err := ParseLocktime(script)
	if err != nil {
		t.Fatalf("ParseLocktime: %v", err)
	}
	if got != 100 {
		t.Fatalf("locktime = %d, want 100", got)
	}
}

// TestParseLocktimeThreeBytePushDropsThirdByte pins a deliberate parser
// quirk for wire compatibility: when the locktime push
// is 3 bytes wide, only the first two are read as a little-endian u16 and
// the third is silently ignored. This is intentional parity, not a bug.
func TestParseLocktimeThreeBytePushDropsThirdByte(t *testing.T) {
	hashlockPub, timelockPub := testKeypairs(t)
	var hashvalue [hashvalueLen]byte

	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_SIZE)
	builder.AddOp(txscript.OP_SWAP)
	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(hashvalue[:])
	builder.AddOp(txscript.OP_EQUAL)
	builder.AddOp(txscript.OP_IF)
	builder.AddData(hashlockPub.SerializeCompressed())
	builder.AddInt64(32)
	builder.AddInt64(1)
	builder.AddOp(txscript.OP_ELSE)
	builder.AddData(timelockPub.SerializeCompressed())
	builder.AddInt64(0)
	// A direct 3-byte data push (0x01 0x02 0x03), rather than AddInt64's
	// minimal encoding, to force the push-length-3 code path.
	builder.AddData([]byte{0x01, 0x02, 0x03})
	builder.AddOp(txscript.OP_ENDIF)
	builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddOp(txscript.OP_ROT)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddOp(txscript.OP_CHECKSIG)
	script, err := builder.Script()
	if err != nil {
		t.Fatalf("build raw script: %v", err)
	}

	got, err := ParseLocktime(script)
	if err != nil {
		t.Fatalf("ParseLocktime: %v", err)
	}
	if want := uint16(0x0201); got != want {
		t.Fatalf("locktime = %#x, want %#x (third byte must be dropped)", got, want)
	}
}

// TestParseHashvalueScriptTooShort pins the exact "script too short"
// error text peers and logs depend on.
func TestParseHashvalueScriptTooShort(t *testing.T) {
	_, err := ParseHashvalue(make([]byte, 10))
	if err == nil {
		t.Fatal("expected error for short script")
	}
	if got, want := err.Error(), "contract redeemscript: script too short"; got != want {
		t.Fatalf("error = %q, want %q", got, want)
	}
}

// TestParseMultisigPubkeysRoundTrip checks that the pubkeys recovered from
// a built multisig redeemscript match the inputs, in the same order.
func TestParseMultisigPubkeysRoundTrip(t *testing.T) {
	pub1, pub2 := testKeypairs(t)
	script, err := MultisigRedeemscript(pub1, pub2)
	if err != nil {
		t.Fatalf("MultisigRedeemscript: %v", err)
	}

	gotPub1, gotPub2, err := ParseMultisigPubkeys(script)
	if err != nil {
		t.Fatalf("ParseMultisigPubkeys: %v", err)
	}
	if !gotPub1.IsEqual(pub1) || !gotPub2.IsEqual(pub2) {
		t.Fatal("parsed pubkeys do not match originals")
	}
	if !MatchesMultisigTemplate(script) {
		t.Fatal("expected built script to match multisig template")
	}
}

// TestValidateContractTx exercises the three rejection diagnostics a
// peer-supplied contract transaction can earn, plus the accept path.
func TestValidateContractTx(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	redeemscript, err := BuildContractRedeemscript(
		priv.PubKey(), priv.PubKey(), Hash160([]byte("preimage")), 100,
	)
	if err != nil {
		t.Fatalf("BuildContractRedeemscript: %v", err)
	}

	fundingOutpoint := wire.OutPoint{Hash: chainhash.Hash{0x05}, Index: 42}
	tx, err := BuildContractTx(fundingOutpoint, 30000, redeemscript)
	if err != nil {
		t.Fatalf("BuildContractTx: %v", err)
	}

	if err := ValidateContractTx(tx, fundingOutpoint, redeemscript); err != nil {
		t.Fatalf("ValidateContractTx on well-formed tx: %v", err)
	}

	wrongOutpoint := tx.Copy()
	wrongOutpoint.TxIn[0].PreviousOutPoint.Index = 43
	err = ValidateContractTx(wrongOutpoint, fundingOutpoint, redeemscript)
	if err == nil || err.Error() != "not spending the funding outpoint" {
		t.Fatalf("wrong outpoint error = %v, want %q", err, "not spending the funding outpoint")
	}

	twoInputs := tx.Copy()
	twoInputs.AddTxIn(&wire.TxIn{})
	err = ValidateContractTx(twoInputs, fundingOutpoint, redeemscript)
	if err == nil || err.Error() != "invalid number of inputs or outputs" {
		t.Fatalf("two inputs error = %v, want %q", err, "invalid number of inputs or outputs")
	}

	otherScript, err := BuildContractRedeemscript(
		priv.PubKey(), priv.PubKey(), Hash160([]byte("unrelated")), 100,
	)
	if err != nil {
		t.Fatalf("BuildContractRedeemscript: %v", err)
	}
	otherPkScript, err := WitnessScriptHash(otherScript)
	if err != nil {
		t.Fatalf("WitnessScriptHash: %v", err)
	}
	redirected := tx.Copy()
	redirected.TxOut[0].PkScript = otherPkScript
	err = ValidateContractTx(redirected, fundingOutpoint, redeemscript)
	if err == nil || err.Error() != "doesnt pay to requested contract" {
		t.Fatalf("redirected output error = %v, want %q", err, "doesnt pay to requested contract")
	}
}

// TestTweakRejectsDegenerateResults covers the two degenerate tweak
// outcomes: a nonce that is the additive inverse of the private key
// drives TweakScalar to zero and TweakPoint to the point at infinity,
// neither of which is a usable key.
func TestTweakRejectsDegenerateResults(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}

	// nonce = N - priv, so priv + nonce = 0 mod N.
	negated := priv.Key
	negated.Negate()
	var nonce [NonceSize]byte
	negBytes := negated.Bytes()
	copy(nonce[:], negBytes[:])

	if _, err := TweakScalar(priv, nonce); err == nil {
		t.Fatal("expected TweakScalar to reject a zero result")
	}
	if _, err := TweakPoint(priv.PubKey(), nonce); err == nil {
		t.Fatal("expected TweakPoint to reject the point at infinity")
	}

	// A benign nonce still succeeds for both.
	var fine [NonceSize]byte
	fine[31] = 1
	tweakedPriv, err := TweakScalar(priv, fine)
	if err != nil {
		t.Fatalf("TweakScalar: %v", err)
	}
	tweakedPub, err := TweakPoint(priv.PubKey(), fine)
	if err != nil {
		t.Fatalf("TweakPoint: %v", err)
	}
	if !tweakedPriv.PubKey().IsEqual(tweakedPub) {
		t.Fatal("scalar and point tweaks disagree")
	}
}
