package swapcoin

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/btcswap/coinswap/contract"
)

func mustPrivkey(t *testing.T) *btcec.PrivateKey {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("new private key: %v", err)
	}
	return priv
}

// buildContract builds a contract redeemscript and its presigned contract
// tx over a fixed funding outpoint/value, independent of any multisig
// pubkey ordering: every swap-coin test below builds its own multisig
// redeemscript in the order its coin type expects, then signs against the
// same contractTx/contractRedeemscript built here.
func buildContract(t *testing.T) (contractTx *wire.MsgTx, contractRedeemscript []byte, fundingValue int64) {
	t.Helper()

	hashlockPriv := mustPrivkey(t)
	timelockPriv := mustPrivkey(t)
	preimage := [32]byte{1, 2, 3}
	hashvalue := contract.Hash160(preimage[:])

	contractRedeemscript, err := contract.BuildContractRedeemscript(
		hashlockPriv.PubKey(), timelockPriv.PubKey(), hashvalue, 100,
	)
	if err != nil {
		t.Fatalf("BuildContractRedeemscript: %v", err)
	}

	fundingValue = 50000
	fundingOutpoint := wire.OutPoint{Hash: chainhash.Hash{0xaa}, Index: 0}

	contractTx, err = contract.BuildContractTx(fundingOutpoint, fundingValue, contractRedeemscript)
	if err != nil {
		t.Fatalf("BuildContractTx: %v", err)
	}
	return contractTx, contractRedeemscript, fundingValue
}

func TestIncomingSwapCoinVerifySig(t *testing.T) {
	contractTx, contractRedeemscript, fundingValue := buildContract(t)

	// IncomingSwapCoin.MultisigRedeemscript() builds (OtherPub, MyPubkey);
	// "my" side here is the receiver, "other" is the sender who funded
	// this hop, so the real on-chain script is ordered (sender, receiver).
	senderPriv := mustPrivkey(t)
	receiverPriv := mustPrivkey(t)
	multisigRedeemscript, err := contract.MultisigRedeemscript(senderPriv.PubKey(), receiverPriv.PubKey())
	if err != nil {
		t.Fatalf("MultisigRedeemscript: %v", err)
	}

	senderSig, err := contract.SignContractTx(contractTx, multisigRedeemscript, fundingValue, senderPriv)
	if err != nil {
		t.Fatalf("sign as sender: %v", err)
	}

	coin := &IncomingSwapCoin{
		MyPubkey:     receiverPriv.PubKey(),
		OtherPub:     senderPriv.PubKey(),
		ContractTxn:  contractTx,
		ContractRdmS: contractRedeemscript,
		FundingVal:   fundingValue,
	}
	if err := coin.ApplyPrivkey(receiverPriv); err != nil {
		t.Fatalf("ApplyPrivkey: %v", err)
	}

	ok, err := coin.VerifySenderSig(senderSig)
	if err != nil {
		t.Fatalf("VerifySenderSig: %v", err)
	}
	if !ok {
		t.Fatal("sender sig should verify against other_pubkey")
	}

	receiverSig, err := contract.SignContractTx(contractTx, multisigRedeemscript, fundingValue, receiverPriv)
	if err != nil {
		t.Fatalf("sign as receiver: %v", err)
	}
	ok, err = coin.VerifyReceiverSig(receiverSig)
	if err != nil {
		t.Fatalf("VerifyReceiverSig: %v", err)
	}
	if !ok {
		t.Fatal("receiver sig should verify against my_pubkey")
	}

	if coin.IsHashPreimageKnown() {
		t.Fatal("preimage should not be known yet")
	}
	preimage := [32]byte{9}
	coin.Preimage = &preimage
	if !coin.IsHashPreimageKnown() {
		t.Fatal("preimage should now be known")
	}
}

func TestIncomingSwapCoinApplyPrivkeyRejectsMismatch(t *testing.T) {
	contractTx, contractRedeemscript, fundingValue := buildContract(t)
	receiverPriv := mustPrivkey(t)

	coin := &IncomingSwapCoin{
		MyPubkey:     receiverPriv.PubKey(),
		ContractTxn:  contractTx,
		ContractRdmS: contractRedeemscript,
		FundingVal:   fundingValue,
	}

	wrongPriv := mustPrivkey(t)
	if err := coin.ApplyPrivkey(wrongPriv); err == nil {
		t.Fatal("expected ApplyPrivkey to reject a non-matching privkey")
	}
	if coin.MyPrivkey != nil {
		t.Fatal("ApplyPrivkey must not store a rejected key")
	}
}

func TestOutgoingSwapCoinVerifySig(t *testing.T) {
	contractTx, contractRedeemscript, fundingValue := buildContract(t)

	// OutgoingSwapCoin.MultisigRedeemscript() builds (MyPubkey, OtherPub);
	// "my" side funded this hop (the sender), "other" is the receiver.
	senderPriv := mustPrivkey(t)
	receiverPriv := mustPrivkey(t)
	multisigRedeemscript, err := contract.MultisigRedeemscript(senderPriv.PubKey(), receiverPriv.PubKey())
	if err != nil {
		t.Fatalf("MultisigRedeemscript: %v", err)
	}

	senderSig, err := contract.SignContractTx(contractTx, multisigRedeemscript, fundingValue, senderPriv)
	if err != nil {
		t.Fatalf("sign as sender: %v", err)
	}

	coin := &OutgoingSwapCoin{
		MyPubkey:     senderPriv.PubKey(),
		OtherPub:     receiverPriv.PubKey(),
		ContractTxn:  contractTx,
		ContractRdmS: contractRedeemscript,
		FundingVal:   fundingValue,
	}

	ok, err := coin.VerifySenderSig(senderSig)
	if err != nil {
		t.Fatalf("VerifySenderSig: %v", err)
	}
	if !ok {
		t.Fatal("sender sig should verify against my_pubkey")
	}

	if err := coin.ApplyPrivkey(receiverPriv); err != nil {
		t.Fatalf("ApplyPrivkey(other): %v", err)
	}
	if err := coin.ApplyPrivkey(mustPrivkey(t)); err == nil {
		t.Fatal("expected ApplyPrivkey to reject a key matching neither role")
	}

	if coin.IsHashPreimageKnown() {
		t.Fatal("an outgoing coin never learns the preimage")
	}
}

func TestWatchOnlySwapCoinRoleSwap(t *testing.T) {
	contractTx, contractRedeemscript, fundingValue := buildContract(t)

	senderPriv := mustPrivkey(t)
	receiverPriv := mustPrivkey(t)
	multisigRedeemscript, err := contract.MultisigRedeemscript(senderPriv.PubKey(), receiverPriv.PubKey())
	if err != nil {
		t.Fatalf("MultisigRedeemscript: %v", err)
	}

	coin, err := NewWatchOnlySwapCoin(
		receiverPriv.PubKey(), multisigRedeemscript, contractTx, contractRedeemscript, fundingValue,
	)
	if err != nil {
		t.Fatalf("NewWatchOnlySwapCoin: %v", err)
	}
	if !coin.SenderPub.IsEqual(senderPriv.PubKey()) {
		t.Fatal("sender_pubkey should be derived as the other multisig key")
	}

	senderSig, err := contract.SignContractTx(contractTx, multisigRedeemscript, fundingValue, senderPriv)
	if err != nil {
		t.Fatalf("sign as sender: %v", err)
	}
	receiverSig, err := contract.SignContractTx(contractTx, multisigRedeemscript, fundingValue, receiverPriv)
	if err != nil {
		t.Fatalf("sign as receiver: %v", err)
	}

	// VerifySenderSig on a watch-only coin checks the *receiver_pubkey*
	// by design (see the struct's doc comment): the sender role from the
	// watcher's perspective is swapped relative to Incoming/Outgoing.
	ok, err := coin.VerifySenderSig(receiverSig)
	if err != nil {
		t.Fatalf("VerifySenderSig: %v", err)
	}
	if !ok {
		t.Fatal("watch-only VerifySenderSig should check against receiver_pubkey")
	}

	ok, err = coin.VerifyReceiverSig(senderSig)
	if err != nil {
		t.Fatalf("VerifyReceiverSig: %v", err)
	}
	if !ok {
		t.Fatal("watch-only VerifyReceiverSig should check against sender_pubkey")
	}

	if err := coin.ApplyPrivkey(senderPriv); err != nil {
		t.Fatalf("ApplyPrivkey(sender): %v", err)
	}
	if err := coin.ApplyPrivkey(mustPrivkey(t)); err == nil {
		t.Fatal("expected ApplyPrivkey to reject an unrelated key")
	}
}

func TestWatchOnlySwapCoinRejectsUnrelatedReceiver(t *testing.T) {
	contractTx, contractRedeemscript, fundingValue := buildContract(t)

	senderPriv := mustPrivkey(t)
	receiverPriv := mustPrivkey(t)
	multisigRedeemscript, err := contract.MultisigRedeemscript(senderPriv.PubKey(), receiverPriv.PubKey())
	if err != nil {
		t.Fatalf("MultisigRedeemscript: %v", err)
	}

	_, err = NewWatchOnlySwapCoin(
		mustPrivkey(t).PubKey(), multisigRedeemscript, contractTx, contractRedeemscript, fundingValue,
	)
	if err == nil {
		t.Fatal("expected error when receiver_pubkey isn't one of the multisig pair")
	}
}

func TestCoinContractFieldAccessorsAgreeAcrossKinds(t *testing.T) {
	contractTx, contractRedeemscript, fundingValue := buildContract(t)

	senderPriv := mustPrivkey(t)
	receiverPriv := mustPrivkey(t)
	multisigRedeemscript, err := contract.MultisigRedeemscript(senderPriv.PubKey(), receiverPriv.PubKey())
	if err != nil {
		t.Fatalf("MultisigRedeemscript: %v", err)
	}

	watchOnly, err := NewWatchOnlySwapCoin(
		receiverPriv.PubKey(), multisigRedeemscript, contractTx, contractRedeemscript, fundingValue,
	)
	if err != nil {
		t.Fatalf("NewWatchOnlySwapCoin: %v", err)
	}

	coins := []Coin{
		&IncomingSwapCoin{OtherPub: senderPriv.PubKey(), MyPubkey: receiverPriv.PubKey(), ContractTxn: contractTx, ContractRdmS: contractRedeemscript, FundingVal: fundingValue},
		&OutgoingSwapCoin{MyPubkey: senderPriv.PubKey(), OtherPub: receiverPriv.PubKey(), ContractTxn: contractTx, ContractRdmS: contractRedeemscript, FundingVal: fundingValue},
		watchOnly,
	}

	wantHashlock, err := contract.ParseHashlockPubkey(contractRedeemscript)
	if err != nil {
		t.Fatalf("ParseHashlockPubkey: %v", err)
	}
	wantTimelock, err := contract.ParseTimelockPubkey(contractRedeemscript)
	if err != nil {
		t.Fatalf("ParseTimelockPubkey: %v", err)
	}
	wantHashvalue, err := contract.ParseHashvalue(contractRedeemscript)
	if err != nil {
		t.Fatalf("ParseHashvalue: %v", err)
	}
	wantLocktime, err := contract.ParseLocktime(contractRedeemscript)
	if err != nil {
		t.Fatalf("ParseLocktime: %v", err)
	}

	for _, c := range coins {
		gotHashlock, err := c.HashlockPubkey()
		if err != nil || !gotHashlock.IsEqual(wantHashlock) {
			t.Fatalf("%s: HashlockPubkey mismatch: %v", c.Kind(), err)
		}
		gotTimelock, err := c.TimelockPubkey()
		if err != nil || !gotTimelock.IsEqual(wantTimelock) {
			t.Fatalf("%s: TimelockPubkey mismatch: %v", c.Kind(), err)
		}
		gotHashvalue, err := c.Hashvalue()
		if err != nil || gotHashvalue != wantHashvalue {
			t.Fatalf("%s: Hashvalue mismatch: %v", c.Kind(), err)
		}
		gotLocktime, err := c.Timelock()
		if err != nil || gotLocktime != wantLocktime {
			t.Fatalf("%s: Timelock mismatch: %v", c.Kind(), err)
		}
	}
}
