// Package maker implements the maker side of a coinswap hop: the
// mirror-image state machine that responds to a taker's (or upstream
// maker's) requests to fund, sign, and settle one leg of a route, plus
// the proof-of-funding validation and sender-contract cache that defend
// against a taker offering this maker two different contracts for the
// same funding output.
package maker

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/btcswap/coinswap/coinswaperr"
	"github.com/btcswap/coinswap/contract"
	"github.com/btcswap/coinswap/feemodel"
	"github.com/btcswap/coinswap/walletstore"
	protowire "github.com/btcswap/coinswap/wire"
)

// MinContractReactTime is the minimum number of blocks this maker
// requires between the locktime it is handed and the locktime of the
// next hop downstream, giving it enough time to react (broadcast its
// reclaim transaction) if the swap stalls.
const MinContractReactTime = 20

// Maker holds everything one running maker instance needs to answer
// protocol requests for hops it's asked to participate in.
type Maker struct {
	Wallet         *walletstore.DB
	Chain          ChainBackend
	TweakablePriv  *btcec.PrivateKey
	TweakablePoint *btcec.PublicKey
	Offer          feemodel.Offer

	// CreateFundingTx builds and signs, but does not broadcast, a
	// funding transaction paying value satoshis to pkScript, returning
	// the transaction and the index of that output. Wired to the node
	// wallet's fundrawtransaction path in production; tests substitute
	// an in-memory builder.
	CreateFundingTx func(pkScript []byte, value int64) (*wire.MsgTx, uint32, error)
}

// DeriveMultisigKey derives this maker's multisig privkey/pubkey pair for
// a hop from a per-swap nonce, via the tweakable point. Fails if either
// tweak degenerates (zero scalar or point at infinity).
func (m *Maker) DeriveMultisigKey(nonce [contract.NonceSize]byte) (*btcec.PrivateKey, *btcec.PublicKey, error) {
	priv, err := contract.TweakScalar(m.TweakablePriv, nonce)
	if err != nil {
		return nil, nil, err
	}
	pub, err := contract.TweakPoint(m.TweakablePoint, nonce)
	if err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

// ProofOfFundingResult is what a successful proof-of-funding check
// produces: the maker's own multisig private key for the funding output
// being handed to it, the counterparty's multisig pubkey, and the
// hashlock private key this maker can use once the preimage is revealed.
type ProofOfFundingResult struct {
	MyPrivkey       *btcec.PrivateKey
	OtherPubkey     *btcec.PublicKey
	HashlockPrivkey *btcec.PrivateKey
}

// ChainBackend is the subset of chainrpc.Client a maker needs: checking
// proof-of-funding confirmations and broadcasting its own outgoing
// funding transactions. Kept as an interface so this package's tests
// don't need a live node.
type ChainBackend interface {
	GetTxOutConfirmations(txid chainhash.Hash, index uint32) (confirmations int64, exists bool, err error)
	SendRawTransaction(tx *wire.MsgTx) (chainhash.Hash, error)
}

// VerifyProofOfFunding runs the six checks a maker requires before it
// agrees to participate in a hop, each with its own exact rejection
// reason so a reviewer can tell which check failed:
//
//  1. the funding transaction exists on-chain with at least one confirmation
//  2. multisigRedeemscript has exactly the 2-of-2 template shape
//  3. one of the two multisig pubkeys is this maker's own derived pubkey
//  4. locktime leaves at least MinContractReactTime blocks before nextLocktime
//  5. the contract's hashlock pubkey matches this maker's tweakable-point-derived key
//  6. the contract's scriptPubKey matches what this maker already cached
//     for this funding outpoint (the multi-contract attack defense)
func (m *Maker) VerifyProofOfFunding(
	chain ChainBackend,
	fundingTxid chainhash.Hash,
	fundingIndex uint32,
	multisigRedeemscript []byte,
	multisigNonce [contract.NonceSize]byte,
	contractRedeemscript []byte,
	hashlockNonce [contract.NonceSize]byte,
	locktime uint16,
	nextLocktime uint16,
) (ProofOfFundingResult, error) {
	// 1. funding tx confirmed
	confirmations, exists, err := chain.GetTxOutConfirmations(fundingTxid, fundingIndex)
	if err != nil {
		return ProofOfFundingResult{}, coinswaperr.RPC(err)
	}
	if !exists {
		return ProofOfFundingResult{}, coinswaperr.Protocol("funding tx output doesnt exist")
	}
	if confirmations < 1 {
		return ProofOfFundingResult{}, coinswaperr.Protocol("funding tx not confirmed")
	}

	// 2. redeemscript template shape
	if !contract.MatchesMultisigTemplate(multisigRedeemscript) {
		return ProofOfFundingResult{}, coinswaperr.Protocol("multisig_redeemscript not matching template")
	}

	// 3. one of the multisig pubkeys is ours
	myPriv, myPub, err := m.DeriveMultisigKey(multisigNonce)
	if err != nil {
		return ProofOfFundingResult{}, coinswaperr.Crypto(err)
	}
	pub1, pub2, err := contract.ParseMultisigPubkeys(multisigRedeemscript)
	if err != nil {
		return ProofOfFundingResult{}, coinswaperr.Protocolf("wrong multisig_redeemscript length: %v", err)
	}
	var otherPubkey *btcec.PublicKey
	switch {
	case myPub.IsEqual(pub1):
		otherPubkey = pub2
	case myPub.IsEqual(pub2):
		otherPubkey = pub1
	default:
		return ProofOfFundingResult{}, coinswaperr.Protocol("wrong pubkeys in multisig_redeemscript")
	}

	// 4. locktime leaves enough reaction time
	if int(locktime)-int(nextLocktime) < MinContractReactTime {
		return ProofOfFundingResult{}, coinswaperr.Protocol("locktime too short")
	}

	// 5. hashlock pubkey matches our derived key
	hashlockPriv, err := contract.TweakScalar(m.TweakablePriv, hashlockNonce)
	if err != nil {
		return ProofOfFundingResult{}, coinswaperr.Crypto(err)
	}
	hashlockPub, err := contract.TweakPoint(m.TweakablePoint, hashlockNonce)
	if err != nil {
		return ProofOfFundingResult{}, coinswaperr.Crypto(err)
	}
	contractHashlockPub, err := contract.ParseHashlockPubkey(contractRedeemscript)
	if err != nil {
		return ProofOfFundingResult{}, coinswaperr.Protocolf("contract hashlock pubkey doesnt match key derived from nonce: %v", err)
	}
	if !contractHashlockPub.IsEqual(hashlockPub) {
		return ProofOfFundingResult{}, coinswaperr.Protocol("contract hashlock pubkey doesnt match key derived from nonce")
	}

	// 6. cached sender contract match
	fundingOutpoint := wire.OutPoint{Hash: fundingTxid, Index: fundingIndex}
	cached, matches, err := m.Wallet.DoesPrevoutMatchCachedContract(fundingOutpoint, contractRedeemscript)
	if err != nil {
		return ProofOfFundingResult{}, coinswaperr.Wallet(err)
	}
	if cached && !matches {
		return ProofOfFundingResult{}, coinswaperr.Protocol("provided contract does not match sender contract tx, rejecting")
	}

	return ProofOfFundingResult{
		MyPrivkey:       myPriv,
		OtherPubkey:     otherPubkey,
		HashlockPrivkey: hashlockPriv,
	}, nil
}

// ValidateAndSignSendersContractTx validates a taker-provided sender
// contract transaction against this maker's cached-contract defense and,
// if it checks out, signs it with the multisig key derived from the
// request's multisig nonce. Before signing it derives its own
// hashlock-branch key from the request's hashlock nonce and rebuilds the
// contract from that key plus the claimed timelock pubkey: a contract
// whose hashlock this maker does not control would let the taker collect
// the multisig signature and spend both branches itself, so it gets no
// signature. The cache write happens only after validation succeeds,
// never before.
func (m *Maker) ValidateAndSignSendersContractTx(
	req protowire.SenderTxInfo,
	minLocktime uint16,
) (string, error) {
	multisigRedeemscript, err := decodeHexField(req.MultisigRedeemscriptHex)
	if err != nil {
		return "", coinswaperr.Protocolf("decode multisig_redeemscript: %v", err)
	}
	contractTx, err := protowire.DecodeTx(req.ContractTxHex)
	if err != nil {
		return "", coinswaperr.Protocolf("decode contract_tx: %v", err)
	}
	contractRedeemscript, err := decodeHexField(req.ContractRedeemscriptHex)
	if err != nil {
		return "", coinswaperr.Protocolf("decode contract_redeemscript: %v", err)
	}
	multisigNonce, err := decodeNonce(req.MultisigNonceHex)
	if err != nil {
		return "", coinswaperr.Protocolf("decode multisig_nonce: %v", err)
	}
	hashlockNonce, err := decodeNonce(req.HashlockNonceHex)
	if err != nil {
		return "", coinswaperr.Protocolf("decode hashlock_nonce: %v", err)
	}
	timelockPubkey, err := parseCompressedPubkey(req.TimelockPubkeyHex)
	if err != nil {
		return "", coinswaperr.Protocolf("parse timelock_pubkey: %v", err)
	}

	if len(contractTx.TxIn) != 1 || len(contractTx.TxOut) != 1 {
		return "", coinswaperr.Protocol("invalid number of inputs or outputs")
	}

	locktime, err := contract.ParseLocktime(contractRedeemscript)
	if err != nil {
		return "", coinswaperr.Protocolf("parse locktime: %v", err)
	}
	if locktime < minLocktime {
		return "", coinswaperr.Protocol("locktime too short")
	}
	hashvalue, err := contract.ParseHashvalue(contractRedeemscript)
	if err != nil {
		return "", coinswaperr.Protocolf("parse hashvalue: %v", err)
	}

	// The contract's hashlock branch must be ours: only the key derived
	// from our own tweakable point and the request's hashlock nonce can
	// later redeem with the preimage.
	hashlockPub, err := contract.TweakPoint(m.TweakablePoint, hashlockNonce)
	if err != nil {
		return "", coinswaperr.Crypto(err)
	}
	contractHashlockPub, err := contract.ParseHashlockPubkey(contractRedeemscript)
	if err != nil {
		return "", coinswaperr.Protocolf("parse contract hashlock pubkey: %v", err)
	}
	if !contractHashlockPub.IsEqual(hashlockPub) {
		return "", coinswaperr.Protocol("contract hashlock pubkey doesnt match key derived from nonce")
	}
	contractTimelockPub, err := contract.ParseTimelockPubkey(contractRedeemscript)
	if err != nil {
		return "", coinswaperr.Protocolf("parse contract timelock pubkey: %v", err)
	}
	if !contractTimelockPub.IsEqual(timelockPubkey) {
		return "", coinswaperr.Protocol("contract timelock pubkey doesnt match timelock_pubkey")
	}

	// Rebuild the contract from the agreed fields and require the
	// transaction's output to pay to exactly that script, so the checks
	// above can't be sidestepped by a script with the right fields at
	// the parsed offsets but extra opcodes elsewhere.
	wantRedeemscript, err := contract.BuildContractRedeemscript(
		hashlockPub, timelockPubkey, hashvalue, locktime,
	)
	if err != nil {
		return "", coinswaperr.Crypto(err)
	}
	if !scriptEqual(contractRedeemscript, wantRedeemscript) {
		return "", coinswaperr.Protocol("contract redeemscript does not match request fields")
	}
	wantPkScript, err := contract.WitnessScriptHash(wantRedeemscript)
	if err != nil {
		return "", coinswaperr.Crypto(err)
	}
	if !scriptEqual(contractTx.TxOut[0].PkScript, wantPkScript) {
		return "", coinswaperr.Protocol("given transaction does not pay to requested contract")
	}

	// When the sender includes its own contract signature, sanity-check
	// it under the timelock (sender) key before countersigning.
	if req.SenderContractTxSigHex != "" {
		senderSig, err := decodeHexField(req.SenderContractTxSigHex)
		if err != nil {
			return "", coinswaperr.Protocolf("decode senders_contract_tx_sig: %v", err)
		}
		if !contract.VerifyContractTxSig(contractTx, multisigRedeemscript, req.FundingAmount, timelockPubkey, senderSig) {
			return "", coinswaperr.Protocol("senders contract tx sig does not verify")
		}
	}

	fundingOutpoint := contractTx.TxIn[0].PreviousOutPoint
	cached, matches, err := m.Wallet.DoesPrevoutMatchCachedContract(fundingOutpoint, contractRedeemscript)
	if err != nil {
		return "", coinswaperr.Wallet(err)
	}
	if cached && !matches {
		return "", coinswaperr.Protocol("taker attempting multiple contract attack, rejecting")
	}

	if err := m.Wallet.AddPrevoutAndContractToCache(fundingOutpoint, contractRedeemscript); err != nil {
		return "", coinswaperr.Wallet(err)
	}

	myPriv, _, err := m.DeriveMultisigKey(multisigNonce)
	if err != nil {
		return "", coinswaperr.Crypto(err)
	}
	sig, err := contract.SignContractTx(contractTx, multisigRedeemscript, req.FundingAmount, myPriv)
	if err != nil {
		return "", coinswaperr.Crypto(err)
	}
	return encodeHexField(sig), nil
}

func scriptEqual(a, b []byte) bool {
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

func decodeHexField(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

func encodeHexField(b []byte) string {
	return hex.EncodeToString(b)
}
