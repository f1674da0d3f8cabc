package maker

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"

	"github.com/btcswap/coinswap/coinswaperr"
	"github.com/btcswap/coinswap/contract"
	"github.com/btcswap/coinswap/feemodel"
	"github.com/btcswap/coinswap/swapcoin"
	"github.com/btcswap/coinswap/walletstore"
	protowire "github.com/btcswap/coinswap/wire"
)

// HandleProofOfFunding validates the taker's funding proofs for this
// maker's incoming hop, files an incoming swap coin per proof, and
// builds (without broadcasting) the maker's own outgoing hop toward the
// next party named in the proof. The outgoing funding transactions stay
// in the session until ApplyContractSigs delivers a verifying signature
// set; only then do they hit the chain. That ordering is the maker's
// half of the atomicity hinge: it never commits funds downstream while
// any of its contracts is still un-broadcastable.
func (m *Maker) HandleProofOfFunding(
	sess *session,
	proof protowire.ProofOfFunding,
) (protowire.ReceiversContractTx, error) {
	var reply protowire.ReceiversContractTx

	if len(proof.Proofs) == 0 {
		return reply, coinswaperr.Protocol("no funding proofs given")
	}
	if len(proof.NextCoinswapInfo) == 0 {
		return reply, coinswaperr.Protocol("no next coinswap info given")
	}
	if m.CreateFundingTx == nil {
		return reply, coinswaperr.Walletf("maker has no funding transaction source configured")
	}

	var (
		totalIncoming int64
		hashvalue     [20]byte
		locktime      uint16
	)
	for i, p := range proof.Proofs {
		fundingTx, err := protowire.DecodeTx(p.FundingTxHex)
		if err != nil {
			return reply, coinswaperr.Protocolf("decode funding tx: %v", err)
		}
		multisigRedeemscript, err := hex.DecodeString(p.MultisigRedeemscriptHex)
		if err != nil {
			return reply, coinswaperr.Protocolf("decode multisig_redeemscript: %v", err)
		}
		contractRedeemscript, err := hex.DecodeString(p.ContractRedeemscriptHex)
		if err != nil {
			return reply, coinswaperr.Protocolf("decode contract_redeemscript: %v", err)
		}
		multisigNonce, err := decodeNonce(p.MultisigKeyNonceHex)
		if err != nil {
			return reply, coinswaperr.Protocolf("decode multisig_key_nonce: %v", err)
		}
		hashlockNonce, err := decodeNonce(p.HashlockKeyNonceHex)
		if err != nil {
			return reply, coinswaperr.Protocolf("decode hashlock_key_nonce: %v", err)
		}

		if int(p.FundingOutputIndex) >= len(fundingTx.TxOut) {
			return reply, coinswaperr.Protocol("funding_output_index out of range")
		}
		fundingOut := fundingTx.TxOut[p.FundingOutputIndex]
		wantPkScript, err := contract.WitnessScriptHash(multisigRedeemscript)
		if err != nil {
			return reply, coinswaperr.Crypto(err)
		}
		if !scriptEqual(fundingOut.PkScript, wantPkScript) {
			return reply, coinswaperr.Protocol("funding output does not pay to multisig_redeemscript")
		}

		locktime, err = contract.ParseLocktime(contractRedeemscript)
		if err != nil {
			return reply, coinswaperr.Protocolf("parse contract locktime: %v", err)
		}

		hv, err := contract.ParseHashvalue(contractRedeemscript)
		if err != nil {
			return reply, coinswaperr.Protocolf("parse contract hashvalue: %v", err)
		}
		if i == 0 {
			hashvalue = hv
		} else if hv != hashvalue {
			return reply, coinswaperr.Protocol("funding proofs disagree on hashvalue")
		}

		txid := fundingTx.TxHash()
		result, err := m.VerifyProofOfFunding(
			m.Chain, txid, p.FundingOutputIndex, multisigRedeemscript,
			multisigNonce, contractRedeemscript, hashlockNonce,
			locktime, proof.NextLocktime,
		)
		if err != nil {
			return reply, err
		}

		fundingOutpoint := wire.OutPoint{Hash: txid, Index: p.FundingOutputIndex}
		contractTx, err := contract.BuildContractTx(fundingOutpoint, fundingOut.Value, contractRedeemscript)
		if err != nil {
			return reply, coinswaperr.Crypto(err)
		}
		coin := &swapcoin.IncomingSwapCoin{
			MyPrivkey:    result.MyPrivkey,
			MyPubkey:     result.MyPrivkey.PubKey(),
			OtherPub:     result.OtherPubkey,
			ContractTxn:  contractTx,
			ContractRdmS: contractRedeemscript,
			FundingVal:   fundingOut.Value,
			HashlockPriv: result.HashlockPrivkey,
		}
		if err := m.Wallet.PutSwapCoin(fundingOutpoint, coin); err != nil {
			return reply, coinswaperr.Wallet(err)
		}
		sess.incoming = append(sess.incoming, incomingLeg{coin: coin, fundingOutpoint: fundingOutpoint})
		totalIncoming += fundingOut.Value
	}

	// The fee is quoted on the forwarded amount and the incoming leg's
	// locktime, the same figures the taker used when budgeting the route.
	fee := feemodel.CalculateCoinswapFee(m.Offer, proof.NextFundingAmount, int64(locktime))
	if totalIncoming-proof.NextFundingAmount < fee {
		return reply, coinswaperr.Protocol("swap fee below advertised minimum")
	}

	perLeg := proof.NextFundingAmount / int64(len(proof.NextCoinswapInfo))
	for _, next := range proof.NextCoinswapInfo {
		nextPub, err := parseCompressedPubkey(next.NextCoinswapMultisigPubkey)
		if err != nil {
			return reply, coinswaperr.Protocolf("parse next_coinswap_multisig_pubkey: %v", err)
		}
		nextHashlockPub, err := parseCompressedPubkey(next.NextHashlockPubkey)
		if err != nil {
			return reply, coinswaperr.Protocolf("parse next_hashlock_pubkey: %v", err)
		}

		nonce, err := contract.NewNonce()
		if err != nil {
			return reply, coinswaperr.Crypto(err)
		}
		myPriv, myPub, err := m.DeriveMultisigKey(nonce)
		if err != nil {
			return reply, coinswaperr.Crypto(err)
		}

		multisigRedeemscript, err := contract.MultisigRedeemscript(myPub, nextPub)
		if err != nil {
			return reply, coinswaperr.Crypto(err)
		}
		pkScript, err := contract.WitnessScriptHash(multisigRedeemscript)
		if err != nil {
			return reply, coinswaperr.Crypto(err)
		}
		fundingTx, fundingIndex, err := m.CreateFundingTx(pkScript, perLeg)
		if err != nil {
			return reply, coinswaperr.Wallet(err)
		}
		fundingOutpoint := wire.OutPoint{Hash: fundingTx.TxHash(), Index: fundingIndex}

		contractRedeemscript, err := contract.BuildContractRedeemscript(
			nextHashlockPub, myPub, hashvalue, proof.NextLocktime,
		)
		if err != nil {
			return reply, coinswaperr.Crypto(err)
		}
		contractTx, err := contract.BuildContractTx(fundingOutpoint, perLeg, contractRedeemscript)
		if err != nil {
			return reply, coinswaperr.Crypto(err)
		}

		coin := &swapcoin.OutgoingSwapCoin{
			MyPrivkey:    myPriv,
			MyPubkey:     myPub,
			OtherPub:     nextPub,
			ContractTxn:  contractTx,
			ContractRdmS: contractRedeemscript,
			FundingVal:   perLeg,
		}
		sess.outgoing = append(sess.outgoing, pendingLeg{
			coin:            coin,
			fundingTx:       fundingTx,
			fundingOutpoint: fundingOutpoint,
		})

		contractTxHex, err := protowire.EncodeTx(contractTx)
		if err != nil {
			return reply, coinswaperr.Crypto(err)
		}
		fundingTxHex, err := protowire.EncodeTx(fundingTx)
		if err != nil {
			return reply, coinswaperr.Crypto(err)
		}
		reply.Contracts = append(reply.Contracts, protowire.ReceiverContractInfo{
			ContractTxHex:           contractTxHex,
			MultisigRedeemscriptHex: hex.EncodeToString(multisigRedeemscript),
			ContractRedeemscriptHex: hex.EncodeToString(contractRedeemscript),
			FundingTxHex:            fundingTxHex,
			FundingOutputIndex:      fundingIndex,
			FundingAmount:           perLeg,
			SenderPubkeyHex:         hex.EncodeToString(myPub.SerializeCompressed()),
		})
	}

	log.Infof("maker: proof of funding verified, %d incoming leg(s) worth %d sat, forwarding %d sat",
		len(sess.incoming), totalIncoming, proof.NextFundingAmount)
	return reply, nil
}

// ApplyContractSigs takes the taker-delivered signature set: the
// sender-side signatures over this maker's incoming contracts and the
// downstream receiver's signatures over its outgoing contracts. Every
// signature must verify before anything is persisted or broadcast; once
// they all do, every coin and its watchtower record are written first
// and only then are the outgoing funding transactions broadcast, so an
// interruption can never leave a committed funding without a persisted,
// broadcastable contract.
func (m *Maker) ApplyContractSigs(sess *session, msg protowire.ReceiversContractSig) error {
	if len(msg.SigsHex) != len(sess.incoming) {
		return coinswaperr.Protocol("wrong number of incoming contract sigs")
	}
	if len(msg.OutgoingSigsHex) != len(sess.outgoing) {
		return coinswaperr.Protocol("wrong number of outgoing contract sigs")
	}

	incomingSigs := make([][]byte, len(msg.SigsHex))
	for i, sigHex := range msg.SigsHex {
		sig, err := hex.DecodeString(sigHex)
		if err != nil {
			return coinswaperr.Protocolf("decode incoming contract sig: %v", err)
		}
		ok, err := sess.incoming[i].coin.VerifySenderSig(sig)
		if err != nil {
			return coinswaperr.Crypto(err)
		}
		if !ok {
			return coinswaperr.Protocol("invalid signature for incoming contract")
		}
		incomingSigs[i] = sig
	}
	outgoingSigs := make([][]byte, len(msg.OutgoingSigsHex))
	for i, sigHex := range msg.OutgoingSigsHex {
		sig, err := hex.DecodeString(sigHex)
		if err != nil {
			return coinswaperr.Protocolf("decode outgoing contract sig: %v", err)
		}
		ok, err := sess.outgoing[i].coin.VerifyReceiverSig(sig)
		if err != nil {
			return coinswaperr.Crypto(err)
		}
		if !ok {
			return coinswaperr.Protocol("invalid signature for outgoing contract")
		}
		outgoingSigs[i] = sig
	}

	for i, leg := range sess.incoming {
		leg.coin.OtherSig = incomingSigs[i]
		if err := m.persistLeg(leg.fundingOutpoint, leg.coin, leg.coin.ContractTxn, leg.coin.ContractRdmS); err != nil {
			return err
		}
	}
	for i, leg := range sess.outgoing {
		leg.coin.OtherSig = outgoingSigs[i]
		if err := m.persistLeg(leg.fundingOutpoint, leg.coin, leg.coin.ContractTxn, leg.coin.ContractRdmS); err != nil {
			return err
		}
	}
	for _, leg := range sess.outgoing {
		if _, err := m.Chain.SendRawTransaction(leg.fundingTx); err != nil {
			return err
		}
		log.Infof("maker: broadcast outgoing funding %s", leg.fundingOutpoint)
	}
	return nil
}

func (m *Maker) persistLeg(
	fundingOutpoint wire.OutPoint,
	coin swapcoin.Coin,
	contractTx *wire.MsgTx,
	contractRedeemscript []byte,
) error {
	if err := m.Wallet.PutSwapCoin(fundingOutpoint, coin); err != nil {
		return coinswaperr.Wallet(err)
	}
	contractTxHex, err := protowire.EncodeTx(contractTx)
	if err != nil {
		return coinswaperr.Wallet(err)
	}
	locktime, err := contract.ParseLocktime(contractRedeemscript)
	if err != nil {
		return coinswaperr.Wallet(err)
	}
	if err := m.Wallet.PutWatchedContract(walletstore.WatchedContract{
		FundingOutpoint: fundingOutpoint,
		ContractTxHex:   contractTxHex,
		RedeemscriptHex: hex.EncodeToString(contractRedeemscript),
		LocktimeHeight:  int32(locktime),
	}); err != nil {
		return coinswaperr.Wallet(err)
	}
	return nil
}

// SignReceiversContracts answers a downstream hop's request for this
// maker's sender-side signature over the receiver's copy of a contract
// transaction. The multisig redeemscript names which of this maker's
// outgoing coins is meant; the presented transaction must match that
// coin's own contract shape exactly before it gets a signature.
func (m *Maker) SignReceiversContracts(req protowire.SignReceiversContractTx) (protowire.ReceiversContractSig, error) {
	var reply protowire.ReceiversContractSig

	entries, err := m.Wallet.ListSwapCoins()
	if err != nil {
		return reply, coinswaperr.Wallet(err)
	}

	for _, txInfo := range req.TxsInfo {
		multisigRedeemscript, err := hex.DecodeString(txInfo.MultisigRedeemscriptHex)
		if err != nil {
			return reply, coinswaperr.Protocolf("decode multisig_redeemscript: %v", err)
		}
		tx, err := protowire.DecodeTx(txInfo.ContractTxHex)
		if err != nil {
			return reply, coinswaperr.Protocolf("decode contract_tx: %v", err)
		}

		coin := findOutgoingByMultisig(entries, multisigRedeemscript)
		if coin == nil {
			return reply, coinswaperr.Protocol("unknown multisig_redeemscript in sign request")
		}
		if err := contract.ValidateContractTx(
			tx, coin.ContractTxn.TxIn[0].PreviousOutPoint, coin.ContractRdmS,
		); err != nil {
			return reply, coinswaperr.Protocolf("receivers contract tx: %v", err)
		}

		sig, err := contract.SignContractTx(tx, multisigRedeemscript, coin.FundingVal, coin.MyPrivkey)
		if err != nil {
			return reply, coinswaperr.Crypto(err)
		}
		reply.SigsHex = append(reply.SigsHex, hex.EncodeToString(sig))
	}
	return reply, nil
}

// LearnPreimage validates the revealed hashlock preimage against every
// incoming contract of the session, persists it, and returns the
// private-key handover for the maker's outgoing multisigs: with the
// preimage in hand the incoming side is unilaterally redeemable, so
// surrendering the outgoing half-keys gives up nothing.
func (m *Maker) LearnPreimage(sess *session, msg protowire.HashPreimage) (protowire.PrivateKeyHandover, error) {
	var reply protowire.PrivateKeyHandover

	raw, err := hex.DecodeString(msg.Preimage)
	if err != nil {
		return reply, coinswaperr.Protocolf("decode preimage: %v", err)
	}
	if len(raw) != 32 {
		return reply, coinswaperr.Protocol("hash preimage is not 32 bytes")
	}
	var preimage [32]byte
	copy(preimage[:], raw)
	hashvalue := contract.Hash160(preimage[:])

	if len(sess.incoming) == 0 {
		return reply, coinswaperr.Protocol("no incoming contracts to apply preimage to")
	}
	for _, leg := range sess.incoming {
		hv, err := leg.coin.Hashvalue()
		if err != nil {
			return reply, coinswaperr.Crypto(err)
		}
		if hv != hashvalue {
			return reply, coinswaperr.Protocol("preimage does not match contract hashvalue")
		}
	}
	for _, leg := range sess.incoming {
		leg.coin.Preimage = &preimage
		if err := m.Wallet.PutSwapCoin(leg.fundingOutpoint, leg.coin); err != nil {
			return reply, coinswaperr.Wallet(err)
		}
	}
	log.Infof("maker: learned hash preimage for %d incoming contract(s)", len(sess.incoming))

	for _, leg := range sess.outgoing {
		multisigRedeemscript, err := leg.coin.MultisigRedeemscript()
		if err != nil {
			return reply, coinswaperr.Crypto(err)
		}
		reply.Privkeys = append(reply.Privkeys, protowire.MultisigPrivkey{
			MultisigRedeemscriptHex: hex.EncodeToString(multisigRedeemscript),
			KeyHex:                  hex.EncodeToString(leg.coin.MyPrivkey.Serialize()),
		})
	}
	return reply, nil
}

// AcceptKeyHandover files the counterparty's multisig half-keys against
// this session's incoming coins. ApplyPrivkey enforces the key-matches-
// pubkey invariant; a key matching no incoming multisig is rejected, and
// the handover is only complete once every incoming leg has its
// counterparty key.
func (m *Maker) AcceptKeyHandover(sess *session, msg protowire.PrivateKeyHandover) error {
	for _, handover := range msg.Privkeys {
		multisigRedeemscript, err := hex.DecodeString(handover.MultisigRedeemscriptHex)
		if err != nil {
			return coinswaperr.Protocolf("decode multisig_redeemscript: %v", err)
		}
		priv, err := parsePrivkeyHex(handover.KeyHex)
		if err != nil {
			return coinswaperr.Protocolf("decode handed-over key: %v", err)
		}

		var leg *incomingLeg
		for i := range sess.incoming {
			legScript, err := sess.incoming[i].coin.MultisigRedeemscript()
			if err != nil {
				return coinswaperr.Crypto(err)
			}
			if scriptEqual(legScript, multisigRedeemscript) {
				leg = &sess.incoming[i]
				break
			}
		}
		if leg == nil {
			return coinswaperr.Protocol("handed-over key names an unknown multisig")
		}
		if err := leg.coin.ApplyPrivkey(priv); err != nil {
			return coinswaperr.Protocolf("handed-over key rejected: %v", err)
		}
		if err := m.Wallet.PutSwapCoin(leg.fundingOutpoint, leg.coin); err != nil {
			return coinswaperr.Wallet(err)
		}
	}

	for _, leg := range sess.incoming {
		if leg.coin.OtherPrivkey == nil {
			return coinswaperr.Protocol("handover missing a key for an incoming multisig")
		}
	}
	log.Infof("maker: private key handover complete for %d incoming multisig(s)", len(sess.incoming))
	return nil
}

func findOutgoingByMultisig(entries []walletstore.SwapCoinEntry, multisigRedeemscript []byte) *swapcoin.OutgoingSwapCoin {
	for _, entry := range entries {
		out, ok := entry.Coin.(*swapcoin.OutgoingSwapCoin)
		if !ok || out.MyPrivkey == nil {
			continue
		}
		script, err := out.MultisigRedeemscript()
		if err != nil {
			continue
		}
		if scriptEqual(script, multisigRedeemscript) {
			return out
		}
	}
	return nil
}

func decodeNonce(s string) ([contract.NonceSize]byte, error) {
	var nonce [contract.NonceSize]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nonce, err
	}
	if len(raw) != contract.NonceSize {
		return nonce, coinswaperr.Protocolf("nonce is %d bytes, want %d", len(raw), contract.NonceSize)
	}
	copy(nonce[:], raw)
	return nonce, nil
}

func parseCompressedPubkey(s string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return btcec.ParsePubKey(raw)
}

func parsePrivkeyHex(s string) (*btcec.PrivateKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(raw) != 32 {
		return nil, coinswaperr.Protocolf("privkey is %d bytes, want 32", len(raw))
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return priv, nil
}
