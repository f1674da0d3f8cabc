// Package taker implements the taker side of a coinswap: building a
// multi-hop route, funding the first leg's 2-of-2 multisig, walking every
// maker through proof-of-funding and the contract-signature exchange that
// keeps each leg unilaterally enforceable, and finally revealing the
// hashlock preimage and trading multisig half-keys so every party settles
// cooperatively instead of waiting out timelocks.
package taker

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/btcswap/coinswap/coinswaperr"
	"github.com/btcswap/coinswap/contract"
	"github.com/btcswap/coinswap/feemodel"
	"github.com/btcswap/coinswap/netdial"
	"github.com/btcswap/coinswap/swapcoin"
	"github.com/btcswap/coinswap/walletstore"
	protowire "github.com/btcswap/coinswap/wire"
)

// HopPlan is one maker of a route: who it is, its advertised terms, and
// the locktime of the contract guarding the leg that pays INTO it. Leg
// locktimes must strictly decrease along the route by at least the
// makers' reaction time, or proof-of-funding validation will reject the
// hop.
type HopPlan struct {
	MakerAddress   netdial.Address
	MakerOffer     feemodel.Offer
	LocktimeBlocks uint16
}

// RoutePlan is an ordered list of makers a swap routes through,
// taker -> maker[0] -> maker[1] -> ... -> taker, the amount the taker
// wants back on the final leg, and that final leg's contract locktime.
type RoutePlan struct {
	Hops              []HopPlan
	DestinationAmount int64
	FinalLocktime     uint16
}

// TotalFee sums the fee every maker in the route charges, given the final
// destination amount, charging every hop for the same timeInBlocks
// (legAmounts instead uses each hop's own LocktimeBlocks).
func (p RoutePlan) TotalFee(destinationAmount int64, timeInBlocks int64) int64 {
	var total int64
	amount := destinationAmount
	for i := len(p.Hops) - 1; i >= 0; i-- {
		fee := feemodel.CalculateCoinswapFee(p.Hops[i].MakerOffer, amount, timeInBlocks)
		total += fee
		amount += fee
	}
	return total
}

// legAmounts computes the value of every leg, back to front: the final
// leg pays DestinationAmount to the taker, and each maker upstream is
// paid its fee on top of what it forwards.
func (p RoutePlan) legAmounts() []int64 {
	n := len(p.Hops)
	amounts := make([]int64, n+1)
	amounts[n] = p.DestinationAmount
	for i := n - 1; i >= 0; i-- {
		fee := feemodel.CalculateCoinswapFee(
			p.Hops[i].MakerOffer, amounts[i+1], int64(p.Hops[i].LocktimeBlocks),
		)
		amounts[i] = amounts[i+1] + fee
	}
	return amounts
}

// legLocktime returns the contract locktime of leg j.
func (p RoutePlan) legLocktime(j int) uint16 {
	if j < len(p.Hops) {
		return p.Hops[j].LocktimeBlocks
	}
	return p.FinalLocktime
}

// ChainBackend is the subset of chainrpc.Client a swap needs.
type ChainBackend interface {
	SendRawTransaction(tx *wire.MsgTx) (chainhash.Hash, error)
	GetTxOutConfirmations(txid chainhash.Hash, index uint32) (confirmations int64, exists bool, err error)
	GetBlockCount() (int64, error)
}

// PeerConn is one established connection to a maker, abstracted so tests
// can substitute an in-memory pipe instead of a real socket.
type PeerConn interface {
	Send(msgType protowire.MessageType, payload interface{}) error
	Receive() (protowire.Envelope, error)
	Close() error
}

// Swap drives a single taker-initiated swap end to end across every leg
// of Plan.
type Swap struct {
	Plan           RoutePlan
	Chain          ChainBackend
	TweakablePriv  *btcec.PrivateKey
	TweakablePoint *btcec.PublicKey

	// Wallet, when set, persists every coin and watchtower record the
	// moment it becomes broadcast-relevant, so the recovery automaton
	// can take over if this process dies mid-swap.
	Wallet *walletstore.DB

	// Connect dials a maker; overridable in tests with an in-memory PeerConn.
	Connect func(ctx context.Context, addr netdial.Address) (PeerConn, error)

	// CreateFundingTx builds and signs, but does not broadcast, the
	// taker's own first-leg funding transaction paying value satoshis
	// to pkScript, returning the transaction and the index of that
	// output.
	CreateFundingTx func(pkScript []byte, value int64) (*wire.MsgTx, uint32, error)

	// ConfirmationPollInterval is how often funding confirmations are
	// polled for; zero means a sensible default.
	ConfirmationPollInterval time.Duration
}

const defaultConfirmationPollInterval = 5 * time.Second

// Result is what a completed swap leaves in the taker's hands: its own
// spent-and-reclaimable first leg, a watch-only view of every
// maker-to-maker leg it routed, and the incoming final leg now under its
// unilateral control.
type Result struct {
	Outgoing  *swapcoin.OutgoingSwapCoin
	WatchOnly []*swapcoin.WatchOnlySwapCoin
	Incoming  *swapcoin.IncomingSwapCoin
}

// leg is the taker's working view of one multisig in the chain while the
// swap is in flight.
type leg struct {
	state HopState

	amount   int64
	locktime uint16

	multisigRedeemscript []byte
	contractRedeemscript []byte
	contractTx           *wire.MsgTx
	fundingTx            *wire.MsgTx
	fundingOutpoint      wire.OutPoint

	senderPub   *btcec.PublicKey
	receiverPub *btcec.PublicKey

	// Nonces the leg's receiver needs to derive its keys; communicated
	// in proof-of-funding. Unused for the final leg, whose receiver is
	// the taker itself.
	multisigNonce [contract.NonceSize]byte
	hashlockNonce [contract.NonceSize]byte

	// Key material the taker holds: the sender side on leg 0, the
	// receiver and hashlock side on the final leg.
	senderPriv   *btcec.PrivateKey
	receiverPriv *btcec.PrivateKey
	hashlockPriv *btcec.PrivateKey

	// receiverHashlockPub is the hashlock-branch pubkey of the leg's
	// receiver, derived from the receiver's long-term point and the
	// hashlock nonce at prepare time.
	receiverHashlockPub *btcec.PublicKey

	senderSig   []byte
	receiverSig []byte
}

func (l *leg) advance(idx int, next HopState) error {
	if err := l.state.advance(next); err != nil {
		return err
	}
	log.Debugf("taker: leg %d -> %s", idx, next)
	return nil
}

// Run executes the swap across every leg, then reveals the hashlock
// preimage and completes the cooperative key handover. On success the
// returned Result holds every coin the taker ends up with; on failure
// whatever was persisted via Wallet is already enough for the recovery
// automaton to enforce the contracts.
func (s *Swap) Run(ctx context.Context) (*Result, error) {
	n := len(s.Plan.Hops)
	if n == 0 {
		return nil, fmt.Errorf("taker: route has no hops")
	}
	if s.Connect == nil {
		return nil, fmt.Errorf("taker: no Connect function configured")
	}
	if s.CreateFundingTx == nil {
		return nil, fmt.Errorf("taker: no CreateFundingTx function configured")
	}

	preimage, err := contract.NewNonce()
	if err != nil {
		return nil, coinswaperr.Crypto(err)
	}
	hashvalue := contract.Hash160(preimage[:])

	log.Infof("taker: starting swap of %d sat across %d maker(s)",
		s.Plan.DestinationAmount, n)

	conns := make([]PeerConn, n)
	defer func() {
		for _, conn := range conns {
			if conn != nil {
				conn.Close()
			}
		}
	}()
	points := make([]*btcec.PublicKey, n)
	for i, hop := range s.Plan.Hops {
		conn, point, err := s.fetchOffer(ctx, hop.MakerAddress)
		if err != nil {
			return nil, fmt.Errorf("taker: maker %d offer: %w", i, err)
		}
		conns[i] = conn
		points[i] = point
	}

	legs, err := s.prepareLegs(points)
	if err != nil {
		return nil, err
	}

	result := &Result{}

	if err := s.buildFirstLeg(legs[0], conns[0], hashvalue); err != nil {
		return nil, fmt.Errorf("taker: first leg: %w", err)
	}
	outCoin := &swapcoin.OutgoingSwapCoin{
		MyPrivkey:    legs[0].senderPriv,
		MyPubkey:     legs[0].senderPub,
		OtherPub:     legs[0].receiverPub,
		ContractTxn:  legs[0].contractTx,
		ContractRdmS: legs[0].contractRedeemscript,
		FundingVal:   legs[0].amount,
		OtherSig:     legs[0].receiverSig,
	}
	if err := s.persistCoin(legs[0], outCoin); err != nil {
		return nil, err
	}
	result.Outgoing = outCoin

	if err := s.broadcastAndConfirm(ctx, legs[0], 0); err != nil {
		return nil, fmt.Errorf("taker: first leg funding: %w", err)
	}

	for i := 0; i < n; i++ {
		if err := s.runHop(ctx, legs, conns, i, hashvalue); err != nil {
			return nil, fmt.Errorf("taker: hop %d: %w", i, err)
		}
		out := legs[i+1]
		if i+1 < n {
			watch, err := swapcoin.NewWatchOnlySwapCoin(
				out.receiverPub, out.multisigRedeemscript,
				out.contractTx, out.contractRedeemscript, out.amount,
			)
			if err != nil {
				return nil, coinswaperr.Crypto(err)
			}
			if err := s.persistCoin(out, watch); err != nil {
				return nil, err
			}
			result.WatchOnly = append(result.WatchOnly, watch)
		} else {
			preimageCopy := preimage
			incoming := &swapcoin.IncomingSwapCoin{
				MyPrivkey:    out.receiverPriv,
				MyPubkey:     out.receiverPub,
				OtherPub:     out.senderPub,
				ContractTxn:  out.contractTx,
				ContractRdmS: out.contractRedeemscript,
				FundingVal:   out.amount,
				HashlockPriv: out.hashlockPriv,
				Preimage:     &preimageCopy,
			}
			if err := s.persistCoin(out, incoming); err != nil {
				return nil, err
			}
			result.Incoming = incoming
		}
	}

	// The final leg's sender signature, so the taker's incoming contract
	// is broadcastable before the preimage ever leaves this process.
	if err := s.collectFinalSenderSig(legs[n], conns[n-1], n); err != nil {
		return nil, fmt.Errorf("taker: final leg sender sig: %w", err)
	}
	result.Incoming.OtherSig = legs[n].senderSig
	if err := s.persistCoin(legs[n], result.Incoming); err != nil {
		return nil, err
	}

	handovers, err := s.revealPreimage(legs, conns, preimage)
	if err != nil {
		return nil, fmt.Errorf("taker: reveal preimage: %w", err)
	}

	if err := s.handoverKeys(legs, conns, handovers, result.Incoming); err != nil {
		return nil, fmt.Errorf("taker: key handover: %w", err)
	}
	for j, l := range legs {
		if err := l.advance(j, StateSettled); err != nil {
			return nil, err
		}
	}

	log.Infof("taker: swap settled across %d leg(s)", len(legs))
	return result, nil
}

// fetchOffer dials one maker and performs the offer exchange.
func (s *Swap) fetchOffer(ctx context.Context, addr netdial.Address) (PeerConn, *btcec.PublicKey, error) {
	conn, err := s.Connect(ctx, addr)
	if err != nil {
		return nil, nil, coinswaperr.Network(err)
	}
	if err := conn.Send(protowire.TypeGiveOffer, protowire.GiveOffer{}); err != nil {
		conn.Close()
		return nil, nil, coinswaperr.Network(err)
	}
	envelope, err := conn.Receive()
	if err != nil {
		conn.Close()
		return nil, nil, coinswaperr.Network(err)
	}
	if envelope.Type != protowire.TypeOffer {
		conn.Close()
		return nil, nil, coinswaperr.Protocolf("expected offer, got %s", envelope.Type)
	}
	var offer protowire.Offer
	if err := unmarshalInto(envelope, &offer); err != nil {
		conn.Close()
		return nil, nil, err
	}
	point, err := parsePubkeyHex(offer.TweakablePoint)
	if err != nil {
		conn.Close()
		return nil, nil, coinswaperr.Protocolf("parse maker tweakable_point: %v", err)
	}
	return conn, point, nil
}

// prepareLegs derives every key the taker controls or communicates up
// front: the receiver-side nonces and pubkeys for each maker leg, the
// taker's own sender keys on leg 0, and its receiver/hashlock keys on
// the final leg.
func (s *Swap) prepareLegs(points []*btcec.PublicKey) ([]*leg, error) {
	n := len(points)
	amounts := s.Plan.legAmounts()

	legs := make([]*leg, n+1)
	for j := 0; j <= n; j++ {
		l := &leg{
			state:    StateOfferReceived,
			amount:   amounts[j],
			locktime: s.Plan.legLocktime(j),
		}
		multisigNonce, err := contract.NewNonce()
		if err != nil {
			return nil, coinswaperr.Crypto(err)
		}
		hashlockNonce, err := contract.NewNonce()
		if err != nil {
			return nil, coinswaperr.Crypto(err)
		}
		l.multisigNonce = multisigNonce
		l.hashlockNonce = hashlockNonce

		if j < n {
			// Receiver is maker j; it derives the matching privkeys
			// from the nonces once proof-of-funding names them.
			if l.receiverPub, err = contract.TweakPoint(points[j], multisigNonce); err != nil {
				return nil, coinswaperr.Crypto(err)
			}
			if l.receiverHashlockPub, err = contract.TweakPoint(points[j], hashlockNonce); err != nil {
				return nil, coinswaperr.Crypto(err)
			}
		} else {
			if l.receiverPriv, err = contract.TweakScalar(s.TweakablePriv, multisigNonce); err != nil {
				return nil, coinswaperr.Crypto(err)
			}
			if l.receiverPub, err = contract.TweakPoint(s.TweakablePoint, multisigNonce); err != nil {
				return nil, coinswaperr.Crypto(err)
			}
			if l.hashlockPriv, err = contract.TweakScalar(s.TweakablePriv, hashlockNonce); err != nil {
				return nil, coinswaperr.Crypto(err)
			}
			if l.receiverHashlockPub, err = contract.TweakPoint(s.TweakablePoint, hashlockNonce); err != nil {
				return nil, coinswaperr.Crypto(err)
			}
		}
		legs[j] = l
	}

	// The taker is leg 0's sender.
	senderNonce, err := contract.NewNonce()
	if err != nil {
		return nil, coinswaperr.Crypto(err)
	}
	if legs[0].senderPriv, err = contract.TweakScalar(s.TweakablePriv, senderNonce); err != nil {
		return nil, coinswaperr.Crypto(err)
	}
	if legs[0].senderPub, err = contract.TweakPoint(s.TweakablePoint, senderNonce); err != nil {
		return nil, coinswaperr.Crypto(err)
	}
	return legs, nil
}

// buildFirstLeg constructs the taker's own funding and contract for
// leg 0 and collects maker 0's countersignature — the signature that
// makes the contract broadcastable and therefore must exist before the
// funding does.
func (s *Swap) buildFirstLeg(l *leg, conn PeerConn, hashvalue [20]byte) error {
	multisigRedeemscript, err := contract.MultisigRedeemscript(l.senderPub, l.receiverPub)
	if err != nil {
		return coinswaperr.Crypto(err)
	}
	pkScript, err := contract.WitnessScriptHash(multisigRedeemscript)
	if err != nil {
		return coinswaperr.Crypto(err)
	}
	fundingTx, fundingIndex, err := s.CreateFundingTx(pkScript, l.amount)
	if err != nil {
		return coinswaperr.Wallet(err)
	}
	l.multisigRedeemscript = multisigRedeemscript
	l.fundingTx = fundingTx
	l.fundingOutpoint = wire.OutPoint{Hash: fundingTx.TxHash(), Index: fundingIndex}

	contractRedeemscript, err := contract.BuildContractRedeemscript(
		l.receiverHashlockPub, l.senderPub, hashvalue, l.locktime,
	)
	if err != nil {
		return coinswaperr.Crypto(err)
	}
	contractTx, err := contract.BuildContractTx(l.fundingOutpoint, l.amount, contractRedeemscript)
	if err != nil {
		return coinswaperr.Crypto(err)
	}
	l.contractRedeemscript = contractRedeemscript
	l.contractTx = contractTx

	senderSig, err := contract.SignContractTx(contractTx, multisigRedeemscript, l.amount, l.senderPriv)
	if err != nil {
		return coinswaperr.Crypto(err)
	}
	l.senderSig = senderSig
	if err := l.advance(0, StateFundingRequested); err != nil {
		return err
	}

	contractTxHex, err := protowire.EncodeTx(contractTx)
	if err != nil {
		return coinswaperr.Crypto(err)
	}
	req := protowire.SignSendersContractTx{
		TxsInfo: []protowire.SenderTxInfo{{
			MultisigRedeemscriptHex: hex.EncodeToString(multisigRedeemscript),
			MultisigNonceHex:        hex.EncodeToString(l.multisigNonce[:]),
			HashlockNonceHex:        hex.EncodeToString(l.hashlockNonce[:]),
			ContractTxHex:           contractTxHex,
			ContractRedeemscriptHex: hex.EncodeToString(contractRedeemscript),
			FundingAmount:           l.amount,
			TimelockPubkeyHex:       hex.EncodeToString(l.senderPub.SerializeCompressed()),
			SenderContractTxSigHex:  hex.EncodeToString(senderSig),
		}},
	}
	receiverSig, err := s.requestSendersContractSig(conn, req, l)
	if err != nil {
		return err
	}
	l.receiverSig = receiverSig
	return l.advance(0, StateSendersContractSigned)
}

// requestSendersContractSig performs one SignSendersContractTx round and
// verifies the returned signature under the leg's receiver pubkey.
func (s *Swap) requestSendersContractSig(conn PeerConn, req protowire.SignSendersContractTx, l *leg) ([]byte, error) {
	if err := conn.Send(protowire.TypeSignSendersContractTx, req); err != nil {
		return nil, coinswaperr.Network(err)
	}
	envelope, err := conn.Receive()
	if err != nil {
		return nil, coinswaperr.Network(err)
	}
	if envelope.Type != protowire.TypeSendersContractSig {
		return nil, coinswaperr.Protocolf("expected senders_contract_sig, got %s", envelope.Type)
	}
	var reply protowire.SendersContractSig
	if err := unmarshalInto(envelope, &reply); err != nil {
		return nil, err
	}
	if len(reply.SigsHex) != 1 {
		return nil, coinswaperr.Protocol("expected exactly one signature")
	}
	sig, err := hex.DecodeString(reply.SigsHex[0])
	if err != nil {
		return nil, coinswaperr.Protocolf("decode countersignature: %v", err)
	}
	if !contract.VerifyContractTxSig(l.contractTx, l.multisigRedeemscript, l.amount, l.receiverPub, sig) {
		return nil, coinswaperr.Protocol("countersignature does not verify")
	}
	return sig, nil
}

// runHop drives maker i through proof-of-funding, validates the outgoing
// leg it builds in response, collects both missing signatures, delivers
// them, and waits for the maker's funding to confirm.
func (s *Swap) runHop(ctx context.Context, legs []*leg, conns []PeerConn, i int, hashvalue [20]byte) error {
	n := len(conns)
	in := legs[i]
	out := legs[i+1]

	inFundingTxHex, err := protowire.EncodeTx(in.fundingTx)
	if err != nil {
		return coinswaperr.Crypto(err)
	}
	nextHashlockPub := out.receiverHashlockPub
	proof := protowire.ProofOfFunding{
		Proofs: []protowire.FundingProof{{
			FundingTxHex:            inFundingTxHex,
			FundingOutputIndex:      in.fundingOutpoint.Index,
			MultisigRedeemscriptHex: hex.EncodeToString(in.multisigRedeemscript),
			MultisigKeyNonceHex:     hex.EncodeToString(in.multisigNonce[:]),
			HashlockKeyNonceHex:     hex.EncodeToString(in.hashlockNonce[:]),
			ContractRedeemscriptHex: hex.EncodeToString(in.contractRedeemscript),
		}},
		NextCoinswapInfo: []protowire.NextCoinswapInfo{{
			NextCoinswapMultisigPubkey: hex.EncodeToString(out.receiverPub.SerializeCompressed()),
			NextHashlockPubkey:         hex.EncodeToString(nextHashlockPub.SerializeCompressed()),
		}},
		NextLocktime:      out.locktime,
		NextFundingAmount: out.amount,
	}
	if err := conns[i].Send(protowire.TypeProofOfFunding, proof); err != nil {
		return coinswaperr.Network(err)
	}
	envelope, err := conns[i].Receive()
	if err != nil {
		return coinswaperr.Network(err)
	}
	if envelope.Type != protowire.TypeReceiversContractTx {
		return coinswaperr.Protocolf("expected receivers_contract_tx, got %s", envelope.Type)
	}
	var reply protowire.ReceiversContractTx
	if err := unmarshalInto(envelope, &reply); err != nil {
		return err
	}
	if len(reply.Contracts) != 1 {
		return coinswaperr.Protocol("expected exactly one outgoing contract")
	}
	if err := s.validateOutgoingLeg(out, reply.Contracts[0], hashvalue, nextHashlockPub); err != nil {
		return err
	}
	if err := out.advance(i+1, StateFundingRequested); err != nil {
		return err
	}

	// Receiver's signature over the new leg's contract.
	if i+1 < n {
		contractTxHex, err := protowire.EncodeTx(out.contractTx)
		if err != nil {
			return coinswaperr.Crypto(err)
		}
		req := protowire.SignSendersContractTx{
			TxsInfo: []protowire.SenderTxInfo{{
				MultisigRedeemscriptHex: hex.EncodeToString(out.multisigRedeemscript),
				MultisigNonceHex:        hex.EncodeToString(out.multisigNonce[:]),
				HashlockNonceHex:        hex.EncodeToString(out.hashlockNonce[:]),
				ContractTxHex:           contractTxHex,
				ContractRedeemscriptHex: hex.EncodeToString(out.contractRedeemscript),
				FundingAmount:           out.amount,
				TimelockPubkeyHex:       hex.EncodeToString(out.senderPub.SerializeCompressed()),
			}},
		}
		sig, err := s.requestSendersContractSig(conns[i+1], req, out)
		if err != nil {
			return fmt.Errorf("maker %d countersign: %w", i+1, err)
		}
		out.receiverSig = sig
	} else {
		sig, err := contract.SignContractTx(out.contractTx, out.multisigRedeemscript, out.amount, out.receiverPriv)
		if err != nil {
			return coinswaperr.Crypto(err)
		}
		out.receiverSig = sig
	}
	if err := out.advance(i+1, StateSendersContractSigned); err != nil {
		return err
	}

	// Sender's signature over the incoming leg's contract: the taker's
	// own on leg 0, the previous maker's otherwise.
	if i > 0 {
		sig, err := s.requestReceiversContractSig(conns[i-1], in)
		if err != nil {
			return fmt.Errorf("maker %d sender sig: %w", i-1, err)
		}
		in.senderSig = sig
	}

	delivery := protowire.ReceiversContractSig{
		SigsHex:         []string{hex.EncodeToString(in.senderSig)},
		OutgoingSigsHex: []string{hex.EncodeToString(out.receiverSig)},
	}
	if err := conns[i].Send(protowire.TypeReceiversContractSig, delivery); err != nil {
		return coinswaperr.Network(err)
	}
	if err := in.advance(i, StateReceiversContractSigned); err != nil {
		return err
	}

	// The maker broadcasts its funding once the signatures verify; all
	// the taker observes is the output appearing and confirming.
	if err := out.advance(i+1, StateFundingBroadcast); err != nil {
		return err
	}
	if err := s.waitForConfirmation(ctx, out.fundingOutpoint); err != nil {
		return fmt.Errorf("maker %d funding: %w", i, err)
	}
	return out.advance(i+1, StateFundingConfirmed)
}

// validateOutgoingLeg checks a maker-built outgoing leg against
// everything the taker dictated in proof-of-funding: the funding pays
// the right multisig with the right amount, the contract spends it, and
// the contract commits to the agreed hashvalue, locktime, and keys.
func (s *Swap) validateOutgoingLeg(
	out *leg,
	info protowire.ReceiverContractInfo,
	hashvalue [20]byte,
	wantHashlockPub *btcec.PublicKey,
) error {
	fundingTx, err := protowire.DecodeTx(info.FundingTxHex)
	if err != nil {
		return coinswaperr.Protocolf("decode funding tx: %v", err)
	}
	contractTx, err := protowire.DecodeTx(info.ContractTxHex)
	if err != nil {
		return coinswaperr.Protocolf("decode contract tx: %v", err)
	}
	multisigRedeemscript, err := hex.DecodeString(info.MultisigRedeemscriptHex)
	if err != nil {
		return coinswaperr.Protocolf("decode multisig_redeemscript: %v", err)
	}
	contractRedeemscript, err := hex.DecodeString(info.ContractRedeemscriptHex)
	if err != nil {
		return coinswaperr.Protocolf("decode contract_redeemscript: %v", err)
	}
	senderPub, err := parsePubkeyHex(info.SenderPubkeyHex)
	if err != nil {
		return coinswaperr.Protocolf("parse sender_pubkey: %v", err)
	}

	if info.FundingAmount != out.amount {
		return coinswaperr.Protocolf("outgoing leg pays %d sat, want %d", info.FundingAmount, out.amount)
	}
	if int(info.FundingOutputIndex) >= len(fundingTx.TxOut) {
		return coinswaperr.Protocol("funding_output_index out of range")
	}
	fundingOut := fundingTx.TxOut[info.FundingOutputIndex]
	wantPkScript, err := contract.WitnessScriptHash(multisigRedeemscript)
	if err != nil {
		return coinswaperr.Crypto(err)
	}
	if !bytes.Equal(fundingOut.PkScript, wantPkScript) {
		return coinswaperr.Protocol("funding output does not pay to multisig_redeemscript")
	}
	if fundingOut.Value != out.amount {
		return coinswaperr.Protocol("funding output value does not match agreed amount")
	}

	pub1, pub2, err := contract.ParseMultisigPubkeys(multisigRedeemscript)
	if err != nil {
		return coinswaperr.Protocolf("parse multisig pubkeys: %v", err)
	}
	hasReceiver := pub1.IsEqual(out.receiverPub) || pub2.IsEqual(out.receiverPub)
	hasSender := pub1.IsEqual(senderPub) || pub2.IsEqual(senderPub)
	if !hasReceiver || !hasSender {
		return coinswaperr.Protocol("multisig does not pair the agreed keys")
	}

	fundingOutpoint := wire.OutPoint{Hash: fundingTx.TxHash(), Index: info.FundingOutputIndex}
	if err := contract.ValidateContractTx(contractTx, fundingOutpoint, contractRedeemscript); err != nil {
		return coinswaperr.Protocolf("outgoing contract tx: %v", err)
	}

	gotHashvalue, err := contract.ParseHashvalue(contractRedeemscript)
	if err != nil {
		return coinswaperr.Protocolf("parse contract hashvalue: %v", err)
	}
	if gotHashvalue != hashvalue {
		return coinswaperr.Protocol("outgoing contract commits to a different hashvalue")
	}
	gotLocktime, err := contract.ParseLocktime(contractRedeemscript)
	if err != nil {
		return coinswaperr.Protocolf("parse contract locktime: %v", err)
	}
	if gotLocktime != out.locktime {
		return coinswaperr.Protocolf("outgoing contract locktime %d, want %d", gotLocktime, out.locktime)
	}
	gotHashlockPub, err := contract.ParseHashlockPubkey(contractRedeemscript)
	if err != nil {
		return coinswaperr.Protocolf("parse contract hashlock pubkey: %v", err)
	}
	if !gotHashlockPub.IsEqual(wantHashlockPub) {
		return coinswaperr.Protocol("outgoing contract hashlock pubkey mismatch")
	}
	gotTimelockPub, err := contract.ParseTimelockPubkey(contractRedeemscript)
	if err != nil {
		return coinswaperr.Protocolf("parse contract timelock pubkey: %v", err)
	}
	if !gotTimelockPub.IsEqual(senderPub) {
		return coinswaperr.Protocol("outgoing contract timelock pubkey mismatch")
	}

	out.fundingTx = fundingTx
	out.fundingOutpoint = fundingOutpoint
	out.contractTx = contractTx
	out.contractRedeemscript = contractRedeemscript
	out.multisigRedeemscript = multisigRedeemscript
	out.senderPub = senderPub
	return nil
}

// requestReceiversContractSig asks the sender of leg in (a maker on a
// live connection) for its signature over the receiver's contract copy,
// and verifies it before accepting.
func (s *Swap) requestReceiversContractSig(conn PeerConn, in *leg) ([]byte, error) {
	contractTxHex, err := protowire.EncodeTx(in.contractTx)
	if err != nil {
		return nil, coinswaperr.Crypto(err)
	}
	req := protowire.SignReceiversContractTx{
		TxsInfo: []protowire.ReceiverTxInfo{{
			MultisigRedeemscriptHex: hex.EncodeToString(in.multisigRedeemscript),
			ContractTxHex:           contractTxHex,
			FundingAmount:           in.amount,
		}},
	}
	if err := conn.Send(protowire.TypeSignReceiversContractTx, req); err != nil {
		return nil, coinswaperr.Network(err)
	}
	envelope, err := conn.Receive()
	if err != nil {
		return nil, coinswaperr.Network(err)
	}
	if envelope.Type != protowire.TypeReceiversContractSig {
		return nil, coinswaperr.Protocolf("expected receivers_contract_sig, got %s", envelope.Type)
	}
	var reply protowire.ReceiversContractSig
	if err := unmarshalInto(envelope, &reply); err != nil {
		return nil, err
	}
	if len(reply.SigsHex) != 1 {
		return nil, coinswaperr.Protocol("expected exactly one signature")
	}
	sig, err := hex.DecodeString(reply.SigsHex[0])
	if err != nil {
		return nil, coinswaperr.Protocolf("decode sender signature: %v", err)
	}
	if !contract.VerifyContractTxSig(in.contractTx, in.multisigRedeemscript, in.amount, in.senderPub, sig) {
		return nil, coinswaperr.Protocol("sender signature does not verify")
	}
	return sig, nil
}

// collectFinalSenderSig fetches the last maker's signature over the
// taker's incoming contract.
func (s *Swap) collectFinalSenderSig(final *leg, lastConn PeerConn, n int) error {
	sig, err := s.requestReceiversContractSig(lastConn, final)
	if err != nil {
		return err
	}
	final.senderSig = sig
	return final.advance(n, StateReceiversContractSigned)
}

// revealPreimage sends the hashlock preimage to every maker in route
// order. Each maker's reply is its private-key handover for its outgoing
// leg, collected here and redistributed by handoverKeys.
func (s *Swap) revealPreimage(legs []*leg, conns []PeerConn, preimage [32]byte) ([]protowire.PrivateKeyHandover, error) {
	preimageHex := hex.EncodeToString(preimage[:])
	handovers := make([]protowire.PrivateKeyHandover, len(conns))
	for i, conn := range conns {
		msg := protowire.HashPreimage{
			Senders:   []string{hex.EncodeToString(legs[i].senderPub.SerializeCompressed())},
			Receivers: []string{hex.EncodeToString(legs[i+1].receiverPub.SerializeCompressed())},
			Preimage:  preimageHex,
		}
		if err := conn.Send(protowire.TypeHashPreimage, msg); err != nil {
			return nil, coinswaperr.Network(fmt.Errorf("maker %d: %w", i, err))
		}
		envelope, err := conn.Receive()
		if err != nil {
			return nil, coinswaperr.Network(fmt.Errorf("maker %d: %w", i, err))
		}
		if envelope.Type != protowire.TypePrivateKeyHandover {
			return nil, coinswaperr.Protocolf("maker %d: expected private_key_handover, got %s", i, envelope.Type)
		}
		if err := unmarshalInto(envelope, &handovers[i]); err != nil {
			return nil, err
		}
		if err := legs[i].advance(i, StateHashPreimageKnown); err != nil {
			return nil, err
		}
	}
	n := len(conns)
	if err := legs[n].advance(n, StateHashPreimageKnown); err != nil {
		return nil, err
	}
	return handovers, nil
}

// handoverKeys completes the cooperative settle: each maker receives the
// sender half-key of its incoming multisig (the taker's own on leg 0,
// the previous maker's handed-over key otherwise), and the taker applies
// the last maker's key to its incoming coin. Every relayed key is
// checked against the leg's sender pubkey before it is forwarded, so a
// maker handing over garbage is caught at the taker, not downstream.
func (s *Swap) handoverKeys(
	legs []*leg,
	conns []PeerConn,
	handovers []protowire.PrivateKeyHandover,
	incoming *swapcoin.IncomingSwapCoin,
) error {
	n := len(conns)

	// Keys per leg: leg 0's sender is the taker; leg i's (i >= 1) comes
	// from maker i-1's handover reply.
	senderKeys := make([]*btcec.PrivateKey, n+1)
	senderKeys[0] = legs[0].senderPriv
	for i := 0; i < n; i++ {
		key, err := extractHandoverKey(handovers[i], legs[i+1])
		if err != nil {
			return fmt.Errorf("maker %d handover: %w", i, err)
		}
		senderKeys[i+1] = key
	}

	for i := 0; i < n; i++ {
		msg := protowire.PrivateKeyHandover{
			Privkeys: []protowire.MultisigPrivkey{{
				MultisigRedeemscriptHex: hex.EncodeToString(legs[i].multisigRedeemscript),
				KeyHex:                  hex.EncodeToString(senderKeys[i].Serialize()),
			}},
		}
		if err := conns[i].Send(protowire.TypePrivateKeyHandover, msg); err != nil {
			return coinswaperr.Network(fmt.Errorf("maker %d: %w", i, err))
		}
		if err := legs[i].advance(i, StatePrivateKeyHandover); err != nil {
			return err
		}
	}

	if err := incoming.ApplyPrivkey(senderKeys[n]); err != nil {
		return coinswaperr.Protocolf("final handover key rejected: %v", err)
	}
	if err := s.persistCoin(legs[n], incoming); err != nil {
		return err
	}
	return legs[n].advance(n, StatePrivateKeyHandover)
}

// extractHandoverKey pulls the key for leg out of a maker's handover
// reply and checks it against the leg's sender pubkey.
func extractHandoverKey(handover protowire.PrivateKeyHandover, l *leg) (*btcec.PrivateKey, error) {
	for _, hk := range handover.Privkeys {
		script, err := hex.DecodeString(hk.MultisigRedeemscriptHex)
		if err != nil {
			return nil, coinswaperr.Protocolf("decode multisig_redeemscript: %v", err)
		}
		if !bytes.Equal(script, l.multisigRedeemscript) {
			continue
		}
		raw, err := hex.DecodeString(hk.KeyHex)
		if err != nil {
			return nil, coinswaperr.Protocolf("decode key: %v", err)
		}
		if len(raw) != 32 {
			return nil, coinswaperr.Protocol("handed-over key is not 32 bytes")
		}
		priv, _ := btcec.PrivKeyFromBytes(raw)
		if !priv.PubKey().IsEqual(l.senderPub) {
			return nil, coinswaperr.Protocol("handed-over key does not match sender pubkey")
		}
		return priv, nil
	}
	return nil, coinswaperr.Protocol("handover names no key for the expected multisig")
}

// broadcastAndConfirm broadcasts a leg's funding transaction and waits
// for its funding output to reach one confirmation.
func (s *Swap) broadcastAndConfirm(ctx context.Context, l *leg, idx int) error {
	if _, err := s.Chain.SendRawTransaction(l.fundingTx); err != nil {
		return err
	}
	if err := l.advance(idx, StateFundingBroadcast); err != nil {
		return err
	}
	if err := s.waitForConfirmation(ctx, l.fundingOutpoint); err != nil {
		return err
	}
	return l.advance(idx, StateFundingConfirmed)
}

// waitForConfirmation polls the chain until the outpoint has at least
// one confirmation, the context is cancelled, or the chain reports an
// error.
func (s *Swap) waitForConfirmation(ctx context.Context, outpoint wire.OutPoint) error {
	interval := s.ConfirmationPollInterval
	if interval == 0 {
		interval = defaultConfirmationPollInterval
	}
	for {
		confirmations, exists, err := s.Chain.GetTxOutConfirmations(outpoint.Hash, outpoint.Index)
		if err != nil {
			return err
		}
		if exists && confirmations >= 1 {
			return nil
		}
		select {
		case <-ctx.Done():
			return coinswaperr.Network(ctx.Err())
		case <-time.After(interval):
		}
	}
}

// persistCoin writes a coin and its watchtower record, if a wallet is
// configured.
func (s *Swap) persistCoin(l *leg, coin swapcoin.Coin) error {
	if s.Wallet == nil {
		return nil
	}
	if err := s.Wallet.PutSwapCoin(l.fundingOutpoint, coin); err != nil {
		return coinswaperr.Wallet(err)
	}
	contractTxHex, err := protowire.EncodeTx(l.contractTx)
	if err != nil {
		return coinswaperr.Wallet(err)
	}
	if err := s.Wallet.PutWatchedContract(walletstore.WatchedContract{
		FundingOutpoint: l.fundingOutpoint,
		ContractTxHex:   contractTxHex,
		RedeemscriptHex: hex.EncodeToString(l.contractRedeemscript),
		LocktimeHeight:  int32(l.locktime),
	}); err != nil {
		return coinswaperr.Wallet(err)
	}
	return nil
}

func parsePubkeyHex(s string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return btcec.ParsePubKey(raw)
}

func unmarshalInto(envelope protowire.Envelope, v interface{}) error {
	if err := json.Unmarshal(envelope.Payload, v); err != nil {
		return coinswaperr.Protocolf("unmarshal %s payload: %v", envelope.Type, err)
	}
	return nil
}
