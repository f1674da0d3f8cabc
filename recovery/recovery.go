// Package recovery implements the watchtower/maker-offline resolution
// automaton: the logic that observes confirmations on contract
// transactions, broadcasts contracts when the swap stalls, extracts
// preimages from a counterparty's hashlock spend, and re-enters the
// watcher's own hashlock or timelock branch as appropriate.
//
// Shaped after contractcourt's htlcTimeoutResolver: a small state struct
// with a Resolve-style entry point that the caller polls against the
// chain rather than the protocol's own message loop, so it keeps working after the
// peer connection that started the swap is long gone.
package recovery

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/btcswap/coinswap/coinswaperr"
	"github.com/btcswap/coinswap/contract"
)

// ChainBackend is the subset of chainrpc.Client the automaton needs:
// broadcasting and querying confirmation/spend state. Kept as an
// interface, per DESIGN NOTE "Recovery ordering", so a single RPC client
// instance can be shared with whatever broadcasts the original contract,
// avoiding a race against a just-published transaction.
type ChainBackend interface {
	SendRawTransaction(tx *wire.MsgTx) (chainhash.Hash, error)
	GetTxOutConfirmations(txid chainhash.Hash, index uint32) (confirmations int64, exists bool, err error)
	GetBlockCount() (int64, error)
	// FindSpendingWitness returns the witness stack of whatever
	// transaction spends (txid, index), whether that spend is still in
	// the mempool or already confirmed. A single
	// poll rather than a subscription: the automaton drives its own
	// ticker instead of relying on push notifications.
	FindSpendingWitness(txid chainhash.Hash, index uint32) (wire.TxWitness, bool, error)
}

// Side identifies which leg of a hop a WatchedHop record tracks from the
// watcher's point of view.
type Side uint8

const (
	// SideIncoming is the leg that pays the watcher once the preimage
	// is known (funded by the counterparty).
	SideIncoming Side = iota
	// SideOutgoing is the leg the watcher itself funded and can
	// reclaim after the timelock, or lose to the counterparty's
	// hashlock spend if the preimage leaks first.
	SideOutgoing
)

// WatchedHop is everything the automaton needs to resolve one contract:
// enough to reconstruct both its hashlock and timelock spend paths once
// the matching private key or preimage is known.
type WatchedHop struct {
	Side                  Side
	FundingOutpoint       wire.OutPoint
	ContractTx            *wire.MsgTx
	ContractRedeemscript  []byte
	Locktime              uint16
	FundingAmount         int64
	HashlockPriv          *btcec.PrivateKey // known once learned, required to claim incoming
	TimelockPriv          *btcec.PrivateKey // known for outgoing legs the watcher funded itself
	DestPkScript          []byte
	LearnedPreimage       *[32]byte
	BroadcastHeight       int32
	ContractBroadcast     bool
	Resolved              bool
}

// ContractOutputIndex is the index of a contract transaction's sole
// output, the thing every spend in this package targets.
const ContractOutputIndex = 0

// hashlockWitnessPreimageIndex is the position of the preimage push
// within a hashlock-branch witness stack built by
// contract.BuildHashlockSpendTx: {sig, preimage, redeemscript}.
const hashlockWitnessPreimageIndex = 1

// sweepFeeSat is the flat fee stipend this package's own sweeps pay,
// matching the fixed 1000-sat contract fee stipend rather than
// estimating a feerate (see contract.ContractFeeStipend).
const sweepFeeSat = 1000

// Monitor drives the recovery automaton for a single role (watchtower or
// a maker that has lost its peer connection mid-swap). It serializes
// chain observation and reaction through a single ChainBackend instance
// per DESIGN NOTE "Recovery ordering".
type Monitor struct {
	Chain ChainBackend

	// PollInterval is how long the caller's loop waits between Poll
	// rounds; nothing in this package reads it, and Poll never sleeps.
	PollInterval time.Duration
}

// NewMonitor builds a Monitor bound to a chain backend.
func NewMonitor(chain ChainBackend) *Monitor {
	return &Monitor{Chain: chain, PollInterval: 30 * time.Second}
}

// ReactionResult reports what Poll decided to do with one watched hop,
// for the caller (cmd/coinswap-cli's watchtower loop) to log and persist.
type ReactionResult struct {
	Action   string // "none", "broadcast-contract", "claim-hashlock", "claim-timelock"
	Hop      *WatchedHop
	Preimage *[32]byte
	TxHash   chainhash.Hash
}

// Poll advances hop's resolution by one observation step. It is safe to
// call repeatedly (e.g. every PollInterval) until hop.Resolved is true.
//
// The three events it reacts to:
//   - an incoming contract tx's spend confirms with a hashlock witness:
//     extract the preimage and immediately broadcast the outgoing
//     contract tx's hashlock spend to claim it with the learned preimage.
//   - an outgoing contract tx confirms without the preimage being
//     learned: wait locktime blocks, then broadcast the timelock spend.
//   - neither side has moved and a private-key handover already
//     succeeded: the caller sweeps via the single-sig path directly,
//     which is outside this package's scope (it doesn't touch the
//     hashlock/timelock script at all).
func (m *Monitor) Poll(hop *WatchedHop) (ReactionResult, error) {
	if hop.Resolved {
		return ReactionResult{Action: "none", Hop: hop}, nil
	}

	if !hop.ContractBroadcast {
		return m.maybeBroadcastContract(hop)
	}

	witness, spent, err := m.Chain.FindSpendingWitness(hop.ContractTx.TxHash(), ContractOutputIndex)
	if err != nil {
		return ReactionResult{}, coinswaperr.RPC(err)
	}

	if spent {
		preimage, isHashlockSpend := extractPreimage(witness)
		if isHashlockSpend {
			return m.reactToHashlockSpend(hop, preimage)
		}
		// Spent via the timelock branch already (by us or a race);
		// nothing further to do.
		hop.Resolved = true
		return ReactionResult{Action: "none", Hop: hop}, nil
	}

	if hop.Side == SideOutgoing && hop.LearnedPreimage == nil {
		return m.maybeBroadcastTimelockSpend(hop)
	}

	return ReactionResult{Action: "none", Hop: hop}, nil
}

// maybeBroadcastContract publishes hop's contract tx itself, the
// precondition for every subsequent step. The automaton only needs to do
// this when a swap has stalled (the counterparty it was routing through
// vanished); a live swap publishes contracts through the ordinary taker
// or maker flow well before recovery ever sees them.
func (m *Monitor) maybeBroadcastContract(hop *WatchedHop) (ReactionResult, error) {
	txHash, err := m.Chain.SendRawTransaction(hop.ContractTx)
	if err != nil {
		return ReactionResult{}, coinswaperr.RPC(fmt.Errorf("recovery: broadcast contract: %w", err))
	}
	hop.ContractBroadcast = true
	log.Infof("recovery: broadcast contract %s for stalled hop", txHash)
	return ReactionResult{Action: "broadcast-contract", Hop: hop, TxHash: txHash}, nil
}

// reactToHashlockSpend handles an incoming contract's hashlock spend by
// the counterparty (the expected happy path: they redeemed with the
// preimage, which the watcher now also knows) or, if hop is itself an
// outgoing leg that just got front-run by a leaked preimage, records the
// loss as resolved rather than racing a losing timelock claim.
func (m *Monitor) reactToHashlockSpend(hop *WatchedHop, preimage [32]byte) (ReactionResult, error) {
	hop.LearnedPreimage = &preimage

	if hop.Side == SideOutgoing {
		// We were spent via hashlock; nothing left to claim on this leg.
		hop.Resolved = true
		return ReactionResult{Action: "none", Hop: hop, Preimage: &preimage}, nil
	}

	if hop.HashlockPriv == nil {
		return ReactionResult{}, coinswaperr.Wallet(fmt.Errorf("recovery: learned preimage for incoming hop but no hashlock privkey on file"))
	}

	spendTx, err := contract.BuildHashlockSpendTx(
		hop.ContractTx, hop.ContractRedeemscript, preimage, hop.HashlockPriv, hop.DestPkScript, sweepFeeSat,
	)
	if err != nil {
		return ReactionResult{}, coinswaperr.Crypto(fmt.Errorf("recovery: build hashlock spend: %w", err))
	}

	txHash, err := m.Chain.SendRawTransaction(spendTx)
	if err != nil {
		return ReactionResult{}, coinswaperr.RPC(fmt.Errorf("recovery: broadcast hashlock spend: %w", err))
	}

	hop.Resolved = true
	log.Infof("recovery: claimed hashlock spend %s with learned preimage", txHash)
	return ReactionResult{Action: "claim-hashlock", Hop: hop, Preimage: &preimage, TxHash: txHash}, nil
}

// maybeBroadcastTimelockSpend reclaims an outgoing contract once its CSV
// timelock has matured and no preimage has leaked, returning
// ReactionResult{Action: "none"} if the timelock hasn't matured yet.
func (m *Monitor) maybeBroadcastTimelockSpend(hop *WatchedHop) (ReactionResult, error) {
	confirmations, exists, err := m.Chain.GetTxOutConfirmations(hop.ContractTx.TxHash(), ContractOutputIndex)
	if err != nil {
		return ReactionResult{}, coinswaperr.RPC(err)
	}
	if !exists {
		// Already spent underneath us between the FindSpendingWitness
		// check and here; let the next Poll re-derive what happened.
		return ReactionResult{Action: "none", Hop: hop}, nil
	}
	if confirmations < int64(hop.Locktime) {
		return ReactionResult{Action: "none", Hop: hop}, nil
	}

	if hop.TimelockPriv == nil {
		return ReactionResult{}, coinswaperr.Wallet(fmt.Errorf("recovery: timelock matured but no timelock privkey on file"))
	}

	spendTx, err := contract.BuildTimelockSpendTx(
		hop.ContractTx, hop.ContractRedeemscript, hop.Locktime, hop.TimelockPriv, hop.DestPkScript, sweepFeeSat,
	)
	if err != nil {
		return ReactionResult{}, coinswaperr.Crypto(fmt.Errorf("recovery: build timelock spend: %w", err))
	}

	txHash, err := m.Chain.SendRawTransaction(spendTx)
	if err != nil {
		return ReactionResult{}, coinswaperr.RPC(fmt.Errorf("recovery: broadcast timelock spend: %w", err))
	}

	hop.Resolved = true
	return ReactionResult{Action: "claim-timelock", Hop: hop, TxHash: txHash}, nil
}

// extractPreimage inspects a contract-output spend's witness stack and
// reports whether it took the hashlock branch, detected by witness item
// 1 having exactly 32 bytes (the preimage; the timelock branch pushes an
// empty item there instead).
func extractPreimage(witness wire.TxWitness) ([32]byte, bool) {
	var preimage [32]byte
	if len(witness) < 2 || len(witness[hashlockWitnessPreimageIndex]) != 32 {
		return preimage, false
	}
	copy(preimage[:], witness[hashlockWitnessPreimageIndex])
	return preimage, true
}

// BlocksUntilReact reports how many confirmations hop's outgoing
// contract must still accumulate before its timelock branch matures,
// for a caller that wants to log progress rather than just polling
// blindly. Returns 0 once the timelock has matured.
func (m *Monitor) BlocksUntilReact(hop *WatchedHop) (int64, error) {
	confirmations, exists, err := m.Chain.GetTxOutConfirmations(hop.ContractTx.TxHash(), ContractOutputIndex)
	if err != nil {
		return 0, coinswaperr.RPC(err)
	}
	if !exists {
		return 0, nil
	}
	remaining := int64(hop.Locktime) - confirmations
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// VerifySweepWitness checks a previously-built sweep transaction's
// witness against the contract redeemscript it targets using a real
// script engine, the same defense-in-depth check
// lnwallet/script_utils_test.go applies before trusting a constructed
// spend. It's exposed for recovery_test.go and for a caller that
// persists a built spend and wants to double check it before rebroadcast
// after a restart.
func VerifySweepWitness(spendTx *wire.MsgTx, contractTx *wire.MsgTx) error {
	prevOut := contractTx.TxOut[ContractOutputIndex]
	fetcher := txscript.NewCannedPrevOutputFetcher(prevOut.PkScript, prevOut.Value)
	sigHashes := txscript.NewTxSigHashes(spendTx, fetcher)
	vm, err := txscript.NewEngine(
		prevOut.PkScript, spendTx, 0, txscript.StandardVerifyFlags, nil, sigHashes, prevOut.Value, fetcher,
	)
	if err != nil {
		return fmt.Errorf("recovery: build verify engine: %w", err)
	}
	if err := vm.Execute(); err != nil {
		return fmt.Errorf("recovery: sweep witness does not satisfy contract script: %w", err)
	}
	return nil
}
