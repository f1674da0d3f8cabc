package taker

import (
	"context"
	"encoding/hex"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/btcswap/coinswap/contract"
	"github.com/btcswap/coinswap/feemodel"
	"github.com/btcswap/coinswap/maker"
	"github.com/btcswap/coinswap/netdial"
	"github.com/btcswap/coinswap/walletstore"
	protowire "github.com/btcswap/coinswap/wire"
)

// pipeConn adapts a net.Conn into the PeerConn interface over the
// length-delimited JSON framing, the same shape a real TCP/Tor
// connection uses.
type pipeConn struct {
	net.Conn
}

func (c pipeConn) Send(msgType protowire.MessageType, payload interface{}) error {
	return protowire.WriteMessage(c.Conn, msgType, payload)
}

func (c pipeConn) Receive() (protowire.Envelope, error) {
	return protowire.ReadMessage(c.Conn)
}

// fakeChain is a shared in-memory chain: every broadcast transaction's
// outputs immediately count as confirmed, which is all the swap's
// confirmation polling observes.
type fakeChain struct {
	mu      sync.Mutex
	outputs map[wire.OutPoint]bool
}

func newFakeChain() *fakeChain {
	return &fakeChain{outputs: make(map[wire.OutPoint]bool)}
}

func (f *fakeChain) SendRawTransaction(tx *wire.MsgTx) (chainhash.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	txid := tx.TxHash()
	for i := range tx.TxOut {
		f.outputs[wire.OutPoint{Hash: txid, Index: uint32(i)}] = true
	}
	return txid, nil
}

func (f *fakeChain) GetTxOutConfirmations(txid chainhash.Hash, index uint32) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.outputs[wire.OutPoint{Hash: txid, Index: index}] {
		return 1, true, nil
	}
	return 0, false, nil
}

func (f *fakeChain) GetBlockCount() (int64, error) { return 100, nil }

// fundingSource builds distinct unsigned funding transactions; the
// varying input index keeps every txid unique.
type fundingSource struct {
	mu   sync.Mutex
	next uint32
}

func (fs *fundingSource) create(pkScript []byte, value int64) (*wire.MsgTx, uint32, error) {
	fs.mu.Lock()
	fs.next++
	seq := fs.next
	fs.mu.Unlock()

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Index: seq}})
	tx.AddTxOut(&wire.TxOut{Value: value, PkScript: pkScript})
	return tx, 0, nil
}

func openTestWallet(t *testing.T) *walletstore.DB {
	t.Helper()
	db, err := walletstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("walletstore.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// startTestMaker runs a real maker.Server over a net.Pipe and returns
// the taker's side of the connection.
func startTestMaker(t *testing.T, chain *fakeChain, funds *fundingSource) (PeerConn, *btcec.PrivateKey) {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	m := &maker.Maker{
		Wallet:          openTestWallet(t),
		Chain:           chain,
		TweakablePriv:   priv,
		TweakablePoint:  priv.PubKey(),
		Offer:           feemodel.Offer{AbsoluteFeeSat: 1000},
		CreateFundingTx: funds.create,
	}
	srv := &maker.Server{
		Maker: m,
		Offer: protowire.Offer{
			AbsoluteFeeSat: 1000,
			TweakablePoint: hex.EncodeToString(priv.PubKey().SerializeCompressed()),
		},
	}

	clientConn, serverConn := net.Pipe()
	go func() {
		srv.HandleConn(pipeConn{serverConn})
	}()
	t.Cleanup(func() { clientConn.Close() })
	return pipeConn{clientConn}, priv
}

// TestSwapRunTwoHopSettlesAllLegs drives a full two-maker swap against
// real maker servers over in-memory pipes: offers, first-leg funding,
// proof-of-funding relays, both signature rounds per leg, preimage
// reveal, and the cooperative key handover.
func TestSwapRunTwoHopSettlesAllLegs(t *testing.T) {
	takerPriv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}

	chain := newFakeChain()
	funds := &fundingSource{}

	conn1, _ := startTestMaker(t, chain, funds)
	conn2, _ := startTestMaker(t, chain, funds)
	conns := []PeerConn{conn1, conn2}
	dialed := 0

	swap := &Swap{
		Plan: RoutePlan{
			Hops: []HopPlan{
				{MakerOffer: feemodel.Offer{AbsoluteFeeSat: 1000}, LocktimeBlocks: 100},
				{MakerOffer: feemodel.Offer{AbsoluteFeeSat: 1000}, LocktimeBlocks: 60},
			},
			DestinationAmount: 500000,
			FinalLocktime:     30,
		},
		Chain:          chain,
		TweakablePriv:  takerPriv,
		TweakablePoint: takerPriv.PubKey(),
		Wallet:         openTestWallet(t),
		Connect: func(ctx context.Context, addr netdial.Address) (PeerConn, error) {
			conn := conns[dialed]
			dialed++
			return conn, nil
		},
		CreateFundingTx:          funds.create,
		ConfirmationPollInterval: time.Millisecond,
	}

	result, err := swap.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Outgoing == nil || result.Incoming == nil {
		t.Fatal("expected both an outgoing and an incoming coin")
	}
	if len(result.WatchOnly) != 1 {
		t.Fatalf("expected 1 watch-only coin for the maker-to-maker leg, got %d", len(result.WatchOnly))
	}

	// Destination amount reaches the taker; each maker kept its fee.
	if result.Incoming.FundingVal != 500000 {
		t.Fatalf("incoming amount = %d, want 500000", result.Incoming.FundingVal)
	}
	if result.Outgoing.FundingVal != 502000 {
		t.Fatalf("outgoing amount = %d, want 502000", result.Outgoing.FundingVal)
	}

	// Both of the taker's own legs are unilaterally enforceable.
	ok, err := result.Outgoing.VerifyReceiverSig(result.Outgoing.OtherSig)
	if err != nil || !ok {
		t.Fatalf("outgoing countersignature does not verify (ok=%v err=%v)", ok, err)
	}
	ok, err = result.Incoming.VerifySenderSig(result.Incoming.OtherSig)
	if err != nil || !ok {
		t.Fatalf("incoming sender signature does not verify (ok=%v err=%v)", ok, err)
	}

	if !result.Incoming.IsHashPreimageKnown() {
		t.Fatal("taker's incoming coin must know the preimage")
	}
	if result.Incoming.OtherPrivkey == nil {
		t.Fatal("cooperative handover must leave the counterparty key on the incoming coin")
	}
	if result.Incoming.HashlockPriv == nil {
		t.Fatal("incoming coin must carry the hashlock privkey")
	}

	// Preimage consistency across the chain: every contract commits to
	// the same hashvalue.
	outHash, err := result.Outgoing.Hashvalue()
	if err != nil {
		t.Fatalf("outgoing Hashvalue: %v", err)
	}
	inHash, err := result.Incoming.Hashvalue()
	if err != nil {
		t.Fatalf("incoming Hashvalue: %v", err)
	}
	watchHash, err := result.WatchOnly[0].Hashvalue()
	if err != nil {
		t.Fatalf("watch-only Hashvalue: %v", err)
	}
	if outHash != inHash || outHash != watchHash {
		t.Fatal("legs disagree on the contract hashvalue")
	}
	if contract.Hash160(result.Incoming.Preimage[:]) != inHash {
		t.Fatal("stored preimage does not hash to the contract hashvalue")
	}

	// Locktimes decrease along the route.
	outLock, _ := result.Outgoing.Timelock()
	watchLock, _ := result.WatchOnly[0].Timelock()
	inLock, _ := result.Incoming.Timelock()
	if !(outLock > watchLock && watchLock > inLock) {
		t.Fatalf("locktimes must decrease along the route: %d, %d, %d", outLock, watchLock, inLock)
	}

	// Everything the recovery automaton would need was persisted.
	coins, err := swap.Wallet.ListSwapCoins()
	if err != nil {
		t.Fatalf("ListSwapCoins: %v", err)
	}
	if len(coins) != 3 {
		t.Fatalf("expected 3 persisted swap coins, got %d", len(coins))
	}
	watched, err := swap.Wallet.ListUnresolvedWatchedContracts()
	if err != nil {
		t.Fatalf("ListUnresolvedWatchedContracts: %v", err)
	}
	if len(watched) != 3 {
		t.Fatalf("expected 3 watched contracts, got %d", len(watched))
	}
}

func TestRoutePlanLegAmountsAddFeesBackToFront(t *testing.T) {
	plan := RoutePlan{
		Hops: []HopPlan{
			{MakerOffer: feemodel.Offer{AbsoluteFeeSat: 100}, LocktimeBlocks: 100},
			{MakerOffer: feemodel.Offer{AbsoluteFeeSat: 200}, LocktimeBlocks: 60},
		},
		DestinationAmount: 100000,
		FinalLocktime:     30,
	}

	amounts := plan.legAmounts()
	if len(amounts) != 3 {
		t.Fatalf("expected 3 leg amounts, got %d", len(amounts))
	}
	if amounts[2] != 100000 || amounts[1] != 100200 || amounts[0] != 100300 {
		t.Fatalf("leg amounts = %v, want [100300 100200 100000]", amounts)
	}
	if got := plan.TotalFee(100000, 50); got != 300 {
		t.Fatalf("TotalFee = %d, want 300", got)
	}
}

func TestHopStateRejectsSkippedTransition(t *testing.T) {
	state := StateOfferReceived
	if err := state.advance(StateFundingRequested); err != nil {
		t.Fatalf("advance to successor: %v", err)
	}
	if err := state.advance(StateFundingConfirmed); err == nil {
		t.Fatal("expected skipping states to be rejected")
	}
	if state != StateFundingRequested {
		t.Fatalf("failed advance must not move the state, got %s", state)
	}
}
