package maker

import (
	"fmt"

	"github.com/btcsuite/btcd/wire"

	"github.com/btcswap/coinswap/swapcoin"
)

// State is one step of the maker-side mirror of the swap state machine.
// Each peer connection carries its own session through these states;
// an out-of-order message is a protocol error, not something to tolerate.
type State uint8

const (
	// StateOfferPublished is the resting state: the maker is advertising
	// its offer and no connection-specific progress has been made.
	StateOfferPublished State = iota

	// StateConnectionAccepted means the peer has asked for and received
	// the offer on this connection.
	StateConnectionAccepted

	// StateSignSendersContractTxRequested means the maker has
	// countersigned at least one sender contract transaction for this
	// peer and cached its funding outpoint against contract swaps.
	StateSignSendersContractTxRequested

	// StateProofOfFundingReceived means the peer proved its funding
	// confirmed and the maker has built (but not yet broadcast) its own
	// outgoing hop in response.
	StateProofOfFundingReceived

	// StateReceiversContractSigned means the full signature set arrived,
	// every contract on both legs is now unilaterally broadcastable, and
	// the maker has broadcast its outgoing funding.
	StateReceiversContractSigned

	// StateHashPreimageRevealed means the hashlock preimage checked out
	// against the incoming contracts and was persisted.
	StateHashPreimageRevealed

	// StatePrivateKeyHandedOver means the counterparty's multisig
	// half-keys arrived and verified against the incoming multisigs.
	StatePrivateKeyHandedOver

	// StateSettledOrWatching is terminal: the hop either settled
	// cooperatively or its contracts are left to the recovery automaton.
	StateSettledOrWatching
)

func (s State) String() string {
	switch s {
	case StateOfferPublished:
		return "offer_published"
	case StateConnectionAccepted:
		return "connection_accepted"
	case StateSignSendersContractTxRequested:
		return "sign_senders_contract_tx_requested"
	case StateProofOfFundingReceived:
		return "proof_of_funding_received"
	case StateReceiversContractSigned:
		return "receivers_contract_signed"
	case StateHashPreimageRevealed:
		return "hash_preimage_revealed"
	case StatePrivateKeyHandedOver:
		return "private_key_handed_over"
	case StateSettledOrWatching:
		return "settled_or_watching"
	default:
		return "unknown"
	}
}

// allowedTransitions is the closed transition table: a session may only
// move from a state to one of the listed successors. Self-loops cover
// messages that legitimately repeat (a taker signing several sender
// contracts in separate requests) and the sign-receivers detour a
// mid-route maker answers for the hop downstream of it.
var allowedTransitions = map[State][]State{
	StateOfferPublished: {
		StateConnectionAccepted,
		// A taker that already holds a cached offer may open with a
		// signing request directly.
		StateSignSendersContractTxRequested,
	},
	StateConnectionAccepted: {
		StateSignSendersContractTxRequested,
	},
	StateSignSendersContractTxRequested: {
		StateSignSendersContractTxRequested,
		StateProofOfFundingReceived,
	},
	StateProofOfFundingReceived: {
		StateReceiversContractSigned,
	},
	StateReceiversContractSigned: {
		// The downstream-hop signing detour leaves the state unchanged.
		StateReceiversContractSigned,
		StateHashPreimageRevealed,
	},
	StateHashPreimageRevealed: {
		StatePrivateKeyHandedOver,
	},
	StatePrivateKeyHandedOver: {
		StateSettledOrWatching,
	},
	StateSettledOrWatching: {},
}

// pendingLeg is one outgoing hop the maker built in response to
// ProofOfFunding but will not broadcast until the receivers' signature
// set arrives and verifies.
type pendingLeg struct {
	coin            *swapcoin.OutgoingSwapCoin
	fundingTx       *wire.MsgTx
	fundingOutpoint wire.OutPoint
}

// incomingLeg pairs an incoming swap coin with the funding outpoint it
// is filed under in the wallet.
type incomingLeg struct {
	coin            *swapcoin.IncomingSwapCoin
	fundingOutpoint wire.OutPoint
}

// session is the per-connection protocol state: where the handshake
// stands and which legs are mid-flight on it.
type session struct {
	state    State
	incoming []incomingLeg
	outgoing []pendingLeg
}

func newSession() *session {
	return &session{state: StateOfferPublished}
}

// advance moves the session to next if the transition table allows it.
func (s *session) advance(next State) error {
	for _, allowed := range allowedTransitions[s.state] {
		if allowed == next {
			s.state = next
			return nil
		}
	}
	return fmt.Errorf("maker: illegal state transition %s -> %s", s.state, next)
}
