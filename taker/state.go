package taker

import "fmt"

// HopState tracks one leg of the route through its lifecycle. The chain
// is strictly linear: every leg passes through every state in order, and
// an attempt to skip or repeat a state is a programming error surfaced
// immediately rather than a silently inconsistent swap.
type HopState uint8

const (
	// StateOfferReceived: the leg's parties are known and their offers
	// are in hand.
	StateOfferReceived HopState = iota

	// StateFundingRequested: the leg's funding transaction and contract
	// transaction exist but nothing is signed or broadcast yet.
	StateFundingRequested

	// StateSendersContractSigned: the receiver countersigned the
	// sender's contract transaction, making it unilaterally
	// broadcastable by the sender. Only now may the funding broadcast.
	StateSendersContractSigned

	// StateFundingBroadcast: the funding transaction is on the network.
	StateFundingBroadcast

	// StateFundingConfirmed: the funding output has at least one
	// confirmation.
	StateFundingConfirmed

	// StateReceiversContractSigned: the sender's signature over the
	// receiver's contract copy has been delivered, so the receiver too
	// can broadcast unilaterally.
	StateReceiversContractSigned

	// StateHashPreimageKnown: the hashlock preimage was revealed to the
	// leg's receiver.
	StateHashPreimageKnown

	// StatePrivateKeyHandover: the cooperative half-key exchange for
	// the leg's multisig completed.
	StatePrivateKeyHandover

	// StateSettled is terminal: the leg's funds are under unilateral
	// control of their new owner.
	StateSettled
)

func (s HopState) String() string {
	switch s {
	case StateOfferReceived:
		return "offer_received"
	case StateFundingRequested:
		return "funding_requested"
	case StateSendersContractSigned:
		return "senders_contract_signed"
	case StateFundingBroadcast:
		return "funding_broadcast"
	case StateFundingConfirmed:
		return "funding_confirmed"
	case StateReceiversContractSigned:
		return "receivers_contract_signed"
	case StateHashPreimageKnown:
		return "hash_preimage_known"
	case StatePrivateKeyHandover:
		return "private_key_handover"
	case StateSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// advance moves the leg to next, which must be exactly the successor
// state.
func (s *HopState) advance(next HopState) error {
	if next != *s+1 {
		return fmt.Errorf("taker: illegal hop state transition %s -> %s", *s, next)
	}
	*s = next
	return nil
}
