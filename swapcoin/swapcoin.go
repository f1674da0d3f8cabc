// Package swapcoin models the three roles a party can hold with respect
// to a single hashlock/timelock contract in a coinswap hop: the party who
// funded it and can reclaim it after a timeout (Outgoing), the party who
// is owed the preimage and can redeem it (Incoming), and an observer who
// holds neither private key but needs to validate and watch it
// (WatchOnly, used by a watchtower or by a multi-hop maker's neighbor).
package swapcoin

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"

	"github.com/btcswap/coinswap/contract"
)

// Kind identifies which of the three coin roles a Coin value implements.
type Kind uint8

const (
	KindIncoming Kind = iota
	KindOutgoing
	KindWatchOnly
)

func (k Kind) String() string {
	switch k {
	case KindIncoming:
		return "incoming"
	case KindOutgoing:
		return "outgoing"
	case KindWatchOnly:
		return "watch-only"
	default:
		return "unknown"
	}
}

// Coin is the capability set every swap-coin role supports. Not every
// role can do everything: IncomingSwapCoin/OutgoingSwapCoin differ in
// which pubkey they already hold versus which they accept via
// ApplyPrivkey, and WatchOnlySwapCoin never holds a hashlock preimage.
type Coin interface {
	// Kind reports which role this value implements.
	Kind() Kind

	// MultisigRedeemscript returns the 2-of-2 funding redeemscript.
	MultisigRedeemscript() ([]byte, error)

	// ContractRedeemscript returns the hashlock/timelock escape script.
	ContractRedeemscript() []byte

	// ContractTx returns the presigned contract transaction.
	ContractTx() *wire.MsgTx

	// FundingAmount returns the value locked in the funding output.
	FundingAmount() int64

	// OtherPubkey returns the counterparty's multisig pubkey.
	OtherPubkey() *btcec.PublicKey

	// ApplyPrivkey supplies the private key matching one of the two
	// multisig pubkeys. It must match the pubkey this Coin already
	// expects; passing the wrong key is an error, not silently ignored.
	ApplyPrivkey(priv *btcec.PrivateKey) error

	// IsHashPreimageKnown reports whether this Coin's holder knows the
	// hashlock preimage (and can therefore redeem via the hashlock
	// branch rather than waiting out the timelock).
	IsHashPreimageKnown() bool

	// HashlockPubkey, TimelockPubkey, Hashvalue and Timelock read the
	// four fields ContractRedeemscript() commits to, via the same
	// offset/opcode-stream parsers any peer would use to check a
	// counterparty-supplied script (contract.ParseHashlockPubkey et al).
	HashlockPubkey() (*btcec.PublicKey, error)
	TimelockPubkey() (*btcec.PublicKey, error)
	Hashvalue() ([20]byte, error)
	Timelock() (uint16, error)

	// VerifySenderSig and VerifyReceiverSig check sig against whichever
	// multisig pubkey plays the sender/receiver role for this coin's
	// hop. Which literal pubkey that is differs per Kind: see each
	// type's doc comment.
	VerifySenderSig(sig []byte) (bool, error)
	VerifyReceiverSig(sig []byte) (bool, error)
}

// IncomingSwapCoin is held by the party who is owed this contract: it was
// funded by the counterparty, and once the hashlock preimage is known it
// can be redeemed immediately rather than waiting for the timelock.
type IncomingSwapCoin struct {
	MyPrivkey    *btcec.PrivateKey // the multisig half-key; nil until ApplyPrivkey is called
	MyPubkey     *btcec.PublicKey
	OtherPub     *btcec.PublicKey
	OtherPrivkey *btcec.PrivateKey // counterparty's half-key; nil until the cooperative handover
	ContractTxn  *wire.MsgTx
	ContractRdmS []byte
	FundingVal   int64
	Preimage     *[32]byte // nil until the hashlock preimage is learned

	// HashlockPriv is the nonce-tweaked private key matching the contract
	// redeemscript's hashlock-branch pubkey, distinct from MyPrivkey (the
	// multisig half-key used only to cosign the sender's contract tx).
	// Needed to actually redeem the contract once Preimage is known.
	HashlockPriv *btcec.PrivateKey

	// OtherSig is the sender's signature over ContractTxn, collected via
	// the receivers-contract-sig round; with it plus MyPrivkey the holder
	// can broadcast the contract unilaterally.
	OtherSig []byte
}

var _ Coin = (*IncomingSwapCoin)(nil)

func (c *IncomingSwapCoin) Kind() Kind { return KindIncoming }

// MultisigRedeemscript rebuilds the funding multisig in its on-chain
// (sender, receiver) order: the counterparty funded this hop, so
// OtherPub comes first.
func (c *IncomingSwapCoin) MultisigRedeemscript() ([]byte, error) {
	return contract.MultisigRedeemscript(c.OtherPub, c.MyPubkey)
}

func (c *IncomingSwapCoin) ContractRedeemscript() []byte { return c.ContractRdmS }
func (c *IncomingSwapCoin) ContractTx() *wire.MsgTx       { return c.ContractTxn }
func (c *IncomingSwapCoin) FundingAmount() int64          { return c.FundingVal }
func (c *IncomingSwapCoin) OtherPubkey() *btcec.PublicKey { return c.OtherPub }

// ApplyPrivkey accepts priv only if it matches one of the two multisig
// pubkeys this coin already expects, and files it on the matching side:
// the holder's own half-key, or the counterparty's half-key handed over
// during cooperative settlement. A key matching neither pubkey is an
// error, never silently accepted.
func (c *IncomingSwapCoin) ApplyPrivkey(priv *btcec.PrivateKey) error {
	pub := priv.PubKey()
	switch {
	case c.MyPubkey != nil && pub.IsEqual(c.MyPubkey):
		c.MyPrivkey = priv
	case c.OtherPub != nil && pub.IsEqual(c.OtherPub):
		c.OtherPrivkey = priv
	default:
		return fmt.Errorf("swapcoin: given privkey does not match expected pubkey")
	}
	return nil
}

func (c *IncomingSwapCoin) IsHashPreimageKnown() bool { return c.Preimage != nil }

func (c *IncomingSwapCoin) HashlockPubkey() (*btcec.PublicKey, error) {
	return contract.ParseHashlockPubkey(c.ContractRdmS)
}
func (c *IncomingSwapCoin) TimelockPubkey() (*btcec.PublicKey, error) {
	return contract.ParseTimelockPubkey(c.ContractRdmS)
}
func (c *IncomingSwapCoin) Hashvalue() ([20]byte, error) { return contract.ParseHashvalue(c.ContractRdmS) }
func (c *IncomingSwapCoin) Timelock() (uint16, error)    { return contract.ParseLocktime(c.ContractRdmS) }

// VerifySenderSig verifies against OtherPub: on an incoming coin the
// counterparty funded this hop and is the contract's sender, so its
// presigned contract-tx signature is checked under its own pubkey.
func (c *IncomingSwapCoin) VerifySenderSig(sig []byte) (bool, error) {
	multisigRedeemscript, err := c.MultisigRedeemscript()
	if err != nil {
		return false, err
	}
	return contract.VerifyContractTxSig(c.ContractTxn, multisigRedeemscript, c.FundingVal, c.OtherPub, sig), nil
}

// VerifyReceiverSig verifies against MyPubkey: the receiver of an
// incoming coin is its own holder.
func (c *IncomingSwapCoin) VerifyReceiverSig(sig []byte) (bool, error) {
	if c.MyPubkey == nil {
		return false, fmt.Errorf("swapcoin: my_pubkey not yet known")
	}
	multisigRedeemscript, err := c.MultisigRedeemscript()
	if err != nil {
		return false, err
	}
	return contract.VerifyContractTxSig(c.ContractTxn, multisigRedeemscript, c.FundingVal, c.MyPubkey, sig), nil
}

// OutgoingSwapCoin is held by the party who funded this contract: they
// can reclaim it after the timelock, or it is spent by the counterparty
// if the preimage leaks.
type OutgoingSwapCoin struct {
	MyPrivkey    *btcec.PrivateKey
	MyPubkey     *btcec.PublicKey
	OtherPub     *btcec.PublicKey
	ContractTxn  *wire.MsgTx
	ContractRdmS []byte
	FundingVal   int64

	// OtherPrivkey is the receiver's multisig half-key, learned only if
	// the counterparty hands it over after the swap settles.
	OtherPrivkey *btcec.PrivateKey

	// OtherSig is the receiver's signature over ContractTxn, collected
	// during the senders-contract-sig round before the funding was
	// broadcast; with it plus MyPrivkey the holder can broadcast the
	// contract and later reclaim via the timelock branch.
	OtherSig []byte
}

var _ Coin = (*OutgoingSwapCoin)(nil)

func (c *OutgoingSwapCoin) Kind() Kind { return KindOutgoing }

func (c *OutgoingSwapCoin) MultisigRedeemscript() ([]byte, error) {
	return contract.MultisigRedeemscript(c.MyPubkey, c.OtherPub)
}

func (c *OutgoingSwapCoin) ContractRedeemscript() []byte { return c.ContractRdmS }
func (c *OutgoingSwapCoin) ContractTx() *wire.MsgTx       { return c.ContractTxn }
func (c *OutgoingSwapCoin) FundingAmount() int64          { return c.FundingVal }
func (c *OutgoingSwapCoin) OtherPubkey() *btcec.PublicKey { return c.OtherPub }

// ApplyPrivkey accepts priv only if it matches OtherPub: an outgoing coin
// is funded by its own holder already, so the only privkey that's ever
// handed over post-hoc is the counterparty's (e.g. during a cooperative
// private-key handover at swap completion).
func (c *OutgoingSwapCoin) ApplyPrivkey(priv *btcec.PrivateKey) error {
	pub := priv.PubKey()
	if !pub.IsEqual(c.OtherPub) {
		return fmt.Errorf("swapcoin: given privkey does not match other_pubkey")
	}
	c.OtherPrivkey = priv
	return nil
}

func (c *OutgoingSwapCoin) IsHashPreimageKnown() bool { return false }

func (c *OutgoingSwapCoin) HashlockPubkey() (*btcec.PublicKey, error) {
	return contract.ParseHashlockPubkey(c.ContractRdmS)
}
func (c *OutgoingSwapCoin) TimelockPubkey() (*btcec.PublicKey, error) {
	return contract.ParseTimelockPubkey(c.ContractRdmS)
}
func (c *OutgoingSwapCoin) Hashvalue() ([20]byte, error) { return contract.ParseHashvalue(c.ContractRdmS) }
func (c *OutgoingSwapCoin) Timelock() (uint16, error)    { return contract.ParseLocktime(c.ContractRdmS) }

// VerifySenderSig verifies against MyPubkey: on an outgoing coin its
// own holder funded this hop and is the contract's sender.
func (c *OutgoingSwapCoin) VerifySenderSig(sig []byte) (bool, error) {
	if c.MyPubkey == nil {
		return false, fmt.Errorf("swapcoin: my_pubkey not yet known")
	}
	multisigRedeemscript, err := c.MultisigRedeemscript()
	if err != nil {
		return false, err
	}
	return contract.VerifyContractTxSig(c.ContractTxn, multisigRedeemscript, c.FundingVal, c.MyPubkey, sig), nil
}

// VerifyReceiverSig verifies against OtherPub: the counterparty
// downstream of this hop is the receiver.
func (c *OutgoingSwapCoin) VerifyReceiverSig(sig []byte) (bool, error) {
	multisigRedeemscript, err := c.MultisigRedeemscript()
	if err != nil {
		return false, err
	}
	return contract.VerifyContractTxSig(c.ContractTxn, multisigRedeemscript, c.FundingVal, c.OtherPub, sig), nil
}

// WatchOnlySwapCoin is held by a party with no stake in the contract's
// outcome — a watchtower, or a maker relaying proof-of-funding for a hop
// it isn't itself a party to — so it never holds a private key at
// construction and never knows the hashlock preimage.
//
// Its sender/receiver naming is deliberately swapped relative to
// Incoming/OutgoingSwapCoin's sender terminology: SenderPub here means
// "whichever multisig pubkey belongs to the contract's sender", which for
// a watcher downstream of the swap's taker is the *receiver's* role in
// taker/maker message exchange. Follow the VerifySenderSig/VerifyReceiverSig
// naming, not which local variable looks more familiar.
type WatchOnlySwapCoin struct {
	SenderPub    *btcec.PublicKey
	ReceiverPub  *btcec.PublicKey
	ContractTxn  *wire.MsgTx
	ContractRdmS []byte
	FundingVal   int64
}

var _ Coin = (*WatchOnlySwapCoin)(nil)

// NewWatchOnlySwapCoin builds a WatchOnlySwapCoin given the receiver's
// pubkey and a multisig redeemscript; the sender's pubkey is derived as
// whichever of the two multisig pubkeys isn't the receiver's.
func NewWatchOnlySwapCoin(
	receiverPub *btcec.PublicKey,
	multisigRedeemscript []byte,
	contractTx *wire.MsgTx,
	contractRedeemscript []byte,
	fundingValue int64,
) (*WatchOnlySwapCoin, error) {
	pub1, pub2, err := contract.ParseMultisigPubkeys(multisigRedeemscript)
	if err != nil {
		return nil, fmt.Errorf("watch-only swapcoin: %w", err)
	}

	var senderPub *btcec.PublicKey
	switch {
	case pub1.IsEqual(receiverPub):
		senderPub = pub2
	case pub2.IsEqual(receiverPub):
		senderPub = pub1
	default:
		return nil, fmt.Errorf("watch-only swapcoin: given receiver_pubkey not included in redeemscript")
	}

	return &WatchOnlySwapCoin{
		SenderPub:    senderPub,
		ReceiverPub:  receiverPub,
		ContractTxn:  contractTx,
		ContractRdmS: contractRedeemscript,
		FundingVal:   fundingValue,
	}, nil
}

func (c *WatchOnlySwapCoin) Kind() Kind { return KindWatchOnly }

func (c *WatchOnlySwapCoin) MultisigRedeemscript() ([]byte, error) {
	return contract.MultisigRedeemscript(c.SenderPub, c.ReceiverPub)
}

func (c *WatchOnlySwapCoin) ContractRedeemscript() []byte { return c.ContractRdmS }
func (c *WatchOnlySwapCoin) ContractTx() *wire.MsgTx       { return c.ContractTxn }
func (c *WatchOnlySwapCoin) FundingAmount() int64          { return c.FundingVal }
func (c *WatchOnlySwapCoin) OtherPubkey() *btcec.PublicKey { return c.ReceiverPub }

// ApplyPrivkey accepts priv if it matches either multisig pubkey: a
// watcher has no a-priori stake in which side's key it's being shown.
func (c *WatchOnlySwapCoin) ApplyPrivkey(priv *btcec.PrivateKey) error {
	pub := priv.PubKey()
	if pub.IsEqual(c.SenderPub) || pub.IsEqual(c.ReceiverPub) {
		return nil
	}
	return fmt.Errorf("swapcoin: given privkey matches neither multisig pubkey")
}

func (c *WatchOnlySwapCoin) IsHashPreimageKnown() bool { return false }

func (c *WatchOnlySwapCoin) HashlockPubkey() (*btcec.PublicKey, error) {
	return contract.ParseHashlockPubkey(c.ContractRdmS)
}
func (c *WatchOnlySwapCoin) TimelockPubkey() (*btcec.PublicKey, error) {
	return contract.ParseTimelockPubkey(c.ContractRdmS)
}
func (c *WatchOnlySwapCoin) Hashvalue() ([20]byte, error) { return contract.ParseHashvalue(c.ContractRdmS) }
func (c *WatchOnlySwapCoin) Timelock() (uint16, error)    { return contract.ParseLocktime(c.ContractRdmS) }

// VerifySenderSig verifies tx's signature against the contract's sender
// role, which for a WatchOnlySwapCoin is the receiver_pubkey — the
// deliberate role-swap documented on the struct.
func (c *WatchOnlySwapCoin) VerifySenderSig(sig []byte) (bool, error) {
	multisigRedeemscript, err := c.MultisigRedeemscript()
	if err != nil {
		return false, err
	}
	return contract.VerifyContractTxSig(c.ContractTxn, multisigRedeemscript, c.FundingVal, c.ReceiverPub, sig), nil
}

// VerifyReceiverSig verifies tx's signature against the contract's
// receiver role, which for a WatchOnlySwapCoin is the sender_pubkey.
func (c *WatchOnlySwapCoin) VerifyReceiverSig(sig []byte) (bool, error) {
	multisigRedeemscript, err := c.MultisigRedeemscript()
	if err != nil {
		return false, err
	}
	return contract.VerifyContractTxSig(c.ContractTxn, multisigRedeemscript, c.FundingVal, c.SenderPub, sig), nil
}
