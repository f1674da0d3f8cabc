// Package wire defines the peer-to-peer protocol messages exchanged
// between taker and maker during a coinswap hop, and their length-delimited
// JSON framing on the wire.
//
// The protocol exchanges a handful of messages per swap and favors
// JSON's debuggability over a dense binary encoding; framing uses a
// fixed 4-byte big-endian length prefix so a peer can read a message's
// size before decoding its body.
package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	btcwire "github.com/btcsuite/btcd/wire"
)

// MaxMessagePayload bounds a single message's JSON body, guarding against
// a misbehaving peer trying to exhaust memory with a bogus length prefix.
// lnwire caps its messages at 65535 bytes for the same reason; this
// protocol's largest message (ProofOfFunding, carrying a multi-hop list of
// contract transactions) can exceed that, so the cap is raised.
const MaxMessagePayload = 1 << 20 // 1 MiB

// MessageType tags the JSON envelope so a reader knows which Go type to
// unmarshal the payload into before it has parsed the payload itself.
type MessageType string

const (
	TypeGiveOffer              MessageType = "give_offer"
	TypeOffer                  MessageType = "offer"
	TypeSignSendersContractTx  MessageType = "sign_senders_contract_tx"
	TypeSendersContractSig     MessageType = "senders_contract_sig"
	TypeProofOfFunding         MessageType = "proof_of_funding"
	TypeReceiversContractTx    MessageType = "receivers_contract_tx"
	TypeSignReceiversContractTx MessageType = "sign_receivers_contract_tx"
	TypeReceiversContractSig   MessageType = "receivers_contract_sig"
	TypeHashPreimage           MessageType = "hash_preimage"
	TypePrivateKeyHandover     MessageType = "private_key_handover"
)

// Envelope is the outer JSON object every message is framed in: a type
// tag plus a raw payload, deferring payload decoding until the type is
// known (the same two-phase decode lnwire does via its 2-byte type
// prefix, just JSON-shaped instead of binary).
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// GiveOffer is sent by a taker to request a maker's current offer.
type GiveOffer struct{}

// Offer is a maker's advertised swap terms.
type Offer struct {
	MaxSize              int64  `json:"max_size"`
	MinSize              int64  `json:"min_size"`
	AbsoluteFeeSat        int64  `json:"absolute_fee_sat"`
	AmountRelativeFeePPB  int64  `json:"amount_relative_fee_ppb"`
	TimeRelativeFeePPB    int64  `json:"time_relative_fee_ppb"`
	MinerFeeEstimateSat   int64  `json:"miner_fee_estimate_sat"`
	TweakablePoint        string `json:"tweakable_point"` // hex compressed pubkey
}

// SignSendersContractTx asks a maker to sign the sender's contract
// transaction spending their side of the funding multisig.
type SignSendersContractTx struct {
	NextCoinswapInfo []NextCoinswapInfo `json:"next_coinswap_info"`
	TxsInfo          []SenderTxInfo     `json:"txs_info"`
}

// NextCoinswapInfo carries the next hop's multisig pubkey and hashlock
// pubkey, the keys a maker builds its outgoing multisig and contract
// around.
type NextCoinswapInfo struct {
	NextCoinswapMultisigPubkey string `json:"next_coinswap_multisig_pubkey"`
	NextHashlockPubkey         string `json:"next_hashlock_pubkey"`
}

// SenderTxInfo is one contract transaction a maker is asked to sign,
// alongside the multisig redeemscript it pays from. MultisigNonceHex is
// the per-swap nonce the signer tweaks its long-term point with to
// derive the multisig half-key it must sign under; HashlockNonceHex is
// the nonce its hashlock-branch key was derived with, so the signer can
// verify the contract's hashlock actually belongs to it before signing.
type SenderTxInfo struct {
	MultisigRedeemscriptHex string `json:"multisig_redeemscript"`
	MultisigNonceHex        string `json:"multisig_nonce"`
	HashlockNonceHex        string `json:"hashlock_nonce"`
	ContractTxHex           string `json:"contract_tx"`
	ContractRedeemscriptHex string `json:"contract_redeemscript"`
	FundingAmount           int64  `json:"funding_amount"`
	TimelockPubkeyHex       string `json:"timelock_pubkey"`
	SenderContractTxSigHex  string `json:"senders_contract_tx_sig"`
}

// SendersContractSig carries the maker's signatures back over the
// sender's contract transactions requested in SignSendersContractTx.
type SendersContractSig struct {
	SigsHex []string `json:"sigs"`
}

// FundingProof is one confirmed funding output the sender proves to the
// receiver of a hop: the raw funding transaction, which of its outputs
// pays the hop's 2-of-2, the nonces the receiver needs to derive its
// multisig and hashlock keys, and the contract redeemscript both sides
// must agree on for that output.
type FundingProof struct {
	FundingTxHex            string `json:"funding_tx"`
	FundingOutputIndex      uint32 `json:"funding_output_index"`
	MultisigRedeemscriptHex string `json:"multisig_redeemscript"`
	MultisigKeyNonceHex     string `json:"multisig_key_nonce"`
	HashlockKeyNonceHex     string `json:"hashlock_key_nonce"`
	ContractRedeemscriptHex string `json:"contract_redeemscript"`
}

// ProofOfFunding is the taker's evidence that the funding transactions
// for a maker's incoming hop have been broadcast and confirmed, plus
// everything the maker needs to construct its own outgoing hop: the next
// party's keys, the next contract's locktime, and the amount to forward.
type ProofOfFunding struct {
	Proofs            []FundingProof     `json:"confirmed_funding_txes"`
	NextCoinswapInfo  []NextCoinswapInfo `json:"next_coinswap_info"`
	NextLocktime      uint16             `json:"next_locktime"`
	NextFundingAmount int64              `json:"next_funding_amount"`
}

// ReceiverContractInfo is one outgoing-hop contract a maker built in
// response to ProofOfFunding: its (not yet broadcast) funding
// transaction, the multisig it pays into, and the contract transaction
// that needs the downstream receiver's signature before the maker will
// broadcast the funding.
type ReceiverContractInfo struct {
	ContractTxHex           string `json:"contract_tx"`
	MultisigRedeemscriptHex string `json:"multisig_redeemscript"`
	ContractRedeemscriptHex string `json:"contract_redeemscript"`
	FundingTxHex            string `json:"funding_tx"`
	FundingOutputIndex      uint32 `json:"funding_output_index"`
	FundingAmount           int64  `json:"funding_amount"`
	SenderPubkeyHex         string `json:"sender_pubkey"`
}

// ReceiversContractTx is a maker's freshly-built contract transaction
// set spending into the downstream hop, presented for the routing taker
// to validate and collect the downstream receiver's signatures on.
type ReceiversContractTx struct {
	Contracts []ReceiverContractInfo `json:"contracts"`
}

// SignReceiversContractTx asks a hop's sender to sign the receiver's
// copy of the contract transaction(s), so the receiver can broadcast
// unilaterally if the swap stalls.
type SignReceiversContractTx struct {
	TxsInfo []ReceiverTxInfo `json:"txs_info"`
}

// ReceiverTxInfo is one receiver-side contract transaction to sign.
type ReceiverTxInfo struct {
	MultisigRedeemscriptHex string `json:"multisig_redeemscript"`
	ContractTxHex           string `json:"contract_tx"`
	FundingAmount           int64  `json:"funding_amount"`
}

// ReceiversContractSig carries contract signatures back toward a hop's
// receiver. As a reply to SignReceiversContractTx only SigsHex is set;
// when the taker delivers a full signature set to a maker after
// ReceiversContractTx, SigsHex holds the sender-side signatures over the
// maker's incoming contracts and OutgoingSigsHex the downstream
// receiver's signatures over the maker's outgoing contracts.
type ReceiversContractSig struct {
	SigsHex         []string `json:"sigs"`
	OutgoingSigsHex []string `json:"outgoing_sigs,omitempty"`
}

// HashPreimage reveals the swap's hashlock preimage once the taker has
// confirmed every hop funded correctly, letting every maker in the route
// redeem its incoming contract immediately instead of waiting on the
// timelock.
type HashPreimage struct {
	Senders   []string `json:"senders"`   // hex multisig pubkeys, sender side
	Receivers []string `json:"receivers"` // hex multisig pubkeys, receiver side
	Preimage  string   `json:"preimage"`  // hex, 32 bytes
}

// MultisigPrivkey pairs a handed-over private key with the multisig
// redeemscript it is one half of, so the recipient can file it against
// the right swap coin without guessing.
type MultisigPrivkey struct {
	MultisigRedeemscriptHex string `json:"multisig_redeemscript"`
	KeyHex                  string `json:"key"`
}

// PrivateKeyHandover hands over the private keys for one side of each
// named multisig once a hop's swap has fully settled, letting the
// recipient treat the now-redundant 2-of-2 outputs as simple owned UTXOs.
type PrivateKeyHandover struct {
	Privkeys []MultisigPrivkey `json:"privkeys"`
}

// WriteMessage frames and writes msg to w: a 4-byte big-endian length
// prefix followed by the JSON envelope.
func WriteMessage(w io.Writer, msgType MessageType, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("wire: marshal payload: %w", err)
	}
	envelope := Envelope{Type: msgType, Payload: body}
	framed, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("wire: marshal envelope: %w", err)
	}
	if len(framed) > MaxMessagePayload {
		return fmt.Errorf("wire: message of %d bytes exceeds max payload %d", len(framed), MaxMessagePayload)
	}

	var lengthPrefix [4]byte
	binary.BigEndian.PutUint32(lengthPrefix[:], uint32(len(framed)))
	if _, err := w.Write(lengthPrefix[:]); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if _, err := w.Write(framed); err != nil {
		return fmt.Errorf("wire: write body: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed envelope from r and returns its
// type tag and raw payload for the caller to unmarshal based on Type.
func ReadMessage(r io.Reader) (Envelope, error) {
	var lengthPrefix [4]byte
	if _, err := io.ReadFull(r, lengthPrefix[:]); err != nil {
		return Envelope{}, fmt.Errorf("wire: read length prefix: %w", err)
	}
	length := binary.BigEndian.Uint32(lengthPrefix[:])
	if length > MaxMessagePayload {
		return Envelope{}, fmt.Errorf("wire: claimed message length %d exceeds max payload %d", length, MaxMessagePayload)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Envelope{}, fmt.Errorf("wire: read body: %w", err)
	}

	var envelope Envelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("wire: unmarshal envelope: %w", err)
	}
	return envelope, nil
}

// DecodeTx decodes a hex-encoded raw transaction, the representation
// every *TxHex field above uses on the wire.
func DecodeTx(hexStr string) (*btcwire.MsgTx, error) {
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, fmt.Errorf("wire: decode tx hex: %w", err)
	}
	tx := btcwire.NewMsgTx(btcwire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("wire: deserialize tx: %w", err)
	}
	return tx, nil
}

// EncodeTx hex-encodes tx's raw wire serialization.
func EncodeTx(tx *btcwire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("wire: serialize tx: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}
