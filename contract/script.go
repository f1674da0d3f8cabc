package contract

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
)

// The contract redeemscript byte layout. Every offset below is load-bearing:
// two independently-implemented peers parse each other's contract scripts
// by splicing these exact ranges, not by walking the instruction stream for
// most fields (ParseLocktime is the one deliberate exception — see below).
//
//	offset  0        OP_SIZE
//	offset  1        OP_SWAP
//	offset  2        OP_HASH160
//	offset  3        push(20)
//	offset  4..24     <hashvalue>                  (20 bytes)
//	offset 24        OP_EQUAL
//	offset 25        OP_IF
//	offset 26        push(33)
//	offset 27..60     <hashlock pubkey>             (33 bytes)
//	offset 60..62     push_int(32)                 (data push 0x01 0x20)
//	offset 62        push_int(1)
//	offset 63        OP_ELSE
//	offset 64        push(33)
//	offset 65..98     <timelock pubkey>             (33 bytes)
//	offset 98        push_int(0)
//	offset 99        push(locktime)
//	...              OP_ENDIF OP_CSV OP_DROP OP_ROT OP_EQUALVERIFY OP_CHECKSIG
const (
	hashvalueOffset  = 4
	hashvalueLen     = 20
	hashlockPubOffset = 27
	pubkeyLen        = 33
	timelockPubOffset = 65
)

// BuildContractRedeemscript builds the hashlock/timelock escape contract
// script: the swap recipient can spend with the hashlock preimage and the
// hashlock_pubkey's signature at any time, or the swap sender can reclaim
// after locktime with the timelock_pubkey's signature.
func BuildContractRedeemscript(
	hashlockPub, timelockPub *btcec.PublicKey,
	hashvalue [hashvalueLen]byte,
	locktime uint16,
) ([]byte, error) {
	builder := txscript.NewScriptBuilder()

	builder.AddOp(txscript.OP_SIZE)
	builder.AddOp(txscript.OP_SWAP)
	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(hashvalue[:])
	builder.AddOp(txscript.OP_EQUAL)
	builder.AddOp(txscript.OP_IF)
	builder.AddData(hashlockPub.SerializeCompressed())
	builder.AddInt64(32)
	builder.AddInt64(1)
	builder.AddOp(txscript.OP_ELSE)
	builder.AddData(timelockPub.SerializeCompressed())
	builder.AddInt64(0)
	builder.AddInt64(int64(locktime))
	builder.AddOp(txscript.OP_ENDIF)
	builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddOp(txscript.OP_ROT)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddOp(txscript.OP_CHECKSIG)

	return builder.Script()
}

// ParseHashvalue reads the hashlock target out of a contract redeemscript
// by its fixed byte offset. Requires at least 24 bytes.
func ParseHashvalue(redeemscript []byte) ([hashvalueLen]byte, error) {
	var out [hashvalueLen]byte
	if len(redeemscript) < hashvalueOffset+hashvalueLen {
		return out, fmt.Errorf("contract redeemscript: script too short")
	}
	copy(out[:], redeemscript[hashvalueOffset:hashvalueOffset+hashvalueLen])
	return out, nil
}

// ParseHashlockPubkey reads the hashlock-branch pubkey out of a contract
// redeemscript by its fixed byte offset. Requires at least 60 bytes.
func ParseHashlockPubkey(redeemscript []byte) (*btcec.PublicKey, error) {
	if len(redeemscript) < hashlockPubOffset+pubkeyLen {
		return nil, fmt.Errorf("contract redeemscript: script too short")
	}
	pub, err := btcec.ParsePubKey(redeemscript[hashlockPubOffset : hashlockPubOffset+pubkeyLen])
	if err != nil {
		return nil, fmt.Errorf("contract redeemscript: pubkey error: %w", err)
	}
	return pub, nil
}

// ParseTimelockPubkey reads the timelock-branch pubkey out of a contract
// redeemscript by its fixed byte offset. Requires at least 98 bytes.
func ParseTimelockPubkey(redeemscript []byte) (*btcec.PublicKey, error) {
	if len(redeemscript) < timelockPubOffset+pubkeyLen {
		return nil, fmt.Errorf("contract redeemscript: script too short")
	}
	pub, err := btcec.ParsePubKey(redeemscript[timelockPubOffset : timelockPubOffset+pubkeyLen])
	if err != nil {
		return nil, fmt.Errorf("contract redeemscript: pubkey error: %w", err)
	}
	return pub, nil
}

// ParseLocktime reads the timelock value out of a contract redeemscript by
// walking the instruction stream to the 13th opcode (the push_int(locktime)
// built by BuildContractRedeemscript), rather than by fixed byte offset —
// the only field parsed this way, because the push is of variable width
// depending on the locktime's magnitude.
//
// Push lengths of 1 byte are read as that single byte. Push lengths of 2
// AND 3 bytes are both read as only their first 2 bytes, interpreted
// little-endian: a 3-byte push's third byte is silently discarded. This
// is intentional wire-compatible behavior, not a bug to be fixed here.
// Every uint16 locktime of 32768 or more is built as a 3-byte push, but
// its third byte is the 0x00 sign byte of the minimal script-number
// encoding, so the discarded byte never carries information for a script
// BuildContractRedeemscript produced; a parser that "fixed" this would
// no longer interoperate with existing peers.
func ParseLocktime(redeemscript []byte) (uint16, error) {
	const locktimeInstructionIndex = 12

	tokenizer := txscript.MakeScriptTokenizer(0, redeemscript)
	for i := 0; i <= locktimeInstructionIndex; i++ {
		if !tokenizer.Next() {
			if err := tokenizer.Err(); err != nil {
				return 0, fmt.Errorf("contract redeemscript: %w", err)
			}
			return 0, fmt.Errorf("contract redeemscript: too few instructions")
		}
	}
	if err := tokenizer.Err(); err != nil {
		return 0, fmt.Errorf("contract redeemscript: %w", err)
	}

	data := tokenizer.Data()
	opcode := tokenizer.Opcode()

	switch {
	case len(data) == 1:
		return uint16(data[0]), nil
	case len(data) == 2:
		return binary.LittleEndian.Uint16(data), nil
	case len(data) == 3:
		return binary.LittleEndian.Uint16(data[:2]), nil
	case len(data) == 0:
		// No pushed data: either OP_0 or a small-int opcode
		// (OP_1..OP_16), both minimal encodings of a locktime under 17.
		if opcode == txscript.OP_0 {
			return 0, nil
		}
		if opcode >= txscript.OP_1 && opcode <= txscript.OP_16 {
			return uint16(opcode-txscript.OP_1) + 1, nil
		}
		return 0, fmt.Errorf("contract redeemscript: unexpected locktime opcode")
	default:
		return 0, fmt.Errorf("contract redeemscript: locktime push too long")
	}
}
