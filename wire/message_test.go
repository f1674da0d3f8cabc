package wire

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestWriteReadMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	offer := Offer{
		MaxSize:             500000,
		MinSize:             10000,
		AbsoluteFeeSat:      500,
		AmountRelativeFeePPB: 1000,
		TimeRelativeFeePPB:   100,
		MinerFeeEstimateSat:  1000,
		TweakablePoint:       "03bf98c86c3d536136378cf43ac42861ece609de87f5a44e19b730e8e9bd791938",
	}

	if err := WriteMessage(&buf, TypeOffer, offer); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	envelope, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if envelope.Type != TypeOffer {
		t.Fatalf("type = %q, want %q", envelope.Type, TypeOffer)
	}

	var got Offer
	if err := json.Unmarshal(envelope.Payload, &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if got != offer {
		t.Fatalf("offer round-trip mismatch: got %+v, want %+v", got, offer)
	}
}

func TestReadMessageRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x7f, 0xff, 0xff, 0xff}) // huge claimed length, no body

	_, err := ReadMessage(&buf)
	if err == nil {
		t.Fatal("expected error for oversized claimed length")
	}
}

func TestProofOfFundingRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	proof := ProofOfFunding{
		Proofs: []FundingProof{{
			FundingTxHex:            "0200",
			FundingOutputIndex:      1,
			MultisigRedeemscriptHex: "5221",
			MultisigKeyNonceHex:     "02",
			HashlockKeyNonceHex:     "03",
			ContractRedeemscriptHex: "827c",
		}},
		NextLocktime:      80,
		NextFundingAmount: 499000,
	}
	if err := WriteMessage(&buf, TypeProofOfFunding, proof); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	envelope, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if envelope.Type != TypeProofOfFunding {
		t.Fatalf("type = %q, want %q", envelope.Type, TypeProofOfFunding)
	}
	var got ProofOfFunding
	if err := json.Unmarshal(envelope.Payload, &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if len(got.Proofs) != 1 || got.Proofs[0] != proof.Proofs[0] {
		t.Fatalf("proofs round-trip mismatch: got %+v", got.Proofs)
	}
	if got.NextLocktime != proof.NextLocktime || got.NextFundingAmount != proof.NextFundingAmount {
		t.Fatalf("next-hop fields mismatch: got %+v", got)
	}
}

func TestPrivateKeyHandoverRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	handover := PrivateKeyHandover{
		Privkeys: []MultisigPrivkey{
			{MultisigRedeemscriptHex: "5221aa", KeyHex: "0101"},
			{MultisigRedeemscriptHex: "5221bb", KeyHex: "0202"},
		},
	}
	if err := WriteMessage(&buf, TypePrivateKeyHandover, handover); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	envelope, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var got PrivateKeyHandover
	if err := json.Unmarshal(envelope.Payload, &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if len(got.Privkeys) != 2 || got.Privkeys[0] != handover.Privkeys[0] || got.Privkeys[1] != handover.Privkeys[1] {
		t.Fatalf("handover round-trip mismatch: got %+v", got)
	}
}
