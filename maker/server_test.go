package maker

import (
	"encoding/hex"
	"encoding/json"
	"net"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"

	"github.com/btcswap/coinswap/contract"
	protowire "github.com/btcswap/coinswap/wire"
	"github.com/btcswap/coinswap/walletstore"
)

type pipeConn struct {
	net.Conn
}

func (c pipeConn) Send(msgType protowire.MessageType, payload interface{}) error {
	return protowire.WriteMessage(c.Conn, msgType, payload)
}

func (c pipeConn) Receive() (protowire.Envelope, error) {
	return protowire.ReadMessage(c.Conn)
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

func TestServerAnswersGiveOfferThenSignsSendersContractTx(t *testing.T) {
	makerPriv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	takerPriv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}

	m := &Maker{
		Wallet:         openTestWallet(t),
		TweakablePriv:  makerPriv,
		TweakablePoint: makerPriv.PubKey(),
	}
	srv := &Server{
		Maker: m,
		Offer: protowire.Offer{TweakablePoint: hex.EncodeToString(makerPriv.PubKey().SerializeCompressed())},
	}

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.handleConn(pipeConn{serverConn})
	}()

	client := pipeConn{clientConn}

	if err := client.Send(protowire.TypeGiveOffer, protowire.GiveOffer{}); err != nil {
		t.Fatalf("send give_offer: %v", err)
	}
	env, err := client.Receive()
	if err != nil {
		t.Fatalf("receive offer: %v", err)
	}
	if env.Type != protowire.TypeOffer {
		t.Fatalf("type = %s, want offer", env.Type)
	}
	var offer protowire.Offer
	if err := json.Unmarshal(env.Payload, &offer); err != nil {
		t.Fatalf("unmarshal offer: %v", err)
	}
	if offer.TweakablePoint != srv.Offer.TweakablePoint {
		t.Fatalf("offer tweakable_point mismatch")
	}

	var nonce [contract.NonceSize]byte
	nonce[0] = 1
	var hashlockNonce [contract.NonceSize]byte
	hashlockNonce[0] = 2
	_, myPub, err := m.DeriveMultisigKey(nonce)
	if err != nil {
		t.Fatalf("DeriveMultisigKey: %v", err)
	}
	hashlockPub, err := contract.TweakPoint(m.TweakablePoint, hashlockNonce)
	if err != nil {
		t.Fatalf("TweakPoint: %v", err)
	}
	multisigRedeemscript, err := contract.MultisigRedeemscript(myPub, takerPriv.PubKey())
	if err != nil {
		t.Fatalf("MultisigRedeemscript: %v", err)
	}
	contractRedeemscript, err := contract.BuildContractRedeemscript(
		hashlockPub, takerPriv.PubKey(), contract.Hash160([]byte("x")), 100,
	)
	if err != nil {
		t.Fatalf("BuildContractRedeemscript: %v", err)
	}
	contractTx, err := contract.BuildContractTx(wire.OutPoint{Index: 0}, 50000, contractRedeemscript)
	if err != nil {
		t.Fatalf("BuildContractTx: %v", err)
	}
	contractTxHex, err := protowire.EncodeTx(contractTx)
	if err != nil {
		t.Fatalf("EncodeTx: %v", err)
	}

	req := protowire.SignSendersContractTx{
		TxsInfo: []protowire.SenderTxInfo{{
			MultisigRedeemscriptHex: hex.EncodeToString(multisigRedeemscript),
			MultisigNonceHex:        hex.EncodeToString(nonce[:]),
			HashlockNonceHex:        hex.EncodeToString(hashlockNonce[:]),
			ContractTxHex:           contractTxHex,
			ContractRedeemscriptHex: hex.EncodeToString(contractRedeemscript),
			FundingAmount:           50000,
			TimelockPubkeyHex:       hex.EncodeToString(takerPriv.PubKey().SerializeCompressed()),
		}},
	}
	if err := client.Send(protowire.TypeSignSendersContractTx, req); err != nil {
		t.Fatalf("send sign_senders_contract_tx: %v", err)
	}

	env, err = client.Receive()
	if err != nil {
		t.Fatalf("receive senders_contract_sig: %v", err)
	}
	if env.Type != protowire.TypeSendersContractSig {
		t.Fatalf("type = %s, want senders_contract_sig", env.Type)
	}
	var reply protowire.SendersContractSig
	if err := json.Unmarshal(env.Payload, &reply); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if len(reply.SigsHex) != 1 {
		t.Fatalf("expected 1 sig, got %d", len(reply.SigsHex))
	}
	sig, err := hex.DecodeString(reply.SigsHex[0])
	if err != nil {
		t.Fatalf("decode sig: %v", err)
	}
	myPriv, _, err := m.DeriveMultisigKey(nonce)
	if err != nil {
		t.Fatalf("DeriveMultisigKey: %v", err)
	}
	if !contract.VerifyContractTxSig(contractTx, multisigRedeemscript, 50000, myPriv.PubKey(), sig) {
		t.Fatal("maker signature does not verify")
	}

	clientConn.Close()
	<-done
}

func TestServerClosesConnectionOnUnexpectedMessage(t *testing.T) {
	m := &Maker{Wallet: openTestWallet(t)}
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	m.TweakablePriv = priv
	m.TweakablePoint = priv.PubKey()
	srv := &Server{Maker: m}

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.handleConn(pipeConn{serverConn})
	}()

	client := pipeConn{clientConn}
	if err := client.Send(protowire.TypeHashPreimage, protowire.HashPreimage{}); err != nil {
		t.Fatalf("send hash_preimage: %v", err)
	}

	<-done // the server must close its side rather than hang
}
