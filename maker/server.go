package maker

import (
	"encoding/json"
	"net"

	"github.com/btcsuite/btclog"

	"github.com/btcswap/coinswap/coinswaperr"
	protowire "github.com/btcswap/coinswap/wire"
)

// MinLocktime is the shortest contract locktime this maker will
// countersign, guarding against a taker handing it a contract that's
// already expired or about to.
const MinLocktime = 10

// Conn is the minimal connection shape Server needs from an accepted
// socket, matching protowire.Conn's Send/Receive/Close surface so a real
// net.Conn or an in-memory test pipe both satisfy it.
type Conn interface {
	Send(msgType protowire.MessageType, payload interface{}) error
	Receive() (protowire.Envelope, error)
	Close() error
}

// Server accepts inbound peer connections and walks each one through the
// maker's side of the swap: advertising the offer, countersigning sender
// contracts (defended by the multi-contract-attack cache), validating
// proof of funding, committing the outgoing hop once every contract
// signature verifies, learning the preimage, and the final cooperative
// key handover. Each connection carries its own session through the
// State table in session.go; an out-of-order message aborts the
// connection rather than being tolerated.
type Server struct {
	Maker *Maker
	Offer protowire.Offer
	Log   btclog.Logger
}

// ListenAndServe serves connections accepted from the already-open
// listener ln until ln is closed; the caller cancels it by closing ln.
// The bare accept-loop shape every lnd-family
// listener uses, without this role needing its own connection manager:
// coinswap peer sessions are short (a handful of round-trips) and don't
// need lnd's reconnection/backoff machinery.
func (s *Server) ListenAndServe(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(protowire.NewConn(conn))
	}
}

// HandleConn serves one already-accepted connection to completion,
// exported so integration tests and embedders can drive a server over an
// in-memory pipe without a listener.
func (s *Server) HandleConn(conn Conn) {
	s.handleConn(conn)
}

func (s *Server) handleConn(conn Conn) {
	defer conn.Close()

	sess := newSession()
	for {
		envelope, err := conn.Receive()
		if err != nil {
			if s.Log != nil {
				s.Log.Debugf("maker: connection closed in state %s: %v", sess.state, err)
			}
			return
		}

		if err := s.dispatch(conn, sess, envelope); err != nil {
			if s.Log != nil {
				s.Log.Errorf("maker: %v", err)
			}
			return
		}
	}
}

func (s *Server) dispatch(conn Conn, sess *session, envelope protowire.Envelope) error {
	switch envelope.Type {
	case protowire.TypeGiveOffer:
		if err := sess.advance(StateConnectionAccepted); err != nil {
			return err
		}
		return conn.Send(protowire.TypeOffer, s.Offer)

	case protowire.TypeSignSendersContractTx:
		var req protowire.SignSendersContractTx
		if err := unmarshalEnvelope(envelope, &req); err != nil {
			return err
		}
		if err := sess.advance(StateSignSendersContractTxRequested); err != nil {
			return err
		}
		return s.handleSignSendersContractTx(conn, req)

	case protowire.TypeProofOfFunding:
		var proof protowire.ProofOfFunding
		if err := unmarshalEnvelope(envelope, &proof); err != nil {
			return err
		}
		if err := sess.advance(StateProofOfFundingReceived); err != nil {
			return err
		}
		reply, err := s.Maker.HandleProofOfFunding(sess, proof)
		if err != nil {
			return err
		}
		return conn.Send(protowire.TypeReceiversContractTx, reply)

	case protowire.TypeReceiversContractSig:
		var msg protowire.ReceiversContractSig
		if err := unmarshalEnvelope(envelope, &msg); err != nil {
			return err
		}
		if err := sess.advance(StateReceiversContractSigned); err != nil {
			return err
		}
		return s.Maker.ApplyContractSigs(sess, msg)

	case protowire.TypeSignReceiversContractTx:
		var req protowire.SignReceiversContractTx
		if err := unmarshalEnvelope(envelope, &req); err != nil {
			return err
		}
		// The downstream-hop signing detour: the taker asks this maker,
		// as the sender of a later hop, for its signature on that hop
		// receiver's contract copy. After this session's own
		// ReceiversContractSig the advance is a self-loop; arriving
		// straight after proof-of-funding it moves the session to
		// StateReceiversContractSigned.
		if err := sess.advance(StateReceiversContractSigned); err != nil {
			return err
		}
		reply, err := s.Maker.SignReceiversContracts(req)
		if err != nil {
			return err
		}
		return conn.Send(protowire.TypeReceiversContractSig, reply)

	case protowire.TypeHashPreimage:
		var msg protowire.HashPreimage
		if err := unmarshalEnvelope(envelope, &msg); err != nil {
			return err
		}
		if err := sess.advance(StateHashPreimageRevealed); err != nil {
			return err
		}
		reply, err := s.Maker.LearnPreimage(sess, msg)
		if err != nil {
			return err
		}
		return conn.Send(protowire.TypePrivateKeyHandover, reply)

	case protowire.TypePrivateKeyHandover:
		var msg protowire.PrivateKeyHandover
		if err := unmarshalEnvelope(envelope, &msg); err != nil {
			return err
		}
		if err := sess.advance(StatePrivateKeyHandedOver); err != nil {
			return err
		}
		if err := s.Maker.AcceptKeyHandover(sess, msg); err != nil {
			return err
		}
		return sess.advance(StateSettledOrWatching)

	default:
		// Unknown or out-of-sequence message: close the connection
		// rather than silently ignore it, so a misbehaving peer can't
		// wedge the state machine into an ambiguous half-handled state.
		return errUnhandledMessage(envelope.Type)
	}
}

func (s *Server) handleSignSendersContractTx(conn Conn, req protowire.SignSendersContractTx) error {
	sigs := make([]string, 0, len(req.TxsInfo))
	for _, txInfo := range req.TxsInfo {
		sig, err := s.Maker.ValidateAndSignSendersContractTx(txInfo, MinLocktime)
		if err != nil {
			return err
		}
		sigs = append(sigs, sig)
	}

	return conn.Send(protowire.TypeSendersContractSig, protowire.SendersContractSig{SigsHex: sigs})
}

func unmarshalEnvelope(envelope protowire.Envelope, v interface{}) error {
	if err := json.Unmarshal(envelope.Payload, v); err != nil {
		return coinswaperr.Protocolf("unmarshal %s payload: %v", envelope.Type, err)
	}
	return nil
}

func errUnhandledMessage(t protowire.MessageType) error {
	return errUnhandled{t}
}

type errUnhandled struct{ t protowire.MessageType }

func (e errUnhandled) Error() string {
	return "maker: unexpected message type " + string(e.t)
}
