package wire

import "net"

// Conn adapts a net.Conn into the Send/Receive/Close shape both
// taker.PeerConn and maker.Server's dispatch loop expect, so production
// callers don't each need to hand-roll the same three-line wrapper the
// taker package's tests use over an in-memory pipe.
type Conn struct {
	net.Conn
}

// NewConn wraps an already-established net.Conn.
func NewConn(c net.Conn) Conn {
	return Conn{Conn: c}
}

// Send frames and writes one message.
func (c Conn) Send(msgType MessageType, payload interface{}) error {
	return WriteMessage(c.Conn, msgType, payload)
}

// Receive reads and decodes one message envelope.
func (c Conn) Receive() (Envelope, error) {
	return ReadMessage(c.Conn)
}
