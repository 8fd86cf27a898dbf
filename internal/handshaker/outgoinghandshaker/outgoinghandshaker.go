// Package outgoinghandshaker dials a peer address and runs the handshake
// before handing the connection back to the session.
package outgoinghandshaker

import (
	"net"
	"time"

	"github.com/cenkalti/rain/internal/peerprotocol"
)

// OutgoingHandshaker drives the handshake on one dialed connection.
type OutgoingHandshaker struct {
	Addr *net.TCPAddr
	Conn net.Conn

	PeerID     [20]byte
	Extensions [8]byte
	Error      error
}

// New prepares a handshaker that will dial addr.
func New(addr *net.TCPAddr) *OutgoingHandshaker {
	return &OutgoingHandshaker{Addr: addr}
}

// Run dials addr, sends our handshake for infoHash, and validates the
// remote's reply, delivering the result on resultC.
func (h *OutgoingHandshaker) Run(connectTimeout, handshakeTimeout time.Duration, ourID [20]byte, infoHash [20]byte, resultC chan *OutgoingHandshaker, ourExtensions [8]byte) {
	defer func() { resultC <- h }()

	conn, err := net.DialTimeout("tcp", h.Addr.String(), connectTimeout)
	if err != nil {
		h.Error = err
		return
	}
	h.Conn = conn

	if err := conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		h.Error = err
		return
	}

	out := peerprotocol.Handshake{Extensions: ourExtensions, InfoHash: infoHash, PeerID: ourID}
	if err := out.Write(conn); err != nil {
		h.Error = err
		return
	}

	hs, err := peerprotocol.ReadHandshake(conn)
	if err != nil {
		h.Error = err
		return
	}
	if hs.InfoHash != infoHash {
		h.Error = peerprotocol.ErrInvalidInfoHash
		return
	}
	if hs.PeerID == ourID {
		h.Error = peerprotocol.ErrOwnConnection
		return
	}
	h.PeerID = hs.PeerID
	h.Extensions = hs.Extensions

	if err := conn.SetDeadline(time.Time{}); err != nil {
		h.Error = err
	}
}

// Close aborts a handshake in progress.
func (h *OutgoingHandshaker) Close() {
	if h.Conn != nil {
		h.Conn.Close()
	}
}
