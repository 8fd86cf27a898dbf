// Package incominghandshaker runs the peer handshake on a just-accepted
// connection before it is handed to the session as a live peer.
package incominghandshaker

import (
	"net"
	"time"

	"github.com/cenkalti/rain/internal/peerprotocol"
)

// IncomingHandshaker drives the handshake on one accepted connection.
type IncomingHandshaker struct {
	Conn net.Conn

	PeerID     [20]byte
	Extensions [8]byte
	InfoHash   [20]byte
	Error      error
}

// New wraps a freshly accepted connection.
func New(conn net.Conn) *IncomingHandshaker {
	return &IncomingHandshaker{Conn: conn}
}

// Run reads the remote's handshake, validates the info hash via
// checkInfoHash, and replies with our own handshake, delivering the result
// on resultC. ourID is sent as our peer ID; ourExtensions as our reserved
// bytes.
func (h *IncomingHandshaker) Run(ourID [20]byte, checkInfoHash func([20]byte) bool, resultC chan *IncomingHandshaker, timeout time.Duration, ourExtensions [8]byte) {
	defer func() { resultC <- h }()

	if err := h.Conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		h.Error = err
		return
	}

	hs, err := peerprotocol.ReadHandshake(h.Conn)
	if err != nil {
		h.Error = err
		return
	}
	if !checkInfoHash(hs.InfoHash) {
		h.Error = peerprotocol.ErrInvalidInfoHash
		return
	}
	if hs.PeerID == ourID {
		h.Error = peerprotocol.ErrOwnConnection
		return
	}
	h.PeerID = hs.PeerID
	h.Extensions = hs.Extensions
	h.InfoHash = hs.InfoHash

	reply := peerprotocol.Handshake{Extensions: ourExtensions, InfoHash: hs.InfoHash, PeerID: ourID}
	if err := reply.Write(h.Conn); err != nil {
		h.Error = err
		return
	}

	if err := h.Conn.SetDeadline(time.Time{}); err != nil {
		h.Error = err
	}
}

// Close aborts a handshake in progress by closing the underlying
// connection.
func (h *IncomingHandshaker) Close() { h.Conn.Close() }
