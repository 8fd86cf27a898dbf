// Package peerprotocol implements the BitTorrent peer wire protocol:
// handshake, message framing and the core message set.
package peerprotocol

import (
	"errors"
	"io"
)

const (
	// HandshakeLen is the fixed length of the handshake message.
	HandshakeLen = 68
	pstrLen      = 19
)

var pstr = []byte("BitTorrent protocol")

// ErrInvalidProtocol is returned when the handshake's protocol string does
// not match "BitTorrent protocol".
var ErrInvalidProtocol = errors.New("peerprotocol: invalid protocol string")

// ErrInvalidInfoHash is returned when a handshake's info hash does not
// match any torrent we are serving.
var ErrInvalidInfoHash = errors.New("peerprotocol: invalid info hash")

// ErrOwnConnection is returned when a handshake's peer ID equals ours.
var ErrOwnConnection = errors.New("peerprotocol: dropped own connection")

// Handshake is the 68-byte message exchanged first on every connection.
type Handshake struct {
	Extensions [8]byte
	InfoHash   [20]byte
	PeerID     [20]byte
}

// Write serializes the handshake to w.
func (h *Handshake) Write(w io.Writer) error {
	buf := make([]byte, HandshakeLen)
	buf[0] = pstrLen
	copy(buf[1:20], pstr)
	copy(buf[20:28], h.Extensions[:])
	copy(buf[28:48], h.InfoHash[:])
	copy(buf[48:68], h.PeerID[:])
	_, err := w.Write(buf)
	return err
}

// ReadHandshake reads and parses a 68-byte handshake from r.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	buf := make([]byte, HandshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	if buf[0] != pstrLen || string(buf[1:20]) != string(pstr) {
		return nil, ErrInvalidProtocol
	}
	h := &Handshake{}
	copy(h.Extensions[:], buf[20:28])
	copy(h.InfoHash[:], buf[28:48])
	copy(h.PeerID[:], buf[48:68])
	return h, nil
}
