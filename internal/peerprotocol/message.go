package peerprotocol

import (
	"encoding/binary"
	"errors"
	"io"
)

// MessageID identifies the type of a framed peer message.
type MessageID byte

// Message IDs defined by the core wire protocol.
const (
	Choke MessageID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
	Port
)

// Errors surfaced while framing or parsing messages.
var (
	ErrMessageTooLarge  = errors.New("peerprotocol: message exceeds max message size")
	ErrUnexpectedLength = errors.New("peerprotocol: unexpected message length")
)

const requestPayloadLen = 12 // piece_index, begin, length: 3x uint32

// HaveMessage announces a newly-acquired piece.
type HaveMessage struct {
	Index uint32
}

// RequestMessage requests a block. CancelMessage shares the same layout.
type RequestMessage struct {
	Index, Begin, Length uint32
}

// CancelMessage cancels a previously sent RequestMessage.
type CancelMessage = RequestMessage

// PieceMessage is the header of a Piece reply; the block bytes follow
// separately on the wire and are read by the caller based on the frame
// length.
type PieceMessage struct {
	Index, Begin uint32
}

// BitfieldMessage carries a peer's piece-availability bitmap.
type BitfieldMessage struct {
	Data []byte
}

// PortMessage carries the DHT port announced by BEP 5 (ignored by this core).
type PortMessage struct {
	Port uint16
}

// WriteMessageHeader writes the 4-byte length prefix plus the 1-byte
// message ID for a message whose payload is payloadLen bytes.
func WriteMessageHeader(w io.Writer, id MessageID, payloadLen uint32) error {
	hdr := make([]byte, 5)
	binary.BigEndian.PutUint32(hdr[0:4], payloadLen+1)
	hdr[4] = byte(id)
	_, err := w.Write(hdr)
	return err
}

// WriteKeepAlive writes a zero-length keep-alive message.
func WriteKeepAlive(w io.Writer) error {
	var hdr [4]byte
	_, err := w.Write(hdr[:])
	return err
}

// WriteHave serializes a HaveMessage.
func WriteHave(w io.Writer, m HaveMessage) error {
	if err := WriteMessageHeader(w, Have, 4); err != nil {
		return err
	}
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], m.Index)
	_, err := w.Write(buf[:])
	return err
}

// WriteRequest serializes a RequestMessage (also used for Cancel, with id
// set to Cancel).
func WriteRequest(w io.Writer, id MessageID, m RequestMessage) error {
	if err := WriteMessageHeader(w, id, requestPayloadLen); err != nil {
		return err
	}
	var buf [requestPayloadLen]byte
	binary.BigEndian.PutUint32(buf[0:4], m.Index)
	binary.BigEndian.PutUint32(buf[4:8], m.Begin)
	binary.BigEndian.PutUint32(buf[8:12], m.Length)
	_, err := w.Write(buf[:])
	return err
}

// WritePiece serializes a Piece message header followed by the block data.
func WritePiece(w io.Writer, m PieceMessage, data []byte) error {
	if err := WriteMessageHeader(w, Piece, uint32(8+len(data))); err != nil {
		return err
	}
	var buf [8]byte
	binary.BigEndian.PutUint32(buf[0:4], m.Index)
	binary.BigEndian.PutUint32(buf[4:8], m.Begin)
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// WriteBitfield serializes a BitfieldMessage.
func WriteBitfield(w io.Writer, data []byte) error {
	if err := WriteMessageHeader(w, Bitfield, uint32(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// WriteSimple writes a zero-payload message (Choke/Unchoke/Interested/NotInterested).
func WriteSimple(w io.Writer, id MessageID) error {
	return WriteMessageHeader(w, id, 0)
}

// ParseHave parses a Have message payload.
func ParseHave(payload []byte) (HaveMessage, error) {
	if len(payload) != 4 {
		return HaveMessage{}, ErrUnexpectedLength
	}
	return HaveMessage{Index: binary.BigEndian.Uint32(payload)}, nil
}

// ParseRequest parses a Request/Cancel message payload.
func ParseRequest(payload []byte) (RequestMessage, error) {
	if len(payload) != requestPayloadLen {
		return RequestMessage{}, ErrUnexpectedLength
	}
	return RequestMessage{
		Index:  binary.BigEndian.Uint32(payload[0:4]),
		Begin:  binary.BigEndian.Uint32(payload[4:8]),
		Length: binary.BigEndian.Uint32(payload[8:12]),
	}, nil
}

// ParsePieceHeader parses the (index, begin) header of a Piece message; the
// remaining payload bytes are the block data.
func ParsePieceHeader(payload []byte) (PieceMessage, []byte, error) {
	if len(payload) < 8 {
		return PieceMessage{}, nil, ErrUnexpectedLength
	}
	return PieceMessage{
		Index: binary.BigEndian.Uint32(payload[0:4]),
		Begin: binary.BigEndian.Uint32(payload[4:8]),
	}, payload[8:], nil
}

// ParsePort parses a Port message payload.
func ParsePort(payload []byte) (PortMessage, error) {
	if len(payload) != 2 {
		return PortMessage{}, ErrUnexpectedLength
	}
	return PortMessage{Port: binary.BigEndian.Uint16(payload)}, nil
}
