package peerprotocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeRoundTrip(t *testing.T) {
	h := &Handshake{InfoHash: [20]byte{1, 2, 3}, PeerID: [20]byte{4, 5, 6}}
	var buf bytes.Buffer
	require.NoError(t, h.Write(&buf))
	assert.Equal(t, HandshakeLen, buf.Len())

	got, err := ReadHandshake(&buf)
	require.NoError(t, err)
	assert.Equal(t, h.InfoHash, got.InfoHash)
	assert.Equal(t, h.PeerID, got.PeerID)
}

func TestHandshakeInvalidProtocol(t *testing.T) {
	buf := make([]byte, HandshakeLen)
	buf[0] = 5
	_, err := ReadHandshake(bytes.NewReader(buf))
	assert.ErrorIs(t, err, ErrInvalidProtocol)
}

func TestRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRequest(&buf, Request, RequestMessage{Index: 1, Begin: 2, Length: 16384}))
	// length prefix
	assert.Equal(t, []byte{0, 0, 0, 13}, buf.Bytes()[0:4])
	assert.Equal(t, byte(Request), buf.Bytes()[4])
	m, err := ParseRequest(buf.Bytes()[5:])
	require.NoError(t, err)
	assert.Equal(t, RequestMessage{Index: 1, Begin: 2, Length: 16384}, m)
}

func TestPieceRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	data := []byte("hello")
	require.NoError(t, WritePiece(&buf, PieceMessage{Index: 3, Begin: 4}, data))
	hdr, rest, err := ParsePieceHeader(buf.Bytes()[5:])
	require.NoError(t, err)
	assert.Equal(t, PieceMessage{Index: 3, Begin: 4}, hdr)
	assert.Equal(t, data, rest)
}
