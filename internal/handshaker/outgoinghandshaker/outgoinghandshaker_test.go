package outgoinghandshaker

import (
	"net"
	"testing"
	"time"

	"github.com/cenkalti/rain/internal/peerprotocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutgoingHandshakeSuccess(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	infoHash := [20]byte{5, 5, 5}
	remoteID := [20]byte{8, 8, 8}
	ourID := [20]byte{1, 1, 1}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		hs, err := peerprotocol.ReadHandshake(conn)
		if err != nil || hs.InfoHash != infoHash {
			return
		}
		reply := peerprotocol.Handshake{InfoHash: infoHash, PeerID: remoteID}
		reply.Write(conn)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	h := New(addr)
	resultC := make(chan *OutgoingHandshaker, 1)
	h.Run(time.Second, time.Second, ourID, infoHash, resultC, [8]byte{})

	result := <-resultC
	assert.NoError(t, result.Error)
	assert.Equal(t, remoteID, result.PeerID)
}
