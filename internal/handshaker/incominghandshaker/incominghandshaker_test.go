package incominghandshaker

import (
	"net"
	"testing"
	"time"

	"github.com/cenkalti/rain/internal/peerprotocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncomingHandshakeSuccess(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	infoHash := [20]byte{1, 2, 3}
	remoteID := [20]byte{9, 9, 9}
	ourID := [20]byte{7, 7, 7}

	go func() {
		hs := peerprotocol.Handshake{InfoHash: infoHash, PeerID: remoteID}
		hs.Write(client)
	}()

	h := New(server)
	resultC := make(chan *IncomingHandshaker, 1)
	go h.Run(ourID, func(ih [20]byte) bool { return ih == infoHash }, resultC, time.Second, [8]byte{})

	reply, err := peerprotocol.ReadHandshake(client)
	require.NoError(t, err)
	assert.Equal(t, ourID, reply.PeerID)

	result := <-resultC
	assert.NoError(t, result.Error)
	assert.Equal(t, remoteID, result.PeerID)
}

func TestIncomingHandshakeRejectsUnknownInfoHash(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	go func() {
		hs := peerprotocol.Handshake{InfoHash: [20]byte{0xFF}, PeerID: [20]byte{1}}
		hs.Write(client)
	}()

	h := New(server)
	resultC := make(chan *IncomingHandshaker, 1)
	go h.Run([20]byte{7}, func([20]byte) bool { return false }, resultC, time.Second, [8]byte{})

	result := <-resultC
	assert.ErrorIs(t, result.Error, peerprotocol.ErrInvalidInfoHash)
}
