package peer

import (
	"net"
	"testing"
	"time"

	"github.com/cenkalti/rain/internal/logger"
	"github.com/cenkalti/rain/internal/peerconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipePeer(t *testing.T) (*Peer, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	conn := peerconn.New(server, [20]byte{}, [8]byte{}, logger.New("test"))
	go conn.Run()
	return New(conn, 10, logger.New("test")), client
}

func TestRequestTimeoutStrikes(t *testing.T) {
	p, client := pipePeer(t)
	defer client.Close()

	p.SendRequest(0, 0, 16*1024)
	assert.Equal(t, 1, p.NumOutstandingRequests())

	timedOut, drop := p.CheckTimeouts(0)
	assert.True(t, timedOut)
	assert.False(t, drop)

	_, drop = p.CheckTimeouts(0)
	assert.False(t, drop)
	_, drop = p.CheckTimeouts(0)
	assert.True(t, drop, "third consecutive timeout must drop the peer")
}

func TestAckPieceClearsRequestAndResetsStrikes(t *testing.T) {
	p, client := pipePeer(t)
	defer client.Close()

	p.SendRequest(0, 0, 16*1024)
	timedOut, _ := p.CheckTimeouts(0)
	require.True(t, timedOut)

	p.AckPiece(0, 0)
	assert.Equal(t, 0, p.NumOutstandingRequests())

	_, drop := p.CheckTimeouts(time.Hour)
	assert.False(t, drop)
}

func TestCancelAllRequestsOnChoke(t *testing.T) {
	p, client := pipePeer(t)
	defer client.Close()

	p.SendRequest(0, 0, 16*1024)
	p.SendRequest(0, 16*1024, 16*1024)
	require.Equal(t, 2, p.NumOutstandingRequests())

	cancelled := p.CancelAllRequests()
	assert.Len(t, cancelled, 2)
	assert.Equal(t, 0, p.NumOutstandingRequests())
}

func TestHasPieceReflectsBitfield(t *testing.T) {
	p, client := pipePeer(t)
	defer client.Close()

	assert.False(t, p.HasPiece(3))
	p.Bitfield.Set(3)
	assert.True(t, p.HasPiece(3))
}

func TestHandleBadPieceBansOnlyPastThreshold(t *testing.T) {
	p, client := pipePeer(t)
	defer client.Close()

	for i := 0; i < MaxBadPieces; i++ {
		ban := p.HandleBadPiece()
		assert.False(t, ban, "must not ban before exceeding MaxBadPieces")
	}
	assert.Equal(t, MaxBadPieces, p.BadPieces)

	assert.True(t, p.HandleBadPiece(), "must ban once the count exceeds MaxBadPieces")
	assert.Equal(t, MaxBadPieces+1, p.BadPieces)
}
