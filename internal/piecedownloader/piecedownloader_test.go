package piecedownloader

import (
	"net"
	"testing"
	"time"

	"github.com/cenkalti/rain/internal/logger"
	"github.com/cenkalti/rain/internal/peer"
	"github.com/cenkalti/rain/internal/peerconn"
	"github.com/cenkalti/rain/internal/peerprotocol"
	"github.com/cenkalti/rain/internal/piece"
	"github.com/cenkalti/rain/internal/piecepicker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPeer(t *testing.T) (*peer.Peer, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	conn := peerconn.New(server, [20]byte{}, [8]byte{}, logger.New("test"))
	go conn.Run()
	return peer.New(conn, 1, logger.New("test")), client
}

func twoBlockPiece() *piece.Piece {
	return &piece.Piece{
		Index:  0,
		Length: piece.BlockSize * 2,
		Hash:   make([]byte, 20),
		Blocks: []piece.Block{
			{Index: 0, Begin: 0, Length: piece.BlockSize},
			{Index: 1, Begin: piece.BlockSize, Length: piece.BlockSize},
		},
	}
}

// testPicker returns a picker tracking a single piece matching pi, with pe
// already holding the reservation for firstBlock (as PiecePicker.RequestBlock
// would have left it), so a PieceDownloader built against it behaves
// exactly as it would when driven from the session's startPieceDownloaders.
func testPicker(t *testing.T, pi *piece.Piece, pe *peer.Peer, firstBlock uint32) *piecepicker.PiecePicker {
	t.Helper()
	pp := piecepicker.New([]piece.Piece{*pi}, piecepicker.Random, 4, 2)
	pp.HandleHave(pe, 0)
	gotBlock, ok := pp.RequestBlockInPiece(pe, 0)
	require.True(t, ok)
	require.Equal(t, firstBlock, gotBlock)
	return pp
}

func TestPieceDownloaderAssemblesInOrder(t *testing.T) {
	pe, client := testPeer(t)
	defer client.Close()

	pi := twoBlockPiece()
	pp := testPicker(t, pi, pe, 0)
	d := New(pi, pe, pp, 0)
	stopC := make(chan struct{})
	defer close(stopC)
	go d.Run(stopC)

	block1 := make([]byte, piece.BlockSize)
	block1[0] = 0xAA
	block0 := make([]byte, piece.BlockSize)
	block0[0] = 0xBB

	// Deliver out of order; assembled output must still be in offset order.
	d.PieceC <- peer.Piece{Block: peerprotocol.PieceMessage{Index: 0, Begin: piece.BlockSize}, Data: block1}
	d.PieceC <- peer.Piece{Block: peerprotocol.PieceMessage{Index: 0, Begin: 0}, Data: block0}
	assembled := <-d.DoneC
	require.Len(t, assembled, piece.BlockSize*2)
	assert.Equal(t, byte(0xBB), assembled[0])
	assert.Equal(t, byte(0xAA), assembled[piece.BlockSize])
}

func TestPieceDownloaderRejectReturnsErrorOnUnrequested(t *testing.T) {
	pe, client := testPeer(t)
	defer client.Close()

	pi := twoBlockPiece()
	pp := testPicker(t, pi, pe, 0)
	d := New(pi, pe, pp, 0)
	stopC := make(chan struct{})
	defer close(stopC)
	go d.Run(stopC)

	// Begin is beyond the piece's block range, so no block index matches:
	// this is unambiguously invalid regardless of request timing.
	d.RejectC <- peer.Request{Request: peerprotocol.RequestMessage{Index: 0, Begin: piece.BlockSize * 5, Length: piece.BlockSize}}
	err := <-d.ErrC
	assert.ErrorIs(t, err, ErrInvalidReject)
}

func TestPieceDownloaderChokeFreesOutstandingBlocks(t *testing.T) {
	pe, client := testPeer(t)
	defer client.Close()

	pi := twoBlockPiece()
	pp := testPicker(t, pi, pe, 0)
	d := New(pi, pe, pp, 0)
	stopC := make(chan struct{})
	defer close(stopC)
	go d.Run(stopC)

	d.ChokeC <- struct{}{}
	// A second send only unblocks once Run's select loop has returned to the
	// top, which can't happen until the choke branch's body has finished.
	d.UnchokeC <- struct{}{}
	assert.Equal(t, 0, pe.NumOutstandingRequests())
	assert.Empty(t, pp.RequestedPeers(0, 0), "choke must release the picker's reservation too")
}

func TestPieceDownloaderCancelsOtherPeerOnFirstArrival(t *testing.T) {
	pe1, client1 := testPeer(t)
	defer client1.Close()
	pe2, client2 := testPeer(t)
	defer client2.Close()

	pi := twoBlockPiece()
	pp := piecepicker.New([]piece.Piece{*pi}, piecepicker.Random, 4, 2)
	pp.HandleHave(pe1, 0)
	pp.HandleHave(pe2, 0)

	// pe1 claims both blocks so every remaining block is in flight, which
	// is what makes RequestBlockInPiece treat the next call as endgame.
	b0, ok := pp.RequestBlockInPiece(pe1, 0)
	require.True(t, ok)
	require.EqualValues(t, 0, b0)
	_, ok = pp.RequestBlockInPiece(pe1, 0)
	require.True(t, ok)

	// pe2 duplicates pe1's request for block 0 under endgame.
	dupBlock, ok := pp.RequestBlockInPiece(pe2, 0)
	require.True(t, ok)
	require.EqualValues(t, 0, dupBlock)
	pe2.SendRequest(0, 0, piece.BlockSize)
	require.Equal(t, 1, pe2.NumOutstandingRequests())

	d1 := New(pi, pe1, pp, b0)
	stopC := make(chan struct{})
	defer close(stopC)
	go d1.Run(stopC)

	data := make([]byte, piece.BlockSize)
	d1.PieceC <- peer.Piece{Block: peerprotocol.PieceMessage{Index: 0, Begin: 0}, Data: data}

	assert.Eventually(t, func() bool {
		return pe2.NumOutstandingRequests() == 0
	}, time.Second, 5*time.Millisecond, "pe2's duplicate request for the same block must be cancelled once pe1 delivers it first")
}
