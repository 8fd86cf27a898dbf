// Package piecedownloader drives the block request/reassembly state machine
// for a single (piece, peer) pair: request blocks up to a bounded in-flight
// limit, reassemble arriving blocks in order, and give every outstanding
// block back on choke or error so the picker can reinsert it.
package piecedownloader

import (
	"bytes"
	"errors"

	"github.com/cenkalti/rain/internal/peer"
	"github.com/cenkalti/rain/internal/piece"
	"github.com/cenkalti/rain/internal/piecepicker"
)

// MaxQueuedBlocks bounds how many block requests may be in flight to a
// single peer for a single piece at once.
const MaxQueuedBlocks = 10

// ErrInvalidReject is returned when a peer rejects a block that was never
// requested from it.
var ErrInvalidReject = errors.New("piecedownloader: received reject for block not requested")

type block struct {
	*piece.Block
	requested bool
	data      []byte
}

// PieceDownloader downloads Piece from Peer, requesting one block at a time
// through picker so concurrent downloaders working the same piece (and
// endgame duplication across peers) stay visible to the picker's
// bookkeeping instead of each downloader claiming every block locally.
type PieceDownloader struct {
	Piece  *piece.Piece
	Peer   *peer.Peer
	Picker *piecepicker.PiecePicker

	blocks       []block
	limiter      chan struct{}
	pendingFirst *uint32

	PieceC   chan peer.Piece
	RejectC  chan peer.Request
	ChokeC   chan struct{}
	UnchokeC chan struct{}
	DoneC    chan []byte
	ErrC     chan error
}

// New returns a downloader for pi from pe, continuing block selection
// through picker. firstBlock is the block picker already reserved for pe
// when it chose this piece (via PiecePicker.RequestBlock) and must still be
// sent over the wire, not requested from the picker a second time.
func New(pi *piece.Piece, pe *peer.Peer, picker *piecepicker.PiecePicker, firstBlock uint32) *PieceDownloader {
	blocks := make([]block, len(pi.Blocks))
	for i := range blocks {
		blocks[i] = block{Block: &pi.Blocks[i]}
	}
	fb := firstBlock
	return &PieceDownloader{
		Piece:        pi,
		Peer:         pe,
		Picker:       picker,
		blocks:       blocks,
		limiter:      make(chan struct{}, MaxQueuedBlocks),
		pendingFirst: &fb,
		PieceC:       make(chan peer.Piece),
		RejectC:      make(chan peer.Request),
		ChokeC:       make(chan struct{}),
		UnchokeC:     make(chan struct{}),
		DoneC:        make(chan []byte, 1),
		ErrC:         make(chan error, 1),
	}
}

// Run requests blocks and processes arrivals until the piece completes, the
// peer errors out, or stopC closes.
func (d *PieceDownloader) Run(stopC chan struct{}) {
	for {
		select {
		case d.limiter <- struct{}{}:
			b := d.nextBlock()
			if b == nil {
				d.limiter = nil
				break
			}
			d.Peer.SendRequest(d.Piece.Index, b.Begin, b.Length)
		case p := <-d.PieceC:
			blockIndex := p.Block.Begin / piece.BlockSize
			b := &d.blocks[blockIndex]
			if b.requested && b.data == nil && d.limiter != nil {
				<-d.limiter
			}
			b.requested = false
			alreadyHave := d.Picker.BlockDownloaded(d.Piece.Index, blockIndex)
			if !alreadyHave {
				b.data = p.Data
			}
			d.Peer.AckPiece(p.Block.Index, p.Block.Begin)
			complete := d.Picker.HandleDownloaded(d.Piece.Index, blockIndex)
			if !alreadyHave {
				// First arrival of this block: anyone else racing it under
				// endgame is now wasting bandwidth, so cancel them.
				for _, other := range d.Picker.RequestedPeers(d.Piece.Index, blockIndex) {
					if op, ok := other.(*peer.Peer); ok && op != d.Peer {
						op.SendCancel(d.Piece.Index, b.Begin, b.Length)
					}
				}
			}
			if complete {
				if d.allDone() {
					d.DoneC <- d.assembleBlocks().Bytes()
				}
				// Else some other peer supplied the blocks we never got to
				// (endgame): the piece is already handed off on that
				// downloader's DoneC, nothing left for this one to do.
				return
			}
		case req := <-d.RejectC:
			idx := req.Request.Begin / piece.BlockSize
			if int(idx) >= len(d.blocks) || !d.blocks[idx].requested {
				d.Peer.Close()
				d.ErrC <- ErrInvalidReject
				return
			}
			d.blocks[idx].requested = false
			d.Picker.ReleaseBlock(d.Peer, d.Piece.Index, idx)
			d.Peer.AckReject(req.Request.Index, req.Request.Begin)
		case <-d.ChokeC:
			for i := range d.blocks {
				if d.blocks[i].data == nil && d.blocks[i].requested {
					d.blocks[i].requested = false
				}
			}
			d.Peer.CancelAllRequests()
			d.Picker.HandleCancelDownload(d.Peer, d.Piece.Index)
			d.limiter = nil
		case <-d.UnchokeC:
			d.limiter = make(chan struct{}, MaxQueuedBlocks)
		case <-stopC:
			return
		}
	}
}

// CancelPending sends a Cancel to the peer for every block still requested
// but undelivered. It does not change the picker's reservations.
func (d *PieceDownloader) CancelPending() {
	for i := range d.blocks {
		if d.blocks[i].data == nil && d.blocks[i].requested {
			d.Peer.SendCancel(d.Piece.Index, d.blocks[i].Begin, d.blocks[i].Length)
		}
	}
}

// nextBlock returns the next block to request from the peer: the one
// picker already reserved when it assigned this piece (sent exactly once),
// then whatever picker.RequestBlockInPiece keeps handing out as other
// peers' requests and endgame duplication evolve.
func (d *PieceDownloader) nextBlock() *block {
	if d.pendingFirst != nil {
		idx := *d.pendingFirst
		d.pendingFirst = nil
		d.blocks[idx].requested = true
		return &d.blocks[idx]
	}
	blockIndex, ok := d.Picker.RequestBlockInPiece(d.Peer, d.Piece.Index)
	if !ok {
		return nil
	}
	d.blocks[blockIndex].requested = true
	return &d.blocks[blockIndex]
}

func (d *PieceDownloader) allDone() bool {
	for i := range d.blocks {
		if d.blocks[i].data == nil {
			return false
		}
	}
	return true
}

func (d *PieceDownloader) assembleBlocks() *bytes.Buffer {
	buf := bytes.NewBuffer(make([]byte, 0, d.Piece.Length))
	for i := range d.blocks {
		buf.Write(d.blocks[i].data)
	}
	return buf
}
