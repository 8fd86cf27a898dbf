// Package piecewriter writes completed pieces to storage on a bounded pool
// of worker goroutines, so a burst of finished pieces applies back-pressure
// to the peer read loops instead of buffering unboundedly in memory. Pieces
// are written before their hash is checked; the session verifies each one
// once its write has finished.
package piecewriter

import (
	"github.com/cenkalti/rain/internal/piece"
	"github.com/cenkalti/rain/internal/storage"
)

// PieceWriter is a queued, completed piece waiting to be written to disk.
type PieceWriter struct {
	Piece  *piece.Piece
	Buffer []byte

	Error error
}

// Pool writes pieces to sto using a fixed number of worker goroutines,
// delivering finished writes on ResultC in arrival order per-worker (not
// globally ordered across workers).
type Pool struct {
	ResultC chan *PieceWriter

	requestC chan *PieceWriter
	closeC   chan struct{}
}

// NewPool starts a piecewriter pool of workers writers against sto,
// buffering up to queueSize pending writes before Write blocks.
func NewPool(sto storage.Storage, workers, queueSize int, resultC chan *PieceWriter) *Pool {
	p := &Pool{
		ResultC:  resultC,
		requestC: make(chan *PieceWriter, queueSize),
		closeC:   make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		go p.worker(sto)
	}
	return p
}

// Write enqueues pw for writing; it blocks once queueSize writes are already
// pending, which is the throttle the session loop relies on to bound memory
// use while disk I/O catches up.
func (p *Pool) Write(pw *PieceWriter) {
	select {
	case p.requestC <- pw:
	case <-p.closeC:
	}
}

func (p *Pool) worker(sto storage.Storage) {
	for {
		select {
		case pw := <-p.requestC:
			pw.Error = sto.Write(pw.Piece.Index, 0, pw.Buffer)
			select {
			case p.ResultC <- pw:
			case <-p.closeC:
				return
			}
		case <-p.closeC:
			return
		}
	}
}

// Close stops all workers; in-flight writes are abandoned without a result.
func (p *Pool) Close() {
	select {
	case <-p.closeC:
	default:
		close(p.closeC)
	}
}
