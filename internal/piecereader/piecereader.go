// Package piecereader reads blocks requested by peers from storage on a
// bounded pool of worker goroutines, so a burst of incoming requests applies
// back-pressure to the peer that's choosing to request a lot rather than
// blocking every other peer's read.
package piecereader

import "github.com/cenkalti/rain/internal/storage"

// Request is a single block read, keyed by the piece/peer it serves so the
// result can be routed back to the right connection.
type Request struct {
	Peer   interface{}
	Index  uint32
	Begin  uint32
	Length uint32

	Data  []byte
	Error error
}

// Pool reads blocks from sto using a fixed number of worker goroutines,
// delivering finished reads on ResultC.
type Pool struct {
	ResultC chan *Request

	requestC chan *Request
	closeC   chan struct{}
}

// NewPool starts a piecereader pool of workers reading from sto, buffering
// up to queueSize pending reads before Read blocks.
func NewPool(sto storage.Storage, workers, queueSize int, resultC chan *Request) *Pool {
	p := &Pool{
		ResultC:  resultC,
		requestC: make(chan *Request, queueSize),
		closeC:   make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		go p.worker(sto)
	}
	return p
}

// Read enqueues req for reading; it blocks once queueSize reads are already
// pending, gating how fast unchoked peers can be served.
func (p *Pool) Read(req *Request) {
	select {
	case p.requestC <- req:
	case <-p.closeC:
	}
}

func (p *Pool) worker(sto storage.Storage) {
	for {
		select {
		case req := <-p.requestC:
			req.Data, req.Error = sto.Read(req.Index, req.Begin, req.Length)
			select {
			case p.ResultC <- req:
			case <-p.closeC:
				return
			}
		case <-p.closeC:
			return
		}
	}
}

// Close stops all workers; in-flight reads are abandoned without a result.
func (p *Pool) Close() {
	select {
	case <-p.closeC:
	default:
		close(p.closeC)
	}
}
