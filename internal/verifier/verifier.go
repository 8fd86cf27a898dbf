// Package verifier checks existing on-disk pieces against their expected
// SHA-1 hashes on a worker goroutine, so the session loop is never blocked
// by hashing large files.
package verifier

import (
	"crypto/sha1"
	"bytes"

	"github.com/cenkalti/rain/internal/piece"
	"github.com/cenkalti/rain/internal/storage"
)

// Progress reports incremental verification progress.
type Progress struct {
	Checked uint32
}

// Verifier hashes every piece of sto against pieces' expected hashes.
type Verifier struct {
	ProgressC chan Progress
	ResultC   chan *Verifier

	Bitfield []bool // Bitfield[i] is true if piece i verified successfully
	Error    error

	closeC chan struct{}
}

// New starts verification of pieces read from sto in the background.
func New(pieces []piece.Piece, sto storage.Storage, resultC chan *Verifier) *Verifier {
	v := &Verifier{
		ProgressC: make(chan Progress),
		ResultC:   resultC,
		Bitfield:  make([]bool, len(pieces)),
		closeC:    make(chan struct{}),
	}
	go v.run(pieces, sto)
	return v
}

func (v *Verifier) run(pieces []piece.Piece, sto storage.Storage) {
	for i := range pieces {
		ok, err := verifyOne(&pieces[i], sto)
		if err != nil {
			v.Error = err
			break
		}
		v.Bitfield[i] = ok
		select {
		case v.ProgressC <- Progress{Checked: uint32(i + 1)}:
		case <-v.closeC:
			return
		}
	}
	select {
	case v.ResultC <- v:
	case <-v.closeC:
	}
}

// verifyOne reads piece p in full from sto and compares its SHA-1 against
// the expected hash.
func verifyOne(p *piece.Piece, sto storage.Storage) (bool, error) {
	return VerifyPiece(p, sto)
}

// VerifyPiece reads piece p in full from storage and compares its SHA-1
// against the expected hash. Used both by the startup scan and by on-demand
// re-verification when a piece completes download.
func VerifyPiece(p *piece.Piece, sto storage.Storage) (bool, error) {
	b, err := sto.Read(p.Index, 0, p.Length)
	if err != nil {
		return false, err
	}
	sum := sha1.Sum(b)
	return bytes.Equal(sum[:], p.Hash), nil
}

// Close stops the worker from delivering further results.
func (v *Verifier) Close() {
	select {
	case <-v.closeC:
	default:
		close(v.closeC)
	}
}
