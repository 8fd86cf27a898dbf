// Package piece models a torrent's pieces and their constituent blocks: the
// unit of integrity verification and the unit of wire request/response,
// respectively.
package piece

import "github.com/cenkalti/rain/internal/metainfo"

// BlockSize is the conventional maximum block length; peers MAY reject a
// request for a larger block.
const BlockSize = 16 * 1024

// State is the lifecycle of a single piece.
type State int

// Piece states.
const (
	Missing State = iota
	Partial
	Complete
	Verified
	Failed
)

// Block is a fixed-size (or, for the last block of a piece, shorter)
// sub-range of a piece.
type Block struct {
	Index  uint32 // index within the piece
	Begin  uint32 // byte offset within the piece
	Length uint32
}

// Piece is one fixed-size (or, for the last piece, residual) content range
// together with its expected hash and block layout.
type Piece struct {
	Index  uint32
	Length uint32
	Hash   []byte
	Blocks []Block
	State  State
}

// NewPieces builds the Piece slice for info, dividing each piece into
// BlockSize blocks (the last block of each piece possibly shorter).
func NewPieces(info *metainfo.Info) []Piece {
	pieces := make([]Piece, info.NumPieces)
	for i := range pieces {
		index := uint32(i)
		length := info.PieceLengthAt(index)
		pieces[i] = Piece{
			Index:  index,
			Length: length,
			Hash:   info.PieceHash(index),
			Blocks: newBlocks(length),
		}
	}
	return pieces
}

func newBlocks(pieceLength uint32) []Block {
	n := pieceLength / BlockSize
	mod := pieceLength % BlockSize
	if mod != 0 {
		n++
	}
	blocks := make([]Block, n)
	for i := range blocks {
		begin := uint32(i) * BlockSize
		length := uint32(BlockSize)
		if i == len(blocks)-1 && mod != 0 {
			length = mod
		}
		blocks[i] = Block{Index: uint32(i), Begin: begin, Length: length}
	}
	return blocks
}

// NumBlocks returns the number of blocks in the piece.
func (p *Piece) NumBlocks() int { return len(p.Blocks) }
