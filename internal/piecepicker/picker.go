// Package piecepicker implements the block-request decision procedure:
// endgame duplication, piece-selection mode dispatch (random / rarest-first
// / high-availability-then-rarest) and ascending-offset block selection
// within the chosen piece.
package piecepicker

import (
	"math/rand"
	"sort"

	"github.com/cenkalti/rain/internal/bitfield"
	"github.com/cenkalti/rain/internal/piece"
)

// Mode selects the piece-selection policy. Expressed as a closed enum with
// a dispatch switch (see selectPiece) rather than runtime-replaceable
// strategy objects, per the "dynamic dispatch" design note.
type Mode int

// Piece-selection modes.
const (
	Random Mode = iota
	RarestFirst
	HighAvailabilityFirstThenRarest
)

// DefaultHighAvailabilityThreshold is the availability count at or above which a
// piece is considered "highly available" under HighAvailabilityFirstThenRarest.
const DefaultHighAvailabilityThreshold = 4

// Peer is the minimal peer identity the picker needs: comparable (so it can
// key maps) and able to report whether it announced a given piece.
type Peer interface {
	HasPiece(index uint32) bool
}

type blockState struct {
	downloaded  bool
	requestedBy map[Peer]struct{}
}

type pieceState struct {
	blocks      []blockState
	peersHaving map[Peer]struct{}
	done        bool // all blocks downloaded (piece has left the picker's pool)
}

// PiecePicker tracks block-level download progress and peer availability
// for every piece of a torrent, and decides the next block to request.
type PiecePicker struct {
	pieces []piece.Piece
	states []pieceState

	mode                   Mode
	highAvailabilityThresh int
	endgameBlocksRemaining int
	endgameFactor          int

	haveCompletePiece bool
}

// New returns a PiecePicker for pieces, configured with the given mode and
// endgame parameters.
func New(pieces []piece.Piece, mode Mode, endgameBlocksRemaining, endgameFactor int) *PiecePicker {
	pp := &PiecePicker{
		pieces:                 pieces,
		states:                 make([]pieceState, len(pieces)),
		mode:                   mode,
		highAvailabilityThresh: DefaultHighAvailabilityThreshold,
		endgameBlocksRemaining: endgameBlocksRemaining,
		endgameFactor:          endgameFactor,
	}
	for i := range pp.states {
		blocks := make([]blockState, len(pieces[i].Blocks))
		for j := range blocks {
			blocks[j].requestedBy = make(map[Peer]struct{})
		}
		pp.states[i] = pieceState{blocks: blocks, peersHaving: make(map[Peer]struct{})}
	}
	return pp
}

// MarkHave records that piece index is already verified on disk at startup
// and removes it from the picker's pool.
func (pp *PiecePicker) MarkHave(index uint32) {
	pp.states[index].done = true
	pp.haveCompletePiece = true
}

// HandleBitfield records every piece peer announced as available.
func (pp *PiecePicker) HandleBitfield(peer Peer, bf *bitfield.Bitfield) {
	for i := range pp.states {
		if bf.Test(uint32(i)) {
			pp.states[i].peersHaving[peer] = struct{}{}
		}
	}
}

// HandleHave records that peer now has piece index.
func (pp *PiecePicker) HandleHave(peer Peer, index uint32) {
	pp.states[index].peersHaving[peer] = struct{}{}
}

// DoesHave reports whether peer is already known to have piece index.
func (pp *PiecePicker) DoesHave(peer Peer, index uint32) bool {
	_, ok := pp.states[index].peersHaving[peer]
	return ok
}

// Availability returns the number of connected peers known to have piece
// index.
func (pp *PiecePicker) Availability(index uint32) int {
	return len(pp.states[index].peersHaving)
}

// HandleDisconnect removes peer from all availability and requested-block
// tracking, reinserting any blocks it had outstanding back into the pool.
func (pp *PiecePicker) HandleDisconnect(peer Peer) {
	for i := range pp.states {
		delete(pp.states[i].peersHaving, peer)
		for j := range pp.states[i].blocks {
			delete(pp.states[i].blocks[j].requestedBy, peer)
		}
	}
}

// ReleaseBlock releases peer's outstanding request for a single block,
// leaving its other requests for the piece untouched (used when a reject
// frees one block rather than the whole piece).
func (pp *PiecePicker) ReleaseBlock(peer Peer, index, blockIndex uint32) {
	delete(pp.states[index].blocks[blockIndex].requestedBy, peer)
}

// HandleCancelDownload releases every block of piece index that peer had
// requested, returning them to the pool without penalising the piece.
func (pp *PiecePicker) HandleCancelDownload(peer Peer, index uint32) {
	for j := range pp.states[index].blocks {
		delete(pp.states[index].blocks[j].requestedBy, peer)
	}
}

// HandleSnubbed is a hint that peer is slow; the picker itself is
// mode-agnostic to snubbing (the caller excludes snubbed peers from
// RequestBlock candidates), but outstanding requests from peer are kept so
// endgame duplication can still race them.
func (pp *PiecePicker) HandleSnubbed(peer Peer, index uint32) {}

// HandleDownloaded marks a block as downloaded, returning true if the
// containing piece is now complete (all blocks downloaded). Any other
// peer's outstanding request for this exact block should be cancelled by
// the caller (endgame duplicate) once this returns true or false.
func (pp *PiecePicker) HandleDownloaded(index uint32, blockIndex uint32) (pieceComplete bool) {
	ps := &pp.states[index]
	ps.blocks[blockIndex].downloaded = true
	for _, b := range ps.blocks {
		if !b.downloaded {
			return false
		}
	}
	ps.done = true
	return true
}

// BlockDownloaded reports whether block blockIndex of piece index has
// already been downloaded, by any peer, without mutating any state. Used to
// detect an endgame block that arrived from a different peer first.
func (pp *PiecePicker) BlockDownloaded(index, blockIndex uint32) bool {
	return pp.states[index].blocks[blockIndex].downloaded
}

// RequestBlockInPiece picks peer's next block within piece index, rather
// than letting RequestBlock choose the piece itself: endgame duplication
// first (scoped to this piece), then the lowest free block offset. Used by
// a downloader that has already committed to piece index via RequestBlock
// and wants its later block requests to keep going through the picker, so
// other peers' concurrent requests for the same piece and any endgame
// duplication stay visible to RequestedPeers/HandleDownloaded.
func (pp *PiecePicker) RequestBlockInPiece(peer Peer, index uint32) (blockIndex uint32, ok bool) {
	ps := &pp.states[index]
	if ps.done {
		return 0, false
	}
	remaining, allInFlight := pp.missingBlocks()
	if remaining > 0 && remaining <= pp.endgameBlocksRemaining && allInFlight {
		for j, b := range ps.blocks {
			if b.downloaded {
				continue
			}
			if _, already := b.requestedBy[peer]; already {
				continue
			}
			if len(b.requestedBy) >= pp.endgameFactor {
				continue
			}
			ps.blocks[j].requestedBy[peer] = struct{}{}
			return uint32(j), true
		}
		return 0, false
	}
	for j, b := range ps.blocks {
		if !b.downloaded && len(b.requestedBy) == 0 {
			ps.blocks[j].requestedBy[peer] = struct{}{}
			return uint32(j), true
		}
	}
	return 0, false
}

// HandlePieceFailed clears all downloaded/requested state for piece index
// so it re-enters the pool after a hash-verification failure.
func (pp *PiecePicker) HandlePieceFailed(index uint32) {
	ps := &pp.states[index]
	ps.done = false
	for j := range ps.blocks {
		ps.blocks[j].downloaded = false
		ps.blocks[j].requestedBy = make(map[Peer]struct{})
	}
}

// HandlePieceVerified marks piece index permanently out of the pool and
// records that we now own at least one complete piece (used by
// HighAvailabilityFirstThenRarest to decide when to fall back to
// rarest-first).
func (pp *PiecePicker) HandlePieceVerified(index uint32) {
	pp.states[index].done = true
	pp.haveCompletePiece = true
}

// RequestedPeers returns the set of peers currently holding a request for
// (index, blockIndex).
func (pp *PiecePicker) RequestedPeers(index, blockIndex uint32) []Peer {
	m := pp.states[index].blocks[blockIndex].requestedBy
	out := make([]Peer, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	return out
}

// candidate is a block eligible for a new request.
type candidate struct {
	pieceIndex uint32
	blockIndex uint32
}

// RequestBlock picks the next block to request from peer, per spec:
// endgame check first, then mode-based piece selection, then ascending
// block offset within the chosen piece (ties on lowest piece index). It
// returns ok=false if there is nothing left to request from this peer.
func (pp *PiecePicker) RequestBlock(peer Peer) (pieceIndex, blockIndex uint32, ok bool) {
	if c, ok := pp.endgameCandidate(peer); ok {
		return c.pieceIndex, c.blockIndex, true
	}
	c, ok := pp.selectPiece(peer)
	if !ok {
		return 0, 0, false
	}
	pp.states[c.pieceIndex].blocks[c.blockIndex].requestedBy[peer] = struct{}{}
	return c.pieceIndex, c.blockIndex, true
}

// missingBlocks returns the number of not-yet-downloaded blocks across all
// pieces not yet Done, and whether every one of them is already requested
// by at least one peer.
func (pp *PiecePicker) missingBlocks() (remaining int, allInFlight bool) {
	allInFlight = true
	for i := range pp.states {
		if pp.states[i].done {
			continue
		}
		for _, b := range pp.states[i].blocks {
			if b.downloaded {
				continue
			}
			remaining++
			if len(b.requestedBy) == 0 {
				allInFlight = false
			}
		}
	}
	return
}

func (pp *PiecePicker) endgameCandidate(peer Peer) (candidate, bool) {
	remaining, allInFlight := pp.missingBlocks()
	if remaining == 0 || remaining > pp.endgameBlocksRemaining || !allInFlight {
		return candidate{}, false
	}
	for i := range pp.states {
		if pp.states[i].done || !pp.states[i].peersHaving[peer] {
			continue
		}
		for j, b := range pp.states[i].blocks {
			if b.downloaded {
				continue
			}
			if _, already := b.requestedBy[peer]; already {
				continue
			}
			if len(b.requestedBy) >= pp.endgameFactor {
				continue
			}
			pp.states[i].blocks[j].requestedBy[peer] = struct{}{}
			return candidate{pieceIndex: uint32(i), blockIndex: uint32(j)}, true
		}
	}
	return candidate{}, false
}

// pieceCand is a piece eligible for selection, paired with its current
// availability (used by the rarest-first and high-availability modes).
type pieceCand struct {
	index        uint32
	availability int
}

func (pp *PiecePicker) selectPiece(peer Peer) (candidate, bool) {
	var cands []pieceCand
	for i := range pp.states {
		if pp.states[i].done || !pp.states[i].peersHaving[peer] {
			continue
		}
		if !pp.pieceHasFreeBlock(uint32(i)) {
			continue
		}
		cands = append(cands, pieceCand{index: uint32(i), availability: len(pp.states[i].peersHaving)})
	}
	if len(cands) == 0 {
		return candidate{}, false
	}

	var chosen uint32
	switch pp.mode {
	case Random:
		chosen = cands[rand.Intn(len(cands))].index
	case RarestFirst:
		chosen = rarest(cands)
	case HighAvailabilityFirstThenRarest:
		if !pp.haveCompletePiece {
			highAvail := filterHighAvailability(cands, pp.highAvailabilityThresh)
			if len(highAvail) > 0 {
				cands = highAvail
			}
		}
		chosen = rarest(cands)
	}

	blockIdx, ok := pp.firstFreeBlock(chosen)
	if !ok {
		return candidate{}, false
	}
	return candidate{pieceIndex: chosen, blockIndex: blockIdx}, true
}

func rarest(cands []pieceCand) uint32 {
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].availability != cands[j].availability {
			return cands[i].availability < cands[j].availability
		}
		return cands[i].index < cands[j].index
	})
	return cands[0].index
}

func filterHighAvailability(cands []pieceCand, threshold int) []pieceCand {
	var out []pieceCand
	for _, c := range cands {
		if c.availability >= threshold {
			out = append(out, c)
		}
	}
	return out
}

func (pp *PiecePicker) pieceHasFreeBlock(index uint32) bool {
	_, ok := pp.firstFreeBlock(index)
	return ok
}

// firstFreeBlock returns the lowest-offset block of piece index that is
// neither downloaded nor already requested (outside endgame, which is
// handled separately in endgameCandidate).
func (pp *PiecePicker) firstFreeBlock(index uint32) (uint32, bool) {
	for j, b := range pp.states[index].blocks {
		if !b.downloaded && len(b.requestedBy) == 0 {
			return uint32(j), true
		}
	}
	return 0, false
}
