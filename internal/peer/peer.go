// Package peer is the session-facing handle for a connected peer: choke and
// interest state, the outbound request pipeline with its timeout/strike
// rule, transfer counters and the peer's announced piece availability.
package peer

import (
	"net"
	"time"

	"github.com/cenkalti/rain/internal/bitfield"
	"github.com/cenkalti/rain/internal/logger"
	"github.com/cenkalti/rain/internal/peerconn"
	"github.com/cenkalti/rain/internal/peerprotocol"
)

// MaxStrikes is the number of request timeouts tolerated before the peer is
// dropped outright.
const MaxStrikes = 3

// MaxBadPieces is the number of hash-verification failures attributed to a
// peer's blocks tolerated before the peer is banned for the rest of the
// torrent's run.
const MaxBadPieces = 3

// Message pairs a decoded wire message with the peer it arrived from, the
// shape torrent.run's select loop dispatches on.
type Message struct {
	Peer    *Peer
	Message interface{}
}

// Piece is a completed block delivered by the peer, unwrapped from the
// lower-level peerconn.PieceData so downloaders don't import peerconn.
type Piece struct {
	Peer  *Peer
	Block peerprotocol.PieceMessage
	Data  []byte
}

// Request is a Request or Cancel message received from the peer. Cancel is
// true when this arrived as a Cancel rather than a Request.
type Request struct {
	Peer    *Peer
	Request peerprotocol.RequestMessage
	Cancel  bool
}

type outgoingRequest struct {
	req     peerprotocol.RequestMessage
	sentAt  time.Time
}

// Peer is a connected, handshaked remote, wrapping a peerconn.Conn with the
// choke/interest state machine and request bookkeeping.
type Peer struct {
	Conn *peerconn.Conn

	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool

	OptimisticUnchoked bool
	Snubbed            bool
	Downloading        bool

	BytesDownloadedInChokePeriod int64
	BytesUploadedInChokePeriod   int64

	Bitfield *bitfield.Bitfield // pieces the peer has announced

	requests map[blockKey]*outgoingRequest
	strikes  int

	// BadPieces counts pieces that failed hash verification after this peer
	// contributed a block to them.
	BadPieces int

	log logger.Logger
}

type blockKey struct {
	index, begin uint32
}

// New wraps a handshaked connection as a session peer. numPieces sizes the
// availability bitfield; it may be zero if metadata isn't known yet, in
// which case SetNumPieces must be called once it is.
func New(conn *peerconn.Conn, numPieces uint32, l logger.Logger) *Peer {
	p := &Peer{
		Conn:         conn,
		AmChoking:    true,
		PeerChoking:  true,
		requests:     make(map[blockKey]*outgoingRequest),
		log:          l,
	}
	if numPieces > 0 {
		p.Bitfield = bitfield.New(numPieces)
	}
	return p
}

// SetNumPieces allocates the availability bitfield once the piece count
// becomes known (after metadata download completes for a magnet torrent).
func (p *Peer) SetNumPieces(n uint32) {
	if p.Bitfield == nil {
		p.Bitfield = bitfield.New(n)
	}
}

// ID returns the remote peer ID.
func (p *Peer) ID() [20]byte { return p.Conn.ID() }

// Addr returns the remote TCP address.
func (p *Peer) Addr() *net.TCPAddr { return p.Conn.Addr() }

// String identifies the peer for logging.
func (p *Peer) String() string { return p.Conn.Addr().String() }

// Logger returns the per-peer logger.
func (p *Peer) Logger() logger.Logger { return p.log }

// HasPiece reports whether the peer has announced piece index, satisfying
// piecepicker.Peer.
func (p *Peer) HasPiece(index uint32) bool {
	return p.Bitfield != nil && p.Bitfield.Test(index)
}

// Close tears down the underlying connection.
func (p *Peer) Close() { p.Conn.Close() }

// SendMessage enqueues a non-request outbound message.
func (p *Peer) SendMessage(msg interface{}) { p.Conn.SendMessage(msg) }

// SendPiece enqueues a Piece reply to a received request.
func (p *Peer) SendPiece(m peerprotocol.PieceMessage, data []byte) {
	p.Conn.SendPiece(m, data)
	p.BytesUploadedInChokePeriod += int64(len(data))
}

// SendRequest enqueues a block request and starts its timeout clock.
func (p *Peer) SendRequest(index, begin, length uint32) {
	m := peerprotocol.RequestMessage{Index: index, Begin: begin, Length: length}
	p.requests[blockKey{index, begin}] = &outgoingRequest{req: m, sentAt: time.Now()}
	p.Conn.SendRequest(peerprotocol.Request, m)
}

// SendCancel enqueues a cancel for a previously sent request and removes it
// from the outstanding set.
func (p *Peer) SendCancel(index, begin, length uint32) {
	delete(p.requests, blockKey{index, begin})
	p.Conn.SendRequest(peerprotocol.Cancel, peerprotocol.RequestMessage{Index: index, Begin: begin, Length: length})
}

// AckPiece clears the outstanding request for a block that was delivered
// and resets the peer's strike count: a successful delivery forgives past
// timeouts.
func (p *Peer) AckPiece(index, begin uint32) {
	delete(p.requests, blockKey{index, begin})
	p.strikes = 0
}

// AckReject clears the outstanding request for a block the peer rejected
// (Choke-without-Cancel / Reject extension semantics collapse to the same
// bookkeeping here).
func (p *Peer) AckReject(index, begin uint32) {
	delete(p.requests, blockKey{index, begin})
}

// NumOutstandingRequests returns the number of unacknowledged requests.
func (p *Peer) NumOutstandingRequests() int { return len(p.requests) }

// CancelAllRequests clears every outstanding request, as happens on choke,
// returning the blocks that were in flight so the caller can reinsert them
// into the piece picker.
func (p *Peer) CancelAllRequests() []peerprotocol.RequestMessage {
	out := make([]peerprotocol.RequestMessage, 0, len(p.requests))
	for k, r := range p.requests {
		out = append(out, r.req)
		delete(p.requests, k)
	}
	return out
}

// CheckTimeouts scans outstanding requests older than timeout and reports
// whether the peer should be dropped: each call that finds at least one
// timed-out request increments the strike counter, and MaxStrikes trips the
// drop.
func (p *Peer) CheckTimeouts(timeout time.Duration) (timedOut bool, drop bool) {
	now := time.Now()
	for _, r := range p.requests {
		if now.Sub(r.sentAt) > timeout {
			timedOut = true
			break
		}
	}
	if !timedOut {
		return false, false
	}
	p.strikes++
	return true, p.strikes >= MaxStrikes
}

// HandleBadPiece records that a piece this peer contributed a block to
// failed hash verification, and reports whether MaxBadPieces has now been
// exceeded and the peer should be banned.
func (p *Peer) HandleBadPiece() (ban bool) {
	p.BadPieces++
	return p.BadPieces > MaxBadPieces
}

// Run reads decoded wire messages off the connection and redispatches them
// onto the torrent event loop's channels, translating Conn's low-level
// message types into peer.Message/peer.Piece/peer.Request and notifying
// disconnectedC when the connection ends for any reason.
func (p *Peer) Run(messages chan Message, pieceMessages chan Piece, requestMessages chan Request, disconnectedC chan *Peer) {
	for msg := range p.Conn.Messages() {
		switch m := msg.(type) {
		case peerconn.PieceData:
			p.BytesDownloadedInChokePeriod += int64(len(m.Data))
			pieceMessages <- Piece{Peer: p, Block: m.PieceMessage, Data: m.Data}
		case peerprotocol.RequestMessage:
			requestMessages <- Request{Peer: p, Request: m}
		case peerconn.CancelMsg:
			requestMessages <- Request{Peer: p, Request: peerprotocol.RequestMessage(m), Cancel: true}
		default:
			messages <- Message{Peer: p, Message: msg}
		}
	}
	disconnectedC <- p
}
