package session

import (
	"net"
	"time"

	"github.com/cenkalti/rain/internal/addrlist"
	"github.com/cenkalti/rain/internal/allocator"
	"github.com/cenkalti/rain/internal/announcer"
	"github.com/cenkalti/rain/internal/bitfield"
	"github.com/cenkalti/rain/internal/handshaker/outgoinghandshaker"
	"github.com/cenkalti/rain/internal/logger"
	"github.com/cenkalti/rain/internal/metainfo"
	"github.com/cenkalti/rain/internal/peer"
	"github.com/cenkalti/rain/internal/peerconn"
	"github.com/cenkalti/rain/internal/piece"
	"github.com/cenkalti/rain/internal/piecedownloader"
	"github.com/cenkalti/rain/internal/piecepicker"
	"github.com/cenkalti/rain/internal/piecereader"
	"github.com/cenkalti/rain/internal/piecewriter"
	"github.com/cenkalti/rain/internal/resumer"
	"github.com/cenkalti/rain/internal/storage"
	"github.com/cenkalti/rain/internal/tracker"
	"github.com/cenkalti/rain/internal/verifier"
	metrics "github.com/rcrowley/go-metrics"
)

// status is the lifecycle state of a torrent, per the transitions:
// Stopped -> Starting -> Running -> Seeding, with Stopping entered from
// any of the running states on Stop/Close.
type status int

// Lifecycle states.
const (
	Stopped status = iota
	Starting
	Running
	Seeding
	Stopping
)

func (s status) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Seeding:
		return "seeding"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Stats is a snapshot of a torrent's progress and transfer counters.
type Stats struct {
	Status            status
	BytesTotal        int64
	BytesCompleted    int64
	BytesLeft         int64
	BytesDownloaded   int64
	BytesUploaded     int64
	BytesWasted       int64
	DownloadSpeed     int64
	UploadSpeed       int64
	Peers             int
	SeededFor         time.Duration
	PiecesTotal       uint32
	PiecesCompleted   uint32
}

// torrent connects to peers and downloads files of a single torrent. Every
// field here is owned exclusively by the run() goroutine; all access from
// other goroutines goes through the command channels below.
type torrent struct {
	config Config

	infoHash [20]byte
	name     string
	peerID   [20]byte
	port     int

	trackerTiers [][]tracker.Tracker
	announcer    *announcer.PeriodicalAnnouncer

	storage storage.Storage
	resume  resumer.Resumer

	info     *metainfo.Info
	bitfield *bitfield.Bitfield
	pieces   []piece.Piece

	piecePicker *piecepicker.PiecePicker

	peers         map[*peer.Peer]struct{}
	incomingPeers map[*peer.Peer]struct{}
	outgoingPeers map[*peer.Peer]struct{}
	peersSnubbed  map[*peer.Peer]struct{}
	peerIDs       map[[20]byte]struct{}

	pieceDownloaders        map[*peer.Peer]*piecedownloader.PieceDownloader
	pieceDownloadersSnubbed map[*peer.Peer]*piecedownloader.PieceDownloader
	pieceDownloadersChoked  map[*peer.Peer]*piecedownloader.PieceDownloader
	pieceDownloaderStopC    map[*piecedownloader.PieceDownloader]chan struct{}
	pieceDownloaderResultC  chan *piecedownloader.PieceDownloader

	// pieceSource records, for a piece queued for writing, the peer whose
	// downloader actually assembled it, so a hash-verification failure can
	// be attributed back to the peer that supplied the bad data.
	pieceSource map[uint32]*peer.Peer

	// bannedPeerIPs holds peers whose contributed pieces have repeatedly
	// failed verification; banned for the rest of this torrent's run.
	bannedPeerIPs map[string]struct{}

	optimisticUnchokedPeers []*peer.Peer

	connectedPeerIPs map[string]struct{}

	addrList      *addrlist.AddrList
	incomingPeerC chan *peerconn.Conn

	outgoingHandshakers       map[*outgoinghandshaker.OutgoingHandshaker]struct{}
	outgoingHandshakerResultC chan *outgoinghandshaker.OutgoingHandshaker

	peerDisconnectedC chan *peer.Peer
	pieceMessages     chan peer.Piece
	requestMessages   chan peer.Request
	messages          chan peer.Message
	peerSnubbedC      chan *peer.Peer
	addrsFromTrackers chan []*net.TCPAddr

	allocator          *allocator.Allocator
	allocatorProgressC chan allocator.Progress
	allocatorResultC   chan *allocator.Allocator
	bytesAllocated     int64

	verifier          *verifier.Verifier
	verifierProgressC chan verifier.Progress
	verifierResultC   chan *verifier.Verifier
	checkedPieces     uint32

	pieceWriters       *piecewriter.Pool
	pieceWriterResultC chan *piecewriter.PieceWriter
	pieceReaders       *piecereader.Pool
	pieceReaderResultC chan *piecereader.Request

	completeC chan struct{}
	completed bool

	status status

	lastError error

	closeC chan chan struct{}

	statsCommandC    chan statsRequest
	trackersCommandC chan trackersRequest
	peersCommandC    chan peersRequest
	startCommandC    chan struct{}
	stopCommandC     chan struct{}
	addPeersCommandC chan []*net.TCPAddr

	announcersStoppedC chan struct{}

	unchokeTimer  *time.Ticker
	unchokeTimerC <-chan time.Time

	optimisticUnchokeTimer  *time.Ticker
	optimisticUnchokeTimerC <-chan time.Time

	requestTimeoutTicker  *time.Ticker
	requestTimeoutTickerC <-chan time.Time

	resumeWriteTimer  *time.Timer
	resumeWriteTimerC <-chan time.Time

	statsWriteTicker  *time.Ticker
	statsWriteTickerC <-chan time.Time

	speedCounterTicker  *time.Ticker
	speedCounterTickerC <-chan time.Time

	resumerStats          resumer.Stats
	seedDurationUpdatedAt time.Time

	downloadSpeed metrics.EWMA
	uploadSpeed   metrics.EWMA

	log logger.Logger
}

type statsRequest struct {
	Response chan Stats
}

type trackersRequest struct {
	Response chan []string
}

type peersRequest struct {
	Response chan []string
}

// newTorrent builds a torrent in the Stopped state; call Start to begin
// verifying and connecting.
func newTorrent(
	cfg Config,
	infoHash [20]byte,
	name string,
	peerID [20]byte,
	port int,
	trackerTiers [][]tracker.Tracker,
	sto storage.Storage,
	res resumer.Resumer,
	info *metainfo.Info,
	stats resumer.Stats,
	l logger.Logger,
) *torrent {
	pieces := piece.NewPieces(info)
	t := &torrent{
		config:                    cfg,
		infoHash:                  infoHash,
		name:                      name,
		peerID:                    peerID,
		port:                      port,
		trackerTiers:              trackerTiers,
		storage:                   sto,
		resume:                    res,
		info:                      info,
		pieces:                    pieces,
		bitfield:                  bitfield.New(info.NumPieces),
		piecePicker:               piecepicker.New(pieces, cfg.PieceSelectionMode, int(cfg.EndgameBlocksRemaining), int(cfg.EndgameFactor)),
		peers:                     make(map[*peer.Peer]struct{}),
		incomingPeers:             make(map[*peer.Peer]struct{}),
		outgoingPeers:             make(map[*peer.Peer]struct{}),
		peersSnubbed:              make(map[*peer.Peer]struct{}),
		peerIDs:                   make(map[[20]byte]struct{}),
		pieceDownloaders:          make(map[*peer.Peer]*piecedownloader.PieceDownloader),
		pieceDownloadersSnubbed:   make(map[*peer.Peer]*piecedownloader.PieceDownloader),
		pieceDownloadersChoked:    make(map[*peer.Peer]*piecedownloader.PieceDownloader),
		pieceDownloaderStopC:      make(map[*piecedownloader.PieceDownloader]chan struct{}),
		pieceDownloaderResultC:    make(chan *piecedownloader.PieceDownloader),
		pieceSource:               make(map[uint32]*peer.Peer),
		bannedPeerIPs:             make(map[string]struct{}),
		connectedPeerIPs:          make(map[string]struct{}),
		addrList:                  addrlist.New(1000),
		incomingPeerC:             make(chan *peerconn.Conn),
		outgoingHandshakers:       make(map[*outgoinghandshaker.OutgoingHandshaker]struct{}),
		outgoingHandshakerResultC: make(chan *outgoinghandshaker.OutgoingHandshaker),
		peerDisconnectedC:         make(chan *peer.Peer),
		pieceMessages:             make(chan peer.Piece),
		requestMessages:           make(chan peer.Request),
		messages:                  make(chan peer.Message),
		peerSnubbedC:              make(chan *peer.Peer),
		addrsFromTrackers:         make(chan []*net.TCPAddr),
		allocatorProgressC:        make(chan allocator.Progress),
		allocatorResultC:          make(chan *allocator.Allocator),
		verifierProgressC:         make(chan verifier.Progress),
		verifierResultC:           make(chan *verifier.Verifier),
		pieceWriterResultC:        make(chan *piecewriter.PieceWriter),
		pieceReaderResultC:        make(chan *piecereader.Request),
		completeC:                 make(chan struct{}),
		closeC:                    make(chan chan struct{}),
		statsCommandC:             make(chan statsRequest),
		trackersCommandC:          make(chan trackersRequest),
		peersCommandC:             make(chan peersRequest),
		startCommandC:             make(chan struct{}),
		stopCommandC:              make(chan struct{}),
		addPeersCommandC:          make(chan []*net.TCPAddr),
		announcersStoppedC:        make(chan struct{}),
		resumerStats:              stats,
		seedDurationUpdatedAt:     time.Now(),
		downloadSpeed:             metrics.NewEWMA1(),
		uploadSpeed:               metrics.NewEWMA1(),
		log:                       l,
	}
	go t.run()
	return t
}

// Name returns the torrent's display name.
func (t *torrent) Name() string { return t.name }

// InfoHash returns the 20-byte value identifying the files in this torrent.
func (t *torrent) InfoHash() []byte {
	b := make([]byte, 20)
	copy(b, t.infoHash[:])
	return b
}

// Start requests the torrent transition out of Stopped, asynchronously.
func (t *torrent) Start() {
	t.startCommandC <- struct{}{}
}

// Stop requests the torrent transition to Stopping, asynchronously.
func (t *torrent) Stop() {
	t.stopCommandC <- struct{}{}
}

// Close tears the torrent down permanently, blocking until run() exits.
func (t *torrent) Close() {
	doneC := make(chan struct{})
	t.closeC <- doneC
	<-doneC
}

// AddPeers injects manually-supplied peer addresses into the dial queue.
func (t *torrent) AddPeers(addrs []*net.TCPAddr) {
	t.addPeersCommandC <- addrs
}

// Stats returns a snapshot of the torrent's current state.
func (t *torrent) Stats() Stats {
	req := statsRequest{Response: make(chan Stats, 1)}
	t.statsCommandC <- req
	return <-req.Response
}

// Trackers returns the announce URLs of every tracker, in tier order.
func (t *torrent) Trackers() []string {
	req := trackersRequest{Response: make(chan []string, 1)}
	t.trackersCommandC <- req
	return <-req.Response
}

// Peers returns the remote addresses of every connected peer.
func (t *torrent) Peers() []string {
	req := peersRequest{Response: make(chan []string, 1)}
	t.peersCommandC <- req
	return <-req.Response
}
