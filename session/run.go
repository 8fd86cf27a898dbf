package session

import (
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/cenkalti/rain/internal/addrlist"
	"github.com/cenkalti/rain/internal/allocator"
	"github.com/cenkalti/rain/internal/announcer"
	"github.com/cenkalti/rain/internal/bitfield"
	"github.com/cenkalti/rain/internal/handshaker/outgoinghandshaker"
	"github.com/cenkalti/rain/internal/logger"
	"github.com/cenkalti/rain/internal/peer"
	"github.com/cenkalti/rain/internal/peerconn"
	"github.com/cenkalti/rain/internal/peerprotocol"
	"github.com/cenkalti/rain/internal/piece"
	"github.com/cenkalti/rain/internal/piecedownloader"
	"github.com/cenkalti/rain/internal/piecereader"
	"github.com/cenkalti/rain/internal/piecewriter"
	"github.com/cenkalti/rain/internal/tracker"
	"github.com/cenkalti/rain/internal/verifier"
)

// Torrent event loop. Every branch below runs on the single goroutine that
// owns all of torrent's mutable state; no other goroutine may touch it.
func (t *torrent) run() {
	for {
		select {
		case doneC := <-t.closeC:
			t.close()
			close(doneC)
			return
		case <-t.startCommandC:
			t.start()
		case <-t.stopCommandC:
			t.stop(nil)
		case <-t.announcersStoppedC:
			t.status = Stopped
			t.log.Info("torrent has stopped")
		case req := <-t.statsCommandC:
			req.Response <- t.stats()
		case req := <-t.trackersCommandC:
			req.Response <- t.getTrackers()
		case req := <-t.peersCommandC:
			req.Response <- t.getPeers()
		case p := <-t.allocatorProgressC:
			t.bytesAllocated = p.AllocatedSize
		case al := <-t.allocatorResultC:
			t.handleAllocationDone(al)
		case p := <-t.verifierProgressC:
			t.checkedPieces = p.Checked
		case ve := <-t.verifierResultC:
			t.handleVerificationDone(ve)
		case addrs := <-t.addrsFromTrackers:
			t.handleNewPeers(addrs, addrlist.Tracker)
		case addrs := <-t.addPeersCommandC:
			t.handleNewPeers(addrs, addrlist.Manual)
		case pc := <-t.incomingPeerC:
			t.handleIncomingPeer(pc)
		case pw := <-t.pieceWriterResultC:
			t.handlePieceWriteDone(pw)
		case rd := <-t.pieceReaderResultC:
			t.handlePieceReadDone(rd)
		case pd := <-t.pieceDownloaderResultC:
			t.handlePieceDownloaderDone(pd)
		case <-t.resumeWriteTimerC:
			t.writeBitfield(true)
		case <-t.statsWriteTickerC:
			t.writeStats()
		case <-t.speedCounterTickerC:
			t.downloadSpeed.Tick()
			t.uploadSpeed.Tick()
		case pe := <-t.peerSnubbedC:
			t.handleSnubbed(pe)
		case <-t.unchokeTimerC:
			t.tickUnchoke()
		case <-t.optimisticUnchokeTimerC:
			t.tickOptimisticUnchoke()
		case <-t.requestTimeoutTickerC:
			t.tickRequestTimeouts()
		case oh := <-t.outgoingHandshakerResultC:
			t.handleOutgoingHandshakeResult(oh)
		case pe := <-t.peerDisconnectedC:
			t.closePeer(pe)
		case pm := <-t.pieceMessages:
			t.handlePieceMessage(pm)
		case rm := <-t.requestMessages:
			t.handleRequestMessage(rm)
		case pm := <-t.messages:
			t.handlePeerMessage(pm)
		}
	}
}

func (t *torrent) close() {
	t.stop(errClosed)
}

var errClosed = fmt.Errorf("torrent is closed")

// ourExtensions is the reserved-bytes field sent in every handshake. Left
// zero: the fast extension and message-stream encryption are not
// implemented, so nothing is advertised for them.
var ourExtensions [8]byte

// start drives Stopped -> Starting: open storage (already open), verify
// existing content, then continue to Running once verification finishes.
func (t *torrent) start() {
	if t.status != Stopped {
		return
	}
	t.log.Info("starting torrent")
	t.status = Starting
	t.lastError = nil
	t.allocator = allocator.New(t.storage, t.config.AllocateFullFileSizes, t.allocatorResultC)
}

func (t *torrent) handleAllocationDone(al *allocator.Allocator) {
	if al != t.allocator {
		return
	}
	t.allocator = nil
	if al.Error != nil {
		t.stop(al.Error)
		return
	}
	t.verifier = verifier.New(t.pieces, t.storage, t.verifierResultC)
}

func (t *torrent) handleVerificationDone(ve *verifier.Verifier) {
	if ve != t.verifier {
		return
	}
	t.verifier = nil
	if ve.Error != nil {
		t.stop(ve.Error)
		return
	}
	for i, ok := range ve.Bitfield {
		if ok {
			t.bitfield.Set(uint32(i))
			t.piecePicker.MarkHave(uint32(i))
		}
	}
	t.status = Running

	t.pieceWriters = piecewriter.NewPool(t.storage, 2, int(t.config.MaxQueuedWrites), t.pieceWriterResultC)
	t.pieceReaders = piecereader.NewPool(t.storage, 2, int(t.config.MaxQueuedReads), t.pieceReaderResultC)

	t.unchokeTimer = time.NewTicker(t.config.ChokeInterval)
	t.unchokeTimerC = t.unchokeTimer.C
	t.optimisticUnchokeTimer = time.NewTicker(t.config.OptimisticUnchokeInterval)
	t.optimisticUnchokeTimerC = t.optimisticUnchokeTimer.C
	t.requestTimeoutTicker = time.NewTicker(time.Second)
	t.requestTimeoutTickerC = t.requestTimeoutTicker.C
	t.statsWriteTicker = time.NewTicker(t.config.StatsWriteInterval)
	t.statsWriteTickerC = t.statsWriteTicker.C
	t.speedCounterTicker = time.NewTicker(time.Second)
	t.speedCounterTickerC = t.speedCounterTicker.C

	if t.resume != nil {
		t.resume.WriteStarted(true)
	}

	t.startAnnouncers()
	t.dialAddresses()
	t.checkCompletion()
}

func (t *torrent) startAnnouncers() {
	if len(t.trackerTiers) == 0 {
		return
	}
	t.announcer = announcer.New(t.trackerTiers, t.announcerStatus, t.config.MaxConnectionsPerTorrent, t.log)
}

func (t *torrent) announcerStatus() tracker.Torrent {
	return tracker.Torrent{
		InfoHash:        t.infoHash,
		PeerID:          t.peerID,
		Port:            t.port,
		BytesUploaded:   t.resumerStats.BytesUploaded,
		BytesDownloaded: t.resumerStats.BytesDownloaded,
		BytesLeft:       t.bytesLeft(),
	}
}

func (t *torrent) bytesLeft() int64 {
	if t.info == nil {
		return 0
	}
	var have int64
	for i := range t.pieces {
		if t.bitfield.Test(uint32(i)) {
			have += int64(t.pieces[i].Length)
		}
	}
	return t.info.Length - have
}

// stop drives any running state to Stopping: announce Stopped to every
// tracker in the background, close peer connections and handshakes in
// progress, and write the bitfield to the resume record. Storage files are
// neither synced nor closed here.
func (t *torrent) stop(err error) {
	if t.status == Stopped || t.status == Stopping {
		return
	}
	t.log.Info("stopping torrent")
	t.lastError = err
	t.status = Stopping

	if t.allocator != nil {
		t.allocator.Close()
		t.allocator = nil
	}
	if t.verifier != nil {
		t.verifier.Close()
		t.verifier = nil
	}
	if t.pieceWriters != nil {
		t.pieceWriters.Close()
		t.pieceWriters = nil
	}
	if t.pieceReaders != nil {
		t.pieceReaders.Close()
		t.pieceReaders = nil
	}
	if t.unchokeTimer != nil {
		t.unchokeTimer.Stop()
		t.unchokeTimerC = nil
	}
	if t.optimisticUnchokeTimer != nil {
		t.optimisticUnchokeTimer.Stop()
		t.optimisticUnchokeTimerC = nil
	}
	if t.requestTimeoutTicker != nil {
		t.requestTimeoutTicker.Stop()
		t.requestTimeoutTickerC = nil
	}
	if t.statsWriteTicker != nil {
		t.statsWriteTicker.Stop()
		t.statsWriteTickerC = nil
	}
	if t.speedCounterTicker != nil {
		t.speedCounterTicker.Stop()
		t.speedCounterTickerC = nil
	}
	if t.resumeWriteTimer != nil {
		t.resumeWriteTimer.Stop()
		t.resumeWriteTimerC = nil
	}

	for h := range t.outgoingHandshakers {
		h.Close()
	}
	for _, pd := range t.pieceDownloaders {
		pd.CancelPending()
		if stopC, ok := t.pieceDownloaderStopC[pd]; ok {
			close(stopC)
			delete(t.pieceDownloaderStopC, pd)
		}
	}
	for pe := range t.peers {
		pe.Close()
	}

	if t.resume != nil {
		t.writeBitfield(false)
		t.resume.WriteStarted(false)
	}

	if t.announcer != nil {
		t.announcer.Close()
		t.announcer = nil
	}
	if len(t.trackerTiers) > 0 {
		sa := announcer.NewStopAnnouncer(t.trackerTiers, t.announcerStatus, 5*time.Second, t.log)
		go func() {
			<-sa.DoneC
			t.announcersStoppedC <- struct{}{}
		}()
	} else {
		// Nothing to wait on: no stop announce is going out, so there's no
		// async signal coming back on announcersStoppedC. Sending on it here
		// would block forever since this goroutine is the only reader.
		t.status = Stopped
	}
}

func (t *torrent) handleOutgoingHandshakeResult(oh *outgoinghandshaker.OutgoingHandshaker) {
	delete(t.outgoingHandshakers, oh)
	if oh.Error != nil {
		delete(t.connectedPeerIPs, oh.Addr.IP.String())
		t.dialAddresses()
		return
	}
	log := logger.New("peer -> " + oh.Conn.RemoteAddr().String())
	pc := peerconn.New(oh.Conn, oh.PeerID, oh.Extensions, log)
	t.startPeer(pc, t.outgoingPeers)
}

// handleIncomingPeer is reached for a connection Session has already
// finished handshaking on our behalf (see Session.handleIncomingConn); the
// IP wasn't reserved ahead of time the way an outgoing dial reserves it, so
// it's deduplicated here.
func (t *torrent) handleIncomingPeer(pc *peerconn.Conn) {
	ipstr := pc.IP()
	if _, ok := t.connectedPeerIPs[ipstr]; ok {
		pc.Close()
		return
	}
	if _, ok := t.bannedPeerIPs[ipstr]; ok {
		pc.Close()
		return
	}
	t.connectedPeerIPs[ipstr] = struct{}{}
	t.startPeer(pc, t.incomingPeers)
}

func (t *torrent) startPeer(pc *peerconn.Conn, peers map[*peer.Peer]struct{}) {
	if len(t.peers) >= int(t.config.MaxConnectionsPerTorrent) {
		pc.Close()
		delete(t.connectedPeerIPs, pc.IP())
		return
	}
	if _, ok := t.peerIDs[pc.ID()]; ok {
		pc.Close()
		delete(t.connectedPeerIPs, pc.IP())
		t.dialAddresses()
		return
	}
	t.peerIDs[pc.ID()] = struct{}{}

	pe := peer.New(pc, t.info.NumPieces, t.log)
	t.peers[pe] = struct{}{}
	peers[pe] = struct{}{}
	go pe.Run(t.messages, t.pieceMessages, t.requestMessages, t.peerDisconnectedC)

	t.sendFirstMessage(pe)
	t.updateInterestedState(pe)
	t.startPieceDownloaders()
}

// sendFirstMessage sends our bitfield right after the handshake, if we have
// any pieces worth advertising.
func (t *torrent) sendFirstMessage(pe *peer.Peer) {
	if t.bitfield == nil || t.bitfield.Count() == 0 {
		return
	}
	pe.SendMessage(peerprotocol.BitfieldMessage{Data: t.bitfield.Bytes()})
}

func (t *torrent) closePeer(pe *peer.Peer) {
	pe.Close()
	if pd, ok := t.pieceDownloaders[pe]; ok {
		t.closePieceDownloader(pd)
	}
	delete(t.peers, pe)
	delete(t.incomingPeers, pe)
	delete(t.outgoingPeers, pe)
	delete(t.peersSnubbed, pe)
	delete(t.peerIDs, pe.ID())
	delete(t.connectedPeerIPs, pe.Conn.IP())
	if t.piecePicker != nil {
		t.piecePicker.HandleDisconnect(pe)
	}
	t.dialAddresses()
}

func (t *torrent) closePieceDownloader(pd *piecedownloader.PieceDownloader) {
	delete(t.pieceDownloaders, pd.Peer)
	delete(t.pieceDownloadersSnubbed, pd.Peer)
	delete(t.pieceDownloadersChoked, pd.Peer)
	if stopC, ok := t.pieceDownloaderStopC[pd]; ok {
		close(stopC)
		delete(t.pieceDownloaderStopC, pd)
	}
	if t.piecePicker != nil {
		t.piecePicker.HandleCancelDownload(pd.Peer, pd.Piece.Index)
	}
}

func (t *torrent) handleNewPeers(addrs []*net.TCPAddr, source addrlist.PeerSource) {
	t.log.Debugf("received %d peers from %s", len(addrs), source)
	if t.status == Stopped || t.status == Stopping {
		return
	}
	if !t.completed {
		t.addrList.Push(addrs, source)
		t.dialAddresses()
	}
}

func (t *torrent) dialAddresses() {
	if t.completed || t.status != Running && t.status != Seeding {
		return
	}
	for len(t.outgoingPeers)+len(t.outgoingHandshakers) < int(t.config.MaxConnectionsPerTorrent) {
		addr := t.addrList.Pop()
		if addr == nil {
			if t.announcer != nil {
				t.announcer.NeedMorePeers(true)
			}
			break
		}
		ip := addr.IP.String()
		if _, ok := t.connectedPeerIPs[ip]; ok {
			continue
		}
		if _, ok := t.bannedPeerIPs[ip]; ok {
			continue
		}
		h := outgoinghandshaker.New(addr)
		t.outgoingHandshakers[h] = struct{}{}
		t.connectedPeerIPs[ip] = struct{}{}
		go h.Run(t.config.PeerConnectTimeout, t.config.PeerHandshakeTimeout, t.peerID, t.infoHash, t.outgoingHandshakerResultC, ourExtensions)
	}
}

func (t *torrent) writeBitfield(stopOnError bool) {
	if t.resumeWriteTimer != nil {
		t.resumeWriteTimer.Stop()
		t.resumeWriteTimer = nil
		t.resumeWriteTimerC = nil
	}
	if t.resume == nil {
		return
	}
	if err := t.resume.WriteBitfield(t.bitfield.Bytes()); err != nil {
		err = fmt.Errorf("cannot write bitfield to resume db: %s", err)
		t.log.Errorln(err)
		if stopOnError {
			t.stop(err)
		}
	}
}

func (t *torrent) deferWriteBitfield() {
	if t.resumeWriteTimer == nil {
		t.resumeWriteTimer = time.NewTimer(t.config.BitfieldWriteInterval)
		t.resumeWriteTimerC = t.resumeWriteTimer.C
	}
}

func (t *torrent) checkCompletion() bool {
	if t.completed {
		return true
	}
	if !t.bitfield.All() {
		return false
	}
	t.log.Info("download completed")
	t.completed = true
	t.status = Seeding
	close(t.completeC)
	for h := range t.outgoingHandshakers {
		h.Close()
	}
	t.outgoingHandshakers = make(map[*outgoinghandshaker.OutgoingHandshaker]struct{})
	for pe := range t.peers {
		if !pe.PeerInterested {
			t.closePeer(pe)
		}
	}
	t.addrList.Reset()
	for _, pd := range t.pieceDownloaders {
		pd.CancelPending()
		t.closePieceDownloader(pd)
	}
	t.piecePicker = nil
	if len(t.trackerTiers) > 0 {
		announcer.AnnounceCompleted(t.trackerTiers, t.announcerStatus, t.config.TrackerHTTPTimeout, t.log)
	}
	t.updateSeedDuration()
	return true
}

func (t *torrent) updateSeedDuration() {
	now := time.Now()
	if t.completed {
		t.resumerStats.SeededFor += now.Sub(t.seedDurationUpdatedAt)
	}
	t.seedDurationUpdatedAt = now
}

func (t *torrent) writeStats() {
	t.updateSeedDuration()
	if t.resume != nil {
		t.resume.WriteStats(t.resumerStats)
	}
}

func (t *torrent) handleSnubbed(pe *peer.Peer) {
	pe.Snubbed = true
	t.peersSnubbed[pe] = struct{}{}
	if pd, ok := t.pieceDownloaders[pe]; ok {
		t.pieceDownloadersSnubbed[pe] = pd
		if t.piecePicker != nil {
			t.piecePicker.HandleSnubbed(pe, pd.Piece.Index)
		}
	}
}

// handlePieceWriteDone runs once a fully-downloaded piece has been written
// to storage. The data came from peers, so it's hashed against the
// torrent's metainfo before being trusted: a mismatch fails the piece back
// to Missing instead of announcing it as held.
func (t *torrent) handlePieceWriteDone(pw *piecewriter.PieceWriter) {
	if pw.Error != nil {
		t.stop(pw.Error)
		return
	}
	ok, err := verifier.VerifyPiece(pw.Piece, t.storage)
	if err != nil {
		t.stop(err)
		return
	}
	if !ok {
		pw.Piece.State = piece.Failed
		t.log.Warningln("piece hash mismatch, index:", pw.Piece.Index)
		if t.piecePicker != nil {
			t.piecePicker.HandlePieceFailed(pw.Piece.Index)
		}
		if pe, ok := t.pieceSource[pw.Piece.Index]; ok {
			if pe.HandleBadPiece() {
				t.log.Warningln("banning peer for repeated bad pieces:", pe.String())
				t.bannedPeerIPs[pe.Addr().IP.String()] = struct{}{}
				t.closePeer(pe)
			}
		}
		delete(t.pieceSource, pw.Piece.Index)
		return
	}
	delete(t.pieceSource, pw.Piece.Index)
	pw.Piece.State = piece.Verified
	if t.bitfield.Test(pw.Piece.Index) {
		return
	}
	t.bitfield.Set(pw.Piece.Index)
	if t.piecePicker != nil {
		t.piecePicker.HandlePieceVerified(pw.Piece.Index)
	}
	for pe := range t.peers {
		t.updateInterestedState(pe)
		pe.SendMessage(peerprotocol.HaveMessage{Index: pw.Piece.Index})
	}
	completed := t.checkCompletion()
	if t.resume != nil {
		if completed {
			t.writeBitfield(true)
		} else {
			t.deferWriteBitfield()
		}
	}
}

func (t *torrent) handlePieceReadDone(rd *piecereader.Request) {
	pe, ok := rd.Peer.(*peer.Peer)
	if !ok {
		return
	}
	if rd.Error != nil {
		t.log.Errorln("cannot read block for upload:", rd.Error)
		pe.Close()
		return
	}
	if pe.AmChoking {
		return
	}
	pe.SendPiece(peerprotocol.PieceMessage{Index: rd.Index, Begin: rd.Begin}, rd.Data)
}

// handleRequestMessage serves an incoming block request after validating
// it: the piece must be Verified, the block must be no larger than
// piece.BlockSize, and it must lie entirely within the piece. Requests for
// unverified or out-of-range pieces are dropped rather than served.
func (t *torrent) handleRequestMessage(rm peer.Request) {
	pe := rm.Peer
	if pe.AmChoking {
		return
	}
	if rm.Cancel {
		return
	}
	if t.pieceReaders == nil {
		return
	}
	index, begin, length := rm.Request.Index, rm.Request.Begin, rm.Request.Length
	if index >= uint32(len(t.pieces)) {
		return
	}
	pi := &t.pieces[index]
	if pi.State != piece.Verified {
		return
	}
	if length == 0 || length > piece.BlockSize {
		return
	}
	if begin+length < begin || begin+length > pi.Length {
		return
	}
	t.pieceReaders.Read(&piecereader.Request{Peer: pe, Index: index, Begin: begin, Length: length})
}

func (t *torrent) handlePeerMessage(pm peer.Message) {
	pe := pm.Peer
	switch m := pm.Message.(type) {
	case peerconn.ChokeMessage:
		pe.PeerChoking = true
		t.choked(pe)
	case peerconn.UnchokeMessage:
		pe.PeerChoking = false
		t.unchoked(pe)
	case peerconn.InterestedMessage:
		pe.PeerInterested = true
	case peerconn.NotInterestedMessage:
		pe.PeerInterested = false
	case peerprotocol.HaveMessage:
		t.handleHave(pe, m.Index)
	case peerprotocol.BitfieldMessage:
		t.handleBitfield(pe, m.Data)
	case peerprotocol.PortMessage:
		// DHT is not implemented in this core; the message is accepted and
		// ignored so the connection isn't dropped for sending it.
	}
}

func (t *torrent) handleHave(pe *peer.Peer, index uint32) {
	if pe.Bitfield == nil {
		return
	}
	pe.Bitfield.Set(index)
	if t.piecePicker != nil {
		t.piecePicker.HandleHave(pe, index)
	}
	t.updateInterestedState(pe)
	t.startPieceDownloaders()
}

func (t *torrent) handleBitfield(pe *peer.Peer, b []byte) {
	bf, err := bitfield.NewBytes(b, t.info.NumPieces)
	if err != nil {
		t.log.Debugln("invalid bitfield from peer:", err)
		t.closePeer(pe)
		return
	}
	pe.Bitfield = bf
	if t.piecePicker != nil {
		t.piecePicker.HandleBitfield(pe, pe.Bitfield)
	}
	t.updateInterestedState(pe)
	t.startPieceDownloaders()
}

func (t *torrent) updateInterestedState(pe *peer.Peer) {
	if t.piecePicker == nil || pe.Bitfield == nil {
		return
	}
	interesting := false
	for i := uint32(0); i < uint32(len(t.pieces)); i++ {
		if !t.bitfield.Test(i) && pe.Bitfield.Test(i) {
			interesting = true
			break
		}
	}
	if interesting && !pe.AmInterested {
		pe.AmInterested = true
		pe.SendMessage(peerconn.InterestedMessage{})
	} else if !interesting && pe.AmInterested {
		pe.AmInterested = false
		pe.SendMessage(peerconn.NotInterestedMessage{})
	}
}

func (t *torrent) choked(pe *peer.Peer) {
	if pd, ok := t.pieceDownloaders[pe]; ok {
		t.pieceDownloadersChoked[pe] = pd
		select {
		case pd.ChokeC <- struct{}{}:
		default:
		}
	}
}

func (t *torrent) unchoked(pe *peer.Peer) {
	delete(t.pieceDownloadersChoked, pe)
	if pd, ok := t.pieceDownloaders[pe]; ok {
		select {
		case pd.UnchokeC <- struct{}{}:
		default:
		}
	}
	t.startPieceDownloaders()
}

// startPieceDownloaders opens a new PieceDownloader for every peer that is
// unchoked, interested-by-us and not already downloading, up to one piece
// in flight per peer. The picker decides which piece; the downloader then
// owns requesting and reassembling that piece's blocks on its own.
func (t *torrent) startPieceDownloaders() {
	if t.piecePicker == nil {
		return
	}
	for pe := range t.peers {
		if pe.PeerChoking || !pe.AmInterested || pe.Snubbed {
			continue
		}
		if _, ok := t.pieceDownloaders[pe]; ok {
			continue
		}
		pieceIndex, blockIndex, ok := t.piecePicker.RequestBlock(pe)
		if !ok {
			continue
		}
		pd := piecedownloader.New(&t.pieces[pieceIndex], pe, t.piecePicker, blockIndex)
		t.pieceDownloaders[pe] = pd
		stopC := make(chan struct{})
		t.pieceDownloaderStopC[pd] = stopC
		go func(pd *piecedownloader.PieceDownloader, stopC chan struct{}) {
			pd.Run(stopC)
			select {
			case t.pieceDownloaderResultC <- pd:
			case <-stopC:
			}
		}(pd, stopC)
	}
}

func (t *torrent) handlePieceMessage(pm peer.Piece) {
	pd, ok := t.pieceDownloaders[pm.Peer]
	if !ok {
		return
	}
	stopC := t.pieceDownloaderStopC[pd]
	select {
	case pd.PieceC <- pm:
	case <-stopC:
	}
}

// handlePieceDownloaderDone runs once a PieceDownloader's Run has returned,
// either because every block of its piece arrived or because it gave up.
func (t *torrent) handlePieceDownloaderDone(pd *piecedownloader.PieceDownloader) {
	select {
	case data := <-pd.DoneC:
		t.closePieceDownloader(pd)
		t.pieceSource[pd.Piece.Index] = pd.Peer
		t.enqueuePieceWrite(pd.Piece, data)
	case err := <-pd.ErrC:
		t.log.Debugln("piece download failed:", pd.Piece.Index, err)
		t.closePieceDownloader(pd)
		t.closePeer(pd.Peer)
	default:
		t.closePieceDownloader(pd)
	}
}

func (t *torrent) enqueuePieceWrite(pi *piece.Piece, data []byte) {
	if t.pieceWriters == nil {
		return
	}
	if pi.State == piece.Complete || pi.State == piece.Verified {
		// Endgame let two peers finish the same piece independently;
		// the first arrival already queued it for writing.
		return
	}
	pi.State = piece.Complete
	t.pieceWriters.Write(&piecewriter.PieceWriter{Piece: pi, Buffer: data})
}

func (t *torrent) tickRequestTimeouts() {
	for pe := range t.peers {
		timedOut, drop := pe.CheckTimeouts(t.config.RequestTimeout)
		if !timedOut {
			continue
		}
		if drop {
			t.closePeer(pe)
			continue
		}
		select {
		case t.peerSnubbedC <- pe:
		default:
		}
	}
}

func (t *torrent) stats() Stats {
	var total int64
	if t.info != nil {
		total = t.info.Length
	}
	return Stats{
		Status:          t.status,
		BytesTotal:      total,
		BytesCompleted:  total - t.bytesLeft(),
		BytesLeft:       t.bytesLeft(),
		BytesDownloaded: t.resumerStats.BytesDownloaded,
		BytesUploaded:   t.resumerStats.BytesUploaded,
		BytesWasted:     t.resumerStats.BytesWasted,
		DownloadSpeed:   int64(t.downloadSpeed.Rate()),
		UploadSpeed:     int64(t.uploadSpeed.Rate()),
		Peers:           len(t.peers),
		SeededFor:       t.resumerStats.SeededFor,
		PiecesTotal:     uint32(len(t.pieces)),
		PiecesCompleted: t.bitfield.Count(),
	}
}

func (t *torrent) getTrackers() []string {
	var urls []string
	for _, tier := range t.trackerTiers {
		for _, tr := range tier {
			urls = append(urls, tr.URL())
		}
	}
	return urls
}

func (t *torrent) getPeers() []string {
	addrs := make([]string, 0, len(t.peers))
	for pe := range t.peers {
		addrs = append(addrs, pe.String())
	}
	sort.Strings(addrs)
	return addrs
}
