// Package session implements the top-level BitTorrent client: it owns the
// resume database, the single listening socket shared by every torrent,
// and the set of active torrents. An incoming connection cannot be routed
// to a torrent until its handshake reveals an info hash, so Session runs
// the one shared handshake pipeline and hands each successfully
// handshaken connection to the torrent that recognizes it.
package session

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	"github.com/cenkalti/rain/internal/acceptor"
	"github.com/cenkalti/rain/internal/handshaker/incominghandshaker"
	"github.com/cenkalti/rain/internal/logger"
	"github.com/cenkalti/rain/internal/metainfo"
	"github.com/cenkalti/rain/internal/peerconn"
	"github.com/cenkalti/rain/internal/resumer"
	"github.com/cenkalti/rain/internal/resumer/boltdbresumer"
	"github.com/cenkalti/rain/internal/storage/filestorage"
	"github.com/cenkalti/rain/internal/tracker"
	"github.com/cenkalti/rain/internal/trackermanager"
	uuid "github.com/satori/go.uuid"
)

var (
	sessionBucket  = []byte("session")
	torrentsBucket = []byte("torrents")
)

// peerIDPrefix identifies this client in the peer id sent on every
// handshake and tracker announce.
const peerIDPrefix = "-RN0100-"

// Session owns the resume database, the shared acceptor, and every active
// torrent.
type Session struct {
	config         Config
	db             *bolt.DB
	log            logger.Logger
	trackerManager *trackermanager.TrackerManager
	acceptor       *acceptor.Acceptor
	peerID         [20]byte
	closeC         chan struct{}

	m                  sync.RWMutex
	torrents           map[string]*Torrent
	torrentsByInfoHash map[[20]byte]*Torrent

	incomingHandshakers       map[*incominghandshaker.IncomingHandshaker]struct{}
	incomingHandshakerResultC chan *incominghandshaker.IncomingHandshaker
}

// New opens the resume database at cfg.Database, binds the shared acceptor
// to cfg.ListenPort, and loads every torrent persisted from a previous run,
// starting those recorded as started.
func New(cfg Config) (*Session, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Database), 0750); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return nil, err
	}

	db, err := bolt.Open(cfg.Database, 0640, &bolt.Options{Timeout: time.Second})
	if err == bolt.ErrTimeout {
		return nil, fmt.Errorf("session: resume database is locked by another process")
	} else if err != nil {
		return nil, err
	}

	var ids []string
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err2 := tx.CreateBucketIfNotExists(sessionBucket); err2 != nil {
			return err2
		}
		b, err2 := tx.CreateBucketIfNotExists(torrentsBucket)
		if err2 != nil {
			return err2
		}
		return b.ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	acc, err := acceptor.New(fmt.Sprintf(":%d", cfg.ListenPort), logger.New("acceptor"))
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Session{
		config:                    cfg,
		db:                        db,
		log:                       logger.New("session"),
		trackerManager:            trackermanager.New(cfg.TrackerHTTPTimeout),
		acceptor:                  acc,
		peerID:                    newPeerID(),
		closeC:                    make(chan struct{}),
		torrents:                  make(map[string]*Torrent),
		torrentsByInfoHash:        make(map[[20]byte]*Torrent),
		incomingHandshakers:       make(map[*incominghandshaker.IncomingHandshaker]struct{}),
		incomingHandshakerResultC: make(chan *incominghandshaker.IncomingHandshaker),
	}
	go s.run()

	if err := s.loadExistingTorrents(ids); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func newPeerID() [20]byte {
	var id [20]byte
	copy(id[:], peerIDPrefix)
	_, _ = rand.Read(id[len(peerIDPrefix):])
	return id
}

// run is the single goroutine that owns the shared acceptor and the set of
// handshakes in progress. Every accepted connection is handshaken here,
// since the info hash that identifies its torrent isn't known until then.
func (s *Session) run() {
	for {
		select {
		case conn, ok := <-s.acceptor.ConnC:
			if !ok {
				return
			}
			h := incominghandshaker.New(conn)
			s.incomingHandshakers[h] = struct{}{}
			go h.Run(s.peerID, s.checkInfoHash, s.incomingHandshakerResultC, s.config.PeerHandshakeTimeout, ourExtensions)
		case h := <-s.incomingHandshakerResultC:
			delete(s.incomingHandshakers, h)
			s.handleIncomingHandshake(h)
		case <-s.closeC:
			for h := range s.incomingHandshakers {
				h.Close()
			}
			return
		}
	}
}

func (s *Session) checkInfoHash(ih [20]byte) bool {
	s.m.RLock()
	defer s.m.RUnlock()
	_, ok := s.torrentsByInfoHash[ih]
	return ok
}

func (s *Session) handleIncomingHandshake(h *incominghandshaker.IncomingHandshaker) {
	if h.Error != nil {
		return
	}
	s.m.RLock()
	t, ok := s.torrentsByInfoHash[h.InfoHash]
	s.m.RUnlock()
	if !ok {
		h.Conn.Close()
		return
	}
	pc := peerconn.New(h.Conn, h.PeerID, h.Extensions, logger.New("peer <- "+h.Conn.RemoteAddr().String()))
	select {
	case t.torrent.incomingPeerC <- pc:
	case <-s.closeC:
		pc.Close()
	}
}

// parseTrackerTiers resolves each tier's URLs to shared tracker.Tracker
// instances, dropping URLs with unsupported schemes and tiers left empty
// by that.
func (s *Session) parseTrackerTiers(tiers [][]string) [][]tracker.Tracker {
	var out [][]tracker.Tracker
	for _, tier := range tiers {
		var trackers []tracker.Tracker
		for _, u := range tier {
			tr, err := s.trackerManager.Get(u)
			if err != nil {
				s.log.Warningln("cannot parse tracker url:", u, err)
				continue
			}
			trackers = append(trackers, tr)
		}
		if len(trackers) > 0 {
			out = append(out, trackers)
		}
	}
	return out
}

// loadExistingTorrents reconstructs every torrent whose id is still present
// in the resume database, and starts those whose record is marked started.
func (s *Session) loadExistingTorrents(ids []string) error {
	var loaded int
	var toStart []*Torrent
	for _, id := range ids {
		res, err := boltdbresumer.New(s.db, torrentsBucket, []byte(id))
		if err != nil {
			s.log.Errorln("cannot open resume record", id, err)
			continue
		}
		started, err := s.hasStarted(id)
		if err != nil {
			s.log.Errorln(err)
			continue
		}
		spec, err := res.Read()
		if err != nil {
			s.log.Errorln("cannot read resume record", id, err)
			continue
		}
		if len(spec.Info) == 0 {
			// A spec with no info dict was added as a magnet link and never
			// finished metadata exchange, which this build does not
			// implement; there is nothing to resume.
			s.log.Warningln("skipping torrent with unknown info dict:", id)
			continue
		}
		info, err := metainfo.NewInfo(spec.Info)
		if err != nil {
			s.log.Errorln("cannot parse info dict for", id, err)
			continue
		}
		sto, err := filestorage.New(spec.Dest, info)
		if err != nil {
			s.log.Errorln(err)
			continue
		}

		var infoHash [20]byte
		copy(infoHash[:], spec.InfoHash)
		// Resume specs persist trackers as a flat list, so a reload always
		// forms a single tier regardless of the original announce-list
		// grouping.
		trackerTiers := s.parseTrackerTiers([][]string{spec.Trackers})

		t := newTorrent(s.config, infoHash, spec.Name, s.peerID, spec.Port, trackerTiers, sto, res, info, spec.Stats, logger.New("torrent "+id))
		tr := &Torrent{session: s, id: id, torrent: t, addedAt: spec.AddedAt}
		s.register(tr)
		loaded++
		if started {
			toStart = append(toStart, tr)
		}
	}
	s.log.Infof("loaded %d existing torrents", loaded)
	for _, t := range toStart {
		t.Start()
	}
	return nil
}

func (s *Session) hasStarted(id string) (bool, error) {
	var started bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(torrentsBucket).Bucket([]byte(id))
		if b == nil {
			return nil
		}
		started = bytes.Equal(b.Get([]byte("started")), []byte("1"))
		return nil
	})
	return started, err
}

func (s *Session) register(t *Torrent) {
	s.m.Lock()
	defer s.m.Unlock()
	s.torrents[t.id] = t
	s.torrentsByInfoHash[t.torrent.infoHash] = t
}

// Close stops every torrent, closes the shared acceptor, and closes the
// resume database. It blocks until every torrent's event loop has exited.
func (s *Session) Close() error {
	close(s.closeC)
	s.acceptor.Close()

	s.m.Lock()
	var wg sync.WaitGroup
	wg.Add(len(s.torrents))
	for _, t := range s.torrents {
		go func(t *Torrent) {
			defer wg.Done()
			t.torrent.Close()
		}(t)
	}
	s.torrents = nil
	s.torrentsByInfoHash = nil
	s.m.Unlock()
	wg.Wait()

	return s.db.Close()
}

// ListTorrents returns every torrent known to the session, in no
// particular order.
func (s *Session) ListTorrents() []*Torrent {
	s.m.RLock()
	defer s.m.RUnlock()
	out := make([]*Torrent, 0, len(s.torrents))
	for _, t := range s.torrents {
		out = append(out, t)
	}
	return out
}

// AddTorrent parses a .torrent file from r, persists its resume record, and
// starts it.
func (s *Session) AddTorrent(r io.Reader) (*Torrent, error) {
	mi, err := metainfo.New(r)
	if err != nil {
		return nil, err
	}

	id := newTorrentID()
	res, err := boltdbresumer.New(s.db, torrentsBucket, []byte(id))
	if err != nil {
		return nil, err
	}

	dest := filepath.Join(s.config.DataDir, id)
	sto, err := filestorage.New(dest, mi.Info)
	if err != nil {
		return nil, err
	}

	addedAt := time.Now().UTC()
	spec := &resumer.Spec{
		InfoHash: mi.Info.Hash[:],
		Dest:     dest,
		Port:     int(s.config.ListenPort),
		Name:     mi.Info.Name,
		Trackers: mi.GetTrackers(),
		Info:     mi.Info.Bytes,
		AddedAt:  addedAt,
	}
	if err := res.Write(spec); err != nil {
		return nil, err
	}

	trackerTiers := s.parseTrackerTiers(mi.GetTrackerTiers())
	t := newTorrent(s.config, mi.Info.Hash, mi.Info.Name, s.peerID, int(s.config.ListenPort), trackerTiers, sto, res, mi.Info, resumer.Stats{}, logger.New("torrent "+id))
	tr := &Torrent{session: s, id: id, torrent: t, addedAt: addedAt}
	s.register(tr)
	tr.Start()
	return tr, nil
}

func newTorrentID() string {
	u := uuid.NewV1()
	return base64.RawURLEncoding.EncodeToString(u[:])
}

// AddURI adds a torrent from a URI. Only http/https URIs are supported: a
// magnet URI cannot be resolved to a torrent without the metadata-exchange
// extension, which this build does not implement.
func (s *Session) AddURI(uri string) (*Torrent, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http", "https":
		return s.addURL(uri)
	default:
		return nil, fmt.Errorf("session: unsupported uri scheme: %s", u.Scheme)
	}
}

func (s *Session) addURL(u string) (*Torrent, error) {
	resp, err := http.Get(u)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return s.AddTorrent(resp.Body)
}

// GetTorrent returns the torrent with the given id, or nil if there is
// none.
func (s *Session) GetTorrent(id string) *Torrent {
	s.m.RLock()
	defer s.m.RUnlock()
	return s.torrents[id]
}

// RemoveTorrent stops and permanently deletes the torrent with the given
// id, including its downloaded content and resume record.
func (s *Session) RemoveTorrent(id string) error {
	s.m.Lock()
	t, ok := s.torrents[id]
	if ok {
		delete(s.torrents, id)
		delete(s.torrentsByInfoHash, t.torrent.infoHash)
	}
	s.m.Unlock()
	if !ok {
		return nil
	}

	t.torrent.Close()
	dest := t.torrent.storage.Dest()
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(torrentsBucket).DeleteBucket([]byte(id))
	})
	if err != nil {
		return err
	}
	return os.RemoveAll(dest)
}

// Torrent is the public handle for one torrent added to a Session.
type Torrent struct {
	session *Session
	id      string
	torrent *torrent
	addedAt time.Time
}

// ID returns the session-assigned identifier used with GetTorrent and
// RemoveTorrent.
func (t *Torrent) ID() string { return t.id }

// Name returns the torrent's display name.
func (t *Torrent) Name() string { return t.torrent.Name() }

// InfoHash returns the 20-byte value identifying the files in this
// torrent.
func (t *Torrent) InfoHash() []byte { return t.torrent.InfoHash() }

// AddedAt returns when the torrent was added to the session.
func (t *Torrent) AddedAt() time.Time { return t.addedAt }

// Stats returns a snapshot of the torrent's current state.
func (t *Torrent) Stats() Stats { return t.torrent.Stats() }

// Trackers returns the announce URLs of every tracker, in tier order.
func (t *Torrent) Trackers() []string { return t.torrent.Trackers() }

// Peers returns the remote addresses of every connected peer.
func (t *Torrent) Peers() []string { return t.torrent.Peers() }

// Start requests the torrent transition out of Stopped, asynchronously.
func (t *Torrent) Start() { t.torrent.Start() }

// Stop requests the torrent transition to Stopping, asynchronously.
func (t *Torrent) Stop() { t.torrent.Stop() }

// AddPeers injects manually-supplied peer addresses into the dial queue.
func (t *Torrent) AddPeers(addrs []*net.TCPAddr) { t.torrent.AddPeers(addrs) }

// Close tears the torrent down permanently, blocking until it stops.
func (t *Torrent) Close() { t.torrent.Close() }
