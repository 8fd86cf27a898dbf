package tracker

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"net/url"
	"time"
)

const (
	protocolMagic       uint64 = 0x41727101980
	actionConnect       uint32 = 0
	actionAnnounce      uint32 = 1
	actionScrape        uint32 = 2
	actionError         uint32 = 3
	connectionIDTTL            = 60 * time.Second
	maxScrapeInfoHashes        = 74
)

type udpTracker struct {
	rawURL string
	addr   *net.UDPAddr
	timeout time.Duration

	connID     uint64
	connIDSet  time.Time
}

func newUDPTracker(rawURL string, timeout time.Duration) (*udpTracker, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, err
	}
	return &udpTracker{rawURL: rawURL, addr: addr, timeout: timeout}, nil
}

func (t *udpTracker) URL() string { return t.rawURL }

func randomTransactionID() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

func (t *udpTracker) dial() (*net.UDPConn, error) {
	conn, err := net.DialUDP("udp", nil, t.addr)
	if err != nil {
		return nil, err
	}
	if err := conn.SetDeadline(time.Now().Add(t.timeout)); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// connect performs the connect handshake if the cached connection ID has
// expired, per the ~60s validity window.
func (t *udpTracker) connect(conn *net.UDPConn) error {
	if t.connID != 0 && time.Since(t.connIDSet) < connectionIDTTL {
		return nil
	}
	txID := randomTransactionID()
	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req[0:8], protocolMagic)
	binary.BigEndian.PutUint32(req[8:12], actionConnect)
	binary.BigEndian.PutUint32(req[12:16], txID)
	if _, err := conn.Write(req); err != nil {
		return err
	}

	resp := make([]byte, 16)
	n, err := conn.Read(resp)
	if err != nil {
		return err
	}
	if n < 16 {
		return fmt.Errorf("tracker: short connect response")
	}
	if action := binary.BigEndian.Uint32(resp[0:4]); action == actionError {
		return &Error{Reason: string(resp[8:n])}
	} else if action != actionConnect {
		return fmt.Errorf("tracker: unexpected connect action %d", action)
	}
	if binary.BigEndian.Uint32(resp[4:8]) != txID {
		return fmt.Errorf("tracker: connect transaction id mismatch")
	}
	t.connID = binary.BigEndian.Uint64(resp[8:16])
	t.connIDSet = time.Now()
	return nil
}

func eventNum(e Event) uint32 {
	switch e {
	case Started:
		return 2
	case Completed:
		return 1
	case Stopped:
		return 3
	default:
		return 0
	}
}

func (t *udpTracker) Announce(req AnnounceRequest) (*AnnounceResponse, error) {
	conn, err := t.dial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := t.connect(conn); err != nil {
		return nil, err
	}

	txID := randomTransactionID()
	out := make([]byte, 98)
	binary.BigEndian.PutUint64(out[0:8], t.connID)
	binary.BigEndian.PutUint32(out[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(out[12:16], txID)
	copy(out[16:36], req.Torrent.InfoHash[:])
	copy(out[36:56], req.Torrent.PeerID[:])
	binary.BigEndian.PutUint64(out[56:64], uint64(req.Torrent.BytesDownloaded))
	binary.BigEndian.PutUint64(out[64:72], uint64(req.Torrent.BytesLeft))
	binary.BigEndian.PutUint64(out[72:80], uint64(req.Torrent.BytesUploaded))
	binary.BigEndian.PutUint32(out[80:84], eventNum(req.Event))
	binary.BigEndian.PutUint32(out[84:88], 0) // default IP
	binary.BigEndian.PutUint32(out[88:92], 0) // key
	numWant := int32(-1)
	if req.NumWant > 0 {
		numWant = int32(req.NumWant)
	}
	binary.BigEndian.PutUint32(out[92:96], uint32(numWant))
	binary.BigEndian.PutUint16(out[96:98], uint16(req.Torrent.Port))

	if _, err := conn.Write(out); err != nil {
		return nil, err
	}

	buf := make([]byte, 20+6*200)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	if n < 20 {
		return nil, fmt.Errorf("tracker: short announce response")
	}
	if action := binary.BigEndian.Uint32(buf[0:4]); action == actionError {
		return nil, &Error{Reason: string(buf[8:n])}
	} else if action != actionAnnounce {
		return nil, fmt.Errorf("tracker: unexpected announce action %d", action)
	}
	if binary.BigEndian.Uint32(buf[4:8]) != txID {
		return nil, fmt.Errorf("tracker: announce transaction id mismatch")
	}

	resp := &AnnounceResponse{
		Interval: time.Duration(binary.BigEndian.Uint32(buf[8:12])) * time.Second,
		Leechers: int32(binary.BigEndian.Uint32(buf[12:16])),
		Seeders:  int32(binary.BigEndian.Uint32(buf[16:20])),
	}
	peerData := buf[20:n]
	ipLen := 4
	if t.addr.IP.To4() == nil {
		ipLen = 16
	}
	peers, err := parseCompactPeers(peerData, ipLen)
	if err != nil {
		return nil, err
	}
	resp.Peers = peers
	return resp, nil
}

// Scrape requests aggregate stats for up to maxScrapeInfoHashes info hashes
// in one round trip; the response carries 12 bytes per hash in request
// order (seeders, completed, leechers as uint32 each).
func (t *udpTracker) Scrape(infoHashes [][20]byte) ([]*ScrapeResponse, error) {
	if len(infoHashes) == 0 {
		return nil, nil
	}
	if len(infoHashes) > maxScrapeInfoHashes {
		return nil, fmt.Errorf("tracker: scrape batch of %d exceeds max %d", len(infoHashes), maxScrapeInfoHashes)
	}

	conn, err := t.dial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := t.connect(conn); err != nil {
		return nil, err
	}

	txID := randomTransactionID()
	out := make([]byte, 16+20*len(infoHashes))
	binary.BigEndian.PutUint64(out[0:8], t.connID)
	binary.BigEndian.PutUint32(out[8:12], actionScrape)
	binary.BigEndian.PutUint32(out[12:16], txID)
	for i, ih := range infoHashes {
		copy(out[16+20*i:16+20*(i+1)], ih[:])
	}

	if _, err := conn.Write(out); err != nil {
		return nil, err
	}

	buf := make([]byte, 8+12*len(infoHashes))
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	if n < 8 {
		return nil, fmt.Errorf("tracker: short scrape response")
	}
	if action := binary.BigEndian.Uint32(buf[0:4]); action == actionError {
		return nil, &Error{Reason: string(buf[8:n])}
	} else if action != actionScrape {
		return nil, fmt.Errorf("tracker: unexpected scrape action %d", action)
	}
	if binary.BigEndian.Uint32(buf[4:8]) != txID {
		return nil, fmt.Errorf("tracker: scrape transaction id mismatch")
	}

	body := buf[8:n]
	if len(body) != 12*len(infoHashes) {
		return nil, fmt.Errorf("tracker: scrape response has %d bytes, want %d", len(body), 12*len(infoHashes))
	}

	out2 := make([]*ScrapeResponse, len(infoHashes))
	for i := range infoHashes {
		off := i * 12
		out2[i] = &ScrapeResponse{
			Complete:   int32(binary.BigEndian.Uint32(body[off : off+4])),
			Downloaded: int32(binary.BigEndian.Uint32(body[off+4 : off+8])),
			Incomplete: int32(binary.BigEndian.Uint32(body[off+8 : off+12])),
		}
	}
	return out2, nil
}
