package tracker

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeUDPTracker emulates the connect/announce exchange of scenario 4: a
// connect yielding connection_id 0x00AABBCCDDEEFF00, then an announce
// response carrying interval=1800, leechers=2, seeders=5, and two IPv4 peer
// entries (127.0.0.1:6881, 10.0.0.1:51413).
func fakeUDPTracker(t *testing.T) *net.UDPAddr {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	go func() {
		defer conn.Close()
		buf := make([]byte, 1500)

		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil || n < 16 {
			return
		}
		txID := binary.BigEndian.Uint32(buf[12:16])
		connResp := make([]byte, 16)
		binary.BigEndian.PutUint32(connResp[0:4], actionConnect)
		binary.BigEndian.PutUint32(connResp[4:8], txID)
		binary.BigEndian.PutUint64(connResp[8:16], 0x00AABBCCDDEEFF00)
		conn.WriteToUDP(connResp, raddr)

		n, raddr, err = conn.ReadFromUDP(buf)
		if err != nil || n < 98 {
			return
		}
		connID := binary.BigEndian.Uint64(buf[0:8])
		if connID != 0x00AABBCCDDEEFF00 {
			return
		}
		announceTxID := binary.BigEndian.Uint32(buf[12:16])

		resp := make([]byte, 20+12)
		binary.BigEndian.PutUint32(resp[0:4], actionAnnounce)
		binary.BigEndian.PutUint32(resp[4:8], announceTxID)
		binary.BigEndian.PutUint32(resp[8:12], 1800)
		binary.BigEndian.PutUint32(resp[12:16], 2)
		binary.BigEndian.PutUint32(resp[16:20], 5)
		copy(resp[20:24], net.IPv4(127, 0, 0, 1).To4())
		binary.BigEndian.PutUint16(resp[24:26], 6881)
		copy(resp[26:30], net.IPv4(10, 0, 0, 1).To4())
		binary.BigEndian.PutUint16(resp[30:32], 51413)
		conn.WriteToUDP(resp, raddr)
	}()

	return conn.LocalAddr().(*net.UDPAddr)
}

// fakeUDPScrapeTracker emulates a connect/scrape exchange for two info
// hashes, returning distinct (seeders, completed, leechers) triples for
// each so response ordering can be asserted against request order.
func fakeUDPScrapeTracker(t *testing.T) *net.UDPAddr {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	go func() {
		defer conn.Close()
		buf := make([]byte, 1500)

		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil || n < 16 {
			return
		}
		txID := binary.BigEndian.Uint32(buf[12:16])
		connResp := make([]byte, 16)
		binary.BigEndian.PutUint32(connResp[0:4], actionConnect)
		binary.BigEndian.PutUint32(connResp[4:8], txID)
		binary.BigEndian.PutUint64(connResp[8:16], 0xFEEDFACE)
		conn.WriteToUDP(connResp, raddr)

		n, raddr, err = conn.ReadFromUDP(buf)
		if err != nil || n < 16+40 {
			return
		}
		scrapeTxID := binary.BigEndian.Uint32(buf[12:16])

		resp := make([]byte, 8+24)
		binary.BigEndian.PutUint32(resp[0:4], actionScrape)
		binary.BigEndian.PutUint32(resp[4:8], scrapeTxID)
		binary.BigEndian.PutUint32(resp[8:12], 5)   // hash 1: seeders
		binary.BigEndian.PutUint32(resp[12:16], 10) // hash 1: completed
		binary.BigEndian.PutUint32(resp[16:20], 2)  // hash 1: leechers
		binary.BigEndian.PutUint32(resp[20:24], 7)  // hash 2: seeders
		binary.BigEndian.PutUint32(resp[24:28], 20) // hash 2: completed
		binary.BigEndian.PutUint32(resp[28:32], 1)  // hash 2: leechers
		conn.WriteToUDP(resp, raddr)
	}()

	return conn.LocalAddr().(*net.UDPAddr)
}

func TestUDPTrackerScrapeReturnsInRequestOrder(t *testing.T) {
	addr := fakeUDPScrapeTracker(t)
	tr := &udpTracker{rawURL: "udp://" + addr.String(), addr: addr, timeout: 2 * time.Second}

	var h1, h2 [20]byte
	h1[0] = 1
	h2[0] = 2
	resps, err := tr.Scrape([][20]byte{h1, h2})
	require.NoError(t, err)
	require.Len(t, resps, 2)
	assert.EqualValues(t, 5, resps[0].Complete)
	assert.EqualValues(t, 10, resps[0].Downloaded)
	assert.EqualValues(t, 2, resps[0].Incomplete)
	assert.EqualValues(t, 7, resps[1].Complete)
	assert.EqualValues(t, 20, resps[1].Downloaded)
	assert.EqualValues(t, 1, resps[1].Incomplete)
}

func TestUDPTrackerScrapeRejectsOversizedBatch(t *testing.T) {
	tr := &udpTracker{rawURL: "udp://127.0.0.1:1", addr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}, timeout: time.Second}
	hashes := make([][20]byte, maxScrapeInfoHashes+1)
	_, err := tr.Scrape(hashes)
	assert.Error(t, err)
}

func TestUDPTrackerConnectAndAnnounce(t *testing.T) {
	addr := fakeUDPTracker(t)
	tr := &udpTracker{rawURL: "udp://" + addr.String(), addr: addr, timeout: 2 * time.Second}

	resp, err := tr.Announce(AnnounceRequest{Torrent: Torrent{Port: 1}})
	require.NoError(t, err)

	assert.Equal(t, 1800*time.Second, resp.Interval)
	assert.EqualValues(t, 2, resp.Leechers)
	assert.EqualValues(t, 5, resp.Seeders)
	require.Len(t, resp.Peers, 2)
	assert.Equal(t, "127.0.0.1:6881", resp.Peers[0].String())
	assert.Equal(t, "10.0.0.1:51413", resp.Peers[1].String())
}
