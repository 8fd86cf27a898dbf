package tracker

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/rain/internal/bencode"
	bencodego "github.com/jackpal/bencode-go"
)

// scalarAnnounceResponse decodes the tracker response's uniformly-typed
// fields via struct tags, the way the corpus's bencode-go idiom does it.
// The "peers" field is polymorphic (compact string or dict list) and is
// decoded separately through internal/bencode's Dict, which bencode-go's
// reflection-based Unmarshal cannot express in a single struct field.
type scalarAnnounceResponse struct {
	FailureReason  string `bencode:"failure reason"`
	WarningMessage string `bencode:"warning message"`
	Interval       int64  `bencode:"interval"`
	MinInterval    int64  `bencode:"min interval"`
	Complete       int64  `bencode:"complete"`
	Incomplete     int64  `bencode:"incomplete"`
}

type httpTracker struct {
	rawURL string
	client *http.Client
}

func newHTTPTracker(rawURL string, timeout time.Duration) *httpTracker {
	return &httpTracker{
		rawURL: rawURL,
		client: &http.Client{Timeout: timeout},
	}
}

func urlScheme(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("tracker: invalid url: %w", err)
	}
	return u.Scheme, nil
}

func (t *httpTracker) URL() string { return t.rawURL }

func (t *httpTracker) Announce(req AnnounceRequest) (*AnnounceResponse, error) {
	v := url.Values{}
	v.Set("info_hash", string(req.Torrent.InfoHash[:]))
	v.Set("peer_id", string(req.Torrent.PeerID[:]))
	v.Set("port", strconv.Itoa(req.Torrent.Port))
	v.Set("uploaded", strconv.FormatInt(req.Torrent.BytesUploaded, 10))
	v.Set("downloaded", strconv.FormatInt(req.Torrent.BytesDownloaded, 10))
	v.Set("left", strconv.FormatInt(req.Torrent.BytesLeft, 10))
	v.Set("compact", "1")
	if req.Event != None {
		v.Set("event", req.Event.String())
	}
	if req.NumWant > 0 {
		v.Set("numwant", strconv.Itoa(req.NumWant))
	}

	fullURL := t.rawURL
	if strings.Contains(fullURL, "?") {
		fullURL += "&" + v.Encode()
	} else {
		fullURL += "?" + v.Encode()
	}

	resp, err := t.client.Get(fullURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker: http status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tracker: cannot read response: %w", err)
	}

	var scalar scalarAnnounceResponse
	if err := bencodego.Unmarshal(bytes.NewReader(body), &scalar); err != nil {
		return nil, fmt.Errorf("tracker: invalid response: %w", err)
	}
	if scalar.FailureReason != "" {
		return nil, &Error{Reason: scalar.FailureReason}
	}

	out := &AnnounceResponse{
		Warning:     scalar.WarningMessage,
		Interval:    time.Duration(scalar.Interval) * time.Second,
		MinInterval: time.Duration(scalar.MinInterval) * time.Second,
		Seeders:     int32(scalar.Complete),
		Leechers:    int32(scalar.Incomplete),
	}

	dict, err := bencode.DecodeDict(body)
	if err != nil {
		return nil, fmt.Errorf("tracker: invalid response: %w", err)
	}
	peers, err := parseHTTPPeers(dict)
	if err != nil {
		return nil, err
	}
	out.Peers = peers

	return out, nil
}

func parseHTTPPeers(dict *bencode.Dict) ([]*net.TCPAddr, error) {
	var out []*net.TCPAddr
	if v, ok := dict.Get("peers"); ok {
		switch p := v.(type) {
		case string:
			addrs, err := parseCompactPeers([]byte(p), 4)
			if err != nil {
				return nil, err
			}
			out = append(out, addrs...)
		case []interface{}:
			addrs, err := parseDictPeers(p)
			if err != nil {
				return nil, err
			}
			out = append(out, addrs...)
		}
	}
	if v, ok := dict.Get("peers6"); ok {
		if p, ok := v.(string); ok {
			addrs, err := parseCompactPeers([]byte(p), 16)
			if err != nil {
				return nil, err
			}
			out = append(out, addrs...)
		}
	}
	return out, nil
}

// parseCompactPeers decodes a compact peer string of (ipLen+2)-byte
// entries. A length that isn't an exact multiple is a protocol error, not a
// truncation to tolerate.
func parseCompactPeers(b []byte, ipLen int) ([]*net.TCPAddr, error) {
	entryLen := ipLen + 2
	if len(b)%entryLen != 0 {
		return nil, fmt.Errorf("tracker: compact peer list length %d not a multiple of %d", len(b), entryLen)
	}
	out := make([]*net.TCPAddr, 0, len(b)/entryLen)
	for i := 0; i < len(b); i += entryLen {
		ip := net.IP(b[i : i+ipLen])
		port := binary.BigEndian.Uint16(b[i+ipLen : i+entryLen])
		out = append(out, &net.TCPAddr{IP: ip, Port: int(port)})
	}
	return out, nil
}

func parseDictPeers(list []interface{}) ([]*net.TCPAddr, error) {
	out := make([]*net.TCPAddr, 0, len(list))
	for _, v := range list {
		d, ok := v.(*bencode.Dict)
		if !ok {
			continue
		}
		ipVal, ok := d.Get("ip")
		if !ok {
			continue
		}
		ipStr, ok := ipVal.(string)
		if !ok {
			continue
		}
		portVal, ok := d.Get("port")
		if !ok {
			continue
		}
		port, ok := portVal.(int64)
		if !ok {
			continue
		}
		ip := net.ParseIP(ipStr)
		if ip == nil {
			return nil, fmt.Errorf("tracker: invalid peer ip %q", ipStr)
		}
		out = append(out, &net.TCPAddr{IP: ip, Port: int(port)})
	}
	return out, nil
}

func (t *httpTracker) Scrape(infoHashes [][20]byte) ([]*ScrapeResponse, error) {
	scrapeURL, ok := scrapeURLFor(t.rawURL)
	if !ok {
		return nil, ErrNotSupported
	}
	v := url.Values{}
	for _, ih := range infoHashes {
		v.Add("info_hash", string(ih[:]))
	}
	if strings.Contains(scrapeURL, "?") {
		scrapeURL += "&" + v.Encode()
	} else {
		scrapeURL += "?" + v.Encode()
	}

	resp, err := t.client.Get(scrapeURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker: http status %d", resp.StatusCode)
	}
	dict, err := bencode.DecodeDictReader(resp.Body)
	if err != nil {
		return nil, err
	}
	filesVal, ok := dict.Get("files")
	if !ok {
		return nil, ErrNotSupported
	}
	files, ok := filesVal.(*bencode.Dict)
	if !ok {
		return nil, ErrNotSupported
	}

	out := make([]*ScrapeResponse, len(infoHashes))
	for i, ih := range infoHashes {
		entryVal, ok := files.Get(string(ih[:]))
		if !ok {
			out[i] = &ScrapeResponse{}
			continue
		}
		entry, ok := entryVal.(*bencode.Dict)
		if !ok {
			out[i] = &ScrapeResponse{}
			continue
		}
		sr := &ScrapeResponse{}
		if v, ok := entry.Get("complete"); ok {
			if n, ok := v.(int64); ok {
				sr.Complete = int32(n)
			}
		}
		if v, ok := entry.Get("incomplete"); ok {
			if n, ok := v.(int64); ok {
				sr.Incomplete = int32(n)
			}
		}
		if v, ok := entry.Get("downloaded"); ok {
			if n, ok := v.(int64); ok {
				sr.Downloaded = int32(n)
			}
		}
		out[i] = sr
	}
	return out, nil
}

// scrapeURLFor replaces the last path segment "announce" with "scrape", per
// the multitracker convention; ok is false if the URL has no such segment.
func scrapeURLFor(announceURL string) (string, bool) {
	const marker = "announce"
	idx := strings.LastIndex(announceURL, marker)
	if idx < 0 {
		return "", false
	}
	after := idx + len(marker)
	if after < len(announceURL) && announceURL[after] != '/' && announceURL[after] != '?' {
		return "", false
	}
	return announceURL[:idx] + "scrape" + announceURL[after:], true
}
