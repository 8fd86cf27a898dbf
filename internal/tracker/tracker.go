// Package tracker implements the HTTP and UDP tracker announce/scrape
// protocols against a common Tracker interface, so the announcer and
// trackermanager can treat both transports uniformly.
package tracker

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// Event is the announce event parameter.
type Event int

// Announce events.
const (
	None Event = iota
	Started
	Stopped
	Completed
)

func (e Event) String() string {
	switch e {
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	case Completed:
		return "completed"
	default:
		return ""
	}
}

// AnnounceRequest carries the parameters common to both transports.
type AnnounceRequest struct {
	Torrent Torrent
	Event   Event
	NumWant int
}

// Torrent is the subset of torrent state a tracker request needs.
type Torrent struct {
	InfoHash        [20]byte
	PeerID          [20]byte
	Port            int
	BytesUploaded   int64
	BytesDownloaded int64
	BytesLeft       int64
}

// AnnounceResponse is the normalized result of a successful announce,
// regardless of transport.
type AnnounceResponse struct {
	Interval    time.Duration
	MinInterval time.Duration
	Leechers    int32
	Seeders     int32
	Peers       []*net.TCPAddr
	Warning     string
}

// ScrapeResponse is the normalized result of a scrape.
type ScrapeResponse struct {
	Complete   int32
	Incomplete int32
	Downloaded int32
}

// Errors common to both tracker transports.
var (
	ErrNotSupported = errors.New("tracker: operation not supported")
)

// Error wraps a tracker's own failure/warning message (HTTP `failure
// reason`, UDP error action) distinctly from transport errors, so callers
// can decide whether to retry immediately or back off.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return fmt.Sprintf("tracker: %s", e.Reason) }

// Tracker is the tagged-variant interface implemented by httpTracker and
// udpTracker.
type Tracker interface {
	// URL returns the tracker's announce URL, used as the dedup key by
	// trackermanager.
	URL() string
	Announce(req AnnounceRequest) (*AnnounceResponse, error)
	// Scrape returns ErrNotSupported if this tracker has no scrape endpoint.
	// infoHashes may hold up to maxScrapeInfoHashes entries for UDP trackers;
	// HTTP trackers send every given hash as an info_hash parameter of one
	// request.
	Scrape(infoHashes [][20]byte) ([]*ScrapeResponse, error)
}

// New returns the Tracker implementation for rawURL's scheme ("http",
// "https" or "udp").
func New(rawURL string, timeout time.Duration) (Tracker, error) {
	scheme, err := urlScheme(rawURL)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "http", "https":
		return newHTTPTracker(rawURL, timeout), nil
	case "udp":
		return newUDPTracker(rawURL, timeout)
	default:
		return nil, fmt.Errorf("tracker: unsupported scheme %q", scheme)
	}
}
