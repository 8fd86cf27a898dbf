// Package resumer defines the durable per-torrent resume record: enough
// state (destination, trackers, downloaded bitfield, transfer counters) to
// restore a torrent across process restarts. Every start re-verifies all
// pieces; the stored bitfield is not used to skip that pass.
package resumer

import "time"

// Stats holds the counters persisted alongside a torrent's bitfield so
// Torrent.Stats() reports cumulative totals across restarts, and the seed
// duration so seeding time survives a restart too.
type Stats struct {
	BytesDownloaded int64
	BytesUploaded   int64
	BytesWasted     int64
	SeededFor       time.Duration
}

// Spec is the full resume record for one torrent.
type Spec struct {
	InfoHash  []byte
	Dest      string
	Port      int
	Name      string
	Trackers  []string
	Info      []byte // raw info dictionary bytes, empty until known
	Bitfield  []byte
	AddedAt   time.Time
	Stats
}

// Resumer persists and retrieves one torrent's Spec, bitfield and stats.
type Resumer interface {
	Write(spec *Spec) error
	Read() (*Spec, error)
	WriteBitfield(b []byte) error
	WriteStats(s Stats) error
	WriteStarted(started bool) error
}
