package rain

import (
	"io/ioutil"
	"os"
	"time"

	"github.com/cenkalti/rain/internal/piecepicker"
	"gopkg.in/yaml.v1"
)

// Config is the process-wide settings surface. Per-torrent overlays (port
// assignment, trackers) are computed from this at add-time; Config itself
// holds no per-torrent state.
type Config struct {
	// Database is the path to the boltdb resume database.
	Database string `yaml:"database"`
	// DataDir is the root directory torrent content is written under.
	DataDir string `yaml:"data_dir"`

	// ListenPort is the TCP port the shared acceptor listens on; 0 selects
	// an ephemeral port.
	ListenPort uint16 `yaml:"listen_port"`

	MaxConnectionsPerTorrent uint32 `yaml:"max_connections_per_torrent"`
	MaxRequestsInFlight      uint32 `yaml:"max_requests_in_flight"`

	RequestTimeout time.Duration `yaml:"request_timeout_secs"`

	ChokeInterval             time.Duration `yaml:"choke_interval_secs"`
	OptimisticUnchokeInterval time.Duration `yaml:"optimistic_unchoke_interval_secs"`
	UploadSlots               uint32        `yaml:"upload_slots"`

	AllocateFullFileSizes bool `yaml:"allocate_full_file_sizes"`

	MaxQueuedReads  uint32 `yaml:"max_queued_reads"`
	MaxQueuedWrites uint32 `yaml:"max_queued_writes"`

	PieceSelectionMode piecepicker.Mode `yaml:"piece_selection_mode"`

	EndgameBlocksRemaining uint32 `yaml:"endgame_blocks_remaining"`
	EndgameFactor          uint32 `yaml:"endgame_factor"`

	TrackerHTTPTimeout time.Duration `yaml:"tracker_http_timeout_secs"`

	PeerConnectTimeout   time.Duration `yaml:"peer_connect_timeout_secs"`
	PeerHandshakeTimeout time.Duration `yaml:"peer_handshake_timeout_secs"`

	BitfieldWriteInterval time.Duration `yaml:"bitfield_write_interval_secs"`
	StatsWriteInterval    time.Duration `yaml:"stats_write_interval_secs"`
}

// DefaultConfig matches the defaults normative in the settings surface: 200
// connections/torrent, 32 requests in flight, 60s request timeout, 10s/30s
// choke ticks, 4 upload slots, endgame at 20 blocks remaining with factor 4.
var DefaultConfig = Config{
	Database:                  "~/rain/session.db",
	DataDir:                   "~/rain/data",
	ListenPort:                6881,
	MaxConnectionsPerTorrent:  200,
	MaxRequestsInFlight:       32,
	RequestTimeout:            60 * time.Second,
	ChokeInterval:             10 * time.Second,
	OptimisticUnchokeInterval: 30 * time.Second,
	UploadSlots:               4,
	MaxQueuedReads:            100,
	MaxQueuedWrites:           100,
	PieceSelectionMode:        piecepicker.HighAvailabilityFirstThenRarest,
	EndgameBlocksRemaining:    20,
	EndgameFactor:             4,
	TrackerHTTPTimeout:        30 * time.Second,
	PeerConnectTimeout:        10 * time.Second,
	PeerHandshakeTimeout:      10 * time.Second,
	BitfieldWriteInterval:     30 * time.Second,
	StatsWriteInterval:        30 * time.Second,
}

// LoadConfig reads YAML settings from filename over a copy of DefaultConfig;
// a missing file is not an error; every field the file omits keeps its
// default value.
func LoadConfig(filename string) (*Config, error) {
	c := DefaultConfig
	b, err := ioutil.ReadFile(filename)
	if os.IsNotExist(err) {
		return &c, nil
	}
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
