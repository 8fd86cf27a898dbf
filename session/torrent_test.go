package session

import (
	"testing"
	"time"

	"github.com/cenkalti/rain/internal/logger"
	"github.com/cenkalti/rain/internal/metainfo"
	"github.com/cenkalti/rain/internal/resumer"
	"github.com/cenkalti/rain/internal/storage/filestorage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeResumer satisfies resumer.Resumer without touching disk, so torrent
// tests don't need a boltdb file.
type fakeResumer struct {
	spec     resumer.Spec
	bitfield []byte
	stats    resumer.Stats
	started  bool
}

func (f *fakeResumer) Write(spec *resumer.Spec) error { f.spec = *spec; return nil }
func (f *fakeResumer) Read() (*resumer.Spec, error)   { return &f.spec, nil }
func (f *fakeResumer) WriteBitfield(b []byte) error   { f.bitfield = append([]byte(nil), b...); return nil }
func (f *fakeResumer) WriteStats(s resumer.Stats) error { f.stats = s; return nil }
func (f *fakeResumer) WriteStarted(started bool) error { f.started = started; return nil }

func newTestTorrentWithStorage(t *testing.T) *torrent {
	t.Helper()
	info := &metainfo.Info{
		Name:        "test.bin",
		PieceLength: 16,
		NumPieces:   2,
		Hashes:      make([]byte, 40),
		Files:       []metainfo.File{{Path: []string{"test.bin"}, Length: 32}},
		Length:      32,
	}
	sto, err := filestorage.New(t.TempDir(), info)
	require.NoError(t, err)

	tr := newTorrent(
		Config{
			UploadSlots:               4,
			ChokeInterval:             10 * time.Second,
			OptimisticUnchokeInterval: 30 * time.Second,
			StatsWriteInterval:        10 * time.Second,
			BitfieldWriteInterval:     10 * time.Second,
			RequestTimeout:            10 * time.Second,
		},
		[20]byte{1},
		"test.bin",
		[20]byte{2},
		6881,
		nil,
		sto,
		&fakeResumer{},
		info,
		resumer.Stats{},
		logger.New("test"),
	)
	t.Cleanup(tr.Close)
	return tr
}

func TestStatusString(t *testing.T) {
	cases := map[status]string{
		Stopped:  "stopped",
		Starting: "starting",
		Running:  "running",
		Seeding:  "seeding",
		Stopping: "stopping",
		status(99): "unknown",
	}
	for s, want := range cases {
		assert.Equal(t, want, s.String())
	}
}

func TestNewTorrentStartsStopped(t *testing.T) {
	tr := newTestTorrentWithStorage(t)
	st := tr.Stats()
	assert.Equal(t, Stopped, st.Status)
	assert.EqualValues(t, 2, st.PiecesTotal)
}

func TestStartTransitionsOutOfStopped(t *testing.T) {
	tr := newTestTorrentWithStorage(t)
	tr.Start()

	require.Eventually(t, func() bool {
		return tr.Stats().Status != Stopped
	}, time.Second, 5*time.Millisecond, "torrent should leave Stopped once Start is processed")
}

func TestStopReturnsToStopped(t *testing.T) {
	tr := newTestTorrentWithStorage(t)
	tr.Start()
	require.Eventually(t, func() bool {
		return tr.Stats().Status != Stopped
	}, time.Second, 5*time.Millisecond)

	tr.Stop()
	require.Eventually(t, func() bool {
		return tr.Stats().Status == Stopped
	}, time.Second, 5*time.Millisecond, "Stop should bring the torrent back to Stopped once verification aborts")
}

func TestNameAndInfoHash(t *testing.T) {
	tr := newTestTorrentWithStorage(t)
	assert.Equal(t, "test.bin", tr.Name())
	assert.Equal(t, []byte{1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, tr.InfoHash())
}

func TestTrackersAndPeersEmptyByDefault(t *testing.T) {
	tr := newTestTorrentWithStorage(t)
	assert.Empty(t, tr.Trackers())
	assert.Empty(t, tr.Peers())
}
