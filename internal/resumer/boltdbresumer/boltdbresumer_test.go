package boltdbresumer

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/boltdb/bolt"
	"github.com/cenkalti/rain/internal/resumer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var bucket = []byte("torrents")

func testDB(t *testing.T) *bolt.DB {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "resume.db"), 0640, nil)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	}))
	t.Cleanup(func() { db.Close() })
	return db
}

func TestWriteReadRoundTrip(t *testing.T) {
	db := testDB(t)
	r, err := New(db, bucket, []byte("torrent-1"))
	require.NoError(t, err)

	spec := &resumer.Spec{
		InfoHash: make([]byte, 20),
		Dest:     "/downloads/torrent-1",
		Port:     51413,
		Name:     "ubuntu.iso",
		Trackers: []string{"udp://tracker.example.com:80/announce"},
	}
	spec.InfoHash[0] = 0xAB
	require.NoError(t, r.Write(spec))

	got, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, spec.InfoHash, got.InfoHash)
	assert.Equal(t, spec.Dest, got.Dest)
	assert.Equal(t, spec.Port, got.Port)
	assert.Equal(t, spec.Name, got.Name)
	assert.Equal(t, spec.Trackers, got.Trackers)
}

func TestWriteBitfieldAndStatsPersist(t *testing.T) {
	db := testDB(t)
	r, err := New(db, bucket, []byte("torrent-2"))
	require.NoError(t, err)
	require.NoError(t, r.Write(&resumer.Spec{InfoHash: make([]byte, 20)}))

	require.NoError(t, r.WriteBitfield([]byte{0xFF, 0x0F}))
	require.NoError(t, r.WriteStats(resumer.Stats{
		BytesDownloaded: 1000,
		BytesUploaded:   500,
		BytesWasted:     7,
		SeededFor:       90 * time.Second,
	}))

	got, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0x0F}, got.Bitfield)
	assert.EqualValues(t, 1000, got.Stats.BytesDownloaded)
	assert.EqualValues(t, 500, got.Stats.BytesUploaded)
	assert.EqualValues(t, 7, got.Stats.BytesWasted)
	assert.Equal(t, 90*time.Second, got.Stats.SeededFor)
}

func TestWriteStartedFlag(t *testing.T) {
	db := testDB(t)
	r, err := New(db, bucket, []byte("torrent-3"))
	require.NoError(t, err)
	require.NoError(t, r.Write(&resumer.Spec{InfoHash: make([]byte, 20)}))
	require.NoError(t, r.WriteStarted(true))

	var started []byte
	require.NoError(t, db.View(func(tx *bolt.Tx) error {
		started = tx.Bucket(bucket).Bucket([]byte("torrent-3")).Get([]byte("started"))
		return nil
	}))
	assert.Equal(t, []byte("1"), started)
}
