package filestorage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cenkalti/rain/internal/metainfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleFileDoesNotNestUnderName(t *testing.T) {
	dir := t.TempDir()
	info := &metainfo.Info{
		Name:        "movie.mp4",
		PieceLength: 16,
		Files:       []metainfo.File{{Path: []string{"movie.mp4"}, Length: 32}},
	}
	fs, err := New(dir, info)
	require.NoError(t, err)
	require.NoError(t, fs.Allocate(true))
	defer fs.Close()

	_, err = os.Stat(filepath.Join(dir, "movie.mp4"))
	assert.NoError(t, err)
}

func TestMultiFileNestsUnderName(t *testing.T) {
	dir := t.TempDir()
	info := &metainfo.Info{
		Name:        "album",
		PieceLength: 16,
		Files: []metainfo.File{
			{Path: []string{"01.mp3"}, Length: 20},
			{Path: []string{"sub", "02.mp3"}, Length: 20},
		},
	}
	fs, err := New(dir, info)
	require.NoError(t, err)
	require.NoError(t, fs.Allocate(true))
	defer fs.Close()

	_, err = os.Stat(filepath.Join(dir, "album", "01.mp3"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "album", "sub", "02.mp3"))
	assert.NoError(t, err)
}

func TestWriteAndReadAcrossFileBoundary(t *testing.T) {
	dir := t.TempDir()
	info := &metainfo.Info{
		Name:        "pair",
		PieceLength: 10,
		Files: []metainfo.File{
			{Path: []string{"a.bin"}, Length: 6},
			{Path: []string{"b.bin"}, Length: 6},
		},
	}
	fs, err := New(dir, info)
	require.NoError(t, err)
	require.NoError(t, fs.Allocate(true))
	defer fs.Close()

	// piece 0 spans bytes [0,10): 6 bytes of a.bin, 4 bytes of b.bin
	data := make([]byte, 10)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, fs.Write(0, 0, data))

	got, err := fs.Read(0, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	aContents, err := os.ReadFile(filepath.Join(dir, "pair", "a.bin"))
	require.NoError(t, err)
	assert.Equal(t, data[:6], aContents)

	bContents, err := os.ReadFile(filepath.Join(dir, "pair", "b.bin"))
	require.NoError(t, err)
	assert.Equal(t, data[6:10], bContents[:4])
}

func TestReadOutOfRangeErrors(t *testing.T) {
	dir := t.TempDir()
	info := &metainfo.Info{
		Name:        "single",
		PieceLength: 10,
		Files:       []metainfo.File{{Path: []string{"single"}, Length: 10}},
	}
	fs, err := New(dir, info)
	require.NoError(t, err)
	require.NoError(t, fs.Allocate(true))
	defer fs.Close()

	_, err = fs.Read(0, 0, 11)
	assert.Error(t, err)
}
