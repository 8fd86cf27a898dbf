package piecewriter

import (
	"testing"

	"github.com/cenkalti/rain/internal/metainfo"
	"github.com/cenkalti/rain/internal/piece"
	"github.com/cenkalti/rain/internal/storage/filestorage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStorage(t *testing.T) *filestorage.FileStorage {
	t.Helper()
	info := &metainfo.Info{
		PieceLength: piece.BlockSize,
		Files:       []metainfo.File{{Length: piece.BlockSize * 2, Path: []string{"a.bin"}}},
	}
	fs, err := filestorage.New(t.TempDir(), info)
	require.NoError(t, err)
	require.NoError(t, fs.Allocate(true))
	return fs
}

func TestPoolWritesPieceAndReportsResult(t *testing.T) {
	sto := testStorage(t)
	defer sto.Close()

	resultC := make(chan *PieceWriter, 1)
	pool := NewPool(sto, 2, 4, resultC)
	defer pool.Close()

	pi := &piece.Piece{Index: 0, Length: piece.BlockSize, Hash: make([]byte, 20)}
	buf := make([]byte, piece.BlockSize)
	buf[0] = 0x42
	pool.Write(&PieceWriter{Piece: pi, Buffer: buf})

	pw := <-resultC
	require.NoError(t, pw.Error)

	got, err := sto.Read(0, 0, piece.BlockSize)
	require.NoError(t, err)
	assert.Equal(t, byte(0x42), got[0])
}
