package piecereader

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
	require.NoError(t, fs.Write(0, 0, make([]byte, piece.BlockSize)))
	return fs
}

func TestPoolReadsBlockAndReportsResult(t *testing.T) {
	sto := testStorage(t)
	defer sto.Close()

	resultC := make(chan *Request, 1)
	pool := NewPool(sto, 2, 4, resultC)
	defer pool.Close()

	pool.Read(&Request{Peer: "p1", Index: 0, Begin: 0, Length: piece.BlockSize})

	req := <-resultC
	require.NoError(t, req.Error)
	assert.Len(t, req.Data, piece.BlockSize)
	assert.Equal(t, "p1", req.Peer)
}
