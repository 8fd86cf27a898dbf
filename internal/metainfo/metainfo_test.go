package metainfo

import (
	"crypto/sha1"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildSingleFileTorrent builds the exact bencoded .torrent bytes for the
// spec's scenario 1 fixture: a 20-byte file "helloworldhelloworld" split
// into two 16-byte pieces (16 + 4).
func buildSingleFileTorrent(t *testing.T) ([]byte, [2][20]byte) {
	t.Helper()
	content := []byte("helloworldhelloworld")
	h0 := sha1.Sum(content[0:16])
	h1 := sha1.Sum(content[16:20])
	pieces := append(append([]byte{}, h0[:]...), h1[:]...)
	info := fmt.Sprintf("d6:lengthi20e4:name8:test.txt12:piece lengthi16e6:pieces%d:%se", len(pieces), pieces)
	torrent := "d8:announce16:http://tracker/4:info" + info + "e"
	return []byte(torrent), [2][20]byte{h0, h1}
}

func TestNewFromBytesSingleFile(t *testing.T) {
	raw, hashes := buildSingleFileTorrent(t)
	mi, err := NewFromBytes(raw)
	require.NoError(t, err)
	assert.Equal(t, "http://tracker/", mi.Announce)
	assert.EqualValues(t, 2, mi.Info.NumPieces)
	assert.EqualValues(t, 16, mi.Info.PieceLength)
	assert.EqualValues(t, 20, mi.Info.Length)
	assert.EqualValues(t, 16, mi.Info.PieceLengthAt(0))
	assert.EqualValues(t, 4, mi.Info.PieceLengthAt(1))
	assert.Equal(t, hashes[0][:], mi.Info.PieceHash(0))
	assert.Equal(t, hashes[1][:], mi.Info.PieceHash(1))
	assert.Len(t, mi.Info.Files, 1)
	assert.Equal(t, "test.txt", mi.Info.Files[0].JoinPath())
}

func TestInfoHashStableAcrossRawBytes(t *testing.T) {
	raw, _ := buildSingleFileTorrent(t)
	mi1, err := NewFromBytes(raw)
	require.NoError(t, err)
	mi2, err := NewFromBytes(raw)
	require.NoError(t, err)
	assert.Equal(t, mi1.Info.Hash, mi2.Info.Hash)
	assert.Equal(t, sha1.Sum(mi1.RawInfo), mi1.Info.Hash)
}

func TestUnsafePathRejected(t *testing.T) {
	info := `d5:filesld6:lengthi1e4:pathl2:..eee4:name4:root12:piece lengthi16e6:pieces0:e`
	torrent := "d4:info" + info + "e"
	_, err := NewFromBytes([]byte(torrent))
	assert.ErrorIs(t, err, ErrUnsafePath)
}

func TestMissingInfoDict(t *testing.T) {
	_, err := NewFromBytes([]byte("d8:announce4:teste"))
	require.Error(t, err)
}

func TestGetTrackerTiersFallback(t *testing.T) {
	raw, _ := buildSingleFileTorrent(t)
	mi, err := NewFromBytes(raw)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"http://tracker/"}}, mi.GetTrackerTiers())
}
