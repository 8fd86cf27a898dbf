// Package metainfo parses .torrent files: the outer metainfo dictionary,
// the info sub-dictionary (captured by exact byte range for infohash
// stability) and the announce tier list.
package metainfo

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/ioutil"

	"github.com/cenkalti/rain/internal/bencode"
	bencodego "github.com/jackpal/bencode-go"
)

// MetaInfo is the top-level dictionary of a .torrent file.
type MetaInfo struct {
	Info         *Info
	RawInfo      bencode.RawMessage
	Announce     string
	AnnounceList [][]string
	CreationDate int64
	Comment      string
	CreatedBy    string
	Encoding     string
}

// rawMetaInfo decodes the metainfo dictionary's uniformly-typed outer
// fields via struct tags, the way the corpus's bencode-go idiom does it.
// The info dictionary is deliberately left out: it's handled separately by
// bencode.DecodeDictWithRanges, which is what lets it be hashed from its
// exact source byte range instead of a re-encoding.
type rawMetaInfo struct {
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list"`
	CreationDate int64      `bencode:"creation date"`
	Comment      string     `bencode:"comment"`
	CreatedBy    string     `bencode:"created by"`
	Encoding     string     `bencode:"encoding"`
}

// New parses a MetaInfo from a bencoded stream.
func New(r io.Reader) (*MetaInfo, error) {
	b, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return NewFromBytes(b)
}

// NewFromBytes parses a MetaInfo from an in-memory bencoded buffer. The
// info dictionary is hashed from its exact source byte range (RawInfo), not
// from a re-encoding, so the infohash never drifts across a decode/encode
// round trip.
func NewFromBytes(b []byte) (*MetaInfo, error) {
	var raw rawMetaInfo
	if err := bencodego.Unmarshal(bytes.NewReader(b), &raw); err != nil {
		return nil, fmt.Errorf("metainfo: invalid metainfo dict: %w", err)
	}

	_, ranges, err := bencode.DecodeDictWithRanges(b)
	if err != nil {
		return nil, err
	}
	rawInfo, ok := ranges["info"]
	if !ok || len(rawInfo) == 0 {
		return nil, errors.New("metainfo: no info dict in torrent file")
	}

	m := &MetaInfo{
		RawInfo:      rawInfo,
		Announce:     raw.Announce,
		AnnounceList: raw.AnnounceList,
		CreationDate: raw.CreationDate,
		Comment:      raw.Comment,
		CreatedBy:    raw.CreatedBy,
		Encoding:     raw.Encoding,
	}
	m.Info, err = NewInfo(rawInfo)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GetTrackers flattens announce/announce-list into a single ordered list
// (tier boundaries collapsed). Prefer GetTrackerTiers when tier order
// matters, as it does for the announce coordinator.
func (m *MetaInfo) GetTrackers() []string {
	if len(m.AnnounceList) > 0 {
		var all []string
		for _, tier := range m.AnnounceList {
			all = append(all, tier...)
		}
		return all
	}
	if m.Announce != "" {
		return []string{m.Announce}
	}
	return nil
}

// GetTrackerTiers returns the ordered tier list, falling back to a single
// tier of [Announce] when no announce-list is present.
func (m *MetaInfo) GetTrackerTiers() [][]string {
	if len(m.AnnounceList) > 0 {
		return m.AnnounceList
	}
	if m.Announce != "" {
		return [][]string{{m.Announce}}
	}
	return nil
}
