package metainfo

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"strings"

	"github.com/cenkalti/rain/internal/bencode"
)

// ErrUnsafePath is returned when a file path component in the info
// dictionary is empty, ".", "..", or contains a path separator.
var ErrUnsafePath = errors.New("metainfo: unsafe path in file list")

// MinPieceLength and MaxPieceLength bound the power-of-two piece length.
const (
	MinPieceLength = 32 * 1024
	MaxPieceLength = 8 * 1024 * 1024
	hashLen        = 20
)

// File describes one file inside a (possibly multi-file) torrent.
type File struct {
	Path   []string
	Length int64
	MD5Sum string
}

// Info is the parsed `info` dictionary of a torrent, plus the InfoHash
// computed over its exact original byte range.
type Info struct {
	Name         string
	PieceLength  uint32
	NumPieces    uint32
	Hashes       []byte // 20*NumPieces bytes, concatenated SHA-1 hashes
	Files        []File
	Length       int64 // total length across all files
	Private      bool
	Hash         [20]byte
	Bytes        []byte // exact raw bencoded info dictionary
}

// NewInfo parses and validates the raw bencoded info dictionary (exactly as
// it appeared on the wire/disk) and computes the InfoHash from that same
// byte range, never from a re-encoding.
func NewInfo(raw []byte) (*Info, error) {
	dict, err := bencode.DecodeDict(raw)
	if err != nil {
		return nil, fmt.Errorf("metainfo: invalid info dict: %w", err)
	}

	info := &Info{Bytes: append([]byte(nil), raw...)}
	info.Hash = sha1.Sum(raw)

	name, _ := dict.Get("name")
	if s, ok := name.(string); ok {
		info.Name = s
	}

	pl, ok := dict.Get("piece length")
	if !ok {
		pl, ok = dict.Get("piece_length")
	}
	if !ok {
		return nil, errors.New("metainfo: missing piece length")
	}
	pieceLength, ok := pl.(int64)
	if !ok || pieceLength <= 0 {
		return nil, errors.New("metainfo: invalid piece length")
	}
	info.PieceLength = uint32(pieceLength)

	piecesVal, ok := dict.Get("pieces")
	if !ok {
		return nil, errors.New("metainfo: missing pieces")
	}
	piecesStr, ok := piecesVal.(string)
	if !ok || len(piecesStr)%hashLen != 0 {
		return nil, errors.New("metainfo: invalid pieces field length")
	}
	info.Hashes = []byte(piecesStr)
	info.NumPieces = uint32(len(piecesStr) / hashLen)

	if priv, ok := dict.Get("private"); ok {
		switch v := priv.(type) {
		case int64:
			info.Private = v != 0
		}
	}

	if filesVal, ok := dict.Get("files"); ok {
		list, ok := filesVal.([]interface{})
		if !ok {
			return nil, errors.New("metainfo: invalid files field")
		}
		for _, fv := range list {
			fd, ok := fv.(*bencode.Dict)
			if !ok {
				return nil, errors.New("metainfo: invalid file entry")
			}
			f, err := parseFileEntry(fd)
			if err != nil {
				return nil, err
			}
			info.Files = append(info.Files, f)
			info.Length += f.Length
		}
	} else {
		lengthVal, ok := dict.Get("length")
		if !ok {
			return nil, errors.New("metainfo: single-file torrent missing length")
		}
		length, ok := lengthVal.(int64)
		if !ok {
			return nil, errors.New("metainfo: invalid length")
		}
		if err := validatePathComponent(info.Name); err != nil {
			return nil, err
		}
		var md5 string
		if m, ok := dict.Get("md5sum"); ok {
			md5, _ = m.(string)
		}
		info.Files = []File{{Path: []string{info.Name}, Length: length, MD5Sum: md5}}
		info.Length = length
	}

	if err := info.validateLength(); err != nil {
		return nil, err
	}

	return info, nil
}

func parseFileEntry(fd *bencode.Dict) (File, error) {
	var f File
	lengthVal, ok := fd.Get("length")
	if !ok {
		return f, errors.New("metainfo: file entry missing length")
	}
	length, ok := lengthVal.(int64)
	if !ok {
		return f, errors.New("metainfo: file entry invalid length")
	}
	f.Length = length

	pathVal, ok := fd.Get("path")
	if !ok {
		return f, errors.New("metainfo: file entry missing path")
	}
	pathList, ok := pathVal.([]interface{})
	if !ok || len(pathList) == 0 {
		return f, errors.New("metainfo: file entry invalid path")
	}
	for _, pv := range pathList {
		comp, ok := pv.(string)
		if !ok {
			return f, errors.New("metainfo: file entry invalid path component")
		}
		if err := validatePathComponent(comp); err != nil {
			return f, err
		}
		f.Path = append(f.Path, comp)
	}
	if m, ok := fd.Get("md5sum"); ok {
		f.MD5Sum, _ = m.(string)
	}
	return f, nil
}

func validatePathComponent(c string) error {
	if c == "" || c == "." || c == ".." {
		return ErrUnsafePath
	}
	if strings.ContainsAny(c, "/\\") {
		return ErrUnsafePath
	}
	return nil
}

// JoinPath returns the '/'-joined relative path of f.
func (f *File) JoinPath() string {
	return strings.Join(f.Path, "/")
}

func (i *Info) validateLength() error {
	if i.NumPieces == 0 {
		if i.Length != 0 {
			return errors.New("metainfo: zero pieces but non-zero length")
		}
		return nil
	}
	lastPieceLength := i.Length - int64(i.PieceLength)*int64(i.NumPieces-1)
	if lastPieceLength <= 0 || lastPieceLength > int64(i.PieceLength) {
		return fmt.Errorf("metainfo: inconsistent total length and piece count")
	}
	return nil
}

// PieceLengthAt returns the length of piece index i (the residual for the
// last piece).
func (i *Info) PieceLengthAt(index uint32) uint32 {
	if index == i.NumPieces-1 {
		last := i.Length - int64(i.PieceLength)*int64(i.NumPieces-1)
		return uint32(last)
	}
	return i.PieceLength
}

// PieceHash returns the expected SHA-1 hash of piece index.
func (i *Info) PieceHash(index uint32) []byte {
	return i.Hashes[index*hashLen : index*hashLen+hashLen]
}
