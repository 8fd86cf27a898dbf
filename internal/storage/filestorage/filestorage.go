// Package filestorage is the on-disk realisation of storage.Storage: one
// os.File per metainfo file entry, opened lazily under a destination root.
package filestorage

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/cenkalti/rain/internal/metainfo"
	"github.com/cenkalti/rain/internal/storage"
)

type fileExtent struct {
	path   string
	length int64
	// offset is this file's starting byte offset in the flattened
	// torrent content space.
	offset int64
}

// FileStorage maps piece/offset reads and writes onto the ordered file set
// of a torrent, rooted at dest.
type FileStorage struct {
	dest    string
	extents []fileExtent
	info    *metainfo.Info

	mu    sync.Mutex
	files map[string]*os.File
}

// New returns a FileStorage rooted at dest for the given metainfo.
func New(dest string, info *metainfo.Info) (*FileStorage, error) {
	fs := &FileStorage{
		dest:  dest,
		info:  info,
		files: make(map[string]*os.File),
	}
	var offset int64
	for _, f := range info.Files {
		parts := []string{dest}
		// Multi-file torrents nest under a top-level directory named after
		// the info dict; a single-file torrent's one File entry already
		// carries that name as its own Path.
		if len(info.Files) > 1 && info.Name != "" {
			parts = append(parts, info.Name)
		}
		parts = append(parts, f.Path...)
		fs.extents = append(fs.extents, fileExtent{
			path:   filepath.Join(parts...),
			length: f.Length,
			offset: offset,
		})
		offset += f.Length
	}
	return fs, nil
}

// Dest returns the destination root directory.
func (fs *FileStorage) Dest() string { return fs.dest }

// Allocate creates parent directories for every file, and, if preallocate
// is true, truncates each file to its declared length up front.
func (fs *FileStorage) Allocate(preallocate bool) error {
	for _, e := range fs.extents {
		if err := os.MkdirAll(filepath.Dir(e.path), 0750); err != nil {
			return err
		}
		f, err := fs.open(e)
		if err != nil {
			return err
		}
		if preallocate {
			if err := f.Truncate(e.length); err != nil {
				return err
			}
		}
	}
	return nil
}

func (fs *FileStorage) open(e fileExtent) (*os.File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if f, ok := fs.files[e.path]; ok {
		return f, nil
	}
	f, err := os.OpenFile(e.path, os.O_RDWR|os.O_CREATE, 0640)
	if err != nil {
		return nil, err
	}
	fs.files[e.path] = f
	return f, nil
}

// pieceOffset returns the absolute byte offset of (index, offset) in the
// flattened content space.
func (fs *FileStorage) pieceOffset(index, offset uint32) int64 {
	return int64(index)*int64(fs.info.PieceLength) + int64(offset)
}

// Read reads length bytes at (index, offset), splitting the read across
// file boundaries as needed.
func (fs *FileStorage) Read(index uint32, offset uint32, length uint32) ([]byte, error) {
	buf := make([]byte, length)
	if err := fs.io(fs.pieceOffset(index, offset), buf, false); err != nil {
		return nil, err
	}
	return buf, nil
}

// Write writes b at (index, offset), splitting across file boundaries.
func (fs *FileStorage) Write(index uint32, offset uint32, b []byte) error {
	return fs.io(fs.pieceOffset(index, offset), b, true)
}

func (fs *FileStorage) io(absOffset int64, buf []byte, write bool) error {
	remaining := buf
	pos := absOffset
	for len(remaining) > 0 {
		e, localOff, ok := fs.locate(pos)
		if !ok {
			return storage.ErrOutOfRange
		}
		n := e.length - localOff
		if int64(len(remaining)) < n {
			n = int64(len(remaining))
		}
		f, err := fs.open(e)
		if err != nil {
			return err
		}
		chunk := remaining[:n]
		if write {
			if _, err := f.WriteAt(chunk, localOff); err != nil {
				return err
			}
		} else {
			if _, err := f.ReadAt(chunk, localOff); err != nil {
				return err
			}
		}
		remaining = remaining[n:]
		pos += n
	}
	return nil
}

func (fs *FileStorage) locate(absOffset int64) (fileExtent, int64, bool) {
	for _, e := range fs.extents {
		if absOffset >= e.offset && absOffset < e.offset+e.length {
			return e, absOffset - e.offset, true
		}
	}
	return fileExtent{}, 0, false
}

// Close closes all open file handles.
func (fs *FileStorage) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var firstErr error
	for _, f := range fs.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
