// Package boltdbresumer implements resumer.Resumer against a
// github.com/boltdb/bolt database: one sub-bucket per torrent under a
// shared parent bucket, with a handful of well-known keys for the spec
// fields, bitfield and stats.
package boltdbresumer

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
	"github.com/cenkalti/rain/internal/resumer"
)

var (
	keyInfoHash  = []byte("info_hash")
	keyDest      = []byte("dest")
	keyPort      = []byte("port")
	keyName      = []byte("name")
	keyTrackers  = []byte("trackers")
	keyInfo      = []byte("info")
	keyBitfield  = []byte("bitfield")
	keyAddedAt   = []byte("added_at")
	keyStarted   = []byte("started")
	keyBytesDown = []byte("bytes_downloaded")
	keyBytesUp   = []byte("bytes_uploaded")
	keyBytesWstd = []byte("bytes_wasted")
	keySeededFor = []byte("seeded_for")
)

// Resumer persists one torrent's resume record in the sub-bucket `id` of
// `bucket` in db.
type Resumer struct {
	db     *bolt.DB
	bucket []byte
	id     []byte
}

// New returns a Resumer for the torrent keyed by id, creating its
// sub-bucket under bucket if it does not already exist.
func New(db *bolt.DB, bucket, id []byte) (*Resumer, error) {
	r := &Resumer{db: db, bucket: append([]byte(nil), bucket...), id: append([]byte(nil), id...)}
	err := db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(r.bucket).CreateBucketIfNotExists(r.id)
		if err != nil {
			return err
		}
		if b.Get(keyAddedAt) != nil {
			return nil
		}
		return b.Put(keyAddedAt, marshalTime(time.Now().UTC()))
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Resumer) sub(tx *bolt.Tx) (*bolt.Bucket, error) {
	b := tx.Bucket(r.bucket).Bucket(r.id)
	if b == nil {
		return nil, fmt.Errorf("boltdbresumer: no sub-bucket for torrent %q", r.id)
	}
	return b, nil
}

// Write stores spec's fields, overwriting any existing values for the same
// keys. Info and Bitfield are written only when non-empty and AddedAt only
// when non-zero; Stats are never written here (WriteStats does that), so a
// caller updating only the tracker list doesn't clobber progress.
func (r *Resumer) Write(spec *resumer.Spec) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b, err := r.sub(tx)
		if err != nil {
			return err
		}
		trackers, err := json.Marshal(spec.Trackers)
		if err != nil {
			return err
		}
		for k, v := range map[string][]byte{
			"info_hash": spec.InfoHash,
			"dest":      []byte(spec.Dest),
			"name":      []byte(spec.Name),
			"trackers":  trackers,
		} {
			if err := b.Put([]byte(k), v); err != nil {
				return err
			}
		}
		if err := b.Put(keyPort, marshalInt64(int64(spec.Port))); err != nil {
			return err
		}
		if len(spec.Info) > 0 {
			if err := b.Put(keyInfo, spec.Info); err != nil {
				return err
			}
		}
		if len(spec.Bitfield) > 0 {
			if err := b.Put(keyBitfield, spec.Bitfield); err != nil {
				return err
			}
		}
		if !spec.AddedAt.IsZero() {
			if err := b.Put(keyAddedAt, marshalTime(spec.AddedAt)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Read loads the full resume record for this torrent.
func (r *Resumer) Read() (*resumer.Spec, error) {
	spec := &resumer.Spec{}
	err := r.db.View(func(tx *bolt.Tx) error {
		b, err := r.sub(tx)
		if err != nil {
			return err
		}
		spec.InfoHash = append([]byte(nil), b.Get(keyInfoHash)...)
		spec.Dest = string(b.Get(keyDest))
		spec.Name = string(b.Get(keyName))
		spec.Port = int(unmarshalInt64(b.Get(keyPort)))
		spec.Info = append([]byte(nil), b.Get(keyInfo)...)
		spec.Bitfield = append([]byte(nil), b.Get(keyBitfield)...)
		if v := b.Get(keyTrackers); len(v) > 0 {
			if err := json.Unmarshal(v, &spec.Trackers); err != nil {
				return err
			}
		}
		if v := b.Get(keyAddedAt); len(v) > 0 {
			spec.AddedAt = unmarshalTime(v)
		}
		spec.Stats = Stats{
			BytesDownloaded: unmarshalInt64(b.Get(keyBytesDown)),
			BytesUploaded:   unmarshalInt64(b.Get(keyBytesUp)),
			BytesWasted:     unmarshalInt64(b.Get(keyBytesWstd)),
			SeededFor:       time.Duration(unmarshalInt64(b.Get(keySeededFor))),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return spec, nil
}

// WriteBitfield persists the current downloaded-pieces bitfield.
func (r *Resumer) WriteBitfield(bf []byte) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b, err := r.sub(tx)
		if err != nil {
			return err
		}
		return b.Put(keyBitfield, bf)
	})
}

// WriteStats persists cumulative transfer counters and seed duration.
func (r *Resumer) WriteStats(s resumer.Stats) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b, err := r.sub(tx)
		if err != nil {
			return err
		}
		if err := b.Put(keyBytesDown, marshalInt64(s.BytesDownloaded)); err != nil {
			return err
		}
		if err := b.Put(keyBytesUp, marshalInt64(s.BytesUploaded)); err != nil {
			return err
		}
		if err := b.Put(keyBytesWstd, marshalInt64(s.BytesWasted)); err != nil {
			return err
		}
		return b.Put(keySeededFor, marshalInt64(int64(s.SeededFor)))
	})
}

// WriteStarted records whether the torrent should auto-start on the next
// process launch.
func (r *Resumer) WriteStarted(started bool) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b, err := r.sub(tx)
		if err != nil {
			return err
		}
		v := []byte("0")
		if started {
			v = []byte("1")
		}
		return b.Put(keyStarted, v)
	})
}

func marshalInt64(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func unmarshalInt64(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func marshalTime(t time.Time) []byte {
	b, _ := t.MarshalBinary()
	return b
}

func unmarshalTime(b []byte) time.Time {
	var t time.Time
	_ = t.UnmarshalBinary(b)
	return t
}
