// Package bencode implements the bencoding format used by BitTorrent
// metainfo files and tracker responses: non-negative/signed integers,
// length-prefixed byte strings, lists and dictionaries with
// lexicographically sorted keys.
package bencode

import "errors"

var (
	// ErrMalformedEncoding is returned for any syntactic violation of the
	// bencode grammar.
	ErrMalformedEncoding = errors.New("bencode: malformed encoding")
	// ErrTrailingGarbage is returned when bytes remain after a single
	// top-level value has been decoded.
	ErrTrailingGarbage = errors.New("bencode: trailing garbage after value")
	// ErrIntegerOverflow is returned when an integer does not fit in int64.
	ErrIntegerOverflow = errors.New("bencode: integer overflow")
	// ErrNonCanonicalDictionary is returned when dictionary keys are out of
	// lexicographic order or duplicated.
	ErrNonCanonicalDictionary = errors.New("bencode: dictionary keys not in canonical order")
	// ErrUnexpectedEOF is returned when the input ends before a value is
	// fully parsed.
	ErrUnexpectedEOF = errors.New("bencode: unexpected end of input")
)

// RawMessage holds the exact bencoded bytes of a decoded value, unmodified.
// It is used to preserve the info dictionary's original byte range for
// infohash computation: the SHA-1 must be taken over precisely what was on
// the wire, never a re-encoding.
type RawMessage []byte

// Dict is an ordered bencode dictionary decoded from the wire. Keys are kept
// in the order they appeared (which, for any input this package decoded
// itself, is always canonical order).
type Dict struct {
	Keys   []string
	Values []interface{}
}

// Get returns the value for key and whether it was present.
func (d *Dict) Get(key string) (interface{}, bool) {
	for i, k := range d.Keys {
		if k == key {
			return d.Values[i], true
		}
	}
	return nil, false
}

// Set inserts or replaces the value for key, maintaining canonical
// (lexicographic byte) order of Keys.
func (d *Dict) Set(key string, value interface{}) {
	for i, k := range d.Keys {
		if k == key {
			d.Values[i] = value
			return
		}
	}
	i := 0
	for i < len(d.Keys) && d.Keys[i] < key {
		i++
	}
	d.Keys = append(d.Keys, "")
	d.Values = append(d.Values, nil)
	copy(d.Keys[i+1:], d.Keys[i:])
	copy(d.Values[i+1:], d.Values[i:])
	d.Keys[i] = key
	d.Values[i] = value
}
