package bencode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEncodeRoundTrip(t *testing.T) {
	cases := []string{
		"i42e",
		"i-3e",
		"i0e",
		"4:spam",
		"0:",
		"le",
		"l4:spam4:eggse",
		"d3:cow3:moo4:spam4:eggse",
		"d4:infod6:lengthi20e4:name4:test12:piece lengthi16eee",
	}
	for _, c := range cases {
		v, err := NewDecoder([]byte(c)).Decode()
		require.NoError(t, err, c)
		out, err := Encode(v)
		require.NoError(t, err, c)
		assert.Equal(t, c, string(out), "round-trip mismatch for %q", c)
	}
}

func TestDecodeErrors(t *testing.T) {
	cases := map[string]error{
		"":           ErrUnexpectedEOF,
		"i e":        ErrMalformedEncoding,
		"i01e":       ErrMalformedEncoding,
		"5:ab":       ErrUnexpectedEOF,
		"d3:bbbi1e3:aaai2ee": ErrNonCanonicalDictionary,
		"d3:aaai1e3:aaai2ee": ErrNonCanonicalDictionary,
		"i4e5:extra": ErrTrailingGarbage,
		"x":          ErrMalformedEncoding,
	}
	for input, wantErr := range cases {
		_, err := NewDecoder([]byte(input)).Decode()
		assert.ErrorIs(t, err, wantErr, "input %q", input)
	}
}

func TestDictGetSetOrdering(t *testing.T) {
	d := &Dict{}
	d.Set("zebra", int64(1))
	d.Set("apple", int64(2))
	d.Set("mango", int64(3))
	assert.Equal(t, []string{"apple", "mango", "zebra"}, d.Keys)

	out, err := Encode(d)
	require.NoError(t, err)
	assert.Equal(t, "d5:applei2e5:mangoi3e5:zebrai1ee", string(out))
}

func TestIntegerOverflow(t *testing.T) {
	_, err := NewDecoder([]byte("i99999999999999999999999999e")).Decode()
	assert.ErrorIs(t, err, ErrIntegerOverflow)
}
