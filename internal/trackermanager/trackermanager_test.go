package trackermanager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetCachesPerURL(t *testing.T) {
	m := New(time.Second)

	a, err := m.Get("udp://tracker.example.com:80/announce")
	require.NoError(t, err)
	b, err := m.Get("udp://tracker.example.com:80/announce")
	require.NoError(t, err)
	assert.Same(t, a, b)

	c, err := m.Get("http://other.example.com/announce")
	require.NoError(t, err)
	assert.NotSame(t, a, c)
}

func TestGetRejectsUnsupportedScheme(t *testing.T) {
	m := New(time.Second)
	_, err := m.Get("ftp://example.com/announce")
	assert.Error(t, err)
}
