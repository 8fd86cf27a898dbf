// Package trackermanager caches one tracker.Tracker instance per announce
// URL across all torrents in a session, so torrents announcing to the same
// URL also share the UDP connection_id cache. Tier order, including moving a
// successful tracker to the front of its tier, is kept by each torrent's
// announcer and is not shared.
package trackermanager

import (
	"sync"
	"time"

	"github.com/cenkalti/rain/internal/tracker"
)

// TrackerManager hands out a shared tracker.Tracker per URL.
type TrackerManager struct {
	mu       sync.Mutex
	trackers map[string]tracker.Tracker
	timeout  time.Duration
}

// New returns a manager that constructs trackers with the given per-request
// timeout.
func New(timeout time.Duration) *TrackerManager {
	return &TrackerManager{
		trackers: make(map[string]tracker.Tracker),
		timeout:  timeout,
	}
}

// Get returns the cached Tracker for rawURL, constructing and caching one
// if this is the first request for that URL.
func (m *TrackerManager) Get(rawURL string) (tracker.Tracker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.trackers[rawURL]; ok {
		return t, nil
	}
	t, err := tracker.New(rawURL, m.timeout)
	if err != nil {
		return nil, err
	}
	m.trackers[rawURL] = t
	return t, nil
}
