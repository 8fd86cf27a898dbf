package announcer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/rain/internal/logger"
	"github.com/cenkalti/rain/internal/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTracker struct {
	url       string
	fail      bool
	announces int32
}

func (f *fakeTracker) URL() string { return f.url }

func (f *fakeTracker) Announce(req tracker.AnnounceRequest) (*tracker.AnnounceResponse, error) {
	atomic.AddInt32(&f.announces, 1)
	if f.fail {
		return nil, &tracker.Error{Reason: "down"}
	}
	return &tracker.AnnounceResponse{Interval: time.Hour}, nil
}

func (f *fakeTracker) Scrape(infoHashes [][20]byte) ([]*tracker.ScrapeResponse, error) {
	return nil, tracker.ErrNotSupported
}

func TestAnnouncerFailsOverWithinTier(t *testing.T) {
	first := &fakeTracker{url: "udp://a", fail: true}
	second := &fakeTracker{url: "udp://b"}
	tiers := [][]tracker.Tracker{{first, second}}

	a := New(tiers, func() tracker.Torrent { return tracker.Torrent{} }, 50, logger.New("test"))
	defer a.Close()

	res := <-a.ResultC
	require.NoError(t, res.Error)
	assert.EqualValues(t, 1, atomic.LoadInt32(&first.announces))
	assert.EqualValues(t, 1, atomic.LoadInt32(&second.announces))

	// successful tracker promoted to tier front
	assert.Equal(t, "udp://b", tiers[0][0].URL())
}

func TestAnnouncerReportsErrorWhenAllTrackersFail(t *testing.T) {
	only := &fakeTracker{url: "udp://a", fail: true}
	tiers := [][]tracker.Tracker{{only}}

	a := New(tiers, func() tracker.Torrent { return tracker.Torrent{} }, 50, logger.New("test"))
	defer a.Close()

	res := <-a.ResultC
	assert.Error(t, res.Error)
}
