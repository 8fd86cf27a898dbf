// Package announcer drives periodic tracker announces for one torrent: it
// walks an ordered list of tiers, tries each tracker in tier order, moves a
// successful tracker to the front of its tier, and backs off per the
// 15*2^n schedule on total failure.
package announcer

import (
	"math"
	"time"

	"github.com/cenkalti/rain/internal/logger"
	"github.com/cenkalti/rain/internal/tracker"
)

// MaxRetryAttempts bounds the backoff exponent; after this many consecutive
// failed announce rounds the announcer waits at the capped interval rather
// than backing off further.
const MaxRetryAttempts = 5

// Result is delivered on ResultC after each announce attempt (success or
// exhausted retries).
type Result struct {
	Response *tracker.AnnounceResponse
	Error    error
}

// StatusFunc supplies the current torrent counters at announce time (called
// fresh for every attempt, since bytes transferred change between ticks).
type StatusFunc func() tracker.Torrent

// PeriodicalAnnouncer repeatedly announces to the tiers of trackers at
// their indicated interval, retrying with backoff on failure.
type PeriodicalAnnouncer struct {
	tiers   [][]tracker.Tracker
	status  StatusFunc
	numWant int
	log     logger.Logger

	ResultC chan Result

	needMorePeers bool
	closeC        chan struct{}
	doneC         chan struct{}
}

// New starts a periodical announcer for tiers (one []tracker.Tracker per
// tier, in priority order).
func New(tiers [][]tracker.Tracker, status StatusFunc, numWant int, l logger.Logger) *PeriodicalAnnouncer {
	a := &PeriodicalAnnouncer{
		tiers:   tiers,
		status:  status,
		numWant: numWant,
		log:     l,
		ResultC: make(chan Result),
		closeC:  make(chan struct{}),
		doneC:   make(chan struct{}),
	}
	go a.run(tracker.Started)
	return a
}

// NeedMorePeers toggles numwant: when true the announcer requests a larger
// peer count on its next regular announce.
func (a *PeriodicalAnnouncer) NeedMorePeers(val bool) { a.needMorePeers = val }

// Close stops the announcer without sending a final event (use
// StopAnnouncer for a graceful "announce Stopped then stop").
func (a *PeriodicalAnnouncer) Close() {
	select {
	case <-a.closeC:
	default:
		close(a.closeC)
	}
	<-a.doneC
}

func backoff(attempt int) time.Duration {
	n := attempt
	if n > MaxRetryAttempts-1 {
		n = MaxRetryAttempts - 1
	}
	return time.Duration(15*math.Pow(2, float64(n))) * time.Second
}

func (a *PeriodicalAnnouncer) run(firstEvent tracker.Event) {
	defer close(a.doneC)
	event := firstEvent
	attempt := 0
	for {
		numWant := a.numWant
		if a.needMorePeers {
			numWant = 200
		}
		resp, err := a.announceOnce(event, numWant)
		select {
		case a.ResultC <- Result{Response: resp, Error: err}:
		case <-a.closeC:
			return
		}
		event = tracker.None

		var wait time.Duration
		if err != nil {
			attempt++
			wait = backoff(attempt)
		} else {
			attempt = 0
			wait = resp.Interval
			if wait < resp.MinInterval {
				wait = resp.MinInterval
			}
			if wait <= 0 {
				wait = 30 * time.Minute
			}
		}

		select {
		case <-time.After(wait):
		case <-a.closeC:
			return
		}
	}
}

// announceOnce tries every tracker of every tier in order, promoting the
// first success to the front of its tier.
func (a *PeriodicalAnnouncer) announceOnce(event tracker.Event, numWant int) (*tracker.AnnounceResponse, error) {
	req := tracker.AnnounceRequest{Torrent: a.status(), Event: event, NumWant: numWant}
	var lastErr error
	for ti, tier := range a.tiers {
		for i, tr := range tier {
			resp, err := tr.Announce(req)
			if err != nil {
				lastErr = err
				a.log.Debugln("tracker announce failed:", tr.URL(), err)
				continue
			}
			if i != 0 {
				promoted := append([]tracker.Tracker{tr}, append(append([]tracker.Tracker{}, tier[:i]...), tier[i+1:]...)...)
				a.tiers[ti] = promoted
			}
			return resp, nil
		}
	}
	if lastErr == nil {
		lastErr = tracker.ErrNotSupported
	}
	return nil, lastErr
}

// StopAnnouncer announces the Stopped event once, then signals done on
// DoneC and exits regardless of success.
type StopAnnouncer struct {
	DoneC chan struct{}
}

// NewStopAnnouncer announces Stopped to every tracker in tiers, in the
// background, closing DoneC once every tracker has been tried (or timeout
// elapses).
func NewStopAnnouncer(tiers [][]tracker.Tracker, status StatusFunc, timeout time.Duration, l logger.Logger) *StopAnnouncer {
	s := &StopAnnouncer{DoneC: make(chan struct{})}
	go func() {
		defer close(s.DoneC)
		req := tracker.AnnounceRequest{Torrent: status(), Event: tracker.Stopped}
		done := make(chan struct{})
		go func() {
			for _, tier := range tiers {
				for _, tr := range tier {
					if _, err := tr.Announce(req); err != nil {
						l.Debugln("stopped announce failed:", tr.URL(), err)
					}
				}
			}
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
		}
	}()
	return s
}

// Close is a no-op once DoneC has fired; present for symmetry with
// PeriodicalAnnouncer.
func (s *StopAnnouncer) Close() {}

// AnnounceCompleted sends a single Completed event to every tracker in
// tiers, in the background, without blocking the caller. Used once when a
// torrent transitions from Running to Seeding.
func AnnounceCompleted(tiers [][]tracker.Tracker, status StatusFunc, timeout time.Duration, l logger.Logger) {
	go func() {
		req := tracker.AnnounceRequest{Torrent: status(), Event: tracker.Completed}
		done := make(chan struct{})
		go func() {
			for _, tier := range tiers {
				for _, tr := range tier {
					if _, err := tr.Announce(req); err != nil {
						l.Debugln("completed announce failed:", tr.URL(), err)
					}
				}
			}
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
		}
	}()
}
