// Package announcer announces a session to its trackers and feeds the returned peers to the session.
package announcer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/cenkalti/drizzle/internal/counters"
	"github.com/cenkalti/drizzle/internal/logger"
	"github.com/cenkalti/drizzle/internal/session"
	"github.com/cenkalti/drizzle/internal/tracker"
)

// Status of the announcer.
type Status int

// Announcer statuses.
const (
	NotContactedYet Status = iota
	Contacting
	Working
	NotWorking
)

var statusStrings = [...]string{"not contacted yet", "contacting", "working", "not working"}

func (s Status) String() string { return statusStrings[s] }

// Announcer announces to the current tracker of a session.
// Failed announces rotate the session to the next tracker.
type Announcer struct {
	session  *session.Session
	trackers []tracker.Tracker
	numWant  int
	port     uint16
	log      logger.Logger

	backoff   backoff.BackOff
	completed atomic.Bool

	m         sync.Mutex
	status    Status
	lastError *AnnounceError
	retryIn   time.Duration
}

// New returns an Announcer. trackers must be in the same order as the session tracker URLs.
func New(s *session.Session, trackers []tracker.Tracker, numWant int, port uint16) *Announcer {
	return &Announcer{
		session:  s,
		trackers: trackers,
		numWant:  numWant,
		port:     port,
		log:      logger.ForSession("announcer", s.Name),
		backoff: &backoff.ExponentialBackOff{
			InitialInterval:     30 * time.Second,
			RandomizationFactor: 0.5,
			Multiplier:          2,
			MaxInterval:         30 * time.Minute,
			MaxElapsedTime:      0, // never stop
			Clock:               backoff.SystemClock,
		},
	}
}

func (a *Announcer) current() tracker.Tracker {
	if len(a.trackers) == 0 {
		return nil
	}
	return a.trackers[a.session.TrackerIndex()%len(a.trackers)]
}

func (a *Announcer) torrent() tracker.Torrent {
	s := a.session
	return tracker.Torrent{
		BytesUploaded:   s.Counters.Read(counters.BytesUploaded),
		BytesDownloaded: s.Counters.Read(counters.BytesDownloaded),
		BytesLeft:       s.BytesRemaining(),
		InfoHash:        s.InfoHash,
		PeerID:          s.PeerID,
		Port:            a.port,
	}
}

// Announce sends one announce to the current tracker and returns true if the tracker should be rotated.
// On success the tracker response event of the session is raised and the announce interval is updated.
func (a *Announcer) Announce(ctx context.Context, e tracker.Event) (rotate bool) {
	trk := a.current()
	if trk == nil {
		return false
	}
	a.setStatus(Contacting)
	numWant := a.numWant
	if e == tracker.EventStopped || e == tracker.EventCompleted {
		numWant = 0
	}
	resp, err := trk.Announce(ctx, tracker.AnnounceRequest{
		Torrent: a.torrent(),
		Event:   e,
		NumWant: numWant,
	})
	if errors.Is(err, context.Canceled) {
		return false
	}
	if err != nil {
		aerr := newAnnounceError(err)
		if aerr.Unknown {
			a.log.Errorln("announce error:", aerr.ErrorWithType())
		} else {
			a.log.Debugln("announce error:", aerr.Message)
		}
		var terr *tracker.Error
		a.m.Lock()
		a.status = NotWorking
		a.lastError = aerr
		a.retryIn = 0
		if errors.As(err, &terr) {
			a.retryIn = terr.RetryIn
		}
		a.m.Unlock()
		return true
	}
	a.m.Lock()
	a.status = Working
	a.lastError = nil
	a.m.Unlock()

	interval := resp.Interval
	if interval <= 0 {
		interval = session.DefaultAnnounceInterval
	}
	a.session.SetInterval(interval)
	a.session.SetSwarm(resp.Seeders, resp.Leechers)
	a.log.Debugf("announce %s returned %d peers, interval: %s", trk.URL(), len(resp.Peers), interval)
	a.session.TrackerResponse.Notify(session.TrackerResponse{
		Peers:    resp.Peers,
		Interval: interval,
		Seeders:  resp.Seeders,
		Leechers: resp.Leechers,
	})
	return false
}

// Run announces started, then announces again on every interval until ctx is done.
// Run does not announce completed or stopped; see AnnounceCompleted and AnnounceStopped.
func (a *Announcer) Run(ctx context.Context) {
	a.backoff.Reset()
	timer := time.NewTimer(a.next(a.Announce(ctx, tracker.EventStarted)))
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			timer.Reset(a.next(a.Announce(ctx, tracker.EventNone)))
		case <-ctx.Done():
			return
		}
	}
}

// next returns the wait duration after an announce, rotating the tracker on failure.
func (a *Announcer) next(rotate bool) time.Duration {
	if !rotate {
		a.backoff.Reset()
		return a.session.Interval()
	}
	i := a.session.RotateTracker()
	a.log.Debugf("rotating to tracker #%d", i)
	a.m.Lock()
	retryIn := a.retryIn
	a.m.Unlock()
	if retryIn > 0 {
		return retryIn
	}
	return a.backoff.NextBackOff()
}

// AnnounceCompleted sends the completed event to the current tracker, once per announcer.
// It must not run concurrently with Run.
func (a *Announcer) AnnounceCompleted(timeout time.Duration) {
	if !a.completed.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	a.Announce(ctx, tracker.EventCompleted)
}

// AnnounceStopped sends a best-effort stopped event to the current tracker.
func (a *Announcer) AnnounceStopped(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	a.Announce(ctx, tracker.EventStopped)
}

// Stats about the announcer.
type Stats struct {
	Status Status
	Error  *AnnounceError
}

// Stats returns the status of the last announce.
func (a *Announcer) Stats() Stats {
	a.m.Lock()
	defer a.m.Unlock()
	return Stats{Status: a.status, Error: a.lastError}
}

func (a *Announcer) setStatus(s Status) {
	a.m.Lock()
	a.status = s
	a.m.Unlock()
}
