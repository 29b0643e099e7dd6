package torrent

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/drizzle/internal/session"
)

// Download is a session running in the Engine.
type Download struct {
	id        string
	session   *session.Session
	startedAt time.Time

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
}

// ID is a unique identifier generated when the session is started.
func (d *Download) ID() string { return d.id }

// Name of the torrent.
func (d *Download) Name() string { return d.session.Name }

// Done is closed after the session has stopped.
func (d *Download) Done() <-chan struct{} { return d.done }

// Err returns the error that stopped the session. Must be called after Done is closed.
func (d *Download) Err() error { return d.err }

// stop cancels the session once. The first caller decides what is done on stop.
func (d *Download) stop(flush, snapshot bool) {
	d.stopOnce.Do(func() {
		d.session.SetStopIntent(flush, snapshot)
		d.cancel()
	})
}

// Stats of a running session.
type Stats struct {
	session.Stats `json:",flatten"`
	ID            string        `json:"id"`
	Running       time.Duration `json:"running"`
}

// Stats returns the current counters of the session.
func (d *Download) Stats() Stats {
	return Stats{
		Stats:   d.session.Stats(),
		ID:      d.id,
		Running: time.Since(d.startedAt).Truncate(time.Second),
	}
}
