// Package counters keeps the byte totals of a session. They are saved in the paused snapshot
// and restored on resume, so they count across the whole life of a download.
package counters

import "sync/atomic"

// Counter identifies one of the byte totals.
type Counter int

// Byte totals of a session.
const (
	// Bytes of accepted piece data.
	BytesDownloaded Counter = iota
	// Bytes of piece data sent to peers.
	BytesUploaded
	// Bytes received but discarded: unrequested, duplicate or part of a piece that failed the hash check.
	BytesWasted
	numCounters
)

// Counters is safe for concurrent use. The zero value has all totals at zero.
type Counters struct {
	v [numCounters]atomic.Int64
}

// Restore sets the totals to values loaded from a paused snapshot.
func (c *Counters) Restore(downloaded, uploaded, wasted int64) {
	c.v[BytesDownloaded].Store(downloaded)
	c.v[BytesUploaded].Store(uploaded)
	c.v[BytesWasted].Store(wasted)
}

// Incr adds n bytes to the counter.
func (c *Counters) Incr(name Counter, n int64) {
	c.v[name].Add(n)
}

// Read returns the current total of the counter.
func (c *Counters) Read(name Counter) int64 {
	return c.v[name].Load()
}
