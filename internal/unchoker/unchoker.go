// Package unchoker decides which connected peers are unchoked, monitored or dropped based on their score.
package unchoker

import (
	"sort"
	"time"
)

// Score thresholds of the selection policy.
const (
	UnchokeScore     = 80
	MonitorScore     = 40
	ReplacementScore = 30
)

// Action to apply to a connected peer.
type Action int

// Possible actions
const (
	// Unchoke the peer and declare interest.
	Unchoke Action = iota
	// Monitor keeps the peer connected but choked and not interested.
	Monitor
	// Disconnect the peer and look for a replacement.
	Disconnect
)

func (a Action) String() string {
	switch a {
	case Unchoke:
		return "unchoke"
	case Monitor:
		return "monitor"
	case Disconnect:
		return "disconnect"
	}
	return "unknown"
}

// Decide returns the action for a connected peer with the given score.
func Decide(score int) Action {
	switch {
	case score >= UnchokeScore:
		return Unchoke
	case score >= MonitorScore:
		return Monitor
	default:
		return Disconnect
	}
}

// Peer of a torrent.
type Peer interface {
	// Sends messages and sets choking status of local peer
	Choke()
	Unchoke()

	// Sends messages and sets interest status of local peer
	Interested()
	NotInterested()

	CalculateScore() int
}

// Candidate is a known but not connected peer that may replace a dropped one.
type Candidate interface {
	CalculateScore() int
	LastConnectAttempt() time.Time
}

// Unchoker applies the selection policy to connected peers.
type Unchoker struct {
	cooldown time.Duration
	now      func() time.Time
}

// New returns a new Unchoker. Candidates attempted within cooldown are not selected as replacements.
func New(cooldown time.Duration) *Unchoker {
	return &Unchoker{
		cooldown: cooldown,
		now:      time.Now,
	}
}

// Result of a selection round.
type Result[P Peer] struct {
	Unchoked  []P
	Monitored []P
	Dropped   []P
}

// Apply decides and performs the choke and interest changes for every peer.
// Peers to disconnect are returned in Result.Dropped; disconnecting them is up to the caller.
func Apply[P Peer](peers []P) Result[P] {
	var r Result[P]
	for _, pe := range peers {
		switch Decide(pe.CalculateScore()) {
		case Unchoke:
			pe.Unchoke()
			pe.Interested()
			r.Unchoked = append(r.Unchoked, pe)
		case Monitor:
			pe.Choke()
			pe.NotInterested()
			r.Monitored = append(r.Monitored, pe)
		case Disconnect:
			r.Dropped = append(r.Dropped, pe)
		}
	}
	return r
}

// SelectReplacements returns up to n candidates ordered by descending score.
// Candidates in the reconnect cooldown window or with a score not above ReplacementScore are skipped.
func SelectReplacements[C Candidate](u *Unchoker, candidates []C, n int) []C {
	if n <= 0 {
		return nil
	}
	now := u.now()
	type scored struct {
		c     C
		score int
	}
	eligible := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		if last := c.LastConnectAttempt(); !last.IsZero() && now.Sub(last) < u.cooldown {
			continue
		}
		s := c.CalculateScore()
		if s <= ReplacementScore {
			continue
		}
		eligible = append(eligible, scored{c, s})
	}
	sort.SliceStable(eligible, func(i, j int) bool { return eligible[i].score > eligible[j].score })
	if len(eligible) > n {
		eligible = eligible[:n]
	}
	ret := make([]C, len(eligible))
	for i := range eligible {
		ret[i] = eligible[i].c
	}
	return ret
}

// FastUnchoke must be called when remote peer becomes interested.
// The peer is unchoked immediately if it already scores high enough,
// without waiting for the next selection round.
func FastUnchoke(pe Peer) bool {
	if Decide(pe.CalculateScore()) != Unchoke {
		return false
	}
	pe.Unchoke()
	return true
}
