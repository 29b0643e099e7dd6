package peer

import "time"

// DecayFactor is applied to the score multiplier of a disconnected peer on every refresh.
const DecayFactor = 0.95

// ScoreInput holds the values a score is computed from.
type ScoreInput struct {
	AverageResponseTime time.Duration
	Timeouts            int
	HandshakeCompleted  bool
	BitfieldReceived    bool
	FollowsOrder        bool
	DownloadRate        float64 // bytes per second
	UploadRate          float64 // bytes per second
	Seeder              bool
	RarePieces          int
	Decay               float64
}

const (
	kib = 1024
)

// Score returns a value in [0, 100].
func Score(in ScoreInput) int {
	var total int

	// responsiveness
	switch {
	case in.AverageResponseTime < 200*time.Millisecond:
		total += 25
	case in.AverageResponseTime < time.Second:
		total += 20
	case in.AverageResponseTime < 3*time.Second:
		total += 10
	}

	// reliability
	switch {
	case in.Timeouts <= 0:
		total += 20
	case in.Timeouts == 1:
		total += 15
	case in.Timeouts == 2:
		total += 10
	}

	// protocol compliance
	if in.HandshakeCompleted {
		total += 5
	}
	if in.BitfieldReceived {
		total += 5
	}
	if in.FollowsOrder {
		total += 5
	}

	// throughput
	switch {
	case in.DownloadRate > 100*kib:
		total += 15
	case in.DownloadRate > 10*kib:
		total += 10
	}
	switch {
	case in.UploadRate > 50*kib:
		total += 10
	case in.UploadRate > 5*kib:
		total += 5
	}

	// swarm value
	switch {
	case in.Seeder:
		total += 15
	case in.RarePieces > 5:
		total += 10
	case in.RarePieces > 0:
		total += 5
	}

	total = min(total, 100)
	switch {
	case in.Timeouts >= 3:
		total = min(total, 40)
	case in.Timeouts >= 1:
		total = min(total, 80)
	}

	decay := in.Decay
	if decay < 0 {
		decay = 0
	} else if decay > 1 {
		decay = 1
	}
	return int(float64(total) * decay)
}

// ScoreInput collects the live values of the peer.
func (p *Peer) ScoreInput() ScoreInput {
	r := p.Metrics.Rates()
	return ScoreInput{
		AverageResponseTime: r.AverageResponseTime,
		Timeouts:            p.Timeouts(),
		HandshakeCompleted:  p.HandshakeCompleted(),
		BitfieldReceived:    p.BitfieldReceived(),
		FollowsOrder:        p.FollowsOrder(),
		DownloadRate:        r.DownloadRate,
		UploadRate:          r.UploadRate,
		Seeder:              p.Seeder(),
		RarePieces:          p.RarePieces(),
		Decay:               p.Decay(),
	}
}

// CalculateScore computes the score from current values. The result is never stored.
func (p *Peer) CalculateScore() int {
	return Score(p.ScoreInput())
}
