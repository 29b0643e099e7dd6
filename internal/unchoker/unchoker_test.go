package unchoker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type TestPeer struct {
	name        string
	score       int
	choking     bool
	interested  bool
	lastAttempt time.Time
}

func (p *TestPeer) Choke()                        { p.choking = true }
func (p *TestPeer) Unchoke()                      { p.choking = false }
func (p *TestPeer) Interested()                   { p.interested = true }
func (p *TestPeer) NotInterested()                { p.interested = false }
func (p *TestPeer) CalculateScore() int           { return p.score }
func (p *TestPeer) LastConnectAttempt() time.Time { return p.lastAttempt }

func TestDecide(t *testing.T) {
	assert.Equal(t, Unchoke, Decide(100))
	assert.Equal(t, Unchoke, Decide(80))
	assert.Equal(t, Monitor, Decide(79))
	assert.Equal(t, Monitor, Decide(40))
	assert.Equal(t, Disconnect, Decide(39))
	assert.Equal(t, Disconnect, Decide(0))
}

func TestApply(t *testing.T) {
	good := &TestPeer{name: "good", score: 90, choking: true}
	okay := &TestPeer{name: "okay", score: 50, interested: true}
	bad := &TestPeer{name: "bad", score: 10, choking: true}

	r := Apply([]*TestPeer{good, okay, bad})

	assert.Equal(t, []*TestPeer{good}, r.Unchoked)
	assert.Equal(t, []*TestPeer{okay}, r.Monitored)
	assert.Equal(t, []*TestPeer{bad}, r.Dropped)
	assert.False(t, good.choking)
	assert.True(t, good.interested)
	assert.True(t, okay.choking)
	assert.False(t, okay.interested)
	assert.True(t, bad.choking)
}

func TestSelectReplacements(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	u := New(30 * time.Second)
	u.now = func() time.Time { return now }

	fresh := &TestPeer{name: "fresh", score: 50}
	best := &TestPeer{name: "best", score: 70, lastAttempt: now.Add(-time.Minute)}
	cooling := &TestPeer{name: "cooling", score: 99, lastAttempt: now.Add(-10 * time.Second)}
	weak := &TestPeer{name: "weak", score: 30}

	candidates := []*TestPeer{fresh, best, cooling, weak}
	assert.Equal(t, []*TestPeer{best, fresh}, SelectReplacements(u, candidates, 5))
	assert.Equal(t, []*TestPeer{best}, SelectReplacements(u, candidates, 1))
	assert.Empty(t, SelectReplacements(u, candidates, 0))
}

func TestFastUnchoke(t *testing.T) {
	pe := &TestPeer{score: 85, choking: true}
	assert.True(t, FastUnchoke(pe))
	assert.False(t, pe.choking)

	pe = &TestPeer{score: 60, choking: true}
	assert.False(t, FastUnchoke(pe))
	assert.True(t, pe.choking)
}
