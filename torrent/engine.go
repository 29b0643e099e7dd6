// Package torrent provides the download engine: it starts, pauses and cancels torrent sessions.
package torrent

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/drizzle/internal/blocklist"
	"github.com/cenkalti/drizzle/internal/logger"
	"github.com/cenkalti/drizzle/internal/metainfo"
	"github.com/cenkalti/drizzle/internal/resumer"
	"github.com/cenkalti/drizzle/internal/resumer/boltdbresumer"
	"github.com/cenkalti/drizzle/internal/resumer/fileresumer"
	"github.com/cenkalti/drizzle/internal/session"
	"github.com/cenkalti/drizzle/internal/tracker/udptracker"
	"github.com/cenkalti/log"
	"github.com/gofrs/uuid"
)

var (
	// ErrSessionExists is returned from Start when a session with the same name is running.
	ErrSessionExists = errors.New("session already exists")
	// ErrSessionNotFound is returned when there is no running session with the given name.
	ErrSessionNotFound = errors.New("session not found")
	// ErrPauseTimeout is returned from Pause when the session did not stop in time.
	ErrPauseTimeout = errors.New("timeout while pausing session")

	errClosed = errors.New("engine is closed")
)

var resumeBucket = []byte("paused")

// peerIDPrefix is the client identifier in Azureus style.
const peerIDPrefix = "-DZ0001-"

// Engine runs torrent sessions. Sessions are keyed by torrent name.
type Engine struct {
	config       Config
	store        resumer.Store
	blocklist    *blocklist.Blocklist
	udpTransport *udptracker.Transport
	log          logger.Logger
	logs         *logger.BufferHandler

	m        sync.Mutex
	sessions map[string]*Download
	closed   bool
	wg       sync.WaitGroup
}

// New returns a new Engine. The resume store selected by the config is opened.
func New(cfg Config) (*Engine, error) {
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	logs := logger.NewBufferHandler(logger.Handler(), cfg.LogBufferSize)
	logger.SetHandler(logs)
	if cfg.Debug {
		logger.SetLevel(log.DEBUG)
	} else {
		logger.SetLevel(log.INFO)
	}
	l := logger.New("engine")
	bl, err := loadBlocklist(cfg.Blocklist, l)
	if err != nil {
		return nil, err
	}
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	return &Engine{
		config:       cfg,
		store:        store,
		blocklist:    bl,
		udpTransport: udptracker.NewTransport(bl, cfg.TrackerUDPRetryInterval),
		log:          l,
		logs:         logs,
		sessions:     make(map[string]*Download),
	}, nil
}

// loadBlocklist returns nil if path is empty.
func loadBlocklist(path string, l logger.Logger) (*blocklist.Blocklist, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	bl := blocklist.New(l)
	n, err := bl.Reload(f)
	if err != nil {
		return nil, fmt.Errorf("cannot load blocklist: %w", err)
	}
	l.Infof("loaded %d blocklist rules", n)
	return bl, nil
}

func openStore(cfg Config) (resumer.Store, error) {
	switch cfg.ResumeBackend {
	case ResumeBackendFile, "":
		return fileresumer.New(cfg.PausedSessionsDir)
	case ResumeBackendBolt:
		if err := os.MkdirAll(filepath.Dir(cfg.Database), 0750); err != nil {
			return nil, err
		}
		return boltdbresumer.Open(cfg.Database, resumeBucket)
	default:
		return nil, fmt.Errorf("unknown resume backend: %q", cfg.ResumeBackend)
	}
}

// Close cancels every running session, waits for them to stop and closes the resume store.
func (e *Engine) Close() error {
	e.m.Lock()
	e.closed = true
	downloads := make([]*Download, 0, len(e.sessions))
	for _, d := range e.sessions {
		downloads = append(downloads, d)
	}
	e.m.Unlock()
	for _, d := range downloads {
		d.stop(false, false)
	}
	e.wg.Wait()
	if err := e.udpTransport.Close(); err != nil {
		e.log.Debugln("cannot close udp tracker transport:", err)
	}
	return e.store.Close()
}

// Start a session from a torrent file.
// If a paused snapshot with the same name and info hash exists, the session resumes from it.
func (e *Engine) Start(path string) (*Download, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	mi, err := metainfo.New(f)
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("cannot parse torrent file: %w", err)
	}
	peerID, err := generatePeerID()
	if err != nil {
		return nil, err
	}
	id, err := generateID()
	if err != nil {
		return nil, err
	}

	e.m.Lock()
	defer e.m.Unlock()
	if e.closed {
		return nil, errClosed
	}
	name := mi.Info.Name
	if _, ok := e.sessions[name]; ok {
		return nil, ErrSessionExists
	}
	s := e.resume(mi, peerID)
	if s == nil {
		s = session.New(name, &mi.Info, mi.Trackers(), e.config.DataDir, peerID, e.config.Config)
		e.log.Infof("starting new session %q", name)
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Download{
		id:        id,
		session:   s,
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	e.sessions[name] = d
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		d.err = e.run(ctx, d)
		if d.err != nil {
			e.log.Errorf("session %q stopped with error: %s", name, d.err)
		}
		e.m.Lock()
		delete(e.sessions, name)
		e.m.Unlock()
		close(d.done)
	}()
	return d, nil
}

// resume returns a session restored from a paused snapshot, or nil if there is no usable snapshot.
func (e *Engine) resume(mi *metainfo.MetaInfo, peerID [20]byte) *session.Session {
	spec, err := e.store.Load(mi.Info.Name)
	if errors.Is(err, resumer.ErrNotFound) {
		return nil
	}
	if err != nil {
		e.log.Warningf("cannot load paused session %q, starting from scratch: %s", mi.Info.Name, err)
		return nil
	}
	s, err := session.FromSnapshot(spec, peerID, e.config.Config)
	if err == nil && s.InfoHash != mi.Info.Hash {
		s.Close()
		err = errors.New("info hash of paused session does not match torrent file")
	}
	if err != nil {
		e.log.Warningf("invalid paused session %q, starting from scratch: %s", mi.Info.Name, err)
		return nil
	}
	e.log.Infof("resuming session %q at %d%%", s.Name, int(spec.Progress()*100))
	return s
}

// Cancel stops a session without flushing queued writes or saving a snapshot.
// It does not wait for the session to stop.
func (e *Engine) Cancel(name string) error {
	d, ok := e.get(name)
	if !ok {
		return ErrSessionNotFound
	}
	d.stop(false, false)
	return nil
}

// Pause stops a session after flushing queued writes and saving a paused snapshot.
// It waits until the session stops or the shutdown timeout passes.
func (e *Engine) Pause(name string) error {
	d, ok := e.get(name)
	if !ok {
		return ErrSessionNotFound
	}
	d.stop(true, true)
	// The session waits up to ShutdownTimeout for flush confirmations, then announces stopped.
	timeout := e.config.ShutdownTimeout + e.config.TrackerStoppedEventTimeout + time.Second
	select {
	case <-d.done:
		return d.err
	case <-time.After(timeout):
		return ErrPauseTimeout
	}
}

func (e *Engine) get(name string) (*Download, bool) {
	e.m.Lock()
	defer e.m.Unlock()
	d, ok := e.sessions[name]
	return d, ok
}

// Get returns the running session with name.
func (e *Engine) Get(name string) (*Download, bool) {
	return e.get(name)
}

// Sessions returns the stats of running sessions sorted by name.
func (e *Engine) Sessions() []Stats {
	e.m.Lock()
	downloads := make([]*Download, 0, len(e.sessions))
	for _, d := range e.sessions {
		downloads = append(downloads, d)
	}
	e.m.Unlock()
	ret := make([]Stats, len(downloads))
	for i, d := range downloads {
		ret[i] = d.Stats()
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Name < ret[j].Name })
	return ret
}

// Paused returns the saved snapshots of paused sessions.
func (e *Engine) Paused() ([]PausedSession, error) {
	names, err := e.store.List()
	if err != nil {
		return nil, err
	}
	ret := make([]PausedSession, 0, len(names))
	for _, name := range names {
		spec, err := e.store.Load(name)
		if err != nil {
			e.log.Warningf("cannot load paused session %q: %s", name, err)
			continue
		}
		ret = append(ret, PausedSession{
			Name:     spec.Name,
			Progress: int(spec.Progress() * 100),
			Dest:     spec.Dest,
			PausedAt: spec.PausedAt,
		})
	}
	return ret, nil
}

// RecentLogs returns the most recent log lines, oldest first.
func (e *Engine) RecentLogs() []string {
	return e.logs.Lines()
}

// PausedSession is a session saved to the resume store.
type PausedSession struct {
	Name     string    `json:"name"`
	Progress int       `json:"progress"`
	Dest     string    `json:"dest"`
	PausedAt time.Time `json:"paused_at"`
}

func generateID() (string, error) {
	u1, err := uuid.NewV1()
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(u1[:]), nil
}

func generatePeerID() ([20]byte, error) {
	var id [20]byte
	u, err := uuid.NewV4()
	if err != nil {
		return id, err
	}
	copy(id[:], peerIDPrefix)
	copy(id[len(peerIDPrefix):], u[:])
	return id, nil
}
