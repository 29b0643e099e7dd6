// Package peermanager connects to peers, runs their tasks and decides what to request from them.
package peermanager

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/drizzle/internal/blocklist"
	"github.com/cenkalti/drizzle/internal/counters"
	"github.com/cenkalti/drizzle/internal/logger"
	"github.com/cenkalti/drizzle/internal/outqueue"
	"github.com/cenkalti/drizzle/internal/peer"
	"github.com/cenkalti/drizzle/internal/peerconn"
	"github.com/cenkalti/drizzle/internal/peermanager/peerids"
	"github.com/cenkalti/drizzle/internal/peerprotocol"
	"github.com/cenkalti/drizzle/internal/session"
	"github.com/cenkalti/drizzle/internal/unchoker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var (
	errDuplicatePeer = errors.New("peer id is already connected")
	errStopped       = errors.New("peer manager is stopped")
)

// DialFunc opens a connection to a peer.
type DialFunc func(ctx context.Context, addr netip.AddrPort, timeout time.Duration) (net.Conn, error)

// PeerManager owns the connections of a session.
type PeerManager struct {
	session  *session.Session
	config   session.Config
	unchoker *unchoker.Unchoker
	peerIDs  *peerids.PeerIDs
	log      logger.Logger

	semConnect   *semaphore.Weighted
	semReceive   *semaphore.Weighted
	semSend      *semaphore.Weighted
	semKeepAlive *semaphore.Weighted

	// Dial is used to open connections. Must be set before Run.
	Dial DialFunc
	// Peers in Blocklist are not connected. May be nil.
	Blocklist *blocklist.Blocklist

	connecting atomic.Int32

	m       sync.Mutex
	conns   map[netip.AddrPort]*peerconn.Conn
	ids     map[netip.AddrPort][20]byte
	stopped bool
	wg      sync.WaitGroup
}

// New returns a new PeerManager for the session.
func New(s *session.Session) *PeerManager {
	cfg := s.Config
	return &PeerManager{
		session:      s,
		config:       cfg,
		unchoker:     unchoker.New(cfg.ReconnectCooldown),
		peerIDs:      peerids.New(s.PeerID),
		log:          logger.New("peermanager"),
		semConnect:   semaphore.NewWeighted(cfg.ConnectConcurrency),
		semReceive:   semaphore.NewWeighted(cfg.ReceiveConcurrency),
		semSend:      semaphore.NewWeighted(cfg.SendConcurrency),
		semKeepAlive: semaphore.NewWeighted(cfg.KeepAliveConcurrency),
		Dial:         peerconn.Dial,
		conns:        make(map[netip.AddrPort]*peerconn.Conn),
		ids:          make(map[netip.AddrPort][20]byte),
	}
}

// Run handles session events and refreshes peer states periodically until ctx is done.
// All peers are disconnected before Run returns.
func (pm *PeerManager) Run(ctx context.Context) {
	s := pm.session
	unsubscribers := []func(){
		s.TrackerResponse.Subscribe(func(r session.TrackerResponse) {
			pm.HandleTrackerResponse(ctx, r)
		}),
		s.PeerConnected.Subscribe(pm.handlePeerConnected),
		s.BlockRead.Subscribe(func(e session.BlockRead) {
			pm.QueueMessage(e.Peer, peerprotocol.PieceMessage{Index: e.Block.PieceIndex, Begin: e.Block.Begin, Data: e.Block.Data})
		}),
	}
	defer func() {
		for _, unsubscribe := range unsubscribers {
			unsubscribe()
		}
	}()

	ticker := time.NewTicker(pm.config.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pm.UpdatePeerStates(ctx)
			pm.UpdatePeerSelection(ctx)
		case <-ctx.Done():
			pm.stop()
			return
		}
	}
}

func (pm *PeerManager) stop() {
	pm.m.Lock()
	pm.stopped = true
	pm.m.Unlock()
	pm.DisconnectAll()
	pm.wg.Wait()
}

// spawn runs f in a new goroutine that is waited before Run returns.
func (pm *PeerManager) spawn(f func()) bool {
	pm.m.Lock()
	defer pm.m.Unlock()
	if pm.stopped {
		return false
	}
	pm.wg.Add(1)
	go func() {
		defer pm.wg.Done()
		f()
	}()
	return true
}

// HandleTrackerResponse starts connecting to new peers in the response, up to the free swarm capacity.
func (pm *PeerManager) HandleTrackerResponse(ctx context.Context, r session.TrackerResponse) {
	s := pm.session
	free := pm.config.MaxSwarmSize - len(s.AllTasks()) - int(pm.connecting.Load())
	var blocked int
	for _, addr := range r.Peers {
		if pm.Blocklist != nil && pm.Blocklist.Blocked(addr.Addr()) {
			blocked++
			continue
		}
		pe, _ := s.AddPeer(addr)
		if free <= 0 {
			continue
		}
		if pe.Connected() || s.HasTasks(addr) {
			continue
		}
		free--
		pm.connectAsync(ctx, pe)
	}
	pm.log.Debugf("received %d peers from tracker, blocked: %d, known peers: %d", len(r.Peers), blocked, s.NumKnown())
}

func (pm *PeerManager) connectAsync(ctx context.Context, pe *peer.Peer) {
	pm.connecting.Add(1)
	ok := pm.spawn(func() {
		defer pm.connecting.Add(-1)
		if err := pm.Connect(ctx, pe); err != nil && ctx.Err() == nil {
			pm.log.Debugf("cannot connect to %s: %s", pe, err)
		}
	})
	if !ok {
		pm.connecting.Add(-1)
	}
}

// Connect opens a connection to the peer under the connect concurrency limit,
// queues the handshake and starts the peer tasks.
func (pm *PeerManager) Connect(ctx context.Context, pe *peer.Peer) error {
	s := pm.session
	if err := pm.semConnect.Acquire(ctx, 1); err != nil {
		return err
	}
	defer pm.semConnect.Release(1)

	if s.HasTasks(pe.Addr) {
		return nil
	}
	pe.MarkConnectAttempt()
	nc, err := pm.Dial(ctx, pe.Addr, pm.config.ConnectTimeout)
	if err != nil {
		return err
	}
	pe.ResetConnection()
	conn := peerconn.New(nc, pe, pm.config.MaxMessageLength, logger.New("peer "+pe.String()))
	q := outqueue.New(pm.config.OutboundQueueSize)
	q.Enqueue(peerprotocol.HandshakeMessage{InfoHash: s.InfoHash, PeerID: s.PeerID})

	pctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	if !s.SetTasks(pe.Addr, &session.PeerTasks{Cancel: cancel, Done: done}) {
		cancel()
		conn.Close()
		return nil
	}
	s.SetQueue(pe.Addr, q)
	pm.m.Lock()
	pm.conns[pe.Addr] = conn
	pm.m.Unlock()

	g, gctx := errgroup.WithContext(pctx)
	stopClose := context.AfterFunc(gctx, conn.Close)
	g.Go(func() error { return pm.receive(gctx, pe, conn) })
	g.Go(func() error { return pm.send(gctx, pe, conn, q) })
	g.Go(func() error { return pm.keepAlive(gctx, pe, q) })
	g.Go(func() error { return pm.monitorRequests(gctx, pe) })
	started := pm.spawn(func() {
		err := g.Wait()
		stopClose()
		close(done)
		if err != nil && !errors.Is(err, context.Canceled) {
			pm.log.Debugf("peer %s disconnected: %s", pe, err)
		}
		pm.Disconnect(pe)
	})
	if !started {
		cancel()
		_ = g.Wait()
		stopClose()
		close(done)
		pm.Disconnect(pe)
		return errStopped
	}
	return nil
}

func (pm *PeerManager) receive(ctx context.Context, pe *peer.Peer, conn *peerconn.Conn) error {
	hs, err := conn.ReadHandshake()
	if err != nil {
		return fmt.Errorf("cannot read handshake: %w", err)
	}
	if err = pm.deliver(ctx, pe, hs); err != nil {
		return err
	}
	for {
		msg, err := conn.ReadMessage()
		if errors.Is(err, peerprotocol.ErrUnknownMessage) {
			pm.log.Debugf("peer %s: %s", pe, err)
			continue
		}
		if err != nil {
			return err
		}
		if err = pm.deliver(ctx, pe, msg); err != nil {
			return err
		}
	}
}

func (pm *PeerManager) deliver(ctx context.Context, pe *peer.Peer, msg peerprotocol.Message) error {
	if err := pm.semReceive.Acquire(ctx, 1); err != nil {
		return err
	}
	defer pm.semReceive.Release(1)
	pm.session.MessageReceived.Notify(session.MessageReceived{Peer: pe, Message: msg})
	return nil
}

func (pm *PeerManager) send(ctx context.Context, pe *peer.Peer, conn *peerconn.Conn, q *outqueue.Queue) error {
	s := pm.session
	for {
		msg, err := q.Dequeue(ctx)
		if err != nil {
			return err
		}
		if err = pm.semSend.Acquire(ctx, 1); err != nil {
			return err
		}
		err = conn.WriteMessage(msg)
		pm.semSend.Release(1)
		if err != nil {
			return fmt.Errorf("cannot send %s message: %w", msg.ID(), err)
		}
		if pmsg, ok := msg.(peerprotocol.PieceMessage); ok {
			n := len(pmsg.Data)
			pe.Metrics.RecordUpload(n)
			s.Counters.Incr(counters.BytesUploaded, int64(n))
			s.Metrics.SpeedUpload.Mark(int64(n))
		}
	}
}

func (pm *PeerManager) keepAlive(ctx context.Context, pe *peer.Peer, q *outqueue.Queue) error {
	ticker := time.NewTicker(pm.config.KeepAliveInterval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if time.Since(pe.LastActive()) < pm.config.KeepAliveInterval {
				continue
			}
			if err := pm.semKeepAlive.Acquire(ctx, 1); err != nil {
				return err
			}
			q.Enqueue(peerprotocol.KeepAliveMessage{})
			pm.semKeepAlive.Release(1)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// monitorRequests is the only place that detects stale requests of a peer.
// Stale blocks are marked for retry and requested again.
func (pm *PeerManager) monitorRequests(ctx context.Context, pe *peer.Peer) error {
	s := pm.session
	ticker := time.NewTicker(pm.config.PieceRequestTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			stale := s.Pending.MarkStale(pe.Addr, pm.config.PieceRequestTimeout)
			if len(stale) == 0 {
				continue
			}
			pm.log.Debugf("%d requests to %s timed out", len(stale), pe)
			s.Metrics.RequestRetries.Inc(int64(len(stale)))
			pm.QueuePieceRequests(pe)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Drop disconnects the peer without waiting. Safe to call from the peer's own tasks.
func (pm *PeerManager) Drop(pe *peer.Peer, reason error) {
	pm.log.Infof("dropping peer %s: %s", pe, reason)
	// When stopping, Run disconnects every peer.
	pm.spawn(func() { pm.Disconnect(pe) })
}

// Disconnect closes the connection, cancels and awaits the peer tasks and releases everything held for the peer.
// Calling it more than once is a no-op. Must not be called from the peer's own tasks.
func (pm *PeerManager) Disconnect(pe *peer.Peer) {
	s := pm.session
	t, ok := s.TakeTasks(pe.Addr)
	if !ok {
		return
	}
	t.Cancel()
	pm.m.Lock()
	conn := pm.conns[pe.Addr]
	delete(pm.conns, pe.Addr)
	id, hasID := pm.ids[pe.Addr]
	delete(pm.ids, pe.Addr)
	pm.m.Unlock()
	if conn != nil {
		conn.Close()
	}
	<-t.Done

	if hasID {
		pm.peerIDs.Remove(id)
	}
	if s.RemoveConnected(pe) {
		s.PeerDisconnected.Notify(pe)
	}
	s.PieceManager.RemovePeerPieces(slices.Values(pe.PieceIndices()))
	s.Pending.ReleasePeer(pe.Addr)
	s.RemoveQueue(pe.Addr)
	pm.log.Debugf("disconnected from %s", pe)
}

// DisconnectAll disconnects every peer in parallel and waits.
func (pm *PeerManager) DisconnectAll() {
	var wg sync.WaitGroup
	for addr := range pm.session.AllTasks() {
		pe, ok := pm.session.Peer(addr)
		if !ok {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			pm.Disconnect(pe)
		}()
	}
	wg.Wait()
}

func (pm *PeerManager) handlePeerConnected(pe *peer.Peer) {
	id, _ := pe.ID()
	if !pm.peerIDs.Add(id) {
		pm.Drop(pe, errDuplicatePeer)
		return
	}
	pm.m.Lock()
	pm.ids[pe.Addr] = id
	pm.m.Unlock()
}

// QueueMessage puts msg on the outbound queue of the peer. Returns false if the peer has no queue or it is full.
func (pm *PeerManager) QueueMessage(pe *peer.Peer, msg peerprotocol.Message) bool {
	q, ok := pm.session.Queue(pe.Addr)
	if !ok {
		return false
	}
	if !q.Enqueue(msg) {
		pm.log.Warningf("outbound queue of %s is full, dropping %s message", pe, msg.ID())
		return false
	}
	return true
}

// BroadcastHave queues a have message to every connected peer that does not have the piece.
func (pm *PeerManager) BroadcastHave(index uint32) {
	for _, pe := range pm.session.ConnectedPeers() {
		if !pe.HasPiece(index) {
			pm.QueueMessage(pe, peerprotocol.HaveMessage{Index: index})
		}
	}
}

// QueuePieceRequests requests blocks of the rarest missing pieces the peer has.
func (pm *PeerManager) QueuePieceRequests(pe *peer.Peer) {
	s := pm.session
	if pe.PeerChoking() || !pe.Connected() {
		return
	}
	q, ok := s.Queue(pe.Addr)
	if !ok {
		return
	}
	var candidates []uint32
	for _, i := range pe.PieceIndices() {
		if !s.PieceManager.HasPiece(i) {
			candidates = append(candidates, i)
		}
	}
	var active int
	for _, i := range s.PieceManager.GetRarestPieces(candidates) {
		if active >= pm.config.MaxActivePieces {
			return
		}
		if s.Pending.PieceInFlight(i) >= pm.config.MaxRequestsPerPiece {
			continue
		}
		active++
		for _, b := range s.Pieces[i].MissingBlocks() {
			key := b.Key()
			retry := s.Pending.Has(pe.Addr, key)
			// Requests marked for retry are already counted for the peer but not for the piece.
			if !retry && s.Pending.PeerInFlight(pe.Addr) >= pm.config.MaxRequestsPerPeer {
				return
			}
			if s.Pending.PieceInFlight(i) >= pm.config.MaxRequestsPerPiece {
				break
			}
			// Pending blocks are tracked again only if they are marked for retry.
			if !s.Pending.Track(pe.Addr, key) {
				continue
			}
			if !q.Enqueue(peerprotocol.RequestMessage{Index: key.PieceIndex, Begin: key.Begin, Length: key.Length}) {
				if !retry {
					s.Pending.Complete(pe.Addr, key)
				}
				pm.log.Warningf("outbound queue of %s is full, cannot request more", pe)
				return
			}
		}
	}
}

// FastUnchoke unchokes an interested peer if its score is high enough.
func (pm *PeerManager) FastUnchoke(pe *peer.Peer) {
	if !pe.AmChoking() {
		return
	}
	if unchoker.FastUnchoke(selectionPeer{pe, pm}) {
		pm.log.Debugf("fast unchoked %s", pe)
	}
}

// UpdatePeerStates decays disconnected peers and refreshes metrics, rare piece counts,
// seeder flags and timeouts of connected peers.
func (pm *PeerManager) UpdatePeerStates(ctx context.Context) {
	s := pm.session
	rare := make(map[uint32]struct{})
	for _, i := range s.PieceManager.GetRarePieces() {
		rare[i] = struct{}{}
	}
	now := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(pm.config.UpdateConcurrency)
	for _, pe := range s.KnownPeers() {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if !pe.Connected() {
				pe.ApplyDecay(peer.DecayFactor)
				return nil
			}
			pe.Metrics.Refresh()
			var n int
			for _, i := range pe.PieceIndices() {
				if _, ok := rare[i]; ok {
					n++
				}
			}
			pe.SetRarePieces(n)
			pe.SetSeeder(pe.HasAllPieces())
			if now.Sub(pe.LastReceived()) > pm.config.PeerIdleTimeout {
				pe.IncrTimeouts()
				pm.log.Debugf("peer %s is idle, timeouts: %d", pe, pe.Timeouts())
			}
			return nil
		})
	}
	_ = g.Wait()
}

// UpdatePeerSelection applies the selection policy to connected peers.
// Dropped peers are disconnected and replaced with the best eligible known peers.
func (pm *PeerManager) UpdatePeerSelection(ctx context.Context) {
	s := pm.session
	connected := s.ConnectedPeers()
	peers := make([]selectionPeer, len(connected))
	for i, pe := range connected {
		peers[i] = selectionPeer{pe, pm}
	}
	r := unchoker.Apply(peers)
	for _, p := range r.Dropped {
		pm.log.Debugf("disconnecting low score peer %s", p.Peer)
		pm.Disconnect(p.Peer)
	}
	if len(r.Dropped) == 0 || ctx.Err() != nil {
		return
	}
	var candidates []*peer.Peer
	for _, pe := range s.KnownPeers() {
		if pe.Connected() || s.HasTasks(pe.Addr) || slices.ContainsFunc(r.Dropped, func(p selectionPeer) bool { return p.Peer == pe }) {
			continue
		}
		candidates = append(candidates, pe)
	}
	for _, pe := range unchoker.SelectReplacements(pm.unchoker, candidates, len(r.Dropped)) {
		pm.log.Debugf("connecting replacement peer %s", pe)
		pm.connectAsync(ctx, pe)
	}
}

// selectionPeer sends choke and interest messages when the state changes.
type selectionPeer struct {
	*peer.Peer
	pm *PeerManager
}

func (p selectionPeer) Choke() {
	if p.SetAmChoking(true) {
		p.pm.QueueMessage(p.Peer, peerprotocol.ChokeMessage{})
		if q, ok := p.pm.session.Queue(p.Addr); ok {
			q.CancelPieces()
		}
	}
}

func (p selectionPeer) Unchoke() {
	if p.SetAmChoking(false) {
		p.pm.QueueMessage(p.Peer, peerprotocol.UnchokeMessage{})
	}
}

func (p selectionPeer) Interested() {
	if p.SetAmInterested(true) {
		p.pm.QueueMessage(p.Peer, peerprotocol.InterestedMessage{})
	}
}

func (p selectionPeer) NotInterested() {
	if p.SetAmInterested(false) {
		p.pm.QueueMessage(p.Peer, peerprotocol.NotInterestedMessage{})
	}
}

func (pm *PeerManager) String() string {
	return fmt.Sprintf("peermanager(%s)", pm.session.Name)
}
